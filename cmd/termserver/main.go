// Package main implements the termserver CLI: a standalone FHIR terminology
// server process. It loads any seed Bundles named on the command line,
// starts listening, and serves the $expand/$validate-code/$lookup/$subsumes
// operations described in this module until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ts "github.com/gofhir/termserver"
	"github.com/gofhir/termserver/engine"
	"github.com/gofhir/termserver/httpapi"
	"github.com/gofhir/termserver/pkg/logger"
	"github.com/gofhir/termserver/stream"
)

const (
	version = "0.1.0"
	usage   = `termserver - FHIR terminology server

Usage:
  termserver [options] [bundle.json ...]

Examples:
  termserver -addr :8080 codesystems.json valuesets.json
  termserver -workers 8 -log-level debug seed/*.json

Options:
`
)

// Config holds the CLI's flags, separate from ts.Options so the process's
// own concerns (listen address, seed files) don't leak into the engine's.
type Config struct {
	Addr               string
	Workers            int
	LogLevel           string
	DefaultDeadline    time.Duration
	ResourceCacheMaxAge time.Duration
	ExpansionCacheTTL  time.Duration
	AllowDebugBypass   bool
	ShowVersion        bool
	Help               bool
	SeedFiles          []string
}

func main() {
	cfg := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("termserver v%s\n", version)
		os.Exit(0)
	}
	if cfg.Help {
		flag.Usage()
		os.Exit(0)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "termserver:", err)
		os.Exit(1)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Addr, "addr", ":8080", "listen address")
	flag.IntVar(&cfg.Workers, "workers", 0, "$expand worker pool size (0: runtime.NumCPU())")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error, none")
	flag.DurationVar(&cfg.DefaultDeadline, "deadline", 10*time.Second, "default per-operation deadline")
	flag.DurationVar(&cfg.ResourceCacheMaxAge, "resource-cache-max-age", time.Hour, "resource cache eviction age")
	flag.DurationVar(&cfg.ExpansionCacheTTL, "expansion-cache-ttl", time.Hour, "expansion cache eviction age")
	flag.BoolVar(&cfg.AllowDebugBypass, "allow-debug-bypass", false, "permit the per-request debug deadline/cache bypass")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "show version")
	flag.BoolVar(&cfg.Help, "help", false, "show help")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}

	flag.Parse()
	cfg.SeedFiles = flag.Args()
	return cfg
}

func run(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []ts.Option{
		ts.WithLogLevel(cfg.LogLevel),
		ts.WithDefaultDeadline(cfg.DefaultDeadline),
		ts.WithResourceCacheMaxAge(cfg.ResourceCacheMaxAge),
		ts.WithExpansionCacheTTL(cfg.ExpansionCacheTTL),
		ts.WithAllowDebugBypass(cfg.AllowDebugBypass),
	}
	if cfg.Workers > 0 {
		opts = append(opts, ts.WithWorkerCount(cfg.Workers))
	}

	eng, err := engine.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}
	defer eng.Close()

	log := logger.Default()

	if err := seed(ctx, eng, cfg.SeedFiles); err != nil {
		return fmt.Errorf("seeding resources: %w", err)
	}
	log.Info("loaded %d code systems", len(eng.Systems()))

	srv := httpapi.NewServer(eng)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Addr); err != nil {
			errCh <- err
		}
	}()
	log.Info("listening on %s", cfg.Addr)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}
	return nil
}

// seed loads every named Bundle file into the engine's registry. A file
// that fails to open is a fatal startup error; a resource within a file
// that fails to parse is logged and skipped, since one malformed entry in
// a large seed Bundle shouldn't block every other resource in it.
func seed(ctx context.Context, eng *engine.Engine, files []string) error {
	log := logger.Default()
	loader := stream.NewBundleLoader()

	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}

		result := stream.Aggregate(loader.LoadStream(ctx, f))
		f.Close()

		if result.HasErrors() {
			var msgs []string
			for _, e := range result.ProcessingErrors {
				msgs = append(msgs, e.Error())
			}
			log.Warn("%s: %s (%s)", path, result.Summary(), strings.Join(msgs, "; "))
		} else {
			log.Info("%s: %s", path, result.Summary())
		}

		for _, cs := range result.CodeSystems {
			if err := eng.RegisterCodeSystem(cs); err != nil {
				log.Warn("%s: registering code system %s: %v", path, cs.URL, err)
			}
		}
		for _, vs := range result.ValueSets {
			if err := eng.RegisterValueSet(vs); err != nil {
				log.Warn("%s: registering value set %s: %v", path, vs.URL, err)
			}
		}
	}
	return nil
}
