// Package stream provides a streaming reader for FHIR Bundles of
// terminology resources (CodeSystem, ValueSet): the shape a deployment
// drops into the server at startup, or posts as a tx-resource payload too
// large to decode whole. Each entry's resourceType is probed with
// jsonparser before any full unmarshal happens, so a Bundle mixed with
// other resource types (or a handful of huge CodeSystems among many small
// ValueSets) doesn't pay the full decode cost for entries this server has
// no use for.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/buger/jsonparser"
	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/termserver/resource"
)

// EntryResult is what one Bundle entry yields: exactly one of CodeSystem or
// ValueSet is set when ResourceType names one of those two types and the
// entry parsed cleanly; both are nil for any other resource type (the
// entry is still reported, with Skipped=true, so a caller can account for
// everything the Bundle contained).
type EntryResult struct {
	Index        int
	FullURL      string
	ResourceType string

	CodeSystem *resource.CodeSystem
	ValueSet   *resource.ValueSet
	Skipped    bool

	Error error
}

// BundleLoader streams terminology resources out of a Bundle document.
type BundleLoader struct {
	bufferSize  int
	workerCount int
}

// NewBundleLoader creates a streaming Bundle loader with default buffering
// and parallelism; see WithBufferSize/WithWorkerCount to override either.
func NewBundleLoader() *BundleLoader {
	return &BundleLoader{bufferSize: 100, workerCount: 4}
}

// WithBufferSize sets the result channel's buffer size.
func (l *BundleLoader) WithBufferSize(size int) *BundleLoader {
	if size > 0 {
		l.bufferSize = size
	}
	return l
}

// WithWorkerCount sets the parallelism LoadStreamParallel uses.
func (l *BundleLoader) WithWorkerCount(count int) *BundleLoader {
	if count > 0 {
		l.workerCount = count
	}
	return l
}

// LoadStream reads a Bundle from r, emitting one EntryResult per entry in
// document order as each is decoded.
func (l *BundleLoader) LoadStream(ctx context.Context, r io.Reader) <-chan *EntryResult {
	results := make(chan *EntryResult, l.bufferSize)

	go func() {
		defer close(results)

		decoder := json.NewDecoder(r)

		token, err := decoder.Token()
		if err != nil {
			results <- &EntryResult{Index: -1, Error: fmt.Errorf("failed to read bundle: %w", err)}
			return
		}
		if delim, ok := token.(json.Delim); !ok || delim != '{' {
			results <- &EntryResult{Index: -1, Error: fmt.Errorf("expected object start, got %v", token)}
			return
		}

		for decoder.More() {
			select {
			case <-ctx.Done():
				results <- &EntryResult{Index: -1, Error: ctx.Err()}
				return
			default:
			}

			token, err := decoder.Token()
			if err != nil {
				results <- &EntryResult{Index: -1, Error: fmt.Errorf("failed to read field: %w", err)}
				return
			}

			fieldName, ok := token.(string)
			if !ok {
				continue
			}

			if fieldName == "entry" {
				l.processEntries(ctx, decoder, results)
				return
			}

			var skip any
			if err := decoder.Decode(&skip); err != nil {
				results <- &EntryResult{Index: -1, Error: fmt.Errorf("failed to skip field %s: %w", fieldName, err)}
				return
			}
		}
	}()

	return results
}

func (l *BundleLoader) processEntries(ctx context.Context, decoder *json.Decoder, results chan<- *EntryResult) {
	token, err := decoder.Token()
	if err != nil {
		results <- &EntryResult{Index: -1, Error: fmt.Errorf("failed to read entry array: %w", err)}
		return
	}
	if delim, ok := token.(json.Delim); !ok || delim != '[' {
		results <- &EntryResult{Index: -1, Error: fmt.Errorf("expected array start, got %v", token)}
		return
	}

	index := 0
	for decoder.More() {
		select {
		case <-ctx.Done():
			results <- &EntryResult{Index: index, Error: ctx.Err()}
			return
		default:
		}

		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			results <- &EntryResult{Index: index, Error: fmt.Errorf("failed to decode entry %d: %w", index, err)}
			index++
			continue
		}

		results <- processEntry(raw, index)
		index++
	}
}

// processEntry probes the entry's resource.resourceType with jsonparser
// before deciding whether to pay for a full r4 unmarshal: a Patient or
// Observation entry costs one small byte-slice scan instead of a full
// struct decode it would be thrown away.
func processEntry(raw []byte, index int) *EntryResult {
	result := &EntryResult{Index: index}

	if fullURL, err := jsonparser.GetString(raw, "fullUrl"); err == nil {
		result.FullURL = fullURL
	}

	resourceBytes, _, _, err := jsonparser.Get(raw, "resource")
	if err != nil {
		result.Skipped = true
		return result
	}

	rt, err := jsonparser.GetString(resourceBytes, "resourceType")
	if err != nil {
		result.Error = fmt.Errorf("entry %d: resource has no resourceType: %w", index, err)
		return result
	}
	result.ResourceType = rt

	switch rt {
	case "CodeSystem":
		var cs r4.CodeSystem
		if err := json.Unmarshal(resourceBytes, &cs); err != nil {
			result.Error = fmt.Errorf("entry %d: decoding CodeSystem: %w", index, err)
			return result
		}
		result.CodeSystem = resource.FromR4CodeSystem(&cs)
	case "ValueSet":
		var vs r4.ValueSet
		if err := json.Unmarshal(resourceBytes, &vs); err != nil {
			result.Error = fmt.Errorf("entry %d: decoding ValueSet: %w", index, err)
			return result
		}
		result.ValueSet = resource.FromR4ValueSet(&vs)
	default:
		result.Skipped = true
	}

	return result
}

// LoadStreamParallel behaves like LoadStream but decodes the whole Bundle
// up front and fans entry processing out across WorkerCount goroutines,
// reordering results back into document order before emitting them. Pick
// this over LoadStream when the Bundle is small enough to hold entirely in
// memory and CodeSystem decoding (the expensive case: large concept trees)
// dominates wall-clock time.
func (l *BundleLoader) LoadStreamParallel(ctx context.Context, r io.Reader) <-chan *EntryResult {
	results := make(chan *EntryResult, l.bufferSize)

	go func() {
		defer close(results)

		var bundle struct {
			Entry []json.RawMessage `json:"entry"`
		}
		if err := json.NewDecoder(r).Decode(&bundle); err != nil {
			results <- &EntryResult{Index: -1, Error: fmt.Errorf("failed to decode bundle: %w", err)}
			return
		}

		type workItem struct {
			index int
			raw   json.RawMessage
		}

		workChan := make(chan workItem, l.bufferSize)
		resultChan := make(chan *EntryResult, l.bufferSize)

		var wg sync.WaitGroup
		for i := 0; i < l.workerCount; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for work := range workChan {
					select {
					case <-ctx.Done():
						return
					default:
					}
					resultChan <- processEntry(work.raw, work.index)
				}
			}()
		}

		go func() {
			for i, e := range bundle.Entry {
				select {
				case workChan <- workItem{index: i, raw: e}:
				case <-ctx.Done():
				}
			}
			close(workChan)
			wg.Wait()
			close(resultChan)
		}()

		pending := make(map[int]*EntryResult)
		nextIndex := 0
		total := len(bundle.Entry)

		for result := range resultChan {
			pending[result.Index] = result
			for {
				if r, ok := pending[nextIndex]; ok {
					results <- r
					delete(pending, nextIndex)
					nextIndex++
				} else {
					break
				}
			}
			if nextIndex >= total {
				break
			}
		}
		for nextIndex < total {
			if r, ok := pending[nextIndex]; ok {
				results <- r
				delete(pending, nextIndex)
			}
			nextIndex++
		}
	}()

	return results
}

// BundleLoadResult aggregates a completed LoadStream/LoadStreamParallel run.
type BundleLoadResult struct {
	TotalEntries     int
	CodeSystems      []*resource.CodeSystem
	ValueSets        []*resource.ValueSet
	SkippedCount     int
	ProcessingErrors []error
}

// Aggregate drains results into a BundleLoadResult.
func Aggregate(results <-chan *EntryResult) *BundleLoadResult {
	agg := &BundleLoadResult{}

	for result := range results {
		if result.Error != nil {
			agg.ProcessingErrors = append(agg.ProcessingErrors, result.Error)
			continue
		}
		if result.Index < 0 {
			continue
		}
		agg.TotalEntries++

		switch {
		case result.CodeSystem != nil:
			agg.CodeSystems = append(agg.CodeSystems, result.CodeSystem)
		case result.ValueSet != nil:
			agg.ValueSets = append(agg.ValueSets, result.ValueSet)
		default:
			agg.SkippedCount++
		}
	}

	return agg
}

// HasErrors reports whether any entry failed to process.
func (r *BundleLoadResult) HasErrors() bool {
	return len(r.ProcessingErrors) > 0
}

// Summary returns a human-readable one-line account of the load.
func (r *BundleLoadResult) Summary() string {
	return fmt.Sprintf(
		"loaded %d entries: %d CodeSystems, %d ValueSets, %d skipped, %d errors",
		r.TotalEntries, len(r.CodeSystems), len(r.ValueSets), r.SkippedCount, len(r.ProcessingErrors),
	)
}
