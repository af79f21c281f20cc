package worker

import (
	"context"
	"runtime"
	"sync"

	"github.com/gofhir/termserver/expand"
	"github.com/gofhir/termserver/opctx"
)

// BatchExpander provides a simple interface for expanding many value sets
// without going through the full Pool/Job plumbing, useful for a startup
// warm-up pass over a package's ValueSets.
type BatchExpander struct {
	expand  BatchExpandFunc
	workers int
}

// BatchExpandFunc is the function signature for expanding a single request.
type BatchExpandFunc func(ctx *opctx.Context, req expand.Request) (*expand.Result, error)

// NewBatchExpander creates a new batch expander.
func NewBatchExpander(expandFunc BatchExpandFunc, workers int) *BatchExpander {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &BatchExpander{expand: expandFunc, workers: workers}
}

// ExpandBatch expands multiple requests, sequentially for small batches and
// in parallel (bounded by workers) above that threshold.
func (be *BatchExpander) ExpandBatch(ctx context.Context, requests []expand.Request) *BatchResult {
	if len(requests) == 0 {
		return &BatchResult{Results: make([]*JobResult, 0)}
	}

	if len(requests) <= 2 {
		return be.expandSequential(ctx, requests)
	}
	return be.expandParallel(ctx, requests)
}

func (be *BatchExpander) expandSequential(ctx context.Context, requests []expand.Request) *BatchResult {
	results := make([]*JobResult, 0, len(requests))

	for _, req := range requests {
		select {
		case <-ctx.Done():
			return &BatchResult{Results: results, TotalJobs: len(requests), CompletedJobs: len(results)}
		default:
		}

		oc := opctx.Acquire(ctx)
		result, err := be.expand(oc, req)
		oc.Release()
		results = append(results, &JobResult{Result: result, Error: err})
	}

	return &BatchResult{Results: results, TotalJobs: len(requests), CompletedJobs: len(results)}
}

func (be *BatchExpander) expandParallel(ctx context.Context, requests []expand.Request) *BatchResult {
	numWorkers := be.workers
	if numWorkers > len(requests) {
		numWorkers = len(requests)
	}

	jobs := make(chan indexedRequest, len(requests))
	resultsChan := make(chan *indexedResult, len(requests))

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for job := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}

				oc := opctx.Acquire(ctx)
				result, err := be.expand(oc, job.request)
				oc.Release()
				resultsChan <- &indexedResult{index: job.index, result: result, err: err}
			}
		}()
	}

	go func() {
		for i, req := range requests {
			select {
			case <-ctx.Done():
				break
			case jobs <- indexedRequest{index: i, request: req}:
			}
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]*JobResult, len(requests))
	completed := 0
	failed := 0

	for ir := range resultsChan {
		results[ir.index] = &JobResult{Result: ir.result, Error: ir.err}
		completed++
		if ir.err != nil {
			failed++
		}
	}

	return &BatchResult{Results: results, TotalJobs: len(requests), CompletedJobs: completed, FailedJobs: failed}
}

type indexedRequest struct {
	index   int
	request expand.Request
}

type indexedResult struct {
	index  int
	result *expand.Result
	err    error
}

// ExpandBatchSimple is a convenience function for batch expansion.
func ExpandBatchSimple(ctx context.Context, expandFunc BatchExpandFunc, requests []expand.Request) *BatchResult {
	be := NewBatchExpander(expandFunc, runtime.NumCPU())
	return be.ExpandBatch(ctx, requests)
}
