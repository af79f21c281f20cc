// Package worker bounds the concurrency of $expand processing with a fixed
// pool of worker goroutines, so a burst of expensive expansions can't starve
// the server of CPU or memory.
//
// Example usage:
//
//	// Create a worker pool with 4 workers
//	pool := worker.NewPool(expander, 4)
//	defer pool.Close()
//
//	// Submit jobs
//	for _, req := range requests {
//	    pool.Submit(worker.Job{
//	        ID:      "job-1",
//	        Ctx:     opctx.Acquire(ctx),
//	        Request: req,
//	    })
//	}
//
//	// Collect results
//	for result := range pool.Results() {
//	    if result.Error != nil {
//	        // Handle error
//	    }
//	    // Process result.Result
//	}
package worker
