package worker

import (
	"github.com/gofhir/termserver/expand"
	"github.com/gofhir/termserver/opctx"
)

// Job represents an $expand request to be processed by a worker.
type Job struct {
	// ID is a unique identifier for this job.
	ID string

	// Ctx is the request-scoped operation context for this job.
	Ctx *opctx.Context

	// Request is the normalized expand request to realize.
	Request expand.Request

	// Options contains additional execution options.
	Options *JobOptions

	// reply, when non-nil, receives this job's result directly instead of
	// the pool's shared Results() channel. Used by SubmitWait for a
	// synchronous single-request caller (the HTTP handlers).
	reply chan *JobResult
}

// JobOptions contains optional parameters for an expand job.
type JobOptions struct {
	// ResultCap overrides the pool's default expansion size cap for this
	// job (0 means "use the pool's default").
	ResultCap int
}

// JobResult represents the result of an expand job.
type JobResult struct {
	// ID matches the Job.ID that produced this result.
	ID string

	// Result contains the realized expansion.
	Result *expand.Result

	// Error contains any error that occurred during expansion.
	Error error

	// Duration is the time taken to expand (in nanoseconds).
	Duration int64
}

// BatchResult aggregates results from multiple jobs.
type BatchResult struct {
	// Results contains all job results.
	Results []*JobResult

	// TotalJobs is the number of jobs submitted.
	TotalJobs int

	// CompletedJobs is the number of jobs completed (including errors).
	CompletedJobs int

	// FailedJobs is the number of jobs that failed with an error.
	FailedJobs int

	// TotalDuration is the total time for all expansions (in nanoseconds).
	TotalDuration int64
}

// HasErrors returns true if any job result failed outright.
func (br *BatchResult) HasErrors() bool {
	for _, r := range br.Results {
		if r.Error != nil {
			return true
		}
	}
	return false
}

// PartialCount returns the number of results that had to be truncated.
func (br *BatchResult) PartialCount() int {
	count := 0
	for _, r := range br.Results {
		if r.Result != nil && r.Result.Partial {
			count++
		}
	}
	return count
}
