package queue

import "context"

// Store is the durable queue abstraction. Implementations must provide
// per-job records, per-state indices (including a separate prioritized
// index if the backing store distinguishes one — both must be consulted
// by LeaseNext, CountByState, and List), and a lease mechanism with expiry.
type Store interface {
	// Enqueue inserts job in WAITING if no non-terminal job with the same
	// id exists; otherwise returns the existing job unchanged (identity
	// determinism, invariant 1).
	Enqueue(ctx context.Context, job *Job) (*Job, error)

	// LeaseNext returns the highest-priority WAITING job (ties broken by
	// EnqueuedAt ascending), transitions it to ACTIVE, sets the lease, and
	// increments AttemptsMade. Returns (nil, nil) if none is available.
	// Implementations must merge both the prioritized and waiting bands.
	LeaseNext(ctx context.Context, workerID string, leaseDuration int64) (*Job, error)

	// Renew extends the lease on job_id. Returns ErrLeaseLost if workerID
	// no longer owns the lease.
	Renew(ctx context.Context, jobID, workerID string, leaseDuration int64) error

	// Complete transitions job_id to COMPLETED and clears error fields.
	// Returns ErrLeaseLost if workerID no longer owns the lease.
	Complete(ctx context.Context, jobID, workerID, transcriptPath string) error

	// Fail records the error on job_id and transitions it to WAITING (if
	// retryable and under max_attempts) or FAILED_TERMINAL otherwise.
	// Returns ErrLeaseLost if workerID no longer owns the lease.
	Fail(ctx context.Context, jobID, workerID string, jobErr *JobError) error

	// ReportProgress writes a coarse completion percentage onto the job
	// record. Returns ErrLeaseLost if workerID no longer owns the lease.
	ReportProgress(ctx context.Context, jobID, workerID string, percent int) error

	// DetectStalled scans for ACTIVE jobs whose lease has expired and
	// applies the same policy as Fail with ERR_JOB_STALLED. Returns the
	// ids of jobs it acted on.
	DetectStalled(ctx context.Context) ([]string, error)

	// Retry requires state FAILED_TERMINAL; clears error fields and resets
	// to WAITING. Idempotent (success, no-op) for WAITING/ACTIVE. Returns
	// ErrInvalidState for COMPLETED.
	Retry(ctx context.Context, jobID string) (*Job, error)

	// Delete removes the job record. Does not touch filesystem artifacts.
	Delete(ctx context.Context, jobID string) error

	// SetPriority repositions a WAITING or DELAYED job in the priority
	// index. Must work across both the prioritized and waiting bands.
	SetPriority(ctx context.Context, jobID string, priority Priority) (*Job, error)

	// Get fetches a single job by id.
	Get(ctx context.Context, jobID string) (*Job, error)

	// List returns a paginated view, optionally filtered by state.
	List(ctx context.Context, state *State, offset, limit int) ([]*Job, int, error)

	// CountByState returns accurate totals across all states, including
	// any priority-indexed variant.
	CountByState(ctx context.Context) (map[State]int, error)

	// NonTerminalSourcePaths returns the source_path of every job in a
	// non-terminal state. Used by the Reconciliation Engine to diff
	// against the on-disk inbox.
	NonTerminalSourcePaths(ctx context.Context) (map[string]*Job, error)

	// Paused reports whether consumption is currently paused.
	Paused(ctx context.Context) (bool, error)

	// SetPaused toggles whether the store accepts new leases.
	SetPaused(ctx context.Context, paused bool) error

	// Close releases the store's underlying connection.
	Close(ctx context.Context) error
}
