// Package control implements the Job Control Surface: the operator-facing
// operations exposed on top of the durable queue (retry, delete,
// set_priority, reactive_requeue, health_status).
package control

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/pathutil"
	"github.com/transcriberd/transcriberd/internal/queue"
	"github.com/transcriberd/transcriberd/internal/reconcile"
)

// Surface implements spec.md §4.6's operations and the in-process facade an
// external HTTP layer consumes (enqueue, reconcile, list, counts, events).
// It sits above queue.Store rather than inside it because several operations
// (retry's filesystem relocation, reactive_requeue's active reinsertion,
// reconcile's filesystem walk) have effects beyond a single state
// transition. Process shutdown is the Supervisor's operation, not this
// surface's.
type Surface struct {
	cfg    *config.Config
	store  queue.Store
	recon  *reconcile.Engine
	bus    *queue.EventBus
	logger *logging.Logger
}

// New creates a control surface over store. recon and bus may be nil in
// tests that exercise only the per-job operations.
func New(cfg *config.Config, store queue.Store, recon *reconcile.Engine, bus *queue.EventBus, logger *logging.Logger) *Surface {
	return &Surface{cfg: cfg, store: store, recon: recon, bus: bus, logger: logger}
}

// Enqueue submits a job; the store's deterministic-id idempotence makes a
// duplicate submission return the existing job.
func (s *Surface) Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, error) {
	return s.store.Enqueue(ctx, job)
}

// Get fetches a single job record.
func (s *Surface) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	return s.store.Get(ctx, jobID)
}

// List returns a paginated view, optionally filtered by state.
func (s *Surface) List(ctx context.Context, state *queue.State, offset, limit int) ([]*queue.Job, int, error) {
	return s.store.List(ctx, state, offset, limit)
}

// CountByState returns totals across all states, both priority bands
// included.
func (s *Surface) CountByState(ctx context.Context) (map[queue.State]int, error) {
	return s.store.CountByState(ctx)
}

// Reconcile runs an on-demand reconciliation pass. A pass already in flight
// is refused with queue.ErrAlreadyInFlight rather than queued.
func (s *Surface) Reconcile(ctx context.Context) (*queue.ReconciliationReport, error) {
	return s.recon.Run(ctx)
}

// SubscribeEvents registers a lifecycle-event subscriber channel; the
// returned token releases it via UnsubscribeEvents.
func (s *Surface) SubscribeEvents(buffer int) (<-chan queue.Event, int) {
	return s.bus.Subscribe(buffer)
}

// UnsubscribeEvents removes and closes a subscriber channel.
func (s *Surface) UnsubscribeEvents(id int) {
	s.bus.Unsubscribe(id)
}

// Pause stops lease_next from handing out work; Resume re-enables it.
func (s *Surface) Pause(ctx context.Context) error {
	return s.store.SetPaused(ctx, true)
}

// Resume re-enables consumption after a Pause.
func (s *Surface) Resume(ctx context.Context) error {
	return s.store.SetPaused(ctx, false)
}

// Paused reports whether consumption is currently paused.
func (s *Surface) Paused(ctx context.Context) (bool, error) {
	return s.store.Paused(ctx)
}

// Retry requires FAILED_TERMINAL (idempotent no-op for WAITING/ACTIVE,
// refused for COMPLETED). If the source was relocated to the failed tree,
// it is moved back to the inbox before the job is reset to WAITING.
func (s *Surface) Retry(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, queue.ErrNotFound
	}

	wasFailed := job.State == queue.StateFailedTerminal

	updated, err := s.store.Retry(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if wasFailed {
		rel, relErr := pathutil.RelativeTo(s.cfg.Inbox.WatchDirectory, job.SourcePath)
		if relErr == nil {
			failedPath := filepath.Join(s.cfg.Inbox.FailedDirectory, rel)
			if pathutil.Exists(failedPath) {
				if err := pathutil.Move(failedPath, job.SourcePath); err != nil {
					s.logger.Warn().Err(err).Str("path", failedPath).Msg("control: failed to relocate source back to inbox on retry")
				}
			}
		}
	}
	return updated, nil
}

// Delete best-effort unlinks the transcript and source artifacts (ignoring
// missing files) and removes the queue record.
func (s *Surface) Delete(ctx context.Context, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return queue.ErrNotFound
	}

	for _, path := range []string{job.TranscriptPath, job.SourcePath} {
		if path == "" || !pathutil.Exists(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("control: best-effort artifact removal failed")
		}
	}

	return s.store.Delete(ctx, jobID)
}

// SetPriority requires State ∈ {WAITING, DELAYED}.
func (s *Surface) SetPriority(ctx context.Context, jobID string, priority queue.Priority) (*queue.Job, error) {
	return s.store.SetPriority(ctx, jobID, priority)
}

// ReactiveRequeue handles an external actor setting a job's status to
// WAITING through the API: per spec.md §4.6, a passive state mutation is
// forbidden — the job must be actively reinserted into the dispatch pool.
// Store.Retry already reinserts via the same WAITING transition lease_next
// consults, so this and Retry share an implementation and idempotence
// matrix, per the Open Question in spec.md §9 ("treat them as two
// operations with the same final effect and the same idempotence rules").
func (s *Surface) ReactiveRequeue(ctx context.Context, jobID string) (*queue.Job, error) {
	return s.Retry(ctx, jobID)
}

// HealthStatus computes the job's health on read, never stored.
func (s *Surface) HealthStatus(ctx context.Context, jobID string) (queue.HealthStatus, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return queue.HealthUnknown, err
	}
	if job == nil {
		return queue.HealthUnknown, queue.ErrNotFound
	}
	return queue.ComputeHealth(job, time.Now(), s.cfg.Queue.GetStallScanInterval()), nil
}
