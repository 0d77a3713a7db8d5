// Package queuetest provides an in-memory queue.Store for unit tests of
// packages that consume the queue (worker, control, reconcile, watcher)
// without requiring a live SurrealDB container. Only store_test.go and the
// integration suite under internal/queue/surrealdb exercise the real
// backing store; everything else can depend on this mock.
package queuetest

import (
	"context"
	"sync"
	"time"

	"github.com/transcriberd/transcriberd/internal/queue"
)

// MockStore is a mutex-guarded, in-memory implementation of queue.Store,
// grounded on the teacher's mockJobQueueStore pattern: a single protected
// map keyed by job ID, scanned linearly by the ordering operations. Good enough for unit tests;
// not meant to exercise the two-band priority pitfall, which belongs to
// the real backing store's own test suite.
type MockStore struct {
	mu     sync.Mutex
	jobs   map[string]*queue.Job
	paused bool
	bus    *queue.EventBus

	// MaxStalled is the number of stall-requeues allowed before the next
	// stall goes FAILED_TERMINAL. Zero means the default of 2. Set it
	// before any DetectStalled call.
	MaxStalled int
}

// NewMockStore creates an empty mock store. Pass an EventBus to observe the
// same lifecycle notifications a real store would publish, or nil to skip.
func NewMockStore(bus *queue.EventBus) *MockStore {
	return &MockStore{jobs: make(map[string]*queue.Job), bus: bus}
}

func (m *MockStore) publish(evt queue.Event) {
	if m.bus == nil {
		return
	}
	evt.Timestamp = time.Now()
	m.bus.Publish(evt)
}

func (m *MockStore) Enqueue(_ context.Context, job *queue.Job) (*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.jobs[job.ID]; ok && !existing.State.Terminal() {
		return existing, nil
	}

	clone := *job
	if clone.State == "" {
		clone.State = queue.StateWaiting
	}
	if clone.EnqueuedAt.IsZero() {
		clone.EnqueuedAt = time.Now()
	}
	m.jobs[clone.ID] = &clone
	m.publish(queue.Event{Type: queue.EventEnqueued, JobID: clone.ID, State: clone.State})
	out := clone
	return &out, nil
}

func (m *MockStore) LeaseNext(_ context.Context, workerID string, leaseDuration int64) (*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return nil, nil
	}

	var best *queue.Job
	for _, j := range m.jobs {
		if j.State != queue.StateWaiting {
			continue
		}
		if best == nil || j.Priority < best.Priority ||
			(j.Priority == best.Priority && j.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = queue.StateActive
	best.AttemptsMade++
	best.LockOwner = workerID
	best.StartedAt = time.Now()
	best.LockExpiresAt = best.StartedAt.Add(time.Duration(leaseDuration) * time.Millisecond)
	m.publish(queue.Event{Type: queue.EventActive, JobID: best.ID, State: best.State})
	out := *best
	return &out, nil
}

func (m *MockStore) Renew(_ context.Context, jobID, workerID string, leaseDuration int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return queue.ErrNotFound
	}
	if j.LockOwner != workerID {
		return queue.ErrLeaseLost
	}
	j.LockExpiresAt = time.Now().Add(time.Duration(leaseDuration) * time.Millisecond)
	return nil
}

func (m *MockStore) Complete(_ context.Context, jobID, workerID, transcriptPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return queue.ErrNotFound
	}
	if j.LockOwner != workerID {
		return queue.ErrLeaseLost
	}
	j.State = queue.StateCompleted
	j.TranscriptPath = transcriptPath
	j.FinishedAt = time.Now()
	j.Progress = 100
	j.ClearError()
	m.publish(queue.Event{Type: queue.EventCompleted, JobID: j.ID, State: j.State})
	return nil
}

func (m *MockStore) Fail(_ context.Context, jobID, workerID string, jobErr *queue.JobError) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return queue.ErrNotFound
	}
	if j.LockOwner != workerID {
		return queue.ErrLeaseLost
	}

	j.ErrorCode = jobErr.Code
	j.ErrorReason = jobErr.Reason
	j.FinishedAt = time.Now()

	if jobErr.Code.Retryable() && j.AttemptsMade < j.MaxAttempts {
		j.State = queue.StateWaiting
	} else {
		j.State = queue.StateFailedTerminal
	}
	m.publish(queue.Event{Type: queue.EventFailed, JobID: j.ID, State: j.State, ErrorCode: jobErr.Code})
	return nil
}

func (m *MockStore) ReportProgress(_ context.Context, jobID, workerID string, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return queue.ErrNotFound
	}
	if j.LockOwner != workerID {
		return queue.ErrLeaseLost
	}
	j.Progress = percent
	return nil
}

func (m *MockStore) DetectStalled(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxStalled := m.MaxStalled
	if maxStalled <= 0 {
		maxStalled = 2
	}

	now := time.Now()
	var affected []string
	for _, j := range m.jobs {
		if j.State != queue.StateActive || !j.LockExpiresAt.Before(now) {
			continue
		}
		j.StalledCount++
		stallErr := queue.NewJobStalledError(j.StalledCount)
		j.ErrorCode = stallErr.Code
		j.ErrorReason = stallErr.Reason
		j.FinishedAt = now
		j.LockOwner = ""
		if j.StalledCount > maxStalled || j.AttemptsMade >= j.MaxAttempts {
			j.State = queue.StateFailedTerminal
		} else {
			j.State = queue.StateWaiting
		}
		affected = append(affected, j.ID)
		m.publish(queue.Event{Type: queue.EventStalled, JobID: j.ID, State: j.State, ErrorCode: queue.ErrJobStalled})
	}
	return affected, nil
}

func (m *MockStore) Retry(_ context.Context, jobID string) (*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	switch j.State {
	case queue.StateWaiting, queue.StateActive:
		out := *j
		return &out, nil
	case queue.StateFailedTerminal:
		j.State = queue.StateWaiting
		j.ClearError()
		out := *j
		return &out, nil
	default:
		return nil, queue.ErrInvalidState
	}
}

func (m *MockStore) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return queue.ErrNotFound
	}
	delete(m.jobs, jobID)
	return nil
}

func (m *MockStore) SetPriority(_ context.Context, jobID string, priority queue.Priority) (*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if j.State != queue.StateWaiting && j.State != queue.StateDelayed {
		return nil, queue.ErrInvalidState
	}
	j.Priority = priority
	out := *j
	return &out, nil
}

func (m *MockStore) Get(_ context.Context, jobID string) (*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	out := *j
	return &out, nil
}

func (m *MockStore) List(_ context.Context, state *queue.State, offset, limit int) ([]*queue.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*queue.Job
	for _, j := range m.jobs {
		if state != nil && j.State != *state {
			continue
		}
		clone := *j
		matched = append(matched, &clone)
	}
	total := len(matched)

	if offset >= total {
		return []*queue.Job{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MockStore) CountByState(_ context.Context) (map[queue.State]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[queue.State]int)
	for _, j := range m.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func (m *MockStore) NonTerminalSourcePaths(_ context.Context) (map[string]*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*queue.Job)
	for _, j := range m.jobs {
		if !j.State.Terminal() {
			clone := *j
			out[j.SourcePath] = &clone
		}
	}
	return out, nil
}

func (m *MockStore) Paused(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused, nil
}

func (m *MockStore) SetPaused(_ context.Context, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
	return nil
}

func (m *MockStore) Close(_ context.Context) error { return nil }

var _ queue.Store = (*MockStore)(nil)
