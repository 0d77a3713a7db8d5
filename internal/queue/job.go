// Package queue defines the durable job model and the Store contract that
// backs transcriberd's job lifecycle engine.
package queue

import "time"

// Priority is the dispatch priority of a job. Lower values are dequeued first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String renders the priority for logging.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Band is the priority partition a job belongs to. The durable store keeps
// the "prioritized" band (URGENT, HIGH) in a separate index from the
// "waiting" band (NORMAL, LOW); lease_next, count_by_state, and list must
// consult both.
type Band string

const (
	BandPrioritized Band = "prioritized"
	BandWaiting     Band = "waiting"
)

// Band reports which index a priority lives in.
func (p Priority) Band() Band {
	if p == PriorityUrgent || p == PriorityHigh {
		return BandPrioritized
	}
	return BandWaiting
}

// State is a job's position in the durable queue state machine.
type State string

const (
	StateWaiting        State = "WAITING"
	StateDelayed        State = "DELAYED"
	StateActive         State = "ACTIVE"
	StateCompleted      State = "COMPLETED"
	StateFailedTerminal State = "FAILED_TERMINAL"
)

// Terminal reports whether a state is COMPLETED or FAILED_TERMINAL.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailedTerminal
}

// NonTerminalStates lists every state a job may occupy before reaching a
// terminal outcome. Used by the store's NonTerminalSourcePaths, which
// reconciliation relies on.
var NonTerminalStates = []State{StateWaiting, StateDelayed, StateActive}

// AllStates lists every state in the machine, terminal and non-terminal.
var AllStates = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailedTerminal}

// Job is one transcription attempt-chain for one source file.
type Job struct {
	ID             string
	SourcePath     string
	DisplayName    string
	SizeBytes      int64
	MTimeMS        int64
	Priority       Priority
	State          State
	AttemptsMade   int
	MaxAttempts    int
	StalledCount   int
	Progress       int
	ErrorCode      ErrorCode
	ErrorReason    string
	EnqueuedAt     time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	LockOwner      string
	LockExpiresAt  time.Time
	TranscriptPath string
}

// HasLock reports whether the job currently has a live, unexpired lease.
func (j *Job) HasLock(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpiresAt.After(now)
}

// ClearError resets the job's error fields, performed on retry/recovery.
func (j *Job) ClearError() {
	j.ErrorCode = ""
	j.ErrorReason = ""
}

// HealthStatus is the computed-on-read health of a job, per §4.8 of the spec.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "Healthy"
	HealthStalled   HealthStatus = "Stalled"
	HealthRecovered HealthStatus = "Recovered"
	HealthUnknown   HealthStatus = "Unknown"
)

// ComputeHealth is a pure function of a job record and the current time.
// It is never stored; callers must invoke it at read time.
func ComputeHealth(j *Job, now time.Time, stalledInterval time.Duration) HealthStatus {
	if j == nil {
		return HealthUnknown
	}
	switch j.State {
	case StateActive:
		if !j.StartedAt.IsZero() && now.Sub(j.StartedAt) > stalledInterval {
			return HealthStalled
		}
		return HealthHealthy
	case StateCompleted:
		if j.AttemptsMade > 1 {
			return HealthRecovered
		}
		return HealthHealthy
	case StateWaiting, StateDelayed:
		return HealthHealthy
	default:
		return HealthUnknown
	}
}

// ReconciliationReport is the value produced by one reconciliation pass.
type ReconciliationReport struct {
	FilesScanned        int
	JobsCreated         int
	PartialFilesDeleted int
	JobsReconciled      int
	DurationMS          int64
}
