package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/transcriberd/transcriberd/internal/queue"
)

func TestSubscribe_TracksActiveAndWaitingGauges(t *testing.T) {
	bus := queue.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Subscribe(ctx, bus)

	initialActive := testutil.ToFloat64(JobsActive)
	initialWaiting := testutil.ToFloat64(JobsWaiting)

	bus.Publish(queue.Event{Type: queue.EventEnqueued, JobID: "j1", State: queue.StateWaiting})
	bus.Publish(queue.Event{Type: queue.EventActive, JobID: "j1", State: queue.StateActive})

	waitFor(t, func() bool {
		return testutil.ToFloat64(JobsActive) == initialActive+1.0
	})
	if got := testutil.ToFloat64(JobsWaiting); got != initialWaiting {
		t.Errorf("JobsWaiting = %v, want unchanged at %v after enqueue+lease", got, initialWaiting)
	}
}

func TestSubscribe_CompletedIncrementsCounter(t *testing.T) {
	bus := queue.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Subscribe(ctx, bus)

	initial := testutil.ToFloat64(JobsCompletedTotal)
	bus.Publish(queue.Event{Type: queue.EventCompleted, JobID: "j2", State: queue.StateCompleted})

	waitFor(t, func() bool {
		return testutil.ToFloat64(JobsCompletedTotal) == initial+1.0
	})
}

func TestSubscribe_TerminalFailureIncrementsLabeledCounter(t *testing.T) {
	bus := queue.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Subscribe(ctx, bus)

	initial := testutil.ToFloat64(JobsFailedTotal.WithLabelValues(string(queue.ErrWhisperCrash)))
	bus.Publish(queue.Event{Type: queue.EventFailed, JobID: "j3", State: queue.StateFailedTerminal, ErrorCode: queue.ErrWhisperCrash})

	waitFor(t, func() bool {
		return testutil.ToFloat64(JobsFailedTotal.WithLabelValues(string(queue.ErrWhisperCrash))) == initial+1.0
	})
}

func TestSubscribe_StalledIncrementsRecoveryCounter(t *testing.T) {
	bus := queue.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Subscribe(ctx, bus)

	initial := testutil.ToFloat64(StallRecoveriesTotal)
	bus.Publish(queue.Event{Type: queue.EventStalled, JobID: "j4", State: queue.StateWaiting})

	waitFor(t, func() bool {
		return testutil.ToFloat64(StallRecoveriesTotal) == initial+1.0
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
