// Package metrics exposes Prometheus collectors driven by the queue's
// event bus. Grounded on the pack's pkg/metrics package (package-level
// promauto collectors plus Record* helper functions), generalized from
// alert/action counters to job lifecycle counters and gauges.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/transcriberd/transcriberd/internal/queue"
)

var (
	// JobsActive tracks the current number of ACTIVE jobs.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriberd_jobs_active",
		Help: "Number of jobs currently leased by a worker.",
	})

	// JobsWaiting tracks the current number of WAITING (and DELAYED) jobs.
	JobsWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriberd_jobs_waiting",
		Help: "Number of jobs waiting to be leased.",
	})

	// JobsCompletedTotal counts jobs that reached COMPLETED.
	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriberd_jobs_completed_total",
		Help: "Total number of jobs that completed successfully.",
	})

	// JobsFailedTotal counts jobs that reached FAILED_TERMINAL, labeled by
	// the terminal error code.
	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriberd_jobs_failed_total",
		Help: "Total number of jobs that failed terminally, by error code.",
	}, []string{"error_code"})

	// StallRecoveriesTotal counts ACTIVE jobs reclaimed by DetectStalled.
	StallRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriberd_stall_recoveries_total",
		Help: "Total number of jobs reclaimed after a stalled lease.",
	})
)

// Subscribe relays bus events into the collectors above until ctx is
// cancelled. JobsActive/JobsWaiting are adjusted incrementally from
// enqueue/lease/completion/failure transitions rather than recomputed
// from a full CountByState scan on every event.
func Subscribe(ctx context.Context, bus *queue.EventBus) {
	ch, id := bus.Subscribe(256)
	go func() {
		defer bus.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				record(evt)
			}
		}
	}()
}

func record(evt queue.Event) {
	switch evt.Type {
	case queue.EventEnqueued:
		JobsWaiting.Inc()
	case queue.EventActive:
		JobsWaiting.Dec()
		JobsActive.Inc()
	case queue.EventCompleted:
		JobsActive.Dec()
		JobsCompletedTotal.Inc()
	case queue.EventFailed:
		JobsActive.Dec()
		if evt.State == queue.StateFailedTerminal {
			JobsFailedTotal.WithLabelValues(string(evt.ErrorCode)).Inc()
		} else {
			JobsWaiting.Inc()
		}
	case queue.EventStalled:
		StallRecoveriesTotal.Inc()
	}
}
