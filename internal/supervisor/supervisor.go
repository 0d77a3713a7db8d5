// Package supervisor wires the durable queue, reconciliation engine,
// worker pool, filesystem watcher, and introspection surface together
// with a strict startup order and bounded graceful shutdown. Grounded on
// oss.nandlabs.io/golly/lifecycle's SimpleComponentManager (examples/lifecycle/main.go
// in the pack), which the teacher does not itself use — main.go there
// starts goroutines directly — but which is the natural fit once more
// than one ordered, dependent background subsystem is involved.
package supervisor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"oss.nandlabs.io/golly/lifecycle"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/control"
	"github.com/transcriberd/transcriberd/internal/events"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/metrics"
	"github.com/transcriberd/transcriberd/internal/queue"
	"github.com/transcriberd/transcriberd/internal/reconcile"
	"github.com/transcriberd/transcriberd/internal/watcher"
	"github.com/transcriberd/transcriberd/internal/worker"
)

// ErrShutdownTimeout is returned by Shutdown when in-flight workers did not
// drain within the configured window and were forcibly aborted; the process
// should exit non-zero so the next boot knows to reclaim stalled work.
var ErrShutdownTimeout = errors.New("supervisor: graceful shutdown timed out, workers aborted")

const (
	compStore     = "store"
	compPool      = "worker_pool"
	compWatcher   = "watcher"
	compReconcile = "reconcile"
	compAPI       = "api"
)

// Supervisor owns the component manager and every long-lived subsystem.
type Supervisor struct {
	cfg    *config.Config
	store  queue.Store
	bus    *queue.EventBus
	logger *logging.Logger

	manager lifecycle.ComponentManager
	pool    *worker.Pool
	watch   *watcher.Watcher
	recon   *reconcile.Engine
	hub     *events.WSHub
	surface *control.Surface

	httpServer    *http.Server
	bgCancel      context.CancelFunc
	poolCancel    context.CancelFunc
	watcherCancel context.CancelFunc
	timedOut      atomic.Bool
}

// New builds a Supervisor and registers every component with its
// dependency edges, but does not start anything yet. bus is the same
// EventBus the store publishes lifecycle events on, shared with the
// metrics collectors and the WebSocket bridge.
func New(cfg *config.Config, store queue.Store, bus *queue.EventBus, adapter worker.Transcoder, logger *logging.Logger) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: logger,
		hub:    events.NewWSHub(logger),
	}

	s.pool = worker.New(cfg, store, adapter, logger)
	s.watch = watcher.New(cfg, store, logger)
	s.recon = reconcile.New(cfg, store, logger)
	s.surface = control.New(cfg, store, s.recon, bus, logger)

	s.manager = lifecycle.NewSimpleComponentManager()

	s.manager.Register(&lifecycle.SimpleComponent{
		CompId:    compStore,
		StartFunc: s.startStore,
		StopFunc:  s.stopStore,
	})

	s.manager.Register(&lifecycle.SimpleComponent{
		CompId:    compReconcile,
		StartFunc: s.startReconcile,
		StopFunc:  func() error { return nil },
	})

	s.manager.Register(&lifecycle.SimpleComponent{
		CompId:    compPool,
		StartFunc: s.startPool,
		StopFunc:  s.stopPool,
	})

	s.manager.Register(&lifecycle.SimpleComponent{
		CompId:    compWatcher,
		StartFunc: s.startWatcher,
		StopFunc:  s.stopWatcher,
	})

	s.manager.Register(&lifecycle.SimpleComponent{
		CompId:    compAPI,
		StartFunc: s.startAPI,
		StopFunc:  s.stopAPI,
	})

	// Startup order per spec.md §5: the queue must be reachable before
	// reconciliation can diff it against the filesystem; reconciliation
	// must finish its boot-time sweep before workers start leasing, so
	// orphaned inbox files from a prior run are enqueued first;
	// the watcher starts last among the background workers so it never
	// races reconcile's initial filesystem walk; the API surface depends
	// on everything else so /healthz reflects true readiness.
	must(s.manager.AddDependency(compReconcile, compStore))
	must(s.manager.AddDependency(compPool, compReconcile))
	must(s.manager.AddDependency(compWatcher, compPool))
	must(s.manager.AddDependency(compAPI, compWatcher))

	return s
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func (s *Supervisor) startStore() error {
	_, err := s.store.CountByState(context.Background())
	return err
}

func (s *Supervisor) stopStore() error {
	return s.store.Close(context.Background())
}

func (s *Supervisor) startReconcile() error {
	report, err := s.recon.Run(context.Background())
	if err != nil {
		return err
	}
	s.logger.Info().
		Int("jobs_reconciled", report.JobsReconciled).
		Int("jobs_created", report.JobsCreated).
		Int64("duration_ms", report.DurationMS).
		Msg("supervisor: boot-time reconciliation complete")
	return nil
}

func (s *Supervisor) startPool() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.poolCancel = cancel
	s.pool.Run(ctx)
	return nil
}

// stopPool stops leasing and waits out in-flight jobs, which keep renewing
// their leases until done. Past the shutdown window the subprocesses are
// aborted; the abandoned jobs surface as stalled leases on the next boot.
func (s *Supervisor) stopPool() error {
	if s.poolCancel != nil {
		s.poolCancel()
	}

	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.Worker.GetShutdownTimeout()):
		s.timedOut.Store(true)
		s.logger.Error().Msg("supervisor: shutdown timeout exceeded, aborting in-flight workers")
		s.pool.Abort()
		<-done
		return nil
	}
}

func (s *Supervisor) startWatcher() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.watcherCancel = cancel
	go func() {
		if err := s.watch.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("supervisor: watcher exited with error")
		}
	}()
	return nil
}

func (s *Supervisor) stopWatcher() error {
	if s.watcherCancel != nil {
		s.watcherCancel()
	}
	return nil
}

func (s *Supervisor) startAPI() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.hub.Subscribe(ctx, s.bus)
	metrics.Subscribe(ctx, s.bus)
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Host + ":" + strconv.Itoa(s.cfg.Server.Port),
		Handler:      s.buildMux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("supervisor: http server failed")
		}
	}()
	return nil
}

func (s *Supervisor) stopAPI() error {
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.hub.Stop()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Start brings up every component in dependency order (store, then
// reconcile, then the worker pool, then the watcher, then the API).
// StartAll iterates in registration order; AddDependency edges guard the
// ordering even if registration is reshuffled.
func (s *Supervisor) Start() error {
	return s.manager.StartAll()
}

// Control returns the job control surface consumed by an external API
// layer (retry, delete, set_priority, reactive_requeue, reconcile, ...).
func (s *Supervisor) Control() *control.Surface {
	return s.surface
}

// Shutdown stops components in reverse registration order: the pool stops
// leasing and drains in-flight work, bounded by
// cfg.Worker.GetShutdownTimeout() inside stopPool. Returns
// ErrShutdownTimeout when workers were forcibly aborted so main can exit
// non-zero.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	counts, countErr := s.store.CountByState(ctx)

	done := make(chan error, 1)
	go func() { done <- s.manager.StopAll() }()

	select {
	case err := <-done:
		if s.timedOut.Load() {
			return ErrShutdownTimeout
		}
		if err == nil && countErr == nil {
			s.logger.Info().
				Int("completed", counts[queue.StateCompleted]).
				Int("failed_terminal", counts[queue.StateFailedTerminal]).
				Msg("supervisor: shutdown complete")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPHandler returns the introspection mux (health, metrics, websocket
// events) for tests that want to drive it without a live listener.
func (s *Supervisor) HTTPHandler() http.Handler {
	return s.buildMux()
}
