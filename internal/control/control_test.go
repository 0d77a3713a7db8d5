package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/queue"
	"github.com/transcriberd/transcriberd/internal/queue/queuetest"
	"github.com/transcriberd/transcriberd/internal/reconcile"
)

func testConfig(root string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Inbox.WatchDirectory = root
	cfg.Inbox.FailedDirectory = filepath.Join(root, "..", "failed")
	return cfg
}

func TestSurface_RetryMovesSourceBackFromFailedTree(t *testing.T) {
	root := t.TempDir()
	failedDir := filepath.Join(root, "..", "failed")
	os.MkdirAll(failedDir, 0o755)

	relocated := filepath.Join(failedDir, "talk.wav")
	os.WriteFile(relocated, []byte("audio"), 0o644)

	store := queuetest.NewMockStore(nil)
	source := filepath.Join(root, "talk.wav")
	_, err := store.Enqueue(context.Background(), &queue.Job{ID: "j1", SourcePath: source, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, _ = store.LeaseNext(context.Background(), "w1", 60000)
	if err := store.Fail(context.Background(), "j1", "w1", queue.NewWhisperCrashError(1)); err != nil {
		t.Fatalf("fail: %v", err)
	}
	_, _ = store.LeaseNext(context.Background(), "w1", 60000)
	store.Fail(context.Background(), "j1", "w1", queue.NewWhisperCrashError(1))
	store.LeaseNext(context.Background(), "w1", 60000)
	store.Fail(context.Background(), "j1", "w1", queue.NewWhisperCrashError(1))

	j, _ := store.Get(context.Background(), "j1")
	if j.State != queue.StateFailedTerminal {
		t.Fatalf("expected FAILED_TERMINAL after 3 attempts, got %s", j.State)
	}

	s := New(testConfig(root), store, nil, nil, logging.NewSilent())
	updated, err := s.Retry(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if updated.State != queue.StateWaiting {
		t.Errorf("State = %s, want WAITING", updated.State)
	}
	if _, err := os.Stat(source); err != nil {
		t.Errorf("expected source relocated back to inbox: %v", err)
	}
}

func TestSurface_RetryRefusesCompleted(t *testing.T) {
	store := queuetest.NewMockStore(nil)
	_, _ = store.Enqueue(context.Background(), &queue.Job{ID: "j2", SourcePath: "/tmp/x.wav", MaxAttempts: 3})
	_, _ = store.LeaseNext(context.Background(), "w1", 60000)
	if err := store.Complete(context.Background(), "j2", "w1", "/tmp/x.txt"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	s := New(config.NewDefaultConfig(), store, nil, nil, logging.NewSilent())
	_, err := s.Retry(context.Background(), "j2")
	if err != queue.ErrInvalidState {
		t.Errorf("Retry() error = %v, want ErrInvalidState", err)
	}
}

func TestSurface_DeleteRemovesArtifactsAndRecord(t *testing.T) {
	root := t.TempDir()
	transcript := filepath.Join(root, "talk.txt")
	os.WriteFile(transcript, []byte("hi"), 0o644)

	store := queuetest.NewMockStore(nil)
	_, _ = store.Enqueue(context.Background(), &queue.Job{ID: "j3", SourcePath: filepath.Join(root, "missing.wav"), TranscriptPath: transcript, MaxAttempts: 3})

	s := New(testConfig(root), store, nil, nil, logging.NewSilent())
	if err := s.Delete(context.Background(), "j3"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(context.Background(), "j3"); err != queue.ErrNotFound {
		t.Errorf("expected job gone after delete, got %v", err)
	}
	if _, err := os.Stat(transcript); !os.IsNotExist(err) {
		t.Errorf("expected transcript removed, stat err = %v", err)
	}
}

func TestSurface_HealthStatusComputedOnRead(t *testing.T) {
	store := queuetest.NewMockStore(nil)
	_, _ = store.Enqueue(context.Background(), &queue.Job{ID: "j4", SourcePath: "/tmp/a.wav", MaxAttempts: 3})

	s := New(config.NewDefaultConfig(), store, nil, nil, logging.NewSilent())
	h, err := s.HealthStatus(context.Background(), "j4")
	if err != nil {
		t.Fatalf("HealthStatus failed: %v", err)
	}
	if h != queue.HealthHealthy {
		t.Errorf("HealthStatus() = %s, want Healthy", h)
	}
}

func TestSurface_FacadeOperations(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	cfg.Inbox.OutputDirectory = filepath.Join(root, "..", "output")

	bus := queue.NewEventBus()
	store := queuetest.NewMockStore(bus)
	engine := reconcile.New(cfg, store, logging.NewSilent())
	s := New(cfg, store, engine, bus, logging.NewSilent())

	events, token := s.SubscribeEvents(8)
	defer s.UnsubscribeEvents(token)

	job, err := s.Enqueue(context.Background(), &queue.Job{ID: "f1", SourcePath: filepath.Join(root, "a.wav"), MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.State != queue.StateWaiting {
		t.Errorf("State = %s, want WAITING", job.State)
	}

	select {
	case evt := <-events:
		if evt.Type != queue.EventEnqueued || evt.JobID != "f1" {
			t.Errorf("event = %+v, want enqueued f1", evt)
		}
	default:
		t.Error("expected an enqueued event on the subscriber channel")
	}

	got, err := s.Get(context.Background(), "f1")
	if err != nil || got.ID != "f1" {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	counts, err := s.CountByState(context.Background())
	if err != nil || counts[queue.StateWaiting] != 1 {
		t.Fatalf("CountByState() = %v, %v; want 1 WAITING", counts, err)
	}

	jobs, total, err := s.List(context.Background(), nil, 0, 10)
	if err != nil || total != 1 || len(jobs) != 1 {
		t.Fatalf("List() = %d jobs, total %d, err %v; want 1", len(jobs), total, err)
	}

	if _, err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if err := s.Pause(context.Background()); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if paused, _ := s.Paused(context.Background()); !paused {
		t.Error("expected Paused() true after Pause")
	}
	if leased, _ := store.LeaseNext(context.Background(), "w1", 60000); leased != nil {
		t.Error("expected no lease while paused")
	}
	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if leased, _ := store.LeaseNext(context.Background(), "w1", 60000); leased == nil {
		t.Error("expected a lease after Resume")
	}
}

func TestSurface_ReactiveRequeueReinsertsIntoLeasePool(t *testing.T) {
	store := queuetest.NewMockStore(nil)
	_, _ = store.Enqueue(context.Background(), &queue.Job{ID: "j5", SourcePath: "/tmp/b.wav", MaxAttempts: 3})
	_, _ = store.LeaseNext(context.Background(), "w1", 60000)
	store.Fail(context.Background(), "j5", "w1", queue.NewWhisperCrashError(1))
	_, _ = store.LeaseNext(context.Background(), "w1", 60000)
	store.Fail(context.Background(), "j5", "w1", queue.NewWhisperCrashError(1))
	_, _ = store.LeaseNext(context.Background(), "w1", 60000)
	store.Fail(context.Background(), "j5", "w1", queue.NewWhisperCrashError(1))

	s := New(config.NewDefaultConfig(), store, nil, nil, logging.NewSilent())
	if _, err := s.ReactiveRequeue(context.Background(), "j5"); err != nil {
		t.Fatalf("ReactiveRequeue failed: %v", err)
	}

	leased, err := store.LeaseNext(context.Background(), "w2", 60000)
	if err != nil {
		t.Fatalf("LeaseNext failed: %v", err)
	}
	if leased == nil || leased.ID != "j5" {
		t.Error("expected reactive_requeue to make the job immediately leasable again")
	}
}
