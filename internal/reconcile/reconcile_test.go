package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/queue"
	"github.com/transcriberd/transcriberd/internal/queue/queuetest"
)

func testConfig(root string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Inbox.WatchDirectory = root
	cfg.Inbox.OutputDirectory = filepath.Join(root, "..", "output")
	cfg.Inbox.CompletedDirectory = filepath.Join(root, "..", "completed")
	cfg.Inbox.MinFileSizeBytes = 1
	return cfg
}

func TestEngine_EnqueuesOrphanedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "talk.wav")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	store := queuetest.NewMockStore(nil)
	e := New(testConfig(root), store, logging.NewSilent())

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.FilesScanned != 1 || report.JobsCreated != 1 {
		t.Errorf("report = %+v, want FilesScanned=1 JobsCreated=1", report)
	}

	counts, _ := store.CountByState(context.Background())
	if counts[queue.StateWaiting] != 1 {
		t.Errorf("expected 1 waiting job after reconciliation, got %d", counts[queue.StateWaiting])
	}
}

func TestEngine_DeletesPartialArtifactsForOrphanedFile(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a")
	os.MkdirAll(sub, 0o755)
	path := filepath.Join(sub, "talk.wav")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cfg := testConfig(root)

	// A prior run died mid-job, leaving partial transcript output behind.
	outDir := filepath.Join(cfg.Inbox.OutputDirectory, "a")
	os.MkdirAll(outDir, 0o755)
	for _, ext := range []string{".txt", ".json"} {
		if err := os.WriteFile(filepath.Join(outDir, "talk"+ext), []byte("partial"), 0o644); err != nil {
			t.Fatalf("seed artifact: %v", err)
		}
	}

	store := queuetest.NewMockStore(nil)
	e := New(cfg, store, logging.NewSilent())

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.PartialFilesDeleted != 2 {
		t.Errorf("PartialFilesDeleted = %d, want 2", report.PartialFilesDeleted)
	}
	if report.JobsCreated != 1 {
		t.Errorf("JobsCreated = %d, want 1", report.JobsCreated)
	}
	for _, ext := range []string{".txt", ".json"} {
		if _, err := os.Stat(filepath.Join(outDir, "talk"+ext)); !os.IsNotExist(err) {
			t.Errorf("expected partial artifact talk%s removed, stat err = %v", ext, err)
		}
	}
}

func TestEngine_SkipsAlreadyTrackedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "talk.wav")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	store := queuetest.NewMockStore(nil)
	fi, _ := os.Stat(path)
	_, err := store.Enqueue(context.Background(), &queue.Job{
		ID:          "existing",
		SourcePath:  path,
		SizeBytes:   fi.Size(),
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}

	e := New(testConfig(root), store, logging.NewSilent())
	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.JobsCreated != 0 {
		t.Errorf("expected 0 new jobs for already-tracked file, got %d", report.JobsCreated)
	}
}

func TestEngine_LeavesMissingFileJobUntouched(t *testing.T) {
	root := t.TempDir()
	store := queuetest.NewMockStore(nil)
	_, err := store.Enqueue(context.Background(), &queue.Job{
		ID:          "ghost",
		SourcePath:  filepath.Join(root, "gone.wav"),
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}

	e := New(testConfig(root), store, logging.NewSilent())
	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.JobsReconciled != 1 {
		t.Errorf("expected 1 non-terminal job accounted for, got %d", report.JobsReconciled)
	}

	j, err := store.Get(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.State != queue.StateWaiting {
		t.Errorf("expected missing-file job to remain untouched in WAITING, got %s", j.State)
	}
}

func TestEngine_RejectsConcurrentRun(t *testing.T) {
	root := t.TempDir()
	store := queuetest.NewMockStore(nil)
	e := New(testConfig(root), store, logging.NewSilent())

	e.inFlight.Store(true)
	_, err := e.Run(context.Background())
	if err != queue.ErrAlreadyInFlight {
		t.Errorf("Run() error = %v, want ErrAlreadyInFlight", err)
	}
}
