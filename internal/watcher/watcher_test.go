package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/queue"
	"github.com/transcriberd/transcriberd/internal/queue/queuetest"
)

func testConfig(root string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Inbox.WatchDirectory = root
	cfg.Inbox.DebounceMS = 50
	cfg.Inbox.MinFileSizeBytes = 1
	return cfg
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestWatcher_EnqueuesNewFileAfterDebounce(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	store := queuetest.NewMockStore(nil)
	w := New(cfg, store, logging.NewSilent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond) // let the watcher attach to root

	path := filepath.Join(root, "call.wav")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		counts, _ := store.CountByState(context.Background())
		return counts[queue.StateWaiting] == 1
	})
}

func TestWatcher_IgnoresUnsupportedExtension(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	store := queuetest.NewMockStore(nil)
	w := New(cfg, store, logging.NewSilent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	counts, _ := store.CountByState(context.Background())
	if counts[queue.StateWaiting] != 0 {
		t.Errorf("expected unsupported extension to be ignored, got %d waiting jobs", counts[queue.StateWaiting])
	}
}

func TestWatcher_SupportedExtension(t *testing.T) {
	cfg := config.NewDefaultConfig()
	w := New(cfg, queuetest.NewMockStore(nil), logging.NewSilent())
	if !w.supportedExtension("/inbox/a.mp3") {
		t.Error("expected .mp3 to be supported")
	}
	if w.supportedExtension("/inbox/a.pdf") {
		t.Error("expected .pdf to be unsupported")
	}
}

func TestWatcher_WithinDepth(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Inbox.WatchDirectory = "/inbox"
	cfg.Inbox.WatchDepth = 2
	w := New(cfg, queuetest.NewMockStore(nil), logging.NewSilent())

	if !w.withinDepth("/inbox/a/b") {
		t.Error("expected depth 2 to be within bound")
	}
	if w.withinDepth("/inbox/a/b/c") {
		t.Error("expected depth 3 to exceed bound of 2")
	}
}
