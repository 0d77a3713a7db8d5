// Package watcher observes the inbox tree for new audio files and enqueues
// them once they are done being written.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/pathutil"
	"github.com/transcriberd/transcriberd/internal/queue"
)

// Watcher observes cfg.Inbox.WatchDirectory recursively (bounded by
// WatchDepth) and enqueues a job once a candidate file has gone quiet for
// the configured debounce window. Grounded on the teacher's ticker-driven
// watchLoop (internal/services/jobmanager/watcher.go) for the
// backoff-on-error shape, combined with fsnotify's recursive event model
// (see other_examples' rcloneSyncTool daemon worker) instead of a periodic
// full-table scan.
type Watcher struct {
	cfg    *config.Config
	store  queue.Store
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a Watcher over the given store and configuration.
func New(cfg *config.Config, store queue.Store, logger *logging.Logger) *Watcher {
	return &Watcher{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		pending: make(map[string]*time.Timer),
	}
}

// Run blocks until ctx is cancelled. Per spec, the caller must not invoke
// Run until boot-time reconciliation has completed.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	root := w.cfg.Inbox.WatchDirectory
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	if err := w.addTreeRecursive(fsw, root); err != nil {
		w.logger.Error().Err(err).Str("root", root).Msg("watcher: initial tree walk failed")
	}

	const backoffMax = 30 * time.Second
	backoff := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			w.stopAllTimers()
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, ev)
			backoff = 0

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if backoff == 0 {
				backoff = 2 * time.Second
			} else {
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
			}
			w.logger.Warn().Err(err).Dur("backoff", backoff).Msg("watcher: fsnotify error, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}
	}
}

// handleEvent reacts to one fsnotify event: new directories are watched
// recursively (bounded by watch depth), and candidate files restart their
// debounce timer on every Create/Write.
func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	fi, err := os.Stat(ev.Name)
	if err != nil {
		return
	}

	if fi.IsDir() {
		if ev.Op&fsnotify.Create != 0 && w.withinDepth(ev.Name) {
			if err := w.addTreeRecursive(fsw, ev.Name); err != nil {
				w.logger.Warn().Err(err).Str("path", ev.Name).Msg("watcher: failed to watch new subdirectory")
			}
		}
		return
	}

	w.debounce(ev.Name)
}

// debounce (re)starts a quiet-period timer for path; the file is only
// submitted for detection once the timer fires without being reset again.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.cfg.Inbox.GetDebounce(), func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.detect(path)
	})
}

func (w *Watcher) stopAllTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]*time.Timer)
}

// detect implements spec.md §4.3's per-detection algorithm: stat, filter,
// sanitize, compute identity, enqueue.
func (w *Watcher) detect(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return // file vanished (moved/deleted) before the debounce fired
	}
	if !fi.Mode().IsRegular() {
		return
	}
	if !w.supportedExtension(path) {
		return
	}
	if fi.Size() < w.cfg.Inbox.MinFileSizeBytes || fi.Size() > w.cfg.Inbox.MaxFileSizeBytes {
		w.logger.Debug().Str("path", path).Int64("size", fi.Size()).Msg("watcher: file size outside bounds, skipping")
		return
	}

	finalPath, err := pathutil.RenameSanitized(path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("watcher: failed to sanitize filename, using original")
		finalPath = path
	}

	fi, err = os.Stat(finalPath)
	if err != nil {
		return
	}

	id := pathutil.DeterministicID(finalPath, fi.Size(), fi.ModTime().UnixMilli())
	job := &queue.Job{
		ID:          id,
		SourcePath:  finalPath,
		DisplayName: filepath.Base(finalPath),
		SizeBytes:   fi.Size(),
		MTimeMS:     fi.ModTime().UnixMilli(),
		Priority:    queue.PriorityNormal,
		MaxAttempts: w.cfg.Queue.MaxAttempts,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.store.Enqueue(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("path", finalPath).Msg("watcher: enqueue failed")
	}
}

func (w *Watcher) supportedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range w.cfg.Inbox.SupportedFormats {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

// withinDepth reports whether path is no deeper than WatchDepth separators
// below the watch root.
func (w *Watcher) withinDepth(path string) bool {
	rel, err := filepath.Rel(w.cfg.Inbox.WatchDirectory, path)
	if err != nil {
		return false
	}
	depth := strings.Count(rel, string(filepath.Separator)) + 1
	return depth <= w.cfg.Inbox.WatchDepth
}

// addTreeRecursive walks root, registering every directory up to the
// configured watch depth with fsw.
func (w *Watcher) addTreeRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if !w.withinDepth(p) {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			w.logger.Warn().Err(err).Str("path", p).Msg("watcher: failed to add directory")
		}
		return nil
	})
}
