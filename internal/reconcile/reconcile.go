// Package reconcile implements the boot-time and on-demand diffing pass
// between the inbox tree and the durable queue.
package reconcile

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/pathutil"
	"github.com/transcriberd/transcriberd/internal/queue"
)

// partialTranscriptExtensions are the output artifacts a partially-run job
// may have left behind; these are deleted for orphaned files before
// re-enqueuing, per spec.md §4.4 step 3.
var partialTranscriptExtensions = []string{".txt", ".vtt", ".json"}

// Engine runs the reconciliation pass, grounded on the single-walk +
// stale-detection shape of Reconcile (see the job-reconcile reference
// implementation) merged with the teacher's boot-time ResetRunningJobs
// query (internal/storage/surrealdb/jobqueue.go), fused into one diff
// against the durable queue instead of filesystem status files.
type Engine struct {
	cfg    *config.Config
	store  queue.Store
	logger *logging.Logger

	inFlight atomic.Bool
}

// New creates a reconciliation engine.
func New(cfg *config.Config, store queue.Store, logger *logging.Logger) *Engine {
	return &Engine{cfg: cfg, store: store, logger: logger}
}

// Run executes one reconciliation pass. Only one may be in flight at a
// time; a concurrent call returns queue.ErrAlreadyInFlight rather than
// queueing, per spec.md §4.4 "Concurrency".
func (e *Engine) Run(ctx context.Context) (*queue.ReconciliationReport, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, queue.ErrAlreadyInFlight
	}
	defer e.inFlight.Store(false)

	start := time.Now()
	report := &queue.ReconciliationReport{}

	onDisk, err := e.scanInbox()
	if err != nil {
		return nil, err
	}
	report.FilesScanned = len(onDisk)

	nonTerminal, err := e.store.NonTerminalSourcePaths(ctx)
	if err != nil {
		return nil, err
	}

	for _, path := range onDisk {
		if _, tracked := nonTerminal[path]; tracked {
			continue
		}

		fi, err := os.Stat(path)
		if err != nil {
			continue // file vanished between scan and diff
		}
		id := pathutil.DeterministicID(path, fi.Size(), fi.ModTime().UnixMilli())

		report.PartialFilesDeleted += e.deletePartialArtifacts(id, path)
		job := &queue.Job{
			ID:          id,
			SourcePath:  path,
			DisplayName: filepath.Base(path),
			SizeBytes:   fi.Size(),
			MTimeMS:     fi.ModTime().UnixMilli(),
			Priority:    queue.PriorityNormal,
			MaxAttempts: e.cfg.Queue.MaxAttempts,
		}
		if _, err := e.store.Enqueue(ctx, job); err != nil {
			e.logger.Error().Err(err).Str("path", path).Msg("reconcile: failed to enqueue orphaned file")
			continue
		}
		report.JobsCreated++
		e.logger.SelfHeal(id, "orphaned file re-enqueued: "+path)
	}

	// Non-terminal jobs whose source_path is missing from disk are left
	// untouched, per spec.md §4.4 step 4 — their worker may be mid-transit.
	report.JobsReconciled = len(nonTerminal)
	report.DurationMS = time.Since(start).Milliseconds()
	return report, nil
}

// scanInbox enumerates candidate files under the watch root, bounded by
// watch depth and restricted to supported extensions.
func (e *Engine) scanInbox() ([]string, error) {
	root := e.cfg.Inbox.WatchDirectory
	var out []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			rel, relErr := filepath.Rel(root, p)
			if relErr == nil && strings.Count(rel, string(filepath.Separator))+1 > e.cfg.Inbox.WatchDepth && rel != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if !e.supportedExtension(p) {
			return nil
		}
		out = append(out, p)
		return nil
	})
	if os.IsNotExist(err) {
		return out, nil
	}
	return out, err
}

func (e *Engine) supportedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range e.cfg.Inbox.SupportedFormats {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

// deletePartialArtifacts removes any stray transcript output sharing
// path's base name, ignoring missing files, and returns how many files it
// actually removed.
func (e *Engine) deletePartialArtifacts(jobID, sourcePath string) int {
	rel, err := pathutil.RelativeTo(e.cfg.Inbox.WatchDirectory, sourcePath)
	if err != nil {
		return 0
	}
	deleted := 0
	base := strings.TrimSuffix(rel, filepath.Ext(rel))
	for _, ext := range partialTranscriptExtensions {
		artifact := filepath.Join(e.cfg.Inbox.OutputDirectory, base+ext)
		err := os.Remove(artifact)
		switch {
		case err == nil:
			deleted++
			e.logger.SelfHeal(jobID, "partial transcript artifact deleted: "+artifact)
		case !os.IsNotExist(err):
			e.logger.Warn().Err(err).Str("path", artifact).Msg("reconcile: failed to delete partial artifact")
		}
	}
	return deleted
}
