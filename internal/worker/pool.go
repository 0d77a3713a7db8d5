// Package worker implements the bounded worker pool that leases jobs from
// the durable queue and drives each one through the transcription
// subprocess adapter.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/pathutil"
	"github.com/transcriberd/transcriberd/internal/queue"
	"github.com/transcriberd/transcriberd/internal/transcode"
)

// Transcoder is the subset of transcode.Adapter the pool depends on, so
// tests can substitute a fake subprocess adapter.
type Transcoder interface {
	Run(ctx context.Context, sourcePath, outputDir string, renewInterval time.Duration, renew func() bool, progress func(int)) (*transcode.Result, *queue.JobError)
}

// Pool runs N logical workers (spec.md §4.5), each looping over
// lease_next/execute/report, plus an independent stall scanner. A single
// job is never processed by more than one worker because lease ownership
// is enforced by the Store.
//
// Cancellation is two-phase: cancelling the context passed to Run stops
// leasing but lets in-flight jobs finish (workers keep renewing their
// leases); Abort cancels the subprocess and store operations too, used when
// graceful shutdown exceeds its bound.
type Pool struct {
	cfg       *config.Config
	store     queue.Store
	adapter   Transcoder
	logger    *logging.Logger
	backoffer func(attempt int) time.Duration

	hardCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a worker pool.
func New(cfg *config.Config, store queue.Store, adapter Transcoder, logger *logging.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		store:     store,
		adapter:   adapter,
		logger:    logger,
		backoffer: backoffForAttempt(cfg.Queue.GetBackoffBase(), cfg.Queue.GetBackoffCap()),
	}
}

// backoffForAttempt returns a function computing cenkalti/backoff/v5's
// exponential curve for a given attempt count, used to throttle a worker
// between a failed attempt and its next lease_next call — the Store's
// fail() contract (spec.md §4.1) transitions straight back to WAITING with
// no delayed-visibility primitive, so backoff is enforced by the caller
// rather than the store.
func backoffForAttempt(base, ceiling time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.MaxInterval = ceiling
		var d time.Duration
		for i := 0; i <= attempt; i++ {
			d = b.NextBackOff()
		}
		if d > ceiling {
			return ceiling
		}
		return d
	}
}

// Run starts max_workers loops and a stall scanner and returns without
// blocking. Cancelling ctx stops new leases; Wait blocks until every loop
// has exited, and Abort cancels in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	hardCtx, hardCancel := context.WithCancel(context.Background())
	p.hardCancel = hardCancel

	n := p.cfg.Worker.MaxWorkers
	if n <= 0 {
		n = 1
	}

	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			p.runWorker(ctx, hardCtx, id)
		}(workerID)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runStallScanner(ctx)
	}()
}

// Wait blocks until every worker goroutine and the stall scanner have
// returned — used by the Supervisor to bound graceful shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Abort forcibly cancels in-flight subprocesses. The abandoned jobs keep
// their ACTIVE state and expired leases; the next boot's stall scan reclaims
// them.
func (p *Pool) Abort() {
	if p.hardCancel != nil {
		p.hardCancel()
	}
}

func (p *Pool) runWorker(leaseCtx, hardCtx context.Context, workerID string) {
	idleBackoff := 500 * time.Millisecond
	for {
		select {
		case <-leaseCtx.Done():
			return
		default:
		}

		job, err := p.store.LeaseNext(hardCtx, workerID, p.cfg.Queue.GetLeaseDuration().Milliseconds())
		if err != nil {
			p.logger.Error().Err(err).Str("worker_id", workerID).Msg("worker: lease_next failed")
			select {
			case <-leaseCtx.Done():
				return
			case <-time.After(idleBackoff):
			}
			continue
		}
		if job == nil {
			select {
			case <-leaseCtx.Done():
				return
			case <-time.After(idleBackoff):
			}
			continue
		}

		p.execute(hardCtx, workerID, job)
	}
}

// execute drives one worker-one-job pass per spec.md §4.5's seven-step
// algorithm.
func (p *Pool) execute(ctx context.Context, workerID string, job *queue.Job) {
	log := p.logger.WithCorrelationId(job.ID)

	// Step 1: validate inputs.
	fi, statErr := os.Stat(job.SourcePath)
	if statErr != nil {
		p.failJob(ctx, workerID, job, queue.NewFileNotFoundError(job.SourcePath))
		return
	}
	if !fi.Mode().IsRegular() {
		p.failJob(ctx, workerID, job, queue.NewFileInvalidError(job.SourcePath, nil))
		return
	}
	f, openErr := os.Open(job.SourcePath)
	if openErr != nil {
		p.failJob(ctx, workerID, job, queue.NewFileNotReadableError(job.SourcePath, openErr))
		return
	}
	f.Close()

	// Step 2: prepare output directory, mirroring the source's relative path.
	rel, relErr := pathutil.RelativeTo(p.cfg.Inbox.WatchDirectory, job.SourcePath)
	if relErr != nil {
		rel = filepath.Base(job.SourcePath)
	}
	relDir := filepath.Dir(rel)
	outputDir := filepath.Join(p.cfg.Inbox.OutputDirectory, relDir)

	// Step 3 + renewal: invoke the subprocess while renewing the lease.
	renewInterval := p.cfg.Queue.GetRenewalInterval()
	renew := func() bool {
		err := p.store.Renew(ctx, job.ID, workerID, p.cfg.Queue.GetLeaseDuration().Milliseconds())
		if err != nil {
			log.Warn().Err(err).Msg("worker: lease renewal failed")
			return false
		}
		return true
	}

	// Step 4: coarse progress, written to the job via the queue. The raw
	// percentages the adapter parses off stderr are rounded down to the
	// 0/10/.../90 ladder and only ever move forward; 95 marks the
	// transcript read and Complete itself records 100.
	lastReported := -1
	report := func(pct int) {
		if err := p.store.ReportProgress(ctx, job.ID, workerID, pct); err != nil {
			log.Debug().Err(err).Int("percent", pct).Msg("worker: progress report failed")
		}
	}
	progress := func(raw int) {
		coarse := raw / 10 * 10
		if coarse > 90 {
			coarse = 90
		}
		if coarse > lastReported {
			lastReported = coarse
			report(coarse)
		}
	}
	report(0)

	result, jobErr := p.adapter.Run(ctx, job.SourcePath, outputDir, renewInterval, renew, progress)
	if jobErr != nil {
		if ctx.Err() != nil {
			// Forced abort: drop the lease without a fail() transition so
			// the job stays ACTIVE and the next stall scan reclaims it.
			log.Warn().Str("error_code", string(jobErr.Code)).Msg("worker: aborted mid-job, leaving lease to the stall scanner")
			return
		}
		p.failJob(ctx, workerID, job, jobErr)
		return
	}

	// Step 5 happened inside the adapter (transcript located and verified
	// non-empty); record the 95% checkpoint before relocation.
	report(95)

	// Step 6: relocate source, best-effort.
	dst := filepath.Join(p.cfg.Inbox.CompletedDirectory, rel)
	if err := pathutil.Move(job.SourcePath, dst); err != nil {
		log.Warn().Err(err).Str("source", job.SourcePath).Str("dst", dst).Msg("worker: best-effort source relocation failed")
	}

	// Step 7: complete.
	if err := p.store.Complete(ctx, job.ID, workerID, result.TranscriptPath); err != nil {
		log.Error().Err(err).Msg("worker: complete failed")
	}
}

// failJob implements spec.md §4.5's failure handling: write the error,
// best-effort relocate to the failed tree, then call fail().
func (p *Pool) failJob(ctx context.Context, workerID string, job *queue.Job, jobErr *queue.JobError) {
	log := p.logger.WithCorrelationId(job.ID)

	rel, relErr := pathutil.RelativeTo(p.cfg.Inbox.WatchDirectory, job.SourcePath)
	if relErr == nil {
		dst := filepath.Join(p.cfg.Inbox.FailedDirectory, rel)
		if pathutil.Exists(job.SourcePath) {
			if err := pathutil.Move(job.SourcePath, dst); err != nil {
				log.Warn().Err(err).Str("source", job.SourcePath).Str("dst", dst).Msg("worker: best-effort failed-tree relocation failed")
			}
		}
	}

	if err := p.store.Fail(ctx, job.ID, workerID, jobErr); err != nil {
		log.Error().Err(err).Msg("worker: fail() call itself failed")
		return
	}

	if jobErr.Code.Retryable() {
		delay := p.backoffer(job.AttemptsMade)
		log.Warn().Str("error_code", string(jobErr.Code)).Dur("backoff", delay).Msg("worker: job failed, will retry after backoff")
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	} else {
		log.Error().Str("error_code", string(jobErr.Code)).Msg("worker: job failed terminally")
	}
}

func (p *Pool) runStallScanner(ctx context.Context) {
	interval := p.cfg.Queue.GetStallScanInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := p.store.DetectStalled(ctx)
			if err != nil {
				p.logger.Error().Err(err).Msg("worker: detect_stalled failed")
				continue
			}
			for _, id := range ids {
				p.logger.SelfHeal(id, "lease expired without renewal, job reclaimed")
			}
		}
	}
}
