// Package transcode adapts the external speech-to-text binary as a
// subprocess, classifying its outcome into the queue's error taxonomy.
package transcode

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/queue"
)

// Result carries the outcome of one subprocess invocation.
type Result struct {
	TranscriptPath string
}

// argvTemplateData is the value exposed to the command_template.
type argvTemplateData struct {
	SourcePath string
	OutputDir  string
}

// Adapter invokes the configured transcription binary per job, wrapped in a
// circuit breaker (one per Adapter, shared by every worker that uses it) so a
// misbehaving binary does not burn through every worker's lease in lockstep.
// Grounded on the `uv run whisperx ...` / cmd.CombinedOutput invocation
// shape from the Scriberr reference implementation, generalized to a
// configurable command template and proper context cancellation instead of
// a fire-and-forget os/exec call.
type Adapter struct {
	cfg     *config.TranscodeConfig
	logger  *logging.Logger
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	tmpl    *template.Template
}

// DefaultSpawnRateLimit caps subprocess spawns per second when the config
// leaves spawn_rate_limit_per_sec unset. A retry storm (crashing binary,
// short backoff) must not fork-bomb the host.
const DefaultSpawnRateLimit = 2

// New builds an Adapter. The command template is parsed once at
// construction so a malformed template fails fast at startup.
func New(cfg *config.TranscodeConfig, logger *logging.Logger) (*Adapter, error) {
	tmpl, err := template.New("command").Parse(cfg.CommandTemplate)
	if err != nil {
		return nil, err
	}

	settings := gobreaker.Settings{
		Name:        "transcode",
		MaxRequests: 1,
		Timeout:     cfg.GetCircuitCooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			max := uint32(cfg.CircuitMaxFailures)
			if max == 0 {
				max = 5
			}
			return counts.ConsecutiveFailures >= max
		},
	}

	spawnLimit := cfg.SpawnRateLimitPerSec
	if spawnLimit <= 0 {
		spawnLimit = DefaultSpawnRateLimit
	}

	return &Adapter{
		cfg:     cfg,
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(spawnLimit), spawnLimit),
		tmpl:    tmpl,
	}, nil
}

// renewFunc is invoked periodically while the subprocess is alive so the
// caller can renew its lease; it should return false to request the
// subprocess be cancelled (e.g. the lease was lost).
type renewFunc func() bool

// progressFunc receives percentages parsed from the subprocess's stderr.
// The binary's progress signal is optional; absence is not an error.
type progressFunc func(percent int)

// Run spawns the transcription binary for sourcePath, writing output under
// outputDir, renewing the job's lease via renew every renewInterval. It
// classifies every failure mode into the queue error taxonomy.
func (a *Adapter) Run(ctx context.Context, sourcePath, outputDir string, renewInterval time.Duration, renew func() bool, progress func(int)) (*Result, *queue.JobError) {
	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.run(ctx, sourcePath, outputDir, renewInterval, renew, progress)
	})
	if err != nil {
		if jobErr, ok := err.(*queue.JobError); ok {
			return nil, jobErr
		}
		return nil, queue.NewSystemUnknownError(err)
	}
	return out.(*Result), nil
}

func (a *Adapter) run(ctx context.Context, sourcePath, outputDir string, renewInterval time.Duration, renew renewFunc, progress progressFunc) (*Result, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, queue.NewFileInvalidError(sourcePath, err)
	}

	argv, err := a.buildArgv(sourcePath, outputDir)
	if err != nil {
		return nil, queue.NewSystemUnknownError(err)
	}
	if len(argv) == 0 {
		return nil, queue.NewSystemUnknownError(nil)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, queue.NewWhisperTimeoutError()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, a.cfg.GetTimeout())
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &progressWriter{buf: &stderr, report: progress}

	if err := cmd.Start(); err != nil {
		return nil, queue.NewWhisperNotFoundError(err)
	}

	renewStop := make(chan struct{})
	go a.renewLoop(renewInterval, renew, renewStop, cancel)

	waitErr := cmd.Wait()
	close(renewStop)

	if waitErr != nil {
		if timeoutCtx.Err() != nil {
			return nil, queue.NewWhisperTimeoutError()
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return nil, queue.NewWhisperCrashError(exitErr.ExitCode())
		}
		return nil, queue.NewWhisperNotFoundError(waitErr)
	}

	transcriptPath, err := findTranscript(outputDir, sourcePath)
	if err != nil {
		return nil, queue.NewWhisperInvalidOutputError(outputDir)
	}
	return &Result{TranscriptPath: transcriptPath}, nil
}

// renewLoop keeps the lease alive while the subprocess runs. A failed
// renewal means the lease is lost — the job now belongs to the stall
// scanner, so the subprocess is cancelled rather than left to finish work
// another worker may redo.
func (a *Adapter) renewLoop(interval time.Duration, renew renewFunc, stop <-chan struct{}, cancel context.CancelFunc) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if renew != nil && !renew() {
				cancel()
				return
			}
		}
	}
}

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// progressWriter tees subprocess stderr into buf while scanning each chunk
// for a trailing "NN%" progress token. Pattern-matching on subprocess output
// stays here, at the adapter boundary.
type progressWriter struct {
	buf    *bytes.Buffer
	report progressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if w.report != nil {
		matches := percentPattern.FindAllSubmatch(p, -1)
		if len(matches) > 0 {
			if pct, convErr := strconv.Atoi(string(matches[len(matches)-1][1])); convErr == nil && pct >= 0 && pct <= 100 {
				w.report(pct)
			}
		}
	}
	return n, err
}

func (a *Adapter) buildArgv(sourcePath, outputDir string) ([]string, error) {
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, argvTemplateData{SourcePath: sourcePath, OutputDir: outputDir}); err != nil {
		return nil, err
	}
	return strings.Fields(buf.String()), nil
}

// findTranscript locates the output transcript for sourcePath under
// outputDir. Absent or empty output is surfaced to the caller as
// ERR_WHISPER_INVALID_OUTPUT (spec.md §4.5 step 5).
func findTranscript(outputDir, sourcePath string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	for _, ext := range []string{".txt", ".vtt", ".json"} {
		candidate := filepath.Join(outputDir, base+ext)
		fi, err := os.Stat(candidate)
		if err == nil && fi.Size() > 0 {
			return candidate, nil
		}
	}
	return "", os.ErrNotExist
}
