package transcode

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/queue"
)

func writableScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-whisper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestAdapter_SuccessWritesTranscript(t *testing.T) {
	script := writableScript(t, `base=$(basename "$1" .wav); printf "hello" > "$2/$base.txt"`)
	cfg := &config.TranscodeConfig{
		CommandTemplate:    script + " {{.SourcePath}} {{.OutputDir}}",
		TimeoutMS:          5000,
		CircuitMaxFailures: 5,
	}
	adapter, err := New(cfg, logging.NewSilent())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	outDir := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "talk.wav")
	os.WriteFile(src, []byte("audio"), 0o644)

	res, jobErr := adapter.Run(context.Background(), src, outDir, time.Second, nil, nil)
	if jobErr != nil {
		t.Fatalf("Run failed: %v", jobErr)
	}
	if res.TranscriptPath == "" {
		t.Error("expected non-empty transcript path")
	}
}

func TestAdapter_NonZeroExitIsCrash(t *testing.T) {
	script := writableScript(t, `exit 3`)
	cfg := &config.TranscodeConfig{
		CommandTemplate:    script + " {{.SourcePath}} {{.OutputDir}}",
		TimeoutMS:          5000,
		CircuitMaxFailures: 5,
	}
	adapter, err := New(cfg, logging.NewSilent())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, jobErr := adapter.Run(context.Background(), "/tmp/a.wav", t.TempDir(), time.Second, nil, nil)
	if jobErr == nil || jobErr.Code != queue.ErrWhisperCrash {
		t.Fatalf("Run() error = %v, want ERR_WHISPER_CRASH", jobErr)
	}
	if jobErr.ExitCode == nil || *jobErr.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", jobErr.ExitCode)
	}
}

func TestAdapter_MissingBinaryIsNotFound(t *testing.T) {
	cfg := &config.TranscodeConfig{
		CommandTemplate:    "/nonexistent/whisper-binary {{.SourcePath}} {{.OutputDir}}",
		TimeoutMS:          5000,
		CircuitMaxFailures: 5,
	}
	adapter, err := New(cfg, logging.NewSilent())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, jobErr := adapter.Run(context.Background(), "/tmp/a.wav", t.TempDir(), time.Second, nil, nil)
	if jobErr == nil || jobErr.Code != queue.ErrWhisperNotFound {
		t.Fatalf("Run() error = %v, want ERR_WHISPER_NOT_FOUND", jobErr)
	}
}

func TestAdapter_EmptyOutputIsInvalidOutput(t *testing.T) {
	script := writableScript(t, `exit 0`)
	cfg := &config.TranscodeConfig{
		CommandTemplate:    script + " {{.SourcePath}} {{.OutputDir}}",
		TimeoutMS:          5000,
		CircuitMaxFailures: 5,
	}
	adapter, err := New(cfg, logging.NewSilent())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, jobErr := adapter.Run(context.Background(), "/tmp/missingtranscript.wav", t.TempDir(), time.Second, nil, nil)
	if jobErr == nil || jobErr.Code != queue.ErrWhisperInvalidOutput {
		t.Fatalf("Run() error = %v, want ERR_WHISPER_INVALID_OUTPUT", jobErr)
	}
}

func TestAdapter_TimeoutIsClassified(t *testing.T) {
	script := writableScript(t, `sleep 2`)
	cfg := &config.TranscodeConfig{
		CommandTemplate:    script + " {{.SourcePath}} {{.OutputDir}}",
		TimeoutMS:          50,
		CircuitMaxFailures: 5,
	}
	adapter, err := New(cfg, logging.NewSilent())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, jobErr := adapter.Run(context.Background(), "/tmp/a.wav", t.TempDir(), time.Second, nil, nil)
	if jobErr == nil || jobErr.Code != queue.ErrWhisperTimeout {
		t.Fatalf("Run() error = %v, want ERR_WHISPER_TIMEOUT", jobErr)
	}
}

func TestAdapter_ProgressParsedFromStderr(t *testing.T) {
	script := writableScript(t, `base=$(basename "$1" .wav)
echo "progress: 25%" >&2
echo "progress: 80%" >&2
printf "hello" > "$2/$base.txt"`)
	cfg := &config.TranscodeConfig{
		CommandTemplate:    script + " {{.SourcePath}} {{.OutputDir}}",
		TimeoutMS:          5000,
		CircuitMaxFailures: 5,
	}
	adapter, err := New(cfg, logging.NewSilent())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var mu sync.Mutex
	var seen []int
	progress := func(pct int) {
		mu.Lock()
		seen = append(seen, pct)
		mu.Unlock()
	}

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "talk.wav")
	os.WriteFile(src, []byte("audio"), 0o644)

	if _, jobErr := adapter.Run(context.Background(), src, t.TempDir(), time.Second, nil, progress); jobErr != nil {
		t.Fatalf("Run failed: %v", jobErr)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("expected progress percentages parsed from stderr")
	}
	last := seen[len(seen)-1]
	if last != 80 {
		t.Errorf("last parsed percentage = %d, want 80", last)
	}
}

func TestAdapter_SpawnRateLimitHonorsCancellation(t *testing.T) {
	script := writableScript(t, `exit 0`)
	cfg := &config.TranscodeConfig{
		CommandTemplate:      script + " {{.SourcePath}} {{.OutputDir}}",
		TimeoutMS:            5000,
		CircuitMaxFailures:   5,
		SpawnRateLimitPerSec: 1,
	}
	adapter, err := New(cfg, logging.NewSilent())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// First run consumes the single burst token.
	adapter.Run(context.Background(), "/tmp/a.wav", t.TempDir(), time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, jobErr := adapter.Run(ctx, "/tmp/b.wav", t.TempDir(), time.Second, nil, nil)
	if jobErr == nil || jobErr.Code != queue.ErrWhisperTimeout {
		t.Fatalf("Run() error = %v, want ERR_WHISPER_TIMEOUT when cancelled while throttled", jobErr)
	}
}

func TestAdapter_MalformedTemplateFailsAtConstruction(t *testing.T) {
	cfg := &config.TranscodeConfig{CommandTemplate: "{{.Nope("}
	if _, err := New(cfg, logging.NewSilent()); err == nil {
		t.Error("expected New to reject a malformed command template")
	}
}
