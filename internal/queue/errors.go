package queue

import (
	"errors"
	"fmt"

	"oss.nandlabs.io/golly/errutils"
)

// ErrorCode is a closed enumeration of transcriberd's error taxonomy.
// Codes follow ERR_<CATEGORY>_<DETAIL>; classification happens once, at the
// subprocess-adapter boundary, never via string-matching deep in the worker.
type ErrorCode string

const (
	ErrFileNotFound          ErrorCode = "ERR_FILE_NOT_FOUND"
	ErrFileNotReadable       ErrorCode = "ERR_FILE_NOT_READABLE"
	ErrFileInvalid           ErrorCode = "ERR_FILE_INVALID"
	ErrFileUnsupportedFormat ErrorCode = "ERR_FILE_UNSUPPORTED_FORMAT"
	ErrFileTooLarge          ErrorCode = "ERR_FILE_TOO_LARGE"

	ErrWhisperCrash         ErrorCode = "ERR_WHISPER_CRASH"
	ErrWhisperTimeout       ErrorCode = "ERR_WHISPER_TIMEOUT"
	ErrWhisperNotFound      ErrorCode = "ERR_WHISPER_NOT_FOUND"
	ErrWhisperInvalidOutput ErrorCode = "ERR_WHISPER_INVALID_OUTPUT"

	ErrJobStalled ErrorCode = "ERR_JOB_STALLED"

	ErrSystemUnknown ErrorCode = "ERR_SYSTEM_UNKNOWN"
)

// terminalOnFirstOccurrence holds the codes that are never retryable,
// regardless of attempts_made — spec.md §4.5.
var terminalOnFirstOccurrence = map[ErrorCode]bool{
	ErrFileNotFound:          true,
	ErrFileUnsupportedFormat: true,
	ErrFileTooLarge:          true,
}

// Retryable reports whether a job that failed with this code should be
// allowed another attempt (subject to max_attempts), or is terminal on
// first occurrence.
func (c ErrorCode) Retryable() bool {
	return !terminalOnFirstOccurrence[c]
}

// JobError is the sum-type representation of a failure surfaced by a job.
// It always carries a machine-readable code and a human-readable reason
// built from a golly CustomError template, plus optional structured context.
type JobError struct {
	Code     ErrorCode
	Reason   string
	ExitCode *int
	Path     string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

var (
	fileNotFoundTpl    = errutils.NewCustomError("source file not found: %s")
	fileUnreadableTpl  = errutils.NewCustomError("source file not readable: %s (%v)")
	fileInvalidTpl     = errutils.NewCustomError("source file invalid: %s (%v)")
	fileUnsupportedTpl = errutils.NewCustomError("unsupported extension: %s")
	fileTooLargeTpl    = errutils.NewCustomError("file size %d bytes outside bounds [%d, %d]")

	whisperCrashTpl   = errutils.NewCustomError("transcription subprocess exited with code %d")
	whisperTimeoutTpl = errutils.NewCustomError("transcription subprocess timed out or was cancelled")
	whisperMissingTpl = errutils.NewCustomError("transcription binary not found or failed to spawn: %v")
	whisperOutputTpl  = errutils.NewCustomError("transcript output missing or empty: %s")

	jobStalledTpl = errutils.NewCustomError("lease expired without renewal (stall #%d)")

	systemUnknownTpl = errutils.NewCustomError("unclassified error: %v")
)

// NewFileNotFoundError builds the ERR_FILE_NOT_FOUND variant.
func NewFileNotFoundError(path string) *JobError {
	return &JobError{Code: ErrFileNotFound, Reason: fileNotFoundTpl.Err(path).Error(), Path: path}
}

// NewFileNotReadableError builds the ERR_FILE_NOT_READABLE variant.
func NewFileNotReadableError(path string, cause error) *JobError {
	return &JobError{Code: ErrFileNotReadable, Reason: fileUnreadableTpl.Err(path, cause).Error(), Path: path}
}

// NewFileInvalidError builds the ERR_FILE_INVALID variant.
func NewFileInvalidError(path string, cause error) *JobError {
	return &JobError{Code: ErrFileInvalid, Reason: fileInvalidTpl.Err(path, cause).Error(), Path: path}
}

// NewFileUnsupportedFormatError builds the ERR_FILE_UNSUPPORTED_FORMAT variant.
func NewFileUnsupportedFormatError(ext string) *JobError {
	return &JobError{Code: ErrFileUnsupportedFormat, Reason: fileUnsupportedTpl.Err(ext).Error()}
}

// NewFileTooLargeError builds the ERR_FILE_TOO_LARGE variant.
func NewFileTooLargeError(size, min, max int64) *JobError {
	return &JobError{Code: ErrFileTooLarge, Reason: fileTooLargeTpl.Err(size, min, max).Error()}
}

// NewWhisperCrashError builds the ERR_WHISPER_CRASH variant, carrying the exit code.
func NewWhisperCrashError(exitCode int) *JobError {
	ec := exitCode
	return &JobError{Code: ErrWhisperCrash, Reason: whisperCrashTpl.Err(exitCode).Error(), ExitCode: &ec}
}

// NewWhisperTimeoutError builds the ERR_WHISPER_TIMEOUT variant.
func NewWhisperTimeoutError() *JobError {
	return &JobError{Code: ErrWhisperTimeout, Reason: whisperTimeoutTpl.Err().Error()}
}

// NewWhisperNotFoundError builds the ERR_WHISPER_NOT_FOUND variant.
func NewWhisperNotFoundError(cause error) *JobError {
	return &JobError{Code: ErrWhisperNotFound, Reason: whisperMissingTpl.Err(cause).Error()}
}

// NewWhisperInvalidOutputError builds the ERR_WHISPER_INVALID_OUTPUT variant.
func NewWhisperInvalidOutputError(outputPath string) *JobError {
	return &JobError{Code: ErrWhisperInvalidOutput, Reason: whisperOutputTpl.Err(outputPath).Error(), Path: outputPath}
}

// NewJobStalledError builds the ERR_JOB_STALLED variant.
func NewJobStalledError(stallCount int) *JobError {
	return &JobError{Code: ErrJobStalled, Reason: jobStalledTpl.Err(stallCount).Error()}
}

// NewSystemUnknownError builds the ERR_SYSTEM_UNKNOWN variant for anything
// that doesn't pattern-match a known signal at the subprocess-adapter boundary.
func NewSystemUnknownError(cause error) *JobError {
	return &JobError{Code: ErrSystemUnknown, Reason: systemUnknownTpl.Err(cause).Error()}
}

// Sentinel errors returned by Store operations, independent of JobError.
var (
	ErrLeaseLost       = errors.New("queue: lease lost or not owned by caller")
	ErrInvalidState    = errors.New("queue: operation not valid for current job state")
	ErrNotFound        = errors.New("queue: job not found")
	ErrAlreadyInFlight = errors.New("queue: reconciliation already in progress")
)
