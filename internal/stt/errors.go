package stt

import (
	"context"
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by this package matches exactly one of
// these with errors.Is, plus the underlying cause where there is one.
var (
	ErrResourceNotFound       = errors.New("resource not found")
	ErrUnsupportedAudioFormat = errors.New("unsupported audio format")
	ErrEngineInit             = errors.New("engine initialization failed")
	ErrEngineConfig           = errors.New("engine configuration rejected")
	ErrEngineRuntime          = errors.New("engine runtime failure")
	ErrTimeout                = errors.New("transcription timed out")
)

var (
	// ErrReleased is returned when a model or session is used or freed after release.
	ErrReleased = errors.New("handle already released")
	// ErrModelInUse is returned when freeing a model that still has open sessions.
	ErrModelInUse = errors.New("model has open sessions")
	// ErrFinalized is returned when a session is fed or finalized after its final result.
	ErrFinalized = errors.New("session already finalized")
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrResourceNotFound, "resource_not_found"},
	{ErrUnsupportedAudioFormat, "unsupported_audio_format"},
	{ErrEngineInit, "engine_init"},
	{ErrEngineConfig, "engine_config"},
	{ErrEngineRuntime, "engine_runtime"},
	{ErrTimeout, "timeout"},
}

// Error is a classified failure.
type Error struct {
	Kind  error
	Op    string
	Param string
	Err   error
}

func newError(kind error, op, param string, err error) *Error {
	return &Error{Kind: kind, Op: op, Param: param, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Param != "" {
		msg += " (" + e.Param + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FormatError describes a WAV container this pipeline cannot feed.
type FormatError struct {
	Path        string
	AudioFormat int
	Channels    int
	BitDepth    int
	SampleRate  int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: unsupported audio format: format=%d channels=%d bit_depth=%d sample_rate=%d (want PCM mono 16-bit)",
		e.Path, e.AudioFormat, e.Channels, e.BitDepth, e.SampleRate)
}

func (e *FormatError) Is(target error) bool {
	return target == ErrUnsupportedAudioFormat
}

// Code returns a stable identifier for the failure kind of err, "internal"
// for unclassified errors and "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

// contextError classifies a finished context. Deadlines are timeouts;
// cancellation is passed through unclassified.
func contextError(op string, ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrTimeout, op, "", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
