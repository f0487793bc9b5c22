// Package engine defines the boundary to speech recognition backends.
//
// A backend loads a Model from a directory and opens Sessions against it.
// Results are returned as the JSON documents the backend produces; decoding
// them is left to the caller. Handles are not safe for concurrent use unless
// stated otherwise, and each must be freed exactly once.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
)

// ErrVoskUnavailable is returned when the binary was built without libvosk.
var ErrVoskUnavailable = errors.New("vosk engine not compiled in: rebuild with -tags vosk")

// SessionConfig is fixed for the lifetime of a session.
type SessionConfig struct {
	SampleRate      int
	Grammar         []string
	MaxAlternatives int
	Words           bool
}

// Engine is a recognition backend.
type Engine interface {
	Name() string
	Load(dir string) (Model, error)
	SetVerbosity(level int)
}

// Model is a loaded model. NewSession may be called concurrently.
type Model interface {
	NewSession(cfg SessionConfig) (Session, error)
	Free()
}

// Session is a stateful recognizer bound to one model.
type Session interface {
	// AcceptWaveform feeds little-endian 16-bit mono PCM and reports whether
	// an utterance boundary was reached.
	AcceptWaveform(pcm []byte) (bool, error)
	PartialResult() ([]byte, error)
	Result() ([]byte, error)
	FinalResult() ([]byte, error)
	Free()
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(), nil
	case "exec":
		return NewExec(cfg.Command, time.Duration(cfg.CommandTimeoutMS)*time.Millisecond)
	case "vosk":
		return NewVosk()
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}
