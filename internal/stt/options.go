package stt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
)

const (
	DefaultSampleRate = 16000
	DefaultChunkBytes = 4000
)

// FeedMode selects how chunks are handed to the engine.
type FeedMode int

const (
	// FeedConcurrent runs each accept on its own goroutine and suspends the
	// caller until it completes or the context ends.
	FeedConcurrent FeedMode = iota
	// FeedBlocking runs each accept on the caller's goroutine.
	FeedBlocking
)

func (m FeedMode) String() string {
	switch m {
	case FeedConcurrent:
		return "concurrent"
	case FeedBlocking:
		return "blocking"
	default:
		return fmt.Sprintf("FeedMode(%d)", int(m))
	}
}

func ParseFeedMode(s string) (FeedMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "concurrent":
		return FeedConcurrent, nil
	case "blocking":
		return FeedBlocking, nil
	default:
		return FeedConcurrent, fmt.Errorf("unknown feed mode %q", s)
	}
}

// Options configure one transcription. The zero value is usable.
type Options struct {
	// SampleRate of the PCM in Hz. Files override it with their header value.
	SampleRate int
	// Grammar restricts recognition to these phrases, passed to the engine
	// verbatim. nil means unconstrained.
	Grammar []string
	// Alternatives > 0 keeps up to that many ranked hypotheses.
	Alternatives int
	// Words requests per-word timing.
	Words bool
	// Feeding defaults to FeedConcurrent.
	Feeding FeedMode
	// ChunkBytes is the read size for file sources. It must hold whole
	// 16-bit samples, so odd values are rejected.
	ChunkBytes int
	// Timeout bounds the whole transcription. Zero means no limit beyond ctx.
	Timeout time.Duration
	// Partials asks for the running hypothesis after every chunk that did not
	// end an utterance. Observers receive it; it never reaches the transcript.
	Partials bool
	// JobID labels the transcription. A random ID is used when empty.
	JobID string
	// OnUtterance is called on the feeding goroutine for every committed
	// non-empty utterance, including the final one.
	OnUtterance func(Segment)
}

// OptionsFromConfig returns per-call defaults from the transcription config.
func OptionsFromConfig(cfg config.TranscriptionConfig) (Options, error) {
	mode, err := ParseFeedMode(cfg.Feeding)
	if err != nil {
		return Options{}, err
	}
	var grammar []string
	if cfg.Grammar != nil {
		grammar = append([]string{}, cfg.Grammar...)
	}
	return Options{
		SampleRate:   cfg.SampleRate,
		Grammar:      grammar,
		Alternatives: cfg.Alternatives,
		Words:        cfg.Words,
		Feeding:      mode,
		ChunkBytes:   cfg.ChunkBytes,
		Timeout:      time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.SampleRate == 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.ChunkBytes == 0 {
		o.ChunkBytes = DefaultChunkBytes
	}
	return o
}

// validate runs once, before anything is allocated in the engine.
func (o Options) validate() error {
	const op = "validate options"
	if o.SampleRate <= 0 {
		return newError(ErrEngineConfig, op, "sample_rate", fmt.Errorf("must be > 0, got %d", o.SampleRate))
	}
	if o.Alternatives < 0 {
		return newError(ErrEngineConfig, op, "alternatives", fmt.Errorf("must be >= 0, got %d", o.Alternatives))
	}
	if o.ChunkBytes < 0 || o.ChunkBytes%2 != 0 {
		return newError(ErrEngineConfig, op, "chunk_bytes", fmt.Errorf("must be a positive multiple of 2, got %d", o.ChunkBytes))
	}
	if o.Timeout < 0 {
		return newError(ErrEngineConfig, op, "timeout", fmt.Errorf("must be >= 0, got %s", o.Timeout))
	}
	if o.Feeding != FeedConcurrent && o.Feeding != FeedBlocking {
		return newError(ErrEngineConfig, op, "feeding", fmt.Errorf("unknown mode %d", int(o.Feeding)))
	}
	if o.Grammar != nil && len(o.Grammar) == 0 {
		return newError(ErrEngineConfig, op, "grammar", errors.New("must contain at least one phrase"))
	}
	for i, phrase := range o.Grammar {
		if strings.TrimSpace(phrase) == "" {
			return newError(ErrEngineConfig, op, fmt.Sprintf("grammar[%d]", i), errors.New("phrase is empty"))
		}
	}
	return nil
}

func (o Options) sessionConfig() engine.SessionConfig {
	return engine.SessionConfig{
		SampleRate:      o.SampleRate,
		Grammar:         o.Grammar,
		MaxAlternatives: o.Alternatives,
		Words:           o.Words,
	}
}
