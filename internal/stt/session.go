package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"golang.org/x/sync/semaphore"
)

// Session is one recognizer bound to a Model. Its sample rate and grammar are
// fixed at creation. Chunks must be fed in order; a Session is owned by a
// single request and is never reused.
type Session struct {
	model  *Model
	handle engine.Session
	opts   Options
	// slots bounds concurrent engine work across sessions. nil means unbounded.
	slots *semaphore.Weighted

	// mu serializes engine calls.
	mu sync.Mutex

	state     sync.Mutex
	pending   sync.WaitGroup
	closed    bool
	finalized bool
}

// Accept feeds one chunk and reports whether it completed an utterance.
//
// FeedBlocking runs the engine on the calling goroutine. FeedConcurrent runs
// it on a separate goroutine and returns early if ctx ends; the engine call
// still completes in the background and Close waits for it.
func (s *Session) Accept(ctx context.Context, chunk []byte, mode FeedMode) (bool, error) {
	const op = "accept"
	var boundary bool
	err := s.do(ctx, op, mode, false, func() (err error) {
		boundary, err = s.handle.AcceptWaveform(chunk)
		return err
	})
	if err != nil {
		return false, err
	}
	return boundary, nil
}

// Partial returns the running hypothesis for the current utterance.
// Result calls use the feed mode the session was created with.
func (s *Session) Partial(ctx context.Context) (string, error) {
	const op = "partial result"
	var raw []byte
	err := s.do(ctx, op, s.opts.Feeding, false, func() (err error) {
		raw, err = s.handle.PartialResult()
		return err
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Partial string `json:"partial"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", newError(ErrEngineRuntime, op, "", fmt.Errorf("decode partial: %w", err))
	}
	return strings.TrimSpace(out.Partial), nil
}

// Result returns the utterance committed by the last boundary.
func (s *Session) Result(ctx context.Context) (Segment, error) {
	const op = "result"
	var raw []byte
	err := s.do(ctx, op, s.opts.Feeding, false, func() (err error) {
		raw, err = s.handle.Result()
		return err
	})
	if err != nil {
		return Segment{}, err
	}
	return s.decode(op, raw)
}

// Final flushes the engine and returns the trailing utterance. It may be
// called once; the session accepts no more audio afterwards.
func (s *Session) Final(ctx context.Context) (Segment, error) {
	const op = "final result"
	var raw []byte
	err := s.do(ctx, op, s.opts.Feeding, true, func() (err error) {
		raw, err = s.handle.FinalResult()
		return err
	})
	if err != nil {
		return Segment{}, err
	}
	seg, err := s.decode(op, raw)
	seg.Final = true
	return seg, err
}

// do runs one engine call. In FeedBlocking mode it runs on the caller and the
// deadline is checked once it returns. In FeedConcurrent mode it runs on its
// own goroutine and do returns as soon as ctx ends; fn must only write
// variables the caller reads after a nil error.
func (s *Session) do(ctx context.Context, op string, mode FeedMode, final bool, fn func() error) error {
	if ctx.Err() != nil {
		return contextError(op, ctx)
	}
	if err := s.begin(op, final); err != nil {
		return err
	}

	if mode == FeedBlocking {
		defer s.pending.Done()
		if err := s.call(op, fn); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return contextError(op, ctx)
		}
		return nil
	}

	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			s.pending.Done()
			return contextError(op, ctx)
		}
	}
	done := make(chan error, 1)
	go func() {
		defer s.pending.Done()
		if s.slots != nil {
			defer s.slots.Release(1)
		}
		done <- s.call(op, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return contextError(op, ctx)
	}
}

func (s *Session) call(op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(); err != nil {
		return newError(ErrEngineRuntime, op, "", err)
	}
	return nil
}

func (s *Session) decode(op string, raw []byte) (Segment, error) {
	seg, err := decodeSegment(raw, s.opts.Alternatives)
	if err != nil {
		return Segment{}, newError(ErrEngineRuntime, op, "", err)
	}
	return seg, nil
}

// Close waits for any in-flight engine call and releases the session. A
// second Close returns ErrReleased.
func (s *Session) Close() error {
	s.state.Lock()
	if s.closed {
		s.state.Unlock()
		return fmt.Errorf("close session: %w", ErrReleased)
	}
	s.closed = true
	s.state.Unlock()

	s.pending.Wait()
	s.mu.Lock()
	s.handle.Free()
	s.mu.Unlock()

	s.model.sessionClosed()
	meters().sessionsActive.Add(context.Background(), -1)
	return nil
}

// begin registers an operation so Close can wait for it.
func (s *Session) begin(op string, final bool) error {
	s.state.Lock()
	defer s.state.Unlock()
	if s.closed {
		return fmt.Errorf("%s: %w", op, ErrReleased)
	}
	if s.finalized {
		return fmt.Errorf("%s: %w", op, ErrFinalized)
	}
	if final {
		s.finalized = true
	}
	s.pending.Add(1)
	return nil
}
