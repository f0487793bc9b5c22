package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/instrument"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Model is a loaded recognition model. It is shared read-only by any number
// of sessions and must outlive all of them.
type Model struct {
	dir      string
	engine   string
	handle   engine.Model
	loadTime time.Duration

	mu       sync.Mutex
	active   int
	released bool
}

// LoadModel loads the model in dir. A missing or unreadable directory is
// reported before the engine is touched.
func LoadModel(ctx context.Context, eng engine.Engine, dir string) (*Model, error) {
	return loadModel(ctx, eng, dir, instrument.New())
}

// SetVerbosity forwards the engine's diagnostic level. Negative values
// silence it.
func SetVerbosity(eng engine.Engine, level int) {
	eng.SetVerbosity(level)
}

func loadModel(ctx context.Context, eng engine.Engine, dir string, timers *instrument.Timers) (*Model, error) {
	const op = "load model"
	ctx, span := tracer.Start(ctx, "stt.load_model", trace.WithAttributes(
		attribute.String("model.dir", dir),
		attribute.String("engine", eng.Name()),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, contextError(op, ctx)
	}
	if err := checkModelDir(dir); err != nil {
		err = newError(ErrResourceNotFound, op, dir, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	label := "model.load:" + dir
	timers.Start(label)
	handle, err := eng.Load(dir)
	ms, _ := timers.Done(ctx, label)
	if err != nil {
		err = newError(ErrEngineInit, op, dir, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Float64("model.load_ms", ms))

	return &Model{
		dir:      dir,
		engine:   eng.Name(),
		handle:   handle,
		loadTime: time.Duration(ms * float64(time.Millisecond)),
	}, nil
}

func checkModelDir(dir string) error {
	if dir == "" {
		return errors.New("model directory not set")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (m *Model) Dir() string { return m.dir }

func (m *Model) Engine() string { return m.engine }

// LoadTime is how long the engine took to load the model.
func (m *Model) LoadTime() time.Duration { return m.loadTime }

// ActiveSessions reports sessions opened on m and not yet closed.
func (m *Model) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// NewSession opens a recognizer on m. Options are validated before the
// engine allocates anything.
func (m *Model) NewSession(opts Options) (*Session, error) {
	const op = "new session"
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrReleased)
	}
	m.active++
	m.mu.Unlock()

	handle, err := m.handle.NewSession(opts.sessionConfig())
	if err != nil {
		m.sessionClosed()
		return nil, newError(ErrEngineConfig, op, "", err)
	}
	ctx := context.Background()
	meters().sessionsOpened.Add(ctx, 1)
	meters().sessionsActive.Add(ctx, 1)
	return &Session{model: m, handle: handle, opts: opts}, nil
}

// Free releases the model. It fails while sessions are open, and on a second call.
func (m *Model) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return fmt.Errorf("free model %s: %w", m.dir, ErrReleased)
	}
	if m.active > 0 {
		return fmt.Errorf("free model %s: %w (%d open)", m.dir, ErrModelInUse, m.active)
	}
	m.released = true
	m.handle.Free()
	return nil
}

func (m *Model) sessionClosed() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}
