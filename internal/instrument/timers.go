// Package instrument measures elapsed wall time for labelled operations such
// as model loading and transcription jobs. Measurements are reported to the
// caller and recorded on an otel histogram; they never change an outcome.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrUnknownLabel is returned when a label is read before it was started.
var ErrUnknownLabel = errors.New("timer was never started")

type Timers struct {
	mu     sync.Mutex
	starts map[string]time.Time
	now    func() time.Time
	hist   metric.Float64Histogram
}

func New() *Timers {
	hist, err := otel.Meter("github.com/loqalabs/loqa-stt/internal/instrument").Float64Histogram(
		"loqa_stt.timer.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Elapsed time of timed operations"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return &Timers{
		starts: make(map[string]time.Time),
		now:    time.Now,
		hist:   hist,
	}
}

// Start records the current time for label. Starting a label again restarts it.
func (t *Timers) Start(label string) {
	t.mu.Lock()
	t.starts[label] = t.now()
	t.mu.Unlock()
}

// Elapsed returns milliseconds since the most recent Start of label.
func (t *Timers) Elapsed(label string) (float64, error) {
	t.mu.Lock()
	start, ok := t.starts[label]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return millis(t.now().Sub(start)), nil
}

// Done reads label like Elapsed, records the value and forgets the label.
func (t *Timers) Done(ctx context.Context, label string) (float64, error) {
	t.mu.Lock()
	start, ok := t.starts[label]
	delete(t.starts, label)
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	ms := millis(t.now().Sub(start))
	if t.hist != nil {
		t.hist.Record(ctx, ms, metric.WithAttributes(attribute.String("operation", operation(label))))
	}
	return ms, nil
}

func millis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// operation strips the per-call suffix so histogram cardinality stays bounded.
func operation(label string) string {
	if i := strings.IndexByte(label, ':'); i >= 0 {
		return label[:i]
	}
	return label
}
