package stt

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-stt/internal/stt"

var tracer = otel.Tracer(instrumentationName)

type instruments struct {
	sessionsActive metric.Int64UpDownCounter
	sessionsOpened metric.Int64Counter
	utterances     metric.Int64Counter
	jobs           metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metrics     instruments
)

func meters() *instruments {
	metricsOnce.Do(func() {
		m := otel.Meter(instrumentationName)
		fallback := noop.Meter{}
		var err error
		if metrics.sessionsActive, err = m.Int64UpDownCounter("loqa_stt.sessions.active",
			metric.WithDescription("Recognizer sessions currently open")); err != nil {
			otel.Handle(err)
			metrics.sessionsActive, _ = fallback.Int64UpDownCounter("")
		}
		if metrics.sessionsOpened, err = m.Int64Counter("loqa_stt.sessions.opened",
			metric.WithDescription("Recognizer sessions created")); err != nil {
			otel.Handle(err)
			metrics.sessionsOpened, _ = fallback.Int64Counter("")
		}
		if metrics.utterances, err = m.Int64Counter("loqa_stt.utterances",
			metric.WithDescription("Utterances committed by recognizer sessions")); err != nil {
			otel.Handle(err)
			metrics.utterances, _ = fallback.Int64Counter("")
		}
		if metrics.jobs, err = m.Int64Counter("loqa_stt.jobs",
			metric.WithDescription("Transcription jobs by outcome")); err != nil {
			otel.Handle(err)
			metrics.jobs, _ = fallback.Int64Counter("")
		}
	})
	return &metrics
}
