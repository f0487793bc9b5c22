package stt

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/protocol"
)

// Publisher is an Observer that broadcasts transcription progress on the bus.
type Publisher struct {
	bus *bus.Client
	log *slog.Logger
}

func NewPublisher(client *bus.Client) *Publisher {
	return &Publisher{
		bus: client,
		log: client.Logger().With(slog.String("component", "stt-publisher")),
	}
}

func (p *Publisher) JobStarted(context.Context, JobInfo) {}

func (p *Publisher) Partial(_ context.Context, job JobInfo, text string) {
	p.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
		JobID:     job.ID,
		Text:      text,
		Partial:   true,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) Utterance(_ context.Context, job JobInfo, seg Segment) {
	p.publish(protocol.SubjectTranscriptUtterance, protocol.Transcript{
		JobID:      job.ID,
		Sequence:   seg.Index,
		Text:       seg.Text,
		Timestamp:  time.Now().UTC(),
		Confidence: seg.Confidence,
	})
}

func (p *Publisher) JobFinished(_ context.Context, job JobInfo, tr Transcript, err error) {
	if err == nil {
		p.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
			JobID:     job.ID,
			Sequence:  len(tr.Segments),
			Text:      tr.Text,
			Final:     true,
			Timestamp: time.Now().UTC(),
		})
	}
	p.publish(protocol.SubjectJobFinished, jobResponse(job.ID, job.Source, tr, err))
}

func (p *Publisher) publish(subject string, msg any) {
	if err := p.bus.PublishJSON(subject, msg); err != nil {
		p.log.Warn("failed to publish", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func jobResponse(jobID, source string, tr Transcript, err error) protocol.JobResponse {
	resp := protocol.JobResponse{
		JobID:     jobID,
		Source:    source,
		Text:      tr.Text,
		Segments:  len(tr.Segments),
		ElapsedMS: float64(tr.Elapsed) / float64(time.Millisecond),
		Timestamp: time.Now().UTC(),
	}
	for _, alt := range tr.Alternatives {
		resp.Alternatives = append(resp.Alternatives, protocol.Alternative{Text: alt.Text, Confidence: alt.Confidence})
	}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorCode = Code(err)
	}
	return resp
}
