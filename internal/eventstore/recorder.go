package eventstore

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Recorder is an stt.Observer that writes every job to the store.
type Recorder struct {
	store *Store
	log   *slog.Logger
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log.With(slog.String("component", "job-recorder"))}
}

func (r *Recorder) JobStarted(ctx context.Context, job stt.JobInfo) {
	err := r.store.BeginJob(context.WithoutCancel(ctx), Job{
		ID:         job.ID,
		Source:     job.Source,
		ModelDir:   job.ModelDir,
		SampleRate: job.SampleRate,
		CreatedAt:  job.Started,
	})
	r.check("begin job", job.ID, err)
}

func (r *Recorder) Partial(context.Context, stt.JobInfo, string) {}

func (r *Recorder) Utterance(ctx context.Context, job stt.JobInfo, seg stt.Segment) {
	err := r.store.AppendSegment(context.WithoutCancel(ctx), Segment{
		JobID:      job.ID,
		Seq:        seg.Index,
		Text:       seg.Text,
		Confidence: seg.Confidence,
		Payload:    seg.Raw,
	})
	r.check("append segment", job.ID, err)
}

func (r *Recorder) JobFinished(ctx context.Context, job stt.JobInfo, tr stt.Transcript, err error) {
	rec := Job{
		ID:        job.ID,
		State:     "done",
		Text:      tr.Text,
		ElapsedMS: float64(tr.Elapsed.Microseconds()) / 1000,
	}
	if err != nil {
		rec.State = "failed"
		rec.Error = err.Error()
		rec.ErrorCode = stt.Code(err)
	}
	r.check("finish job", job.ID, r.store.FinishJob(ctx, rec))
}

func (r *Recorder) check(op, jobID string, err error) {
	if err != nil {
		r.log.Warn("failed to record job",
			slog.String("op", op),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}
