package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/instrument"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	stateInit       = "init"
	stateStreaming  = "streaming"
	stateFinalizing = "finalizing"
	stateDone       = "done"
	stateFailed     = "failed"

	eventOpen     = "open"
	eventFinish   = "finish"
	eventComplete = "complete"
	eventFail     = "fail"
)

// Transcriber drives recognizer sessions from an audio source to a
// Transcript. It is safe for concurrent use; each call owns its session.
type Transcriber struct {
	log       *slog.Logger
	timers    *instrument.Timers
	slots     *semaphore.Weighted
	observers []Observer
}

// NewTranscriber returns a driver. maxConcurrentDecodes bounds engine calls
// running on background goroutines across all jobs; zero means unbounded.
func NewTranscriber(log *slog.Logger, maxConcurrentDecodes int, observers ...Observer) *Transcriber {
	t := &Transcriber{
		log:       log.With(slog.String("component", "transcriber")),
		timers:    instrument.New(),
		observers: observers,
	}
	if maxConcurrentDecodes > 0 {
		t.slots = semaphore.NewWeighted(int64(maxConcurrentDecodes))
	}
	return t
}

func (t *Transcriber) Timers() *instrument.Timers {
	return t.timers
}

// LoadModel is LoadModel with this driver's timers and logging.
func (t *Transcriber) LoadModel(ctx context.Context, eng engine.Engine, dir string) (*Model, error) {
	m, err := loadModel(ctx, eng, dir, t.timers)
	if err != nil {
		t.log.Error("model load failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return nil, err
	}
	t.log.Info("model loaded",
		slog.String("dir", dir),
		slog.String("engine", eng.Name()),
		slog.Duration("elapsed", m.LoadTime()),
	)
	return m, nil
}

// TranscribeFile transcribes a mono 16-bit PCM WAV file. The sample rate in
// the file header takes precedence over opts.SampleRate.
func (t *Transcriber) TranscribeFile(ctx context.Context, path string, model *Model, opts Options) (Transcript, error) {
	return t.run(ctx, path, model, opts, func(ctx context.Context, j *job, opts *Options) (*ChunkStream, error) {
		meta, stream, err := OpenAudioFile(ctx, path, opts.ChunkBytes)
		if err != nil {
			return nil, err
		}
		if meta.SampleRate != opts.SampleRate {
			j.log.Debug("using sample rate from file header",
				slog.String("path", path),
				slog.Int("header", meta.SampleRate),
				slog.Int("requested", opts.SampleRate),
			)
		}
		opts.SampleRate = meta.SampleRate
		return stream, nil
	})
}

// TranscribeBuffer transcribes raw little-endian 16-bit mono PCM at
// opts.SampleRate, fed as a single chunk.
func (t *Transcriber) TranscribeBuffer(ctx context.Context, pcm []byte, model *Model, opts Options) (Transcript, error) {
	return t.run(ctx, "buffer", model, opts, func(context.Context, *job, *Options) (*ChunkStream, error) {
		return WrapAudioBuffer(pcm), nil
	})
}

// openFunc opens the audio source once options are valid. It may adjust
// opts to match the source.
type openFunc func(ctx context.Context, j *job, opts *Options) (*ChunkStream, error)

func (t *Transcriber) run(ctx context.Context, source string, model *Model, opts Options, open openFunc) (Transcript, error) {
	opts = opts.withDefaults()
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	info := JobInfo{
		ID:         jobID,
		Source:     source,
		ModelDir:   model.Dir(),
		SampleRate: opts.SampleRate,
		Started:    time.Now().UTC(),
	}
	j := newJob(info, t.log.With(slog.String("job_id", jobID)))

	ctx, span := tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.source", source),
		attribute.String("feeding", opts.Feeding.String()),
	))
	defer span.End()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	detached := context.WithoutCancel(ctx)

	label := "transcribe:" + jobID
	t.timers.Start(label)
	t.notify(func(o Observer) { o.JobStarted(ctx, info) })

	err := t.drive(ctx, j, open, model, &opts)

	ms, _ := t.timers.Done(detached, label)
	tr := assemble(jobID, opts.SampleRate, j.segments, opts.Alternatives)
	tr.Elapsed = time.Duration(ms * float64(time.Millisecond))
	span.SetAttributes(attribute.Int("audio.sample_rate", opts.SampleRate))

	outcome := stateDone
	if err != nil {
		outcome = Code(err)
		span.SetStatus(codes.Error, err.Error())
		j.log.Warn("transcription failed",
			slog.String("state", j.state()),
			slog.String("error", err.Error()),
		)
	} else {
		j.log.Info("transcription finished",
			slog.Int("segments", len(tr.Segments)),
			slog.Duration("elapsed", tr.Elapsed),
		)
	}
	meters().jobs.Add(detached, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	t.notify(func(o Observer) { o.JobFinished(detached, j.info, tr, err) })

	if err != nil {
		return Transcript{}, err
	}
	return tr, nil
}

// drive runs one job through the state machine. Options are validated and
// the source opened while the job is in INIT, before any engine allocation.
// The session is released before drive returns, whatever the outcome.
func (t *Transcriber) drive(ctx context.Context, j *job, open openFunc, model *Model, opts *Options) (err error) {
	fail := func(cause error) error {
		j.transition(ctx, eventFail)
		return cause
	}
	if err := opts.validate(); err != nil {
		return fail(err)
	}
	stream, err := open(ctx, j, opts)
	if err != nil {
		return fail(err)
	}
	defer stream.Close()
	j.info.SampleRate = opts.SampleRate

	session, err := model.NewSession(*opts)
	if err != nil {
		return fail(err)
	}
	session.slots = t.slots
	defer func() {
		if cerr := session.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	j.transition(ctx, eventOpen)
	for {
		if ctx.Err() != nil {
			return fail(contextError("transcribe", ctx))
		}
		chunk, rerr := stream.Next()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return fail(contextError("transcribe", ctx))
			}
			return fail(newError(ErrResourceNotFound, "read audio", j.info.Source, rerr))
		}
		if len(chunk) == 0 {
			continue
		}

		boundary, aerr := session.Accept(ctx, chunk, opts.Feeding)
		if aerr != nil {
			return fail(aerr)
		}
		if boundary {
			seg, serr := session.Result(ctx)
			if serr != nil {
				return fail(serr)
			}
			t.commit(ctx, j, seg, *opts)
			continue
		}
		if opts.Partials {
			text, perr := session.Partial(ctx)
			if perr != nil {
				return fail(perr)
			}
			if text != "" && text != j.lastPartial {
				j.lastPartial = text
				t.notify(func(o Observer) { o.Partial(ctx, j.info, text) })
			}
		}
	}

	j.transition(ctx, eventFinish)
	seg, ferr := session.Final(ctx)
	if ferr != nil {
		return fail(ferr)
	}
	t.commit(ctx, j, seg, *opts)
	j.transition(ctx, eventComplete)
	return nil
}

// commit records a non-empty utterance and hands it to listeners.
func (t *Transcriber) commit(ctx context.Context, j *job, seg Segment, opts Options) {
	if seg.Text == "" {
		return
	}
	seg.Index = len(j.segments)
	j.segments = append(j.segments, seg)
	j.lastPartial = ""
	meters().utterances.Add(ctx, 1)
	if opts.OnUtterance != nil {
		opts.OnUtterance(seg)
	}
	t.notify(func(o Observer) { o.Utterance(ctx, j.info, seg) })
}

func (t *Transcriber) notify(fn func(Observer)) {
	for _, o := range t.observers {
		fn(o)
	}
}

type job struct {
	info        JobInfo
	log         *slog.Logger
	machine     *fsm.FSM
	segments    []Segment
	lastPartial string
}

func newJob(info JobInfo, log *slog.Logger) *job {
	j := &job{info: info, log: log}
	j.machine = fsm.NewFSM(
		stateInit,
		fsm.Events{
			{Name: eventOpen, Src: []string{stateInit}, Dst: stateStreaming},
			{Name: eventFinish, Src: []string{stateStreaming}, Dst: stateFinalizing},
			{Name: eventComplete, Src: []string{stateFinalizing}, Dst: stateDone},
			{Name: eventFail, Src: []string{stateInit, stateStreaming, stateFinalizing}, Dst: stateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("job state changed", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	return j
}

// transition ignores ctx cancellation so a timed-out job can still be marked failed.
func (j *job) transition(ctx context.Context, event string) {
	if err := j.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		j.log.Warn("invalid job transition",
			slog.String("event", event),
			slog.String("state", j.machine.Current()),
			slog.String("error", err.Error()),
		)
	}
}

func (j *job) state() string {
	return j.machine.Current()
}
