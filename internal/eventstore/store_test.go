package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "jobs.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginJob(ctx, Job{ID: "job-1"}); err != nil {
		t.Fatalf("begin job should be a no-op: %v", err)
	}
	if _, err := es.GetJob(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ephemeral store to keep nothing, got %v", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.BeginJob(ctx, Job{ID: "job-1", Source: "clip.wav", ModelDir: "/models/en", SampleRate: 16000}); err != nil {
		t.Fatalf("begin job: %v", err)
	}
	for i, text := range []string{"turn on", "the lights"} {
		if err := es.AppendSegment(ctx, Segment{JobID: "job-1", Seq: i, Text: text, Payload: []byte(`{"text":"` + text + `"}`)}); err != nil {
			t.Fatalf("append segment: %v", err)
		}
	}
	if err := es.FinishJob(ctx, Job{ID: "job-1", State: "done", Text: "turn on the lights", ElapsedMS: 12.5}); err != nil {
		t.Fatalf("finish job: %v", err)
	}

	job, err := es.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != "done" || job.Text != "turn on the lights" || job.ElapsedMS != 12.5 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Source != "clip.wav" || job.SampleRate != 16000 {
		t.Fatalf("unexpected job metadata: %+v", job)
	}

	segments, err := es.ListSegments(ctx, "job-1", 10)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segments) != 2 || segments[1].Text != "the lights" {
		t.Fatalf("unexpected segments: %+v", segments)
	}
	if string(segments[0].Payload) != `{"text":"turn on"}` {
		t.Fatalf("unexpected payload: %s", segments[0].Payload)
	}
}

func TestFinishUnknownJob(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	err := es.FinishJob(context.Background(), Job{ID: "missing", State: "done"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneByDaysAndJobs(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxJobs: 2})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginJob(ctx, Job{ID: "old-job"}); err != nil {
		t.Fatalf("begin job: %v", err)
	}
	if err := es.AppendSegment(ctx, Segment{JobID: "old-job", Text: "hello"}); err != nil {
		t.Fatalf("append segment: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		created := es.clock().Add(time.Duration(i) * time.Minute)
		if err := es.BeginJob(ctx, Job{ID: id, CreatedAt: created}); err != nil {
			t.Fatalf("begin job: %v", err)
		}
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := es.GetJob(ctx, "old-job"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old job pruned, got %v", err)
	}
	segments, err := es.ListSegments(ctx, "old-job", 10)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segments) != 0 {
		t.Fatalf("expected segments to cascade")
	}
	jobs, err := es.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "job-c" || jobs[1].ID != "job-b" {
		t.Fatalf("expected newest two jobs kept, got %+v", jobs)
	}
}

func TestRecorderWritesJobs(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, newLogger())

	info := stt.JobInfo{ID: "job-ok", Source: "buffer", ModelDir: "/m", SampleRate: 8000, Started: time.Now().UTC()}
	rec.JobStarted(ctx, info)
	rec.Utterance(ctx, info, stt.Segment{Index: 0, Text: "yes", Raw: []byte(`{"text":"yes"}`)})
	rec.JobFinished(ctx, info, stt.Transcript{Text: "yes", Elapsed: 3 * time.Millisecond}, nil)

	failed := stt.JobInfo{ID: "job-bad", Source: "missing.wav"}
	rec.JobStarted(ctx, failed)
	rec.JobFinished(ctx, failed, stt.Transcript{}, stt.ErrTimeout)

	job, err := es.GetJob(ctx, "job-ok")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != "done" || job.Text != "yes" || job.ElapsedMS != 3 {
		t.Fatalf("unexpected recorded job: %+v", job)
	}
	segments, err := es.ListSegments(ctx, "job-ok", 10)
	if err != nil || len(segments) != 1 {
		t.Fatalf("expected one segment, got %v %v", segments, err)
	}

	bad, err := es.GetJob(ctx, "job-bad")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if bad.State != "failed" || bad.ErrorCode != "timeout" {
		t.Fatalf("unexpected failed job: %+v", bad)
	}
}
