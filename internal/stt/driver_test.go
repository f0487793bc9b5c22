package stt

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/instrument"
)

func TestTranscribeFileReleasesSession(t *testing.T) {
	s := &spy{}
	model := loadSpyModel(t, s)
	tr := NewTranscriber(newLogger(), 2)

	got, err := tr.TranscribeFile(context.Background(), writeWAV(t, monoPCM16, speech()), model, Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got.Text != "yes no stop" {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if len(got.Segments) != 2 || got.Segments[0].Text != "yes no" || !got.Segments[1].Final {
		t.Fatalf("unexpected segments: %+v", got.Segments)
	}
	if got.SampleRate != testRate || got.JobID == "" {
		t.Fatalf("unexpected transcript metadata: %+v", got)
	}
	if s.created.Load() != 1 {
		t.Fatalf("expected one session, got %d", s.created.Load())
	}
	s.assertReleased(t)
	if model.ActiveSessions() != 0 {
		t.Fatalf("model still has %d sessions", model.ActiveSessions())
	}
}

func TestTranscribeFileRejectsFormatsBeforeSession(t *testing.T) {
	cases := map[string]wavFormat{
		"stereo":   {rate: testRate, channels: 2, bitDepth: 16, format: 1},
		"float":    {rate: testRate, channels: 1, bitDepth: 32, format: 3},
		"8-bit":    {rate: testRate, channels: 1, bitDepth: 8, format: 1},
		"extended": {rate: testRate, channels: 1, bitDepth: 16, format: 0xFFFE},
	}
	for name, format := range cases {
		t.Run(name, func(t *testing.T) {
			s := &spy{}
			model := loadSpyModel(t, s)
			path := writeWAV(t, format, tone(0, 10))
			obs := &recorder{}

			_, err := NewTranscriber(newLogger(), 0, obs).TranscribeFile(context.Background(), path, model, Options{})
			if !errors.Is(err, ErrUnsupportedAudioFormat) {
				t.Fatalf("expected ErrUnsupportedAudioFormat, got %v", err)
			}
			var fe *FormatError
			if !errors.As(err, &fe) || fe.Channels != format.channels || fe.BitDepth != format.bitDepth {
				t.Fatalf("expected FormatError describing the header, got %#v", err)
			}
			if n := s.attempts.Load(); n != 0 {
				t.Fatalf("expected no session, got %d", n)
			}
			if got := obs.kinds(); !reflect.DeepEqual(got, []string{"started", "finished"}) {
				t.Fatalf("unexpected observer calls: %v", got)
			}
			if last := obs.last(); !errors.Is(last.err, ErrUnsupportedAudioFormat) {
				t.Fatalf("observer did not see the format error: %+v", last)
			}
		})
	}
}

func TestTranscribeFileMissing(t *testing.T) {
	s := &spy{}
	model := loadSpyModel(t, s)
	obs := &recorder{}
	_, err := NewTranscriber(newLogger(), 0, obs).TranscribeFile(context.Background(), "/nonexistent/clip.wav", model, Options{})
	if !errors.Is(err, ErrResourceNotFound) || Code(err) != "resource_not_found" {
		t.Fatalf("expected resource not found, got %v", err)
	}
	if s.attempts.Load() != 0 {
		t.Fatal("session created for missing file")
	}
	if last := obs.last(); last.kind != "finished" || !errors.Is(last.err, ErrResourceNotFound) {
		t.Fatalf("observer did not see the missing file: %+v", last)
	}
}

func TestChunkingDoesNotChangeText(t *testing.T) {
	s := &spy{}
	model := loadSpyModel(t, s)
	tr := NewTranscriber(newLogger(), 4)
	audio := speech()
	path := writeWAV(t, monoPCM16, audio)

	whole, err := tr.TranscribeBuffer(context.Background(), audio, model, Options{})
	if err != nil {
		t.Fatalf("transcribe buffer: %v", err)
	}
	for _, size := range []int{6, 320, 3334, 4000, len(audio) * 2} {
		got, err := tr.TranscribeFile(context.Background(), path, model, Options{ChunkBytes: size})
		if err != nil {
			t.Fatalf("chunk %d: %v", size, err)
		}
		if got.Text != whole.Text {
			t.Fatalf("chunk %d: got %q, want %q", size, got.Text, whole.Text)
		}
	}
	s.assertReleased(t)
}

func TestFeedModesProduceIdenticalTranscripts(t *testing.T) {
	model := loadSpyModel(t, &spy{})
	tr := NewTranscriber(newLogger(), 1)
	path := writeWAV(t, monoPCM16, speech())

	run := func(mode FeedMode) Transcript {
		got, err := tr.TranscribeFile(context.Background(), path, model, Options{
			JobID:        "same",
			Feeding:      mode,
			ChunkBytes:   640,
			Alternatives: 3,
			Words:        true,
		})
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		got.Elapsed = 0
		return got
	}
	concurrent := run(FeedConcurrent)
	blocking := run(FeedBlocking)
	if !reflect.DeepEqual(concurrent, blocking) {
		t.Fatalf("feed modes differ:\nconcurrent: %+v\nblocking:   %+v", concurrent, blocking)
	}
}

func TestAlternatives(t *testing.T) {
	model := loadSpyModel(t, &spy{})
	tr := NewTranscriber(newLogger(), 0)
	audio := concat(tone(1, 20), silence(engine.MockBoundaryFrames+5))

	got, err := tr.TranscribeBuffer(context.Background(), audio, model, Options{Alternatives: 2})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(got.Alternatives) == 0 || len(got.Alternatives) > 2 {
		t.Fatalf("expected 1..2 alternatives, got %+v", got.Alternatives)
	}
	for i := 1; i < len(got.Alternatives); i++ {
		if got.Alternatives[i].Confidence > got.Alternatives[i-1].Confidence {
			t.Fatalf("alternatives out of order: %+v", got.Alternatives)
		}
	}
	if got.Alternatives[0].Text != "no" || got.Text != "no" {
		t.Fatalf("unexpected best hypothesis: %q / %+v", got.Text, got.Alternatives)
	}

	none, err := tr.TranscribeBuffer(context.Background(), audio, model, Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if none.Alternatives != nil {
		t.Fatalf("expected no alternatives, got %+v", none.Alternatives)
	}
	for _, seg := range none.Segments {
		if seg.Alternatives != nil {
			t.Fatalf("segment carries alternatives: %+v", seg)
		}
	}
}

func TestGrammarKeepsTextInVocabulary(t *testing.T) {
	model := loadSpyModel(t, &spy{})
	tr := NewTranscriber(newLogger(), 0)
	grammar := []string{"yes", "no"}

	cases := map[string]struct {
		audio []byte
		want  string
	}{
		"in grammar":     {tone(0, 30), "yes"},
		"out of grammar": {tone(2, 30), "no"},
		"sentence":       {concat(tone(3, 20), silence(5), tone(0, 20)), "no yes"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := tr.TranscribeFile(context.Background(), writeWAV(t, monoPCM16, tc.audio), model, Options{Grammar: grammar})
			if err != nil {
				t.Fatalf("transcribe: %v", err)
			}
			if got.Text != tc.want {
				t.Fatalf("got %q, want %q", got.Text, tc.want)
			}
			for _, word := range strings.Fields(got.Text) {
				if word != "yes" && word != "no" {
					t.Fatalf("word %q outside grammar", word)
				}
			}
		})
	}
}

func TestSilentSecond(t *testing.T) {
	s := &spy{}
	model := loadSpyModel(t, s)
	tr := NewTranscriber(newLogger(), 0)

	got, err := tr.TranscribeFile(context.Background(), writeWAV(t, monoPCM16, silence(100)), model, Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got.Text != "" || len(got.Segments) != 0 || got.Segments == nil {
		t.Fatalf("expected empty transcript, got %+v", got)
	}
	if got.Elapsed < 0 {
		t.Fatalf("negative elapsed %s", got.Elapsed)
	}
	s.assertReleased(t)
}

func TestTimeoutReleasesSession(t *testing.T) {
	for _, mode := range []FeedMode{FeedConcurrent, FeedBlocking} {
		t.Run(mode.String(), func(t *testing.T) {
			s := &spy{delay: 150 * time.Millisecond}
			model := loadSpyModel(t, s)
			obs := &recorder{}
			tr := NewTranscriber(newLogger(), 0, obs)

			got, err := tr.TranscribeBuffer(context.Background(), speech(), model, Options{
				Timeout: 20 * time.Millisecond,
				Feeding: mode,
			})
			if !errors.Is(err, ErrTimeout) || Code(err) != "timeout" {
				t.Fatalf("expected timeout, got %v", err)
			}
			if got.Text != "" || got.Segments != nil {
				t.Fatalf("expected empty result on failure, got %+v", got)
			}
			s.assertReleased(t)
			if model.ActiveSessions() != 0 {
				t.Fatalf("session still open after timeout")
			}
			last := obs.last()
			if last.kind != "finished" || !errors.Is(last.err, ErrTimeout) {
				t.Fatalf("observer did not see the timeout: %+v", last)
			}
		})
	}
}

func TestTimeoutCoversFinalization(t *testing.T) {
	for _, mode := range []FeedMode{FeedConcurrent, FeedBlocking} {
		t.Run(mode.String(), func(t *testing.T) {
			s := &spy{finalDelay: 300 * time.Millisecond}
			model := loadSpyModel(t, s)
			obs := &recorder{}
			tr := NewTranscriber(newLogger(), 0, obs)

			start := time.Now()
			_, err := tr.TranscribeBuffer(context.Background(), tone(0, 10), model, Options{
				Timeout: 30 * time.Millisecond,
				Feeding: mode,
			})
			if !errors.Is(err, ErrTimeout) || Code(err) != "timeout" {
				t.Fatalf("expected timeout, got %v", err)
			}
			if mode == FeedConcurrent && time.Since(start) >= s.finalDelay {
				t.Fatal("concurrent job did not return at the deadline")
			}
			s.assertReleased(t)
			if last := obs.last(); last.kind != "finished" || !errors.Is(last.err, ErrTimeout) {
				t.Fatalf("observer did not see the timeout: %+v", last)
			}
		})
	}
}

func TestSessionsShareModel(t *testing.T) {
	const jobs = 16
	s := &spy{}
	model := loadSpyModel(t, s)
	tr := NewTranscriber(newLogger(), 4)
	path := writeWAV(t, monoPCM16, speech())

	var wg sync.WaitGroup
	texts := make([]string, jobs)
	errs := make([]error, jobs)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			opts := Options{ChunkBytes: 320 * (i%4 + 1), Partials: i%3 == 0}
			if i%2 == 1 {
				opts.Feeding = FeedBlocking
			}
			got, err := tr.TranscribeFile(context.Background(), path, model, opts)
			texts[i], errs[i] = got.Text, err
		}(i)
	}
	wg.Wait()

	for i := range texts {
		if errs[i] != nil || texts[i] != "yes no stop" {
			t.Fatalf("job %d: got %q, %v", i, texts[i], errs[i])
		}
	}
	if n := s.created.Load(); n != jobs {
		t.Fatalf("expected %d sessions, got %d", jobs, n)
	}
	s.assertReleased(t)
	if model.ActiveSessions() != 0 {
		t.Fatalf("model still has %d sessions", model.ActiveSessions())
	}
}

func TestEngineFailureReleasesSession(t *testing.T) {
	s := &spy{acceptErr: errors.New("decoder crashed")}
	model := loadSpyModel(t, s)
	obs := &recorder{}
	tr := NewTranscriber(newLogger(), 0, obs)

	_, err := tr.TranscribeFile(context.Background(), writeWAV(t, monoPCM16, speech()), model, Options{})
	if !errors.Is(err, ErrEngineRuntime) || !strings.Contains(err.Error(), "decoder crashed") {
		t.Fatalf("expected engine runtime failure, got %v", err)
	}
	s.assertReleased(t)
	if got := obs.kinds(); !reflect.DeepEqual(got, []string{"started", "finished"}) {
		t.Fatalf("unexpected observer calls: %v", got)
	}
}

func TestCancelledContextIsNotATimeout(t *testing.T) {
	s := &spy{}
	model := loadSpyModel(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTranscriber(newLogger(), 0).TranscribeBuffer(ctx, speech(), model, Options{})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if Code(err) != "internal" {
		t.Fatalf("unexpected code %q", Code(err))
	}
	s.assertReleased(t)
}

func TestInvalidOptionsFailBeforeSession(t *testing.T) {
	s := &spy{}
	model := loadSpyModel(t, s)
	obs := &recorder{}
	tr := NewTranscriber(newLogger(), 0, obs)

	_, err := tr.TranscribeBuffer(context.Background(), speech(), model, Options{Grammar: []string{"yes", "  "}})
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrEngineConfig || e.Param != "grammar[1]" {
		t.Fatalf("expected grammar config error, got %v", err)
	}
	if last := obs.last(); last.kind != "finished" || !errors.Is(last.err, ErrEngineConfig) {
		t.Fatalf("observer did not see the config error: %+v", last)
	}
	_, err = tr.TranscribeFile(context.Background(), writeWAV(t, monoPCM16, speech()), model, Options{ChunkBytes: 4001})
	if !errors.As(err, &e) || e.Param != "chunk_bytes" {
		t.Fatalf("expected chunk size error, got %v", err)
	}
	_, err = tr.TranscribeFile(context.Background(), "/nonexistent.wav", model, Options{Alternatives: -1})
	if !errors.Is(err, ErrEngineConfig) {
		t.Fatalf("options should be checked before the file, got %v", err)
	}
	if s.attempts.Load() != 0 {
		t.Fatal("session created for invalid options")
	}

	// grammar the engine itself rejects
	_, err = tr.TranscribeBuffer(context.Background(), speech(), model, Options{Grammar: []string{"banana"}})
	if !errors.Is(err, ErrEngineConfig) {
		t.Fatalf("expected engine config error, got %v", err)
	}
	s.assertReleased(t)
}

func TestObserversAndCallbacks(t *testing.T) {
	model := loadSpyModel(t, &spy{})
	obs := &recorder{}
	tr := NewTranscriber(newLogger(), 0, obs)

	var utterances []string
	audio := concat(tone(0, 20), silence(10), tone(1, 20), silence(engine.MockBoundaryFrames+10), tone(2, 20))
	got, err := tr.TranscribeFile(context.Background(), writeWAV(t, monoPCM16, audio), model, Options{
		JobID:      "job-7",
		ChunkBytes: 3200,
		Partials:   true,
		OnUtterance: func(seg Segment) {
			utterances = append(utterances, seg.Text)
		},
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got.JobID != "job-7" {
		t.Fatalf("unexpected job id %q", got.JobID)
	}
	if want := []string{"yes no", "stop"}; !reflect.DeepEqual(utterances, want) {
		t.Fatalf("callback saw %v, want %v", utterances, want)
	}
	if !reflect.DeepEqual(obs.texts("utterance"), utterances) {
		t.Fatalf("observer saw %v", obs.texts("utterance"))
	}
	partials := obs.texts("partial")
	if len(partials) == 0 || partials[0] != "yes" {
		t.Fatalf("expected partial hypotheses starting with yes, got %v", partials)
	}
	kinds := obs.kinds()
	if kinds[0] != "started" || kinds[len(kinds)-1] != "finished" {
		t.Fatalf("unexpected observer order: %v", kinds)
	}
	if last := obs.last(); last.err != nil || last.text != "yes no stop" {
		t.Fatalf("unexpected finish event: %+v", last)
	}
	for i, seg := range got.Segments {
		if seg.Index != i {
			t.Fatalf("segment %d has index %d", i, seg.Index)
		}
	}
}

func TestJobStateMachine(t *testing.T) {
	j := newJob(JobInfo{ID: "job"}, newLogger())
	if j.state() != stateInit {
		t.Fatalf("unexpected initial state %q", j.state())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, step := range []struct{ event, want string }{
		{eventOpen, stateStreaming},
		{eventFinish, stateFinalizing},
		{eventComplete, stateDone},
		{eventFail, stateDone},
	} {
		j.transition(ctx, step.event)
		if j.state() != step.want {
			t.Fatalf("after %s: state %q, want %q", step.event, j.state(), step.want)
		}
	}

	failed := newJob(JobInfo{ID: "job"}, newLogger())
	failed.transition(ctx, eventOpen)
	failed.transition(ctx, eventFail)
	if failed.state() != stateFailed {
		t.Fatalf("expected failed, got %q", failed.state())
	}
}

func TestTimersAreReleasedAfterJob(t *testing.T) {
	model := loadSpyModel(t, &spy{})
	tr := NewTranscriber(newLogger(), 0)
	if _, err := tr.TranscribeBuffer(context.Background(), tone(0, 10), model, Options{JobID: "timed"}); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if _, err := tr.Timers().Elapsed("transcribe:timed"); !errors.Is(err, instrument.ErrUnknownLabel) {
		t.Fatalf("expected timer label to be released, got %v", err)
	}
}
