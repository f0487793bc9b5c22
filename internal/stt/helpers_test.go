package stt

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-stt/internal/engine"
)

const testRate = 16000

var testVocabulary = []string{"yes", "no", "stop", "go"}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func modelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	data := strings.Join(testVocabulary, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, engine.MockVocabularyFile), []byte(data), 0o644); err != nil {
		t.Fatalf("write vocabulary: %v", err)
	}
	return dir
}

// spy wraps the mock engine and counts native allocations.
type spy struct {
	loads         atomic.Int32
	modelsFreed   atomic.Int32
	attempts      atomic.Int32
	created       atomic.Int32
	sessionsFreed atomic.Int32
	doubleFrees   atomic.Int32

	// delay is added to every AcceptWaveform.
	delay time.Duration
	// finalDelay is added to FinalResult.
	finalDelay time.Duration
	// acceptErr, when set, fails every AcceptWaveform.
	acceptErr error
}

func (s *spy) engine() engine.Engine {
	return &spyEngine{inner: engine.NewMock(), spy: s}
}

type spyEngine struct {
	inner engine.Engine
	spy   *spy
}

func (e *spyEngine) Name() string { return "spy" }

func (e *spyEngine) SetVerbosity(level int) { e.inner.SetVerbosity(level) }

func (e *spyEngine) Load(dir string) (engine.Model, error) {
	e.spy.loads.Add(1)
	m, err := e.inner.Load(dir)
	if err != nil {
		return nil, err
	}
	return &spyModel{inner: m, spy: e.spy}, nil
}

type spyModel struct {
	inner engine.Model
	spy   *spy
}

func (m *spyModel) NewSession(cfg engine.SessionConfig) (engine.Session, error) {
	m.spy.attempts.Add(1)
	s, err := m.inner.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	m.spy.created.Add(1)
	return &spySession{Session: s, spy: m.spy}, nil
}

func (m *spyModel) Free() {
	m.spy.modelsFreed.Add(1)
	m.inner.Free()
}

type spySession struct {
	engine.Session
	spy   *spy
	freed atomic.Bool
}

func (s *spySession) AcceptWaveform(pcm []byte) (bool, error) {
	if s.spy.delay > 0 {
		time.Sleep(s.spy.delay)
	}
	if s.spy.acceptErr != nil {
		return false, s.spy.acceptErr
	}
	return s.Session.AcceptWaveform(pcm)
}

func (s *spySession) FinalResult() ([]byte, error) {
	if s.spy.finalDelay > 0 {
		time.Sleep(s.spy.finalDelay)
	}
	return s.Session.FinalResult()
}

func (s *spySession) Free() {
	if s.freed.Swap(true) {
		s.spy.doubleFrees.Add(1)
		return
	}
	s.spy.sessionsFreed.Add(1)
	s.Session.Free()
}

func (s *spy) assertReleased(t *testing.T) {
	t.Helper()
	if created, freed := s.created.Load(), s.sessionsFreed.Load(); created != freed {
		t.Fatalf("sessions created=%d freed=%d", created, freed)
	}
	if n := s.doubleFrees.Load(); n != 0 {
		t.Fatalf("%d sessions freed twice", n)
	}
}

func loadSpyModel(t *testing.T, s *spy) *Model {
	t.Helper()
	m, err := LoadModel(context.Background(), s.engine(), modelDir(t))
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	t.Cleanup(func() { _ = m.Free() })
	return m
}

// tone returns frames of 10ms square wave that the mock engine decodes as
// testVocabulary[word].
func tone(word, frames int) []byte {
	level := (word+1)*engine.MockLevelStep + engine.MockLevelStep/2
	samples := frames * testRate / 100
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(level)
		if i%2 == 1 {
			v = -v
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func silence(frames int) []byte {
	return make([]byte, frames*testRate/100*2)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// speech is "yes no" followed by a pause, then "stop".
func speech() []byte {
	return concat(
		tone(0, 20), silence(10), tone(1, 20),
		silence(engine.MockBoundaryFrames+5),
		tone(2, 25), silence(5),
	)
}

type wavFormat struct {
	rate     int
	channels int
	bitDepth int
	format   int
}

var monoPCM16 = wavFormat{rate: testRate, channels: 1, bitDepth: 16, format: 1}

// writeWAV encodes little-endian 16-bit samples from pcm into a WAV file
// with the given header. Samples are repeated across channels.
func writeWAV(t *testing.T, f wavFormat, pcm []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer out.Close()

	samples := make([]int, 0, len(pcm)/2*f.channels)
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if f.bitDepth == 8 {
			v = v/256 + 128
		}
		for c := 0; c < f.channels; c++ {
			samples = append(samples, v)
		}
	}
	enc := wav.NewEncoder(out, f.rate, f.bitDepth, f.channels, f.format)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: f.channels, SampleRate: f.rate},
		Data:           samples,
		SourceBitDepth: f.bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

type event struct {
	kind string
	text string
	err  error
}

// recorder is an Observer that keeps every call.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) JobStarted(_ context.Context, job JobInfo) {
	r.add(event{kind: "started", text: job.ID})
}

func (r *recorder) Partial(_ context.Context, _ JobInfo, text string) {
	r.add(event{kind: "partial", text: text})
}

func (r *recorder) Utterance(_ context.Context, _ JobInfo, seg Segment) {
	r.add(event{kind: "utterance", text: seg.Text})
}

func (r *recorder) JobFinished(ctx context.Context, _ JobInfo, tr Transcript, err error) {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	r.add(event{kind: "finished", text: tr.Text, err: err})
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.kind
	}
	return out
}

func (r *recorder) texts(kind string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e.text)
		}
	}
	return out
}

func (r *recorder) last() event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}
