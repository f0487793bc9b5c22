package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd       []string
	timeout   time.Duration
	verbosity atomic.Int32
}

// NewExec returns a backend that buffers a session's audio and hands it to an
// external decoder when the final result is requested. The decoder receives
// a mono 16-bit WAV via --audio and must print a recognizer JSON document.
func NewExec(command string, timeout time.Duration) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}
	e := &execEngine{cmd: args, timeout: timeout}
	e.verbosity.Store(-1)
	return e, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) SetVerbosity(level int) {
	e.verbosity.Store(int32(level))
}

func (e *execEngine) Load(dir string) (Model, error) {
	return &execModel{engine: e, dir: dir}, nil
}

type execModel struct {
	engine *execEngine
	dir    string
}

func (m *execModel) NewSession(cfg SessionConfig) (Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate %d not supported", cfg.SampleRate)
	}
	if cfg.MaxAlternatives < 0 {
		return nil, fmt.Errorf("max alternatives %d must be >= 0", cfg.MaxAlternatives)
	}
	for i, phrase := range cfg.Grammar {
		if phrase == "" {
			return nil, fmt.Errorf("grammar entry %d is empty", i)
		}
	}
	return &execSession{model: m, cfg: cfg}, nil
}

func (m *execModel) Free() {}

type execSession struct {
	model *execModel
	cfg   SessionConfig
	pcm   []byte
	freed bool
}

func (s *execSession) AcceptWaveform(pcm []byte) (bool, error) {
	if s.freed {
		return false, errSessionFreed
	}
	s.pcm = append(s.pcm, pcm...)
	return false, nil
}

func (s *execSession) PartialResult() ([]byte, error) {
	if s.freed {
		return nil, errSessionFreed
	}
	return []byte(`{"partial":""}`), nil
}

func (s *execSession) Result() ([]byte, error) {
	if s.freed {
		return nil, errSessionFreed
	}
	return []byte(`{"text":""}`), nil
}

func (s *execSession) FinalResult() ([]byte, error) {
	if s.freed {
		return nil, errSessionFreed
	}
	pcm := s.pcm
	s.pcm = nil
	if len(pcm) == 0 {
		return []byte(`{"text":""}`), nil
	}
	return s.run(pcm)
}

func (s *execSession) Free() {
	s.freed = true
	s.pcm = nil
}

func (s *execSession) run(pcm []byte) ([]byte, error) {
	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, s.cfg.SampleRate); err != nil {
		return nil, err
	}

	e := s.model.engine
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--audio", file.Name(),
		"--model", s.model.dir,
		"--sample-rate", strconv.Itoa(s.cfg.SampleRate),
	)
	if s.cfg.Grammar != nil {
		grammar, err := json.Marshal(s.cfg.Grammar)
		if err != nil {
			return nil, fmt.Errorf("encode grammar: %w", err)
		}
		args = append(args, "--grammar", string(grammar))
	}
	if s.cfg.MaxAlternatives > 0 {
		args = append(args, "--max-alternatives", strconv.Itoa(s.cfg.MaxAlternatives))
	}
	if s.cfg.Words {
		args = append(args, "--words")
	}
	if level := e.verbosity.Load(); level >= 0 {
		args = append(args, "--verbosity", strconv.Itoa(int(level)))
	}

	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	command := exec.CommandContext(ctx, base, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return nil, fmt.Errorf("engine command printed invalid json: %q", out)
	}
	return out, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples
	buffer.SourceBitDepth = 16

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
