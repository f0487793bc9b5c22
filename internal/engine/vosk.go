//go:build vosk

package engine

import (
	"encoding/json"
	"fmt"

	vosk "github.com/alphacep/vosk-api/go"
)

type voskEngine struct{}

// NewVosk returns the libvosk backend.
func NewVosk() (Engine, error) {
	return voskEngine{}, nil
}

func (voskEngine) Name() string { return "vosk" }

func (voskEngine) SetVerbosity(level int) {
	vosk.SetLogLevel(level)
}

func (voskEngine) Load(dir string) (Model, error) {
	m, err := vosk.NewModel(dir)
	if err != nil {
		return nil, fmt.Errorf("vosk model %s: %w", dir, err)
	}
	return &voskModel{model: m}, nil
}

type voskModel struct {
	model *vosk.VoskModel
}

func (m *voskModel) NewSession(cfg SessionConfig) (Session, error) {
	var (
		rec *vosk.VoskRecognizer
		err error
	)
	if cfg.Grammar != nil {
		grammar, merr := json.Marshal(cfg.Grammar)
		if merr != nil {
			return nil, fmt.Errorf("encode grammar: %w", merr)
		}
		rec, err = vosk.NewRecognizerGrm(m.model, float64(cfg.SampleRate), string(grammar))
	} else {
		rec, err = vosk.NewRecognizer(m.model, float64(cfg.SampleRate))
	}
	if err != nil {
		return nil, fmt.Errorf("vosk recognizer: %w", err)
	}
	if cfg.MaxAlternatives > 0 {
		rec.SetMaxAlternatives(cfg.MaxAlternatives)
	}
	if cfg.Words {
		rec.SetWords(1)
	}
	return &voskSession{rec: rec}, nil
}

func (m *voskModel) Free() {
	m.model.Free()
}

type voskSession struct {
	rec *vosk.VoskRecognizer
}

func (s *voskSession) AcceptWaveform(pcm []byte) (bool, error) {
	switch code := s.rec.AcceptWaveform(pcm); code {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("vosk accept returned %d", code)
	}
}

func (s *voskSession) PartialResult() ([]byte, error) {
	return []byte(s.rec.PartialResult()), nil
}

func (s *voskSession) Result() ([]byte, error) {
	return []byte(s.rec.Result()), nil
}

func (s *voskSession) FinalResult() ([]byte, error) {
	return []byte(s.rec.FinalResult()), nil
}

func (s *voskSession) Free() {
	s.rec.Free()
}
