package engine

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// MockVocabularyFile is the only file a mock model directory must contain:
// one word per line, blank lines and #-comments ignored.
const MockVocabularyFile = "vocabulary.txt"

// The mock decoder splits audio into 10ms frames. A frame whose mean absolute
// sample value reaches MockVoicedLevel is speech; a run of speech frames is a
// word, and the word's mean level selects the vocabulary entry
// (level/MockLevelStep - 1). MockBoundaryFrames of silence after speech end
// the utterance.
const (
	MockVoicedLevel    = 300
	MockLevelStep      = 1000
	MockBoundaryFrames = 30
)

var errSessionFreed = errors.New("session already freed")

type mockEngine struct {
	verbosity atomic.Int32
}

// NewMock returns a deterministic engine that decodes synthetic tone bursts.
// Its output depends only on the sample stream, never on how it was chunked.
func NewMock() Engine {
	return &mockEngine{}
}

func (e *mockEngine) Name() string { return "mock" }

func (e *mockEngine) SetVerbosity(level int) {
	e.verbosity.Store(int32(level))
}

func (e *mockEngine) Load(dir string) (Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, MockVocabularyFile))
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var vocab []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		word := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if word == "" || strings.HasPrefix(word, "#") {
			continue
		}
		vocab = append(vocab, word)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan vocabulary: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocabulary in %s is empty", dir)
	}
	index := make(map[string]int, len(vocab))
	for i, w := range vocab {
		if _, ok := index[w]; !ok {
			index[w] = i
		}
	}
	return &mockModel{vocab: vocab, index: index}, nil
}

type mockModel struct {
	vocab []string
	index map[string]int
}

func (m *mockModel) NewSession(cfg SessionConfig) (Session, error) {
	if cfg.SampleRate < 100 {
		return nil, fmt.Errorf("sample rate %d not supported", cfg.SampleRate)
	}
	if cfg.MaxAlternatives < 0 {
		return nil, fmt.Errorf("max alternatives %d must be >= 0", cfg.MaxAlternatives)
	}
	var allowed []int
	if cfg.Grammar != nil {
		if len(cfg.Grammar) == 0 {
			return nil, errors.New("grammar is empty")
		}
		seen := make(map[int]bool)
		for i, phrase := range cfg.Grammar {
			if strings.TrimSpace(phrase) == "" {
				return nil, fmt.Errorf("grammar entry %d is empty", i)
			}
			for _, word := range strings.Fields(strings.ToLower(phrase)) {
				idx, ok := m.index[word]
				if !ok || seen[idx] {
					continue
				}
				seen[idx] = true
				allowed = append(allowed, idx)
			}
		}
		if len(allowed) == 0 {
			return nil, errors.New("grammar has no words in the model vocabulary")
		}
		sort.Ints(allowed)
	}
	return &mockSession{
		model:        m,
		cfg:          cfg,
		allowed:      allowed,
		frameSamples: cfg.SampleRate / 100,
	}, nil
}

func (m *mockModel) Free() {}

type mockWord struct {
	index int
	start int
	end   int
}

type mockSession struct {
	model        *mockModel
	cfg          SessionConfig
	allowed      []int
	frameSamples int
	freed        bool

	carry     []byte
	frameSum  int
	frameFill int
	frame     int

	inWord     bool
	wordStart  int
	wordLevel  float64
	wordFrames int
	silence    int

	words     []mockWord
	committed []mockWord
}

func (s *mockSession) AcceptWaveform(pcm []byte) (bool, error) {
	if s.freed {
		return false, errSessionFreed
	}
	data := pcm
	if len(s.carry) > 0 {
		data = append(append([]byte(nil), s.carry...), pcm...)
		s.carry = nil
	}
	boundary := false
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(data[i:])))
		if v < 0 {
			v = -v
		}
		s.frameSum += v
		s.frameFill++
		if s.frameFill == s.frameSamples && s.endFrame() {
			boundary = true
		}
	}
	if n < len(data) {
		s.carry = []byte{data[n]}
	}
	return boundary, nil
}

// endFrame closes the current frame and reports an utterance boundary.
func (s *mockSession) endFrame() bool {
	mean := float64(s.frameSum) / float64(s.frameSamples)
	idx := s.frame
	s.frame++
	s.frameSum, s.frameFill = 0, 0

	if mean >= MockVoicedLevel {
		if !s.inWord {
			s.inWord = true
			s.wordStart = idx
			s.wordLevel, s.wordFrames = 0, 0
		}
		s.wordLevel += mean
		s.wordFrames++
		s.silence = 0
		return false
	}
	if s.inWord {
		s.closeWord(idx)
	}
	s.silence++
	if s.silence == MockBoundaryFrames && len(s.words) > 0 {
		s.committed = append(s.committed, s.words...)
		s.words = nil
		return true
	}
	return false
}

func (s *mockSession) closeWord(end int) {
	level := int(s.wordLevel/float64(s.wordFrames)) / MockLevelStep
	index := level - 1
	if index < 0 {
		index = 0
	}
	if index >= len(s.model.vocab) {
		index = len(s.model.vocab) - 1
	}
	s.words = append(s.words, mockWord{index: s.constrain(index), start: s.wordStart, end: end})
	s.inWord = false
}

// constrain maps a decoded word onto the nearest word the grammar admits.
func (s *mockSession) constrain(index int) int {
	if s.allowed == nil {
		return index
	}
	best := s.allowed[0]
	for _, a := range s.allowed[1:] {
		if abs(a-index) < abs(best-index) {
			best = a
		}
	}
	return best
}

func (s *mockSession) PartialResult() ([]byte, error) {
	if s.freed {
		return nil, errSessionFreed
	}
	return json.Marshal(struct {
		Partial string `json:"partial"`
	}{Partial: s.text(s.words)})
}

func (s *mockSession) Result() ([]byte, error) {
	if s.freed {
		return nil, errSessionFreed
	}
	words := s.committed
	s.committed = nil
	return s.render(words)
}

func (s *mockSession) FinalResult() ([]byte, error) {
	if s.freed {
		return nil, errSessionFreed
	}
	if s.inWord {
		s.closeWord(s.frame)
	}
	words := append(s.committed, s.words...)
	s.committed, s.words = nil, nil
	return s.render(words)
}

func (s *mockSession) Free() {
	s.freed = true
}

type mockWordJSON struct {
	Conf  float64 `json:"conf,omitempty"`
	End   float64 `json:"end"`
	Start float64 `json:"start"`
	Word  string  `json:"word"`
}

type mockAlternative struct {
	Confidence float64        `json:"confidence"`
	Result     []mockWordJSON `json:"result,omitempty"`
	Text       string         `json:"text"`
}

func (s *mockSession) render(words []mockWord) ([]byte, error) {
	if s.cfg.MaxAlternatives == 0 {
		return json.Marshal(struct {
			Result []mockWordJSON `json:"result,omitempty"`
			Text   string         `json:"text"`
		}{Result: s.timings(words, 1), Text: s.text(words)})
	}

	var voiced int
	for _, w := range words {
		voiced += w.end - w.start
	}
	alts := []mockAlternative{{
		Confidence: float64(voiced),
		Result:     s.timings(words, 0),
		Text:       s.text(words),
	}}
	if len(words) > 0 {
		last := words[len(words)-1].index
		for k, candidate := range s.neighbours(last) {
			if len(alts) >= s.cfg.MaxAlternatives {
				break
			}
			variant := append([]mockWord(nil), words...)
			variant[len(variant)-1].index = candidate
			alts = append(alts, mockAlternative{
				Confidence: float64(voiced - k - 1),
				Result:     s.timings(variant, 0),
				Text:       s.text(variant),
			})
		}
	}
	return json.Marshal(struct {
		Alternatives []mockAlternative `json:"alternatives"`
	}{Alternatives: alts})
}

// neighbours lists admissible words other than index, nearest first.
func (s *mockSession) neighbours(index int) []int {
	pool := s.allowed
	if pool == nil {
		pool = make([]int, len(s.model.vocab))
		for i := range pool {
			pool[i] = i
		}
	}
	out := make([]int, 0, len(pool))
	for _, p := range pool {
		if p != index && s.model.vocab[p] != s.model.vocab[index] {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return abs(out[i]-index) < abs(out[j]-index)
	})
	return out
}

func (s *mockSession) text(words []mockWord) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = s.model.vocab[w.index]
	}
	return strings.Join(parts, " ")
}

func (s *mockSession) timings(words []mockWord, conf float64) []mockWordJSON {
	if !s.cfg.Words || len(words) == 0 {
		return nil
	}
	rate := float64(s.cfg.SampleRate)
	out := make([]mockWordJSON, len(words))
	for i, w := range words {
		out[i] = mockWordJSON{
			Conf:  conf,
			Start: float64(w.start*s.frameSamples) / rate,
			End:   float64(w.end*s.frameSamples) / rate,
			Word:  s.model.vocab[w.index],
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
