package stt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Word is per-word timing in seconds from the start of the stream.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf,omitempty"`
}

type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words,omitempty"`
}

// Segment is one utterance as committed by the engine.
type Segment struct {
	Index        int           `json:"index"`
	Final        bool          `json:"final"`
	Text         string        `json:"text"`
	Confidence   float64       `json:"confidence,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Words        []Word        `json:"words,omitempty"`
	// Raw is a private copy of the engine document.
	Raw json.RawMessage `json:"-"`
}

// Transcript is the outcome of one transcription.
type Transcript struct {
	JobID        string        `json:"job_id"`
	Text         string        `json:"text"`
	SampleRate   int           `json:"sample_rate"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Segments     []Segment     `json:"segments"`
	Elapsed      time.Duration `json:"elapsed"`
}

type engineWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

type engineResult struct {
	Text         string       `json:"text"`
	Confidence   *float64     `json:"confidence"`
	Result       []engineWord `json:"result"`
	Alternatives []struct {
		Text       string       `json:"text"`
		Confidence float64      `json:"confidence"`
		Result     []engineWord `json:"result"`
	} `json:"alternatives"`
}

// decodeSegment turns an engine document into Go values that share no
// memory with raw. maxAlternatives caps the ranked list; zero drops it.
func decodeSegment(raw []byte, maxAlternatives int) (Segment, error) {
	var res engineResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Segment{}, fmt.Errorf("decode engine result: %w", err)
	}
	seg := Segment{Raw: append(json.RawMessage(nil), raw...)}

	if len(res.Alternatives) == 0 {
		seg.Text = strings.TrimSpace(res.Text)
		seg.Words = convertWords(res.Result)
		if res.Confidence != nil {
			seg.Confidence = *res.Confidence
		}
		if maxAlternatives > 0 {
			seg.Alternatives = []Alternative{{Text: seg.Text, Confidence: seg.Confidence, Words: seg.Words}}
		}
		return seg, nil
	}

	alts := make([]Alternative, len(res.Alternatives))
	for i, a := range res.Alternatives {
		alts[i] = Alternative{
			Text:       strings.TrimSpace(a.Text),
			Confidence: a.Confidence,
			Words:      convertWords(a.Result),
		}
	}
	sort.SliceStable(alts, func(i, j int) bool {
		return alts[i].Confidence > alts[j].Confidence
	})
	best := alts[0]
	seg.Text = best.Text
	seg.Confidence = best.Confidence
	seg.Words = best.Words
	if maxAlternatives > 0 {
		if len(alts) > maxAlternatives {
			alts = alts[:maxAlternatives]
		}
		seg.Alternatives = alts
	}
	return seg, nil
}

func convertWords(in []engineWord) []Word {
	if len(in) == 0 {
		return nil
	}
	out := make([]Word, len(in))
	for i, w := range in {
		out[i] = Word{Word: w.Word, Start: w.Start, End: w.End, Conf: w.Conf}
	}
	return out
}

// assemble builds the transcript text from committed segments. Alternatives
// come from the last segment that produced any, matching what the engine
// ranked most recently.
func assemble(jobID string, sampleRate int, segments []Segment, maxAlternatives int) Transcript {
	tr := Transcript{JobID: jobID, SampleRate: sampleRate, Segments: segments}
	var parts []string
	for _, seg := range segments {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	tr.Text = strings.Join(parts, " ")
	if maxAlternatives > 0 {
		for i := len(segments) - 1; i >= 0; i-- {
			if len(segments[i].Alternatives) > 0 {
				tr.Alternatives = segments[i].Alternatives
				break
			}
		}
	}
	if tr.Segments == nil {
		tr.Segments = []Segment{}
	}
	return tr
}
