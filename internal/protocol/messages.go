package protocol

import "time"

// JobRequest asks a worker to transcribe a WAV file it can read, or raw
// 16-bit mono PCM carried in the request. Zero or absent fields fall back to
// the worker's configured defaults; the pointer fields can also switch a
// default off. Paths are resolved against the worker's audio root when one
// is configured.
type JobRequest struct {
	JobID        string   `json:"job_id,omitempty"`
	Path         string   `json:"path,omitempty"`
	PCM          []byte   `json:"pcm,omitempty"`
	SampleRate   int      `json:"sample_rate,omitempty"`
	Grammar      []string `json:"grammar,omitempty"`
	Alternatives *int     `json:"alternatives,omitempty"`
	Words        *bool    `json:"words,omitempty"`
	Feeding      string   `json:"feeding,omitempty"`
	TimeoutMS    int      `json:"timeout_ms,omitempty"`
	Partials     *bool    `json:"partials,omitempty"`
}

type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// JobResponse is the reply to a JobRequest and the payload of job-finished events.
type JobResponse struct {
	JobID        string        `json:"job_id"`
	Source       string        `json:"source,omitempty"`
	Text         string        `json:"text"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Segments     int           `json:"segments"`
	ElapsedMS    float64       `json:"elapsed_ms"`
	Error        string        `json:"error,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	JobID      string    `json:"job_id"`
	Sequence   int       `json:"sequence"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Final      bool      `json:"final"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

const (
	SubjectJobRequest          = "stt.job.request"
	SubjectJobFinished         = "stt.job.finished"
	SubjectTranscriptPartial   = "stt.text.partial"
	SubjectTranscriptUtterance = "stt.text.utterance"
	SubjectTranscriptFinal     = "stt.text.final"
)

// Error codes used in JobResponse beyond the transcription failure kinds.
const (
	ErrorCodeBadRequest = "bad_request"
	ErrorCodeBusy       = "busy"
)
