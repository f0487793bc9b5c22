package stt

import (
	"context"
	"time"
)

// JobInfo identifies a transcription to observers.
type JobInfo struct {
	ID         string
	Source     string
	ModelDir   string
	SampleRate int
	Started    time.Time
}

// Observer receives progress of every transcription run by a Transcriber.
// Calls are made on the feeding goroutine, so implementations should return
// quickly. JobFinished is always called, with a context that is never
// cancelled, and err set when the job failed.
type Observer interface {
	JobStarted(ctx context.Context, job JobInfo)
	Partial(ctx context.Context, job JobInfo, text string)
	Utterance(ctx context.Context, job JobInfo, seg Segment)
	JobFinished(ctx context.Context, job JobInfo, tr Transcript, err error)
}
