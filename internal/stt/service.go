package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"
)

// QueueGroup lets several workers share the job subject.
const QueueGroup = "loqa-stt"

// Service answers transcription jobs received on the bus. All jobs share one
// loaded model; each gets its own session.
type Service struct {
	cfg         config.ServiceConfig
	defaults    Options
	bus         *bus.Client
	transcriber *Transcriber
	model       *Model
	log         *slog.Logger
	inflight    *semaphore.Weighted
	ctx         context.Context
	cancel      context.CancelFunc
	sub         *nats.Subscription
	wg          sync.WaitGroup
	ready       atomic.Bool
}

func NewService(parent context.Context, cfg config.ServiceConfig, defaults Options, busClient *bus.Client, transcriber *Transcriber, model *Model) *Service {
	ctx, cancel := context.WithCancel(parent)
	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Service{
		cfg:         cfg,
		defaults:    defaults,
		bus:         busClient,
		transcriber: transcriber,
		model:       model,
		log:         busClient.Logger().With(slog.String("component", "stt-service")),
		inflight:    semaphore.NewWeighted(int64(maxInflight)),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectJobRequest, QueueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe job requests: %w", err)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	s.log.Info("transcription service listening", slog.String("subject", protocol.SubjectJobRequest))
	return nil
}

// Close stops taking jobs, cancels running ones and waits for them to reply.
func (s *Service) Close() {
	s.ready.Store(false)
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode job request", slogError(err))
		s.reply(msg, rejected(req.JobID, protocol.ErrorCodeBadRequest, fmt.Errorf("decode request: %w", err)))
		return
	}
	if !s.inflight.TryAcquire(1) {
		s.reply(msg, rejected(req.JobID, protocol.ErrorCodeBusy, errors.New("too many jobs in flight")))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inflight.Release(1)
		s.reply(msg, s.process(req))
	}()
}

func (s *Service) process(req protocol.JobRequest) protocol.JobResponse {
	opts, err := s.options(req)
	if err != nil {
		return rejected(req.JobID, protocol.ErrorCodeBadRequest, err)
	}

	var (
		tr     Transcript
		source string
	)
	switch {
	case req.Path != "":
		source = req.Path
		path, perr := resolvePath(s.cfg.AudioRoot, req.Path)
		if perr != nil {
			return rejected(opts.JobID, protocol.ErrorCodeBadRequest, perr)
		}
		tr, err = s.transcriber.TranscribeFile(s.ctx, path, s.model, opts)
	case len(req.PCM) > 0:
		source = "buffer"
		tr, err = s.transcriber.TranscribeBuffer(s.ctx, req.PCM, s.model, opts)
	default:
		return rejected(req.JobID, protocol.ErrorCodeBadRequest, errors.New("request needs path or pcm"))
	}
	if err != nil {
		s.log.Warn("stt job failed", slog.String("job_id", opts.JobID), slogError(err))
	}
	if tr.JobID == "" {
		tr.JobID = opts.JobID
	}
	return jobResponse(tr.JobID, source, tr, err)
}

// options overlays request fields on the configured defaults.
func (s *Service) options(req protocol.JobRequest) (Options, error) {
	opts := s.defaults
	if opts.Grammar != nil {
		opts.Grammar = append([]string{}, opts.Grammar...)
	}
	opts.JobID = req.JobID
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	if req.SampleRate > 0 {
		opts.SampleRate = req.SampleRate
	}
	if req.Grammar != nil {
		opts.Grammar = req.Grammar
	}
	if req.Alternatives != nil {
		opts.Alternatives = *req.Alternatives
	}
	if req.Words != nil {
		opts.Words = *req.Words
	}
	if req.Partials != nil {
		opts.Partials = *req.Partials
	}
	if req.Feeding != "" {
		mode, err := ParseFeedMode(req.Feeding)
		if err != nil {
			return Options{}, err
		}
		opts.Feeding = mode
	}
	if req.TimeoutMS > 0 {
		opts.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	return opts, nil
}

// resolvePath maps a request path into root. Relative paths are joined to
// root; absolute ones must already lie inside it.
func resolvePath(root, path string) (string, error) {
	if root == "" {
		return path, nil
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve audio root: %w", err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	rel, err := filepath.Rel(root, filepath.Clean(full))
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q is outside the audio root", path)
	}
	return full, nil
}

func (s *Service) reply(msg *nats.Msg, resp protocol.JobResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("failed to marshal job response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond to job request", slogError(err))
	}
}

func rejected(jobID, code string, err error) protocol.JobResponse {
	return protocol.JobResponse{
		JobID:     jobID,
		Error:     err.Error(),
		ErrorCode: code,
		Timestamp: time.Now().UTC(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
