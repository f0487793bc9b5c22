package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/telemetry"
)

// Runtime is the long-running serve mode: one loaded model answering jobs
// from the bus, with health, readiness and metrics over HTTP.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   telemetry.Shutdown
	store         *eventstore.Store
	embedded      *natsserver.EmbeddedServer
	busClient     *bus.Client
	model         *stt.Model
	service       *stt.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := telemetry.Setup(r.cfg, os.Stdout, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.String("model", r.cfg.Engine.ModelPath))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown()

	return nil
}

// setup builds the transcription stack. Whatever it created before a
// failure is released by teardown.
func (r *Runtime) setup(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	eng, err := engine.New(r.cfg.Engine)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	stt.SetVerbosity(eng, r.cfg.Engine.Verbosity)

	observers := []stt.Observer{eventstore.NewRecorder(store, r.logger)}
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.busClient = client
		observers = append(observers, stt.NewPublisher(client))
	}

	transcriber := stt.NewTranscriber(r.logger, r.cfg.Engine.MaxConcurrentDecodes, observers...)
	model, err := transcriber.LoadModel(ctx, eng, r.cfg.Engine.ModelPath)
	if err != nil {
		return err
	}
	r.model = model

	if r.cfg.Service.Enabled {
		defaults, err := stt.OptionsFromConfig(r.cfg.Transcription)
		if err != nil {
			return fmt.Errorf("transcription defaults: %w", err)
		}
		r.service = stt.NewService(ctx, r.cfg.Service, defaults, r.busClient, transcriber, model)
		if err := r.service.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// teardown releases in reverse order of setup.
func (r *Runtime) teardown() {
	if r.service != nil {
		r.service.Close()
	}
	if r.model != nil {
		if err := r.model.Free(); err != nil {
			r.logger.Error("model release error", slog.String("error", err.Error()))
		}
	}
	r.busClient.Close()
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.dependenciesHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) dependenciesHealthy() bool {
	if r.cfg.Bus.Enabled && !r.busClient.Healthy() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	return true
}
