package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/runtime"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "loqa-stt",
	Short:        "Streaming speech-to-text over a local recognition engine",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.AddCommand(
		transcribeCmd(),
		serveCmd(),
		historyCmd(),
		versionCmd(),
	)
}

func transcribeCmd() *cobra.Command {
	var (
		grammar      []string
		alternatives int
		words        bool
		blocking     bool
		partials     bool
		timeout      time.Duration
		chunkBytes   int
		modelPath    string
		engineMode   string
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "transcribe <file.wav>",
		Short: "Transcribe a mono 16-bit PCM WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if modelPath != "" {
				cfg.Engine.ModelPath = modelPath
			}
			if engineMode != "" {
				cfg.Engine.Mode = engineMode
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Telemetry.LogLevel, false)

			opts, err := stt.OptionsFromConfig(cfg.Transcription)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("grammar") {
				opts.Grammar = grammar
			}
			if cmd.Flags().Changed("alternatives") {
				opts.Alternatives = alternatives
			}
			if cmd.Flags().Changed("chunk-bytes") {
				opts.ChunkBytes = chunkBytes
			}
			if cmd.Flags().Changed("timeout") {
				opts.Timeout = timeout
			}
			opts.Words = opts.Words || words
			opts.Partials = partials
			if blocking {
				opts.Feeding = stt.FeedBlocking
			}
			out := cmd.OutOrStdout()
			if !asJSON {
				opts.OnUtterance = func(seg stt.Segment) {
					fmt.Fprintf(out, "[%d] %s\n", seg.Index, seg.Text)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tr, err := transcribe(ctx, cfg, logger, args[0], opts)
			if err != nil {
				return fmt.Errorf("%s: %w", stt.Code(err), err)
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(tr)
			}
			fmt.Fprintln(out, tr.Text)
			for i, alt := range tr.Alternatives {
				fmt.Fprintf(out, "  alt %d (%.2f): %s\n", i, alt.Confidence, alt.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&grammar, "grammar", "g", nil, "Restrict recognition to this phrase (repeatable)")
	cmd.Flags().IntVarP(&alternatives, "alternatives", "n", 0, "Number of ranked alternatives to keep")
	cmd.Flags().BoolVarP(&words, "words", "w", false, "Include per-word timings")
	cmd.Flags().BoolVar(&blocking, "blocking", false, "Feed the engine on the calling goroutine")
	cmd.Flags().BoolVar(&partials, "partials", false, "Log partial hypotheses while decoding")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Abort the transcription after this long")
	cmd.Flags().IntVar(&chunkBytes, "chunk-bytes", stt.DefaultChunkBytes, "Bytes of audio fed to the engine per call (even)")
	cmd.Flags().StringVarP(&modelPath, "model", "m", "", "Model directory (overrides engine.model_path)")
	cmd.Flags().StringVar(&engineMode, "engine", "", "Engine backend: mock, exec or vosk")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the transcript as JSON")
	return cmd
}

func transcribe(ctx context.Context, cfg config.Config, logger *slog.Logger, path string, opts stt.Options) (stt.Transcript, error) {
	store, err := eventstore.Open(ctx, cfg.EventStore, logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return stt.Transcript{}, err
	}
	defer store.Close()

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return stt.Transcript{}, err
	}
	stt.SetVerbosity(eng, cfg.Engine.Verbosity)

	observers := []stt.Observer{eventstore.NewRecorder(store, logger)}
	if opts.Partials {
		observers = append(observers, partialLogger{logger})
	}
	transcriber := stt.NewTranscriber(logger, cfg.Engine.MaxConcurrentDecodes, observers...)
	model, err := transcriber.LoadModel(ctx, eng, cfg.Engine.ModelPath)
	if err != nil {
		return stt.Transcript{}, err
	}
	defer func() {
		if err := model.Free(); err != nil {
			logger.Warn("model release error", slog.String("error", err.Error()))
		}
	}()
	return transcriber.TranscribeFile(ctx, path, model, opts)
}

type partialLogger struct {
	log *slog.Logger
}

func (p partialLogger) JobStarted(context.Context, stt.JobInfo) {}

func (p partialLogger) Partial(_ context.Context, job stt.JobInfo, text string) {
	p.log.Info("partial", slog.String("job_id", job.ID), slog.String("text", text))
}

func (p partialLogger) Utterance(context.Context, stt.JobInfo, stt.Segment) {}

func (p partialLogger) JobFinished(context.Context, stt.JobInfo, stt.Transcript, error) {}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the model and answer transcription jobs from the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(os.Stdout, cfg.Telemetry.LogLevel, true)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt := runtime.New(cfg, logger)
			if err := rt.Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded transcription jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.EventStore.RetentionMode == "ephemeral" {
				return errors.New("event_store.retention_mode is ephemeral; no history is kept")
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Telemetry.LogLevel, false)
			store, err := eventstore.Open(cmd.Context(), cfg.EventStore, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tJOB\tSTATE\tELAPSED\tSOURCE\tTEXT")
			for _, j := range jobs {
				text := j.Text
				if j.ErrorCode != "" {
					text = j.ErrorCode + ": " + j.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1fms\t%s\t%s\n",
					j.CreatedAt.Local().Format(time.DateTime), j.ID, j.State, j.ElapsedMS, j.Source, text)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of jobs to list")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(w io.Writer, level string, structured bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if structured {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
