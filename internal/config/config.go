package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Engine        EngineConfig        `yaml:"engine"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Service       ServiceConfig       `yaml:"service"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EngineConfig selects the recognition backend and the model it loads.
type EngineConfig struct {
	Mode                 string `yaml:"mode"` // mock, exec, vosk
	ModelPath            string `yaml:"model_path"`
	Command              string `yaml:"command"`
	CommandTimeoutMS     int    `yaml:"command_timeout_ms"`
	Verbosity            int    `yaml:"verbosity"`
	MaxConcurrentDecodes int    `yaml:"max_concurrent_decodes"`
}

// TranscriptionConfig holds per-call defaults. Every field can be overridden per request.
type TranscriptionConfig struct {
	SampleRate   int      `yaml:"sample_rate"`
	ChunkBytes   int      `yaml:"chunk_bytes"`
	Alternatives int      `yaml:"alternatives"`
	Words        bool     `yaml:"words"`
	Grammar      []string `yaml:"grammar"`
	Feeding      string   `yaml:"feeding"` // concurrent, blocking
	TimeoutMS    int      `yaml:"timeout_ms"`
}

type ServiceConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxInflight int  `yaml:"max_inflight"`

	// AudioRoot confines request paths to this directory. Empty allows any
	// path the worker can read.
	AudioRoot string `yaml:"audio_root"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stt",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-stt.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Engine: EngineConfig{
			Mode:                 "mock",
			ModelPath:            "./models/default",
			CommandTimeoutMS:     60000,
			Verbosity:            -1,
			MaxConcurrentDecodes: 4,
		},
		Transcription: TranscriptionConfig{
			SampleRate:   16000,
			ChunkBytes:   4000,
			Alternatives: 0,
			Feeding:      "concurrent",
			TimeoutMS:    0,
		},
		Service: ServiceConfig{
			Enabled:     false,
			MaxInflight: 8,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.ModelPath, "LOQA_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.CommandTimeoutMS, "LOQA_ENGINE_COMMAND_TIMEOUT_MS")
	overrideInt(&cfg.Engine.Verbosity, "LOQA_ENGINE_VERBOSITY")
	overrideInt(&cfg.Engine.MaxConcurrentDecodes, "LOQA_ENGINE_MAX_CONCURRENT_DECODES")
	overrideInt(&cfg.Transcription.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.Transcription.ChunkBytes, "LOQA_STT_CHUNK_BYTES")
	overrideInt(&cfg.Transcription.Alternatives, "LOQA_STT_ALTERNATIVES")
	overrideBool(&cfg.Transcription.Words, "LOQA_STT_WORDS")
	overrideStringSlice(&cfg.Transcription.Grammar, "LOQA_STT_GRAMMAR")
	overrideString(&cfg.Transcription.Feeding, "LOQA_STT_FEEDING")
	overrideInt(&cfg.Transcription.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideBool(&cfg.Service.Enabled, "LOQA_SERVICE_ENABLED")
	overrideInt(&cfg.Service.MaxInflight, "LOQA_SERVICE_MAX_INFLIGHT")
	overrideString(&cfg.Service.AudioRoot, "LOQA_SERVICE_AUDIO_ROOT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "vosk":
	default:
		return errors.New("engine.mode must be one of mock|exec|vosk")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.MaxConcurrentDecodes <= 0 {
		return errors.New("engine.max_concurrent_decodes must be >= 1")
	}
	if cfg.Transcription.SampleRate <= 0 {
		return errors.New("transcription.sample_rate must be positive")
	}
	if cfg.Transcription.ChunkBytes <= 0 || cfg.Transcription.ChunkBytes%2 != 0 {
		return errors.New("transcription.chunk_bytes must be a positive multiple of 2")
	}
	if cfg.Transcription.Alternatives < 0 {
		return errors.New("transcription.alternatives must be >= 0")
	}
	switch cfg.Transcription.Feeding {
	case "", "concurrent", "blocking":
	default:
		return errors.New("transcription.feeding must be one of concurrent|blocking")
	}
	for i, phrase := range cfg.Transcription.Grammar {
		if strings.TrimSpace(phrase) == "" {
			return fmt.Errorf("transcription.grammar[%d] must not be empty", i)
		}
	}
	if cfg.Transcription.TimeoutMS < 0 {
		return errors.New("transcription.timeout_ms must be >= 0")
	}
	if cfg.Service.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("service.enabled requires bus.enabled")
		}
		if cfg.Service.MaxInflight <= 0 {
			return errors.New("service.max_inflight must be >= 1")
		}
	}
	return nil
}
