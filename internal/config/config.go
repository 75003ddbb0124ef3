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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Sink        SinkConfig       `yaml:"sink"`
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
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the audio source feeding the pipeline.
type CaptureConfig struct {
	Mode     string `yaml:"mode"` // exec, wav, stdin
	Command  string `yaml:"command"`
	File     string `yaml:"file"`
	Realtime bool   `yaml:"realtime"`
}

type STTConfig struct {
	Mode               string  `yaml:"mode"` // mock, exec
	Command            string  `yaml:"command"`
	ModelPath          string  `yaml:"model_path"`
	Language           string  `yaml:"language"`
	TimeoutMS          int     `yaml:"timeout_ms"`
	MockBlocks         int     `yaml:"mock_blocks_per_utterance"`
	VADEnergyThreshold float64 `yaml:"vad_energy_threshold"`
	VADSpeechMinMS     int     `yaml:"vad_speech_min_ms"`
	VADSilenceMinMS    int     `yaml:"vad_silence_min_ms"`
	MaxUtteranceMS     int     `yaml:"max_utterance_ms"`
}

// PipelineConfig tunes the capture/recognition/dispatch hand-off.
type PipelineConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	BlockFrames     int    `yaml:"block_frames"`
	PollTimeoutMS   int    `yaml:"poll_timeout_ms"`
	AudioQueueSize  int    `yaml:"audio_queue_size"`
	ResultQueueSize int    `yaml:"result_queue_size"`
	OverflowPolicy  string `yaml:"overflow_policy"` // drop_oldest, drop_newest
}

type SinkConfig struct {
	Console bool `yaml:"console"`
	Publish bool `yaml:"publish"`
	Record  bool `yaml:"record"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Enabled:       false,
			Path:          "./data/loqa-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Mode:    "exec",
			Command: "arecord -q -t raw -f S16_LE -c {channels} -r {rate}",
		},
		STT: STTConfig{
			Mode:               "mock",
			ModelPath:          "vosk-model-small-en-us-0.15",
			TimeoutMS:          45000,
			MockBlocks:         4,
			VADEnergyThreshold: 500,
			VADSpeechMinMS:     200,
			VADSilenceMinMS:    700,
			MaxUtteranceMS:     15000,
		},
		Pipeline: PipelineConfig{
			SampleRate:      16000,
			BlockFrames:     8000,
			PollTimeoutMS:   2000,
			AudioQueueSize:  256,
			ResultQueueSize: 64,
			OverflowPolicy:  "drop_oldest",
		},
		Sink: SinkConfig{
			Console: true,
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
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
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
	overrideBool(&cfg.EventStore.Enabled, "LOQA_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.File, "LOQA_CAPTURE_FILE")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.MockBlocks, "LOQA_STT_MOCK_BLOCKS_PER_UTTERANCE")
	overrideFloat(&cfg.STT.VADEnergyThreshold, "LOQA_STT_VAD_ENERGY_THRESHOLD")
	overrideInt(&cfg.STT.VADSpeechMinMS, "LOQA_STT_VAD_SPEECH_MIN_MS")
	overrideInt(&cfg.STT.VADSilenceMinMS, "LOQA_STT_VAD_SILENCE_MIN_MS")
	overrideInt(&cfg.STT.MaxUtteranceMS, "LOQA_STT_MAX_UTTERANCE_MS")
	overrideInt(&cfg.Pipeline.SampleRate, "LOQA_PIPELINE_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.BlockFrames, "LOQA_PIPELINE_BLOCK_FRAMES")
	overrideInt(&cfg.Pipeline.PollTimeoutMS, "LOQA_PIPELINE_POLL_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.AudioQueueSize, "LOQA_PIPELINE_AUDIO_QUEUE_SIZE")
	overrideInt(&cfg.Pipeline.ResultQueueSize, "LOQA_PIPELINE_RESULT_QUEUE_SIZE")
	overrideString(&cfg.Pipeline.OverflowPolicy, "LOQA_PIPELINE_OVERFLOW_POLICY")
	overrideBool(&cfg.Sink.Console, "LOQA_SINK_CONSOLE")
	overrideBool(&cfg.Sink.Publish, "LOQA_SINK_PUBLISH")
	overrideBool(&cfg.Sink.Record, "LOQA_SINK_RECORD")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks a fully merged configuration. It is exported so callers
// applying command line overrides after Load can re-check the result.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
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
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		switch cfg.EventStore.RetentionMode {
		case "ephemeral", "session", "persistent":
		default:
			return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
	}
	switch cfg.Capture.Mode {
	case "exec":
		if strings.TrimSpace(cfg.Capture.Command) == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	case "wav":
		if cfg.Capture.File == "" {
			return errors.New("capture.file must be set when mode=wav")
		}
	case "stdin":
	default:
		return errors.New("capture.mode must be one of exec|wav|stdin")
	}
	switch cfg.STT.Mode {
	case "mock":
		if cfg.STT.MockBlocks <= 0 {
			return errors.New("stt.mock_blocks_per_utterance must be positive")
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.VADSilenceMinMS <= 0 {
			return errors.New("stt.vad_silence_min_ms must be positive")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.Pipeline.SampleRate <= 0 {
		return errors.New("pipeline.sample_rate must be positive")
	}
	if cfg.Pipeline.BlockFrames <= 0 {
		return errors.New("pipeline.block_frames must be positive")
	}
	if cfg.Pipeline.PollTimeoutMS <= 0 {
		return errors.New("pipeline.poll_timeout_ms must be positive")
	}
	if cfg.Pipeline.AudioQueueSize <= 0 || cfg.Pipeline.ResultQueueSize <= 0 {
		return errors.New("pipeline queue sizes must be positive")
	}
	switch cfg.Pipeline.OverflowPolicy {
	case "drop_oldest", "drop_newest":
	default:
		return errors.New("pipeline.overflow_policy must be one of drop_oldest|drop_newest")
	}
	if cfg.Sink.Publish && !cfg.Bus.Enabled {
		return errors.New("sink.publish requires bus.enabled")
	}
	if cfg.Sink.Record && !cfg.EventStore.Enabled {
		return errors.New("sink.record requires event_store.enabled")
	}
	return nil
}
