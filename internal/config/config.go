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
	// PrometheusBind serves /metrics on a dedicated listener in addition
	// to the main HTTP server. Empty keeps metrics on the main server only.
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is otlp, stdout or none. Empty picks otlp when an
	// endpoint is set and none otherwise.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Events       EventsConfig       `yaml:"events"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Voice        VoiceConfig        `yaml:"voice"`
	STT          STTConfig          `yaml:"stt"`
	TTS          TTSConfig          `yaml:"tts"`
	Handlers     HandlersConfig     `yaml:"handlers"`
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

// NodeConfig identifies this assistant instance to peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxCommands   int    `yaml:"max_commands"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EventsConfig tunes the in-process event bus dispatcher.
type EventsConfig struct {
	Async            bool `yaml:"async"`
	QueueSize        int  `yaml:"queue_size"`
	EnqueueTimeoutMS int  `yaml:"enqueue_timeout_ms"`
}

type ClassifierConfig struct {
	IntentsFile        string  `yaml:"intents_file"`
	LowConfidence      float64 `yaml:"low_confidence"`
	Uncertain          float64 `yaml:"uncertain"`
	FuzzyThreshold     int     `yaml:"fuzzy_threshold"`
	AliasThreshold     int     `yaml:"alias_threshold"`
	ContextualFallback bool    `yaml:"contextual_fallback"`
}

type OrchestratorConfig struct {
	AcceptConfidence float64 `yaml:"accept_confidence"`
	HistoryLimit     int     `yaml:"history_limit"`
	Greeting         string  `yaml:"greeting"`
	HandlerTimeoutMS int     `yaml:"handler_timeout_ms"`
}

type VoiceConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Source              string  `yaml:"source"` // microphone, nats, none
	SampleRate          int     `yaml:"sample_rate"`
	Channels            int     `yaml:"channels"`
	FrameDurationMS     int     `yaml:"frame_duration_ms"`
	EnergyThreshold     float64 `yaml:"energy_threshold"`
	MinEnergyThreshold  float64 `yaml:"min_energy_threshold"`
	DynamicEnergy       bool    `yaml:"dynamic_energy"`
	CalibrationMS       int     `yaml:"calibration_ms"`
	PauseThresholdMS    int     `yaml:"pause_threshold_ms"`
	PhraseTimeLimitMS   int     `yaml:"phrase_time_limit_ms"`
	MinPhraseMS         int     `yaml:"min_phrase_ms"`
	ReadTimeoutMS       int     `yaml:"read_timeout_ms"`
	CommandCooldownMS   int     `yaml:"command_cooldown_ms"`
	TelemetryIntervalMS int     `yaml:"telemetry_interval_ms"`
	VolumeWindowSeconds int     `yaml:"volume_window_seconds"`
	StopTimeoutMS       int     `yaml:"stop_timeout_ms"`
	KeepRawAudio        bool    `yaml:"keep_raw_audio"`
}

type STTConfig struct {
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	FallbackMode    string `yaml:"fallback_mode"`
	FallbackCommand string `yaml:"fallback_command"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	QueueSize  int    `yaml:"queue_size"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// HandlersConfig maps intents to external desktop commands.
// Command templates use {param} placeholders filled from intent parameters.
type HandlersConfig struct {
	Opener    string            `yaml:"opener"`
	SearchURL string            `yaml:"search_url"`
	Commands  map[string]string `yaml:"commands"`
}

func Default() Config {
	return Config{
		RuntimeName: "buddy-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   "",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "buddy-node-1",
			Role:              "assistant",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/buddy-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxCommands:   10000,
		},
		Events: EventsConfig{
			Async:            true,
			QueueSize:        1024,
			EnqueueTimeoutMS: 1000,
		},
		Classifier: ClassifierConfig{
			LowConfidence:      0.3,
			Uncertain:          0.6,
			FuzzyThreshold:     70,
			AliasThreshold:     80,
			ContextualFallback: true,
		},
		Orchestrator: OrchestratorConfig{
			AcceptConfidence: 0.3,
			HistoryLimit:     500,
			Greeting:         "Buddy is ready to assist you.",
			HandlerTimeoutMS: 30000,
		},
		Voice: VoiceConfig{
			Enabled:             false,
			Source:              "microphone",
			SampleRate:          16000,
			Channels:            1,
			FrameDurationMS:     20,
			EnergyThreshold:     300,
			MinEnergyThreshold:  50,
			DynamicEnergy:       true,
			CalibrationMS:       1000,
			PauseThresholdMS:    800,
			PhraseTimeLimitMS:   10000,
			MinPhraseMS:         250,
			ReadTimeoutMS:       1000,
			CommandCooldownMS:   3000,
			TelemetryIntervalMS: 100,
			VolumeWindowSeconds: 30,
			StopTimeoutMS:       2000,
		},
		STT: STTConfig{
			Mode:      "mock",
			Language:  "en-US",
			TimeoutMS: 45000,
		},
		TTS: TTSConfig{
			Enabled:    false,
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
			QueueSize:  16,
			TimeoutMS:  45000,
		},
		Handlers: HandlersConfig{
			Opener:    "xdg-open",
			SearchURL: "https://www.google.com/search?q={query}",
			Commands:  map[string]string{},
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
	overrideString(&cfg.RuntimeName, "BUDDY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "BUDDY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "BUDDY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "BUDDY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "BUDDY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "BUDDY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "BUDDY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "BUDDY_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "BUDDY_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "BUDDY_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "BUDDY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "BUDDY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "BUDDY_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "BUDDY_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "BUDDY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BUDDY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BUDDY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BUDDY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BUDDY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BUDDY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "BUDDY_NODE_ID")
	overrideString(&cfg.Node.Role, "BUDDY_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "BUDDY_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "BUDDY_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "BUDDY_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "BUDDY_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "BUDDY_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxCommands, "BUDDY_EVENT_STORE_MAX_COMMANDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "BUDDY_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Events.Async, "BUDDY_EVENTS_ASYNC")
	overrideInt(&cfg.Events.QueueSize, "BUDDY_EVENTS_QUEUE_SIZE")
	overrideInt(&cfg.Events.EnqueueTimeoutMS, "BUDDY_EVENTS_ENQUEUE_TIMEOUT_MS")
	overrideString(&cfg.Classifier.IntentsFile, "BUDDY_CLASSIFIER_INTENTS_FILE")
	overrideFloat(&cfg.Classifier.LowConfidence, "BUDDY_CLASSIFIER_LOW_CONFIDENCE")
	overrideFloat(&cfg.Classifier.Uncertain, "BUDDY_CLASSIFIER_UNCERTAIN")
	overrideInt(&cfg.Classifier.FuzzyThreshold, "BUDDY_CLASSIFIER_FUZZY_THRESHOLD")
	overrideInt(&cfg.Classifier.AliasThreshold, "BUDDY_CLASSIFIER_ALIAS_THRESHOLD")
	overrideBool(&cfg.Classifier.ContextualFallback, "BUDDY_CLASSIFIER_CONTEXTUAL_FALLBACK")
	overrideFloat(&cfg.Orchestrator.AcceptConfidence, "BUDDY_ORCHESTRATOR_ACCEPT_CONFIDENCE")
	overrideInt(&cfg.Orchestrator.HistoryLimit, "BUDDY_ORCHESTRATOR_HISTORY_LIMIT")
	overrideString(&cfg.Orchestrator.Greeting, "BUDDY_ORCHESTRATOR_GREETING")
	overrideInt(&cfg.Orchestrator.HandlerTimeoutMS, "BUDDY_ORCHESTRATOR_HANDLER_TIMEOUT_MS")
	overrideBool(&cfg.Voice.Enabled, "BUDDY_VOICE_ENABLED")
	overrideString(&cfg.Voice.Source, "BUDDY_VOICE_SOURCE")
	overrideInt(&cfg.Voice.SampleRate, "BUDDY_VOICE_SAMPLE_RATE")
	overrideInt(&cfg.Voice.Channels, "BUDDY_VOICE_CHANNELS")
	overrideInt(&cfg.Voice.FrameDurationMS, "BUDDY_VOICE_FRAME_DURATION_MS")
	overrideFloat(&cfg.Voice.EnergyThreshold, "BUDDY_VOICE_ENERGY_THRESHOLD")
	overrideFloat(&cfg.Voice.MinEnergyThreshold, "BUDDY_VOICE_MIN_ENERGY_THRESHOLD")
	overrideBool(&cfg.Voice.DynamicEnergy, "BUDDY_VOICE_DYNAMIC_ENERGY")
	overrideInt(&cfg.Voice.CalibrationMS, "BUDDY_VOICE_CALIBRATION_MS")
	overrideInt(&cfg.Voice.PauseThresholdMS, "BUDDY_VOICE_PAUSE_THRESHOLD_MS")
	overrideInt(&cfg.Voice.PhraseTimeLimitMS, "BUDDY_VOICE_PHRASE_TIME_LIMIT_MS")
	overrideInt(&cfg.Voice.MinPhraseMS, "BUDDY_VOICE_MIN_PHRASE_MS")
	overrideInt(&cfg.Voice.ReadTimeoutMS, "BUDDY_VOICE_READ_TIMEOUT_MS")
	overrideInt(&cfg.Voice.CommandCooldownMS, "BUDDY_VOICE_COMMAND_COOLDOWN_MS")
	overrideInt(&cfg.Voice.TelemetryIntervalMS, "BUDDY_VOICE_TELEMETRY_INTERVAL_MS")
	overrideInt(&cfg.Voice.VolumeWindowSeconds, "BUDDY_VOICE_VOLUME_WINDOW_SECONDS")
	overrideInt(&cfg.Voice.StopTimeoutMS, "BUDDY_VOICE_STOP_TIMEOUT_MS")
	overrideBool(&cfg.Voice.KeepRawAudio, "BUDDY_VOICE_KEEP_RAW_AUDIO")
	overrideString(&cfg.STT.Mode, "BUDDY_STT_MODE")
	overrideString(&cfg.STT.Command, "BUDDY_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "BUDDY_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "BUDDY_STT_LANGUAGE")
	overrideString(&cfg.STT.FallbackMode, "BUDDY_STT_FALLBACK_MODE")
	overrideString(&cfg.STT.FallbackCommand, "BUDDY_STT_FALLBACK_COMMAND")
	overrideInt(&cfg.STT.TimeoutMS, "BUDDY_STT_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "BUDDY_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "BUDDY_TTS_MODE")
	overrideString(&cfg.TTS.Command, "BUDDY_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "BUDDY_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "BUDDY_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "BUDDY_TTS_CHANNELS")
	overrideInt(&cfg.TTS.QueueSize, "BUDDY_TTS_QUEUE_SIZE")
	overrideInt(&cfg.TTS.TimeoutMS, "BUDDY_TTS_TIMEOUT_MS")
	overrideString(&cfg.Handlers.Opener, "BUDDY_HANDLERS_OPENER")
	overrideString(&cfg.Handlers.SearchURL, "BUDDY_HANDLERS_SEARCH_URL")
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
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set for the otlp trace exporter")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be within [0,1]")
	}
	if cfg.Events.QueueSize <= 0 {
		return errors.New("events.queue_size must be positive")
	}
	if err := validateClassifier(cfg.Classifier); err != nil {
		return err
	}
	if cfg.Orchestrator.AcceptConfidence < 0 || cfg.Orchestrator.AcceptConfidence > 1 {
		return errors.New("orchestrator.accept_confidence must be within [0,1]")
	}
	if cfg.Orchestrator.HistoryLimit <= 0 {
		return errors.New("orchestrator.history_limit must be positive")
	}
	if cfg.Voice.Enabled {
		switch cfg.Voice.Source {
		case "microphone", "nats", "none":
		default:
			return errors.New("voice.source must be one of microphone|nats|none")
		}
		if cfg.Voice.SampleRate <= 0 {
			return errors.New("voice.sample_rate must be positive")
		}
		if cfg.Voice.Channels <= 0 {
			return errors.New("voice.channels must be positive")
		}
		if cfg.Voice.FrameDurationMS <= 0 {
			return errors.New("voice.frame_duration_ms must be positive")
		}
		if cfg.Voice.ReadTimeoutMS <= 0 {
			return errors.New("voice.read_timeout_ms must be positive")
		}
		if cfg.Voice.CommandCooldownMS < 0 {
			return errors.New("voice.command_cooldown_ms must be >= 0")
		}
		if cfg.Voice.VolumeWindowSeconds <= 0 {
			return errors.New("voice.volume_window_seconds must be positive")
		}
		if cfg.Voice.Source == "nats" && !cfg.Bus.Enabled {
			return errors.New("voice.source=nats requires bus.enabled")
		}
		if err := validateRecognizer("stt", cfg.STT.Mode, cfg.STT.Command); err != nil {
			return err
		}
		if cfg.STT.FallbackMode != "" {
			if err := validateRecognizer("stt.fallback", cfg.STT.FallbackMode, cfg.STT.FallbackCommand); err != nil {
				return err
			}
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.QueueSize <= 0 {
			return errors.New("tts.queue_size must be positive")
		}
	}
	return nil
}

func validateClassifier(c ClassifierConfig) error {
	if c.LowConfidence < 0 || c.LowConfidence > 1 {
		return errors.New("classifier.low_confidence must be within [0,1]")
	}
	if c.Uncertain < c.LowConfidence || c.Uncertain > 1 {
		return errors.New("classifier.uncertain must be within [low_confidence,1]")
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 100 {
		return errors.New("classifier.fuzzy_threshold must be within [0,100]")
	}
	if c.AliasThreshold < 0 || c.AliasThreshold > 100 {
		return errors.New("classifier.alias_threshold must be within [0,100]")
	}
	return nil
}

func validateRecognizer(key, mode, command string) error {
	switch mode {
	case "mock":
	case "exec":
		if command == "" {
			return fmt.Errorf("%s command must be set when mode=exec", key)
		}
	default:
		return fmt.Errorf("%s mode must be one of mock|exec", key)
	}
	return nil
}
