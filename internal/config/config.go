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
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind         string `yaml:"bind"`
	Port         int    `yaml:"port"`
	MaxUploadMB  int    `yaml:"max_upload_mb"`
	ReadTimeout  int    `yaml:"read_timeout_ms"`
	WriteTimeout int    `yaml:"write_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Session     SessionConfig    `yaml:"session"`
	Audio       AudioConfig      `yaml:"audio"`
	STT         STTConfig        `yaml:"stt"`
	Document    DocumentConfig   `yaml:"document"`
	Recorder    RecorderConfig   `yaml:"recorder"`
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
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SessionConfig struct {
	TTLMinutes      int    `yaml:"ttl_minutes"`
	SweepIntervalMS int    `yaml:"sweep_interval_ms"`
	MaxSessions     int    `yaml:"max_sessions"`
	PrivacyScope    string `yaml:"privacy_scope"`
}

// AudioConfig controls how uploads and recordings are normalised before
// they reach the recognizer.
type AudioConfig struct {
	SampleRate        int      `yaml:"sample_rate"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	TranscodeCommand  string   `yaml:"transcode_command"`
	MaxDurationSec    int      `yaml:"max_duration_sec"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // google, openai, exec, mock
	Language  string `yaml:"language"`
	Endpoint  string `yaml:"endpoint"` // empty selects the backend default
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	TimeoutMS int    `yaml:"timeout_ms"`
	// ProfanityFilter mirrors the pFilter switch of the web speech endpoint.
	ProfanityFilter bool `yaml:"profanity_filter"`
}

type DocumentConfig struct {
	FontSizePt float64 `yaml:"font_size_pt"`
	FontFamily string  `yaml:"font_family"`
	FileName   string  `yaml:"file_name"`
	OutputDir  string  `yaml:"output_dir"`
}

type RecorderConfig struct {
	EnergyThreshold  float64 `yaml:"energy_threshold"`
	DynamicEnergy    bool    `yaml:"dynamic_energy"`
	CalibrateMS      int     `yaml:"calibrate_ms"`
	ChunkMS          int     `yaml:"chunk_ms"`
	ListenTimeoutMS  int     `yaml:"listen_timeout_ms"`
	PauseThresholdMS int     `yaml:"pause_threshold_ms"`
	PhraseLimitMS    int     `yaml:"phrase_limit_ms"`
	PrerollMS        int     `yaml:"preroll_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         8080,
			MaxUploadMB:  25,
			ReadTimeout:  60000,
			WriteTimeout: 120000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
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
			Path:          "./data/dictate-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			TTLMinutes:      60,
			SweepIntervalMS: 60000,
			MaxSessions:     200,
			PrivacyScope:    "session",
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			AllowedExtensions: []string{"wav", "mp3", "m4a"},
			TranscodeCommand:  "ffmpeg -hide_banner -loglevel error",
			MaxDurationSec:    600,
		},
		STT: STTConfig{
			Mode:      "google",
			Language:  "hi-IN",
			Model:     "whisper-1",
			TimeoutMS: 60000,
		},
		Document: DocumentConfig{
			FontSizePt: 16,
			FileName:   "hindi_dictation.docx",
			OutputDir:  ".",
		},
		Recorder: RecorderConfig{
			EnergyThreshold:  300,
			DynamicEnergy:    true,
			CalibrateMS:      1000,
			ChunkMS:          50,
			ListenTimeoutMS:  5000,
			PauseThresholdMS: 800,
			PhraseLimitMS:    15000,
			PrerollMS:        500,
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

// LoadOptional behaves like Load but falls back to defaults when the file
// at path does not exist.
func LoadOptional(path string) (Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return Load(path)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "LOQA_HTTP_MAX_UPLOAD_MB")
	overrideInt(&cfg.HTTP.ReadTimeout, "LOQA_HTTP_READ_TIMEOUT_MS")
	overrideInt(&cfg.HTTP.WriteTimeout, "LOQA_HTTP_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
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
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Session.TTLMinutes, "LOQA_SESSION_TTL_MINUTES")
	overrideInt(&cfg.Session.SweepIntervalMS, "LOQA_SESSION_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Session.MaxSessions, "LOQA_SESSION_MAX_SESSIONS")
	overrideString(&cfg.Session.PrivacyScope, "LOQA_SESSION_PRIVACY_SCOPE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideStringSlice(&cfg.Audio.AllowedExtensions, "LOQA_AUDIO_ALLOWED_EXTENSIONS")
	overrideString(&cfg.Audio.TranscodeCommand, "LOQA_AUDIO_TRANSCODE_COMMAND")
	overrideInt(&cfg.Audio.MaxDurationSec, "LOQA_AUDIO_MAX_DURATION_SEC")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideBool(&cfg.STT.ProfanityFilter, "LOQA_STT_PROFANITY_FILTER")
	overrideFloat(&cfg.Document.FontSizePt, "LOQA_DOCUMENT_FONT_SIZE_PT")
	overrideString(&cfg.Document.FontFamily, "LOQA_DOCUMENT_FONT_FAMILY")
	overrideString(&cfg.Document.FileName, "LOQA_DOCUMENT_FILE_NAME")
	overrideString(&cfg.Document.OutputDir, "LOQA_DOCUMENT_OUTPUT_DIR")
	overrideFloat(&cfg.Recorder.EnergyThreshold, "LOQA_RECORDER_ENERGY_THRESHOLD")
	overrideBool(&cfg.Recorder.DynamicEnergy, "LOQA_RECORDER_DYNAMIC_ENERGY")
	overrideInt(&cfg.Recorder.CalibrateMS, "LOQA_RECORDER_CALIBRATE_MS")
	overrideInt(&cfg.Recorder.ChunkMS, "LOQA_RECORDER_CHUNK_MS")
	overrideInt(&cfg.Recorder.ListenTimeoutMS, "LOQA_RECORDER_LISTEN_TIMEOUT_MS")
	overrideInt(&cfg.Recorder.PauseThresholdMS, "LOQA_RECORDER_PAUSE_THRESHOLD_MS")
	overrideInt(&cfg.Recorder.PhraseLimitMS, "LOQA_RECORDER_PHRASE_LIMIT_MS")
	overrideInt(&cfg.Recorder.PrerollMS, "LOQA_RECORDER_PREROLL_MS")

	// Provider-native variables are honoured when the LOQA_* key is unset.
	if cfg.STT.APIKey == "" && cfg.STT.Mode == "openai" {
		overrideString(&cfg.STT.APIKey, "OPENAI_API_KEY")
	}
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
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Session.TTLMinutes <= 0 {
		return errors.New("session.ttl_minutes must be positive")
	}
	if cfg.Session.MaxSessions < 0 {
		return errors.New("session.max_sessions must be >= 0")
	}
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		return errors.New("audio.sample_rate must be between 8000 and 48000")
	}
	if len(cfg.Audio.AllowedExtensions) == 0 {
		return errors.New("audio.allowed_extensions must not be empty")
	}
	switch cfg.STT.Mode {
	case "google", "mock":
	case "openai":
		if cfg.STT.APIKey == "" {
			return errors.New("stt.api_key must be set when mode=openai")
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of google|openai|exec|mock")
	}
	if cfg.STT.Language == "" {
		return errors.New("stt.language must not be empty")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Document.FontSizePt <= 0 {
		return errors.New("document.font_size_pt must be positive")
	}
	if cfg.Document.FileName == "" {
		return errors.New("document.file_name must not be empty")
	}
	if cfg.Recorder.ChunkMS <= 0 {
		return errors.New("recorder.chunk_ms must be positive")
	}
	if cfg.Recorder.ListenTimeoutMS <= 0 {
		return errors.New("recorder.listen_timeout_ms must be positive")
	}
	if cfg.Recorder.PauseThresholdMS <= 0 {
		return errors.New("recorder.pause_threshold_ms must be positive")
	}
	if cfg.Recorder.PhraseLimitMS < cfg.Recorder.PauseThresholdMS {
		return errors.New("recorder.phrase_limit_ms must be >= pause threshold")
	}
	return nil
}
