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
	Audio       AudioConfig      `yaml:"audio"`
	MIDI        MIDIConfig       `yaml:"midi"`
	Render      RenderConfig     `yaml:"render"`
	Console     ConsoleConfig    `yaml:"console"`
	Registry    RegistryConfig   `yaml:"registry"`
	Voices      []VoiceConfig    `yaml:"voices"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Bucket         string   `yaml:"bucket"`
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
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the output backend and stream format.
// Backends are tried in order; the first one that initializes wins.
type AudioConfig struct {
	Backends    []string `yaml:"backends"`
	Device      string   `yaml:"device"`
	SampleRate  int      `yaml:"sample_rate"`
	Channels    int      `yaml:"channels"`
	ChunkFrames int      `yaml:"chunk_frames"`
	OutputDir   string   `yaml:"output_dir"`
}

type MIDIConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Backends       []string `yaml:"backends"`
	Devices        []int    `yaml:"devices"`
	PollIntervalMS int      `yaml:"poll_interval_ms"`
	BatchSize      int      `yaml:"batch_size"`
}

type RenderConfig struct {
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Nice      int    `yaml:"nice"`
	CacheDir  string `yaml:"cache_dir"`
}

type ConsoleConfig struct {
	Enabled        bool `yaml:"enabled"`
	PollIntervalMS int  `yaml:"poll_interval_ms"`
}

type RegistryConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms"`
}

type VoiceConfig struct {
	ID        string `yaml:"id"`
	Generator string `yaml:"generator"`
	Namespace string `yaml:"namespace"`
	Loop      *bool  `yaml:"loop"`
}

// Looping reports whether the voice restarts after each cycle. Voices loop unless told otherwise.
func (v VoiceConfig) Looping() bool {
	return v.Loop == nil || *v.Loop
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-live",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4223,
			StoreDir:       "./data/nats",
			Bucket:         "loqa_live",
			Servers:        []string{"nats://127.0.0.1:4223"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-live.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxRuns:       1000,
		},
		Audio: AudioConfig{
			Backends:    []string{"portaudio", "oto", "wav"},
			Device:      "default",
			SampleRate:  44100,
			Channels:    2,
			ChunkFrames: 500,
			OutputDir:   "./data/renders",
		},
		MIDI: MIDIConfig{
			Enabled:        true,
			Backends:       []string{"rtmidi"},
			PollIntervalMS: 50,
			BatchSize:      10,
		},
		Render: RenderConfig{
			TimeoutMS: 60000,
			Nice:      -2,
			CacheDir:  "./data/wazero-cache",
		},
		Console: ConsoleConfig{
			Enabled:        true,
			PollIntervalMS: 100,
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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
	overrideString(&cfg.RuntimeName, "LOQA_LIVE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_LIVE_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_LIVE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_LIVE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_LIVE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_LIVE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_LIVE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_LIVE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_LIVE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_LIVE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_LIVE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_LIVE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_LIVE_BUS_STORE_DIR")
	overrideString(&cfg.Bus.Bucket, "LOQA_LIVE_BUS_BUCKET")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_LIVE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_LIVE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_LIVE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_LIVE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_LIVE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_LIVE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_LIVE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_LIVE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_LIVE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_LIVE_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_LIVE_EVENT_STORE_VACUUM_ON_START")
	overrideStringSlice(&cfg.Audio.Backends, "LOQA_LIVE_AUDIO_BACKENDS")
	overrideString(&cfg.Audio.Device, "LOQA_LIVE_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_LIVE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_LIVE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkFrames, "LOQA_LIVE_AUDIO_CHUNK_FRAMES")
	overrideString(&cfg.Audio.OutputDir, "LOQA_LIVE_AUDIO_OUTPUT_DIR")
	overrideBool(&cfg.MIDI.Enabled, "LOQA_LIVE_MIDI_ENABLED")
	overrideStringSlice(&cfg.MIDI.Backends, "LOQA_LIVE_MIDI_BACKENDS")
	overrideIntSlice(&cfg.MIDI.Devices, "LOQA_LIVE_MIDI_DEVICES")
	overrideInt(&cfg.MIDI.PollIntervalMS, "LOQA_LIVE_MIDI_POLL_INTERVAL_MS")
	overrideInt(&cfg.MIDI.BatchSize, "LOQA_LIVE_MIDI_BATCH_SIZE")
	overrideString(&cfg.Render.Command, "LOQA_LIVE_RENDER_COMMAND")
	overrideInt(&cfg.Render.TimeoutMS, "LOQA_LIVE_RENDER_TIMEOUT_MS")
	overrideInt(&cfg.Render.Nice, "LOQA_LIVE_RENDER_NICE")
	overrideString(&cfg.Render.CacheDir, "LOQA_LIVE_RENDER_CACHE_DIR")
	overrideBool(&cfg.Console.Enabled, "LOQA_LIVE_CONSOLE_ENABLED")
	overrideInt(&cfg.Console.PollIntervalMS, "LOQA_LIVE_CONSOLE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Registry.HeartbeatInterval, "LOQA_LIVE_REGISTRY_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Registry.HeartbeatTimeout, "LOQA_LIVE_REGISTRY_HEARTBEAT_TIMEOUT_MS")
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
		if trimmed := splitList(value); len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// overrideIntSlice replaces the target only when every element parses.
func overrideIntSlice(target *[]int, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	var parsed []int
	for _, p := range splitList(value) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return
		}
		parsed = append(parsed, n)
	}
	*target = parsed
}

func splitList(value string) []string {
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Bus.Bucket == "" {
		return errors.New("bus.bucket must not be empty")
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
	if len(cfg.Audio.Backends) == 0 {
		return errors.New("audio.backends must list at least one backend")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkFrames <= 0 {
		return errors.New("audio.chunk_frames must be positive")
	}
	if cfg.MIDI.Enabled {
		if cfg.MIDI.PollIntervalMS <= 0 {
			return errors.New("midi.poll_interval_ms must be positive")
		}
		if cfg.MIDI.BatchSize <= 0 {
			return errors.New("midi.batch_size must be >= 1")
		}
		for _, id := range cfg.MIDI.Devices {
			if id < 0 {
				return fmt.Errorf("midi.devices contains negative id %d", id)
			}
		}
	}
	if cfg.Render.TimeoutMS <= 0 {
		return errors.New("render.timeout_ms must be positive")
	}
	if cfg.Render.Nice < -20 || cfg.Render.Nice > 19 {
		return errors.New("render.nice must be between -20 and 19")
	}
	if cfg.Console.Enabled && cfg.Console.PollIntervalMS <= 0 {
		return errors.New("console.poll_interval_ms must be positive")
	}
	if cfg.Registry.HeartbeatInterval <= 0 {
		return errors.New("registry.heartbeat_interval_ms must be positive")
	}
	if cfg.Registry.HeartbeatTimeout <= cfg.Registry.HeartbeatInterval {
		return errors.New("registry.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	seen := make(map[string]struct{}, len(cfg.Voices))
	for i, v := range cfg.Voices {
		if v.ID == "" {
			return fmt.Errorf("voices[%d].id must not be empty", i)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("duplicate voice id %s", v.ID)
		}
		seen[v.ID] = struct{}{}
		if v.Generator == "" {
			return fmt.Errorf("voices[%d].generator must not be empty", i)
		}
	}
	return nil
}
