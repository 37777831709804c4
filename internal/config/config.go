package config

import (
	"errors"
	"fmt"
	"log/slog"
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

// SlogLevel maps log_level onto a slog level. Unknown names mean info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(t.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Host        HostConfig        `yaml:"host"`
	Profiles    ProfileConfig     `yaml:"profiles"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Highlight   HighlightConfig   `yaml:"highlight"`
	Scroll      ScrollConfig      `yaml:"scroll"`
	Transition  TransitionConfig  `yaml:"transition"`
	Fetch       FetchConfig       `yaml:"fetch"`
	TTS         TTSConfig         `yaml:"tts"`
	Audio       AudioConfig       `yaml:"audio"`
	Engine      EngineConfig      `yaml:"engine"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// HostConfig selects the transports used to talk to the reading UI.
type HostConfig struct {
	NATS          bool   `yaml:"nats"`
	WebSocket     bool   `yaml:"websocket"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ProfileConfig controls durable per-collection timing profiles.
type ProfileConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxProfiles   int    `yaml:"max_profiles"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CalibrationConfig struct {
	DefaultOffsetMS int     `yaml:"default_offset_ms"`
	MinOffsetMS     int     `yaml:"min_offset_ms"`
	MaxOffsetMS     int     `yaml:"max_offset_ms"`
	WindowSize      int     `yaml:"window_size"`
	TrimFraction    float64 `yaml:"trim_fraction"`
	MinConfidence   float64 `yaml:"min_confidence"`
	MinSamples      int     `yaml:"min_samples"`
}

type HighlightConfig struct {
	MaxJump   int `yaml:"max_jump"`
	ClampStep int `yaml:"clamp_step"`
}

type ScrollConfig struct {
	RateHz          float64 `yaml:"rate_hz"`
	IntroDurationMS int     `yaml:"intro_duration_ms"`
	IntroWords      int     `yaml:"intro_words"`
	IntroBandTop    float64 `yaml:"intro_band_top"`
	IntroBandBottom float64 `yaml:"intro_band_bottom"`
	BandTop         float64 `yaml:"band_top"`
	BandBottom      float64 `yaml:"band_bottom"`
	IntroAnchor     float64 `yaml:"intro_anchor"`
	Anchor          float64 `yaml:"anchor"`
	MaxVelocity     float64 `yaml:"max_velocity_px_s"`
	Easing          float64 `yaml:"easing"`
	MinStep         float64 `yaml:"min_step_px"`
	UserBlockMS     int     `yaml:"user_block_ms"`
	ChunkOverrideMS int     `yaml:"chunk_override_ms"`
}

type TransitionConfig struct {
	PoolSize           int     `yaml:"pool_size"`
	DebounceMS         int     `yaml:"debounce_ms"`
	CrossfadeMS        int     `yaml:"crossfade_ms"`
	CrossfadeSteps     int     `yaml:"crossfade_steps"`
	PrefetchAtFraction float64 `yaml:"prefetch_at_fraction"`
	PrefetchAhead      int     `yaml:"prefetch_ahead"`
	PrefetchCacheSize  int     `yaml:"prefetch_cache_size"`
}

type FetchConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
	Retries   int `yaml:"retries"`
	CacheSize int `yaml:"cache_size"`
}

type TTSConfig struct {
	Mode     string `yaml:"mode"` // mock, exec, http
	Command  string `yaml:"command"`
	Endpoint string `yaml:"endpoint"`
	Voice    string `yaml:"voice"`
	Provider string `yaml:"provider"`
	AudioDir string `yaml:"audio_dir"`
}

type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	BufferMS   int `yaml:"buffer_ms"`
}

// EngineConfig selects the sync features a session runs with. Disabling
// Calibrate pins the default offset; FallbackOnly ignores provider timings.
type EngineConfig struct {
	FrameRate          int  `yaml:"frame_rate"`
	ProgressIntervalMS int  `yaml:"progress_interval_ms"`
	AutoAdvance        bool `yaml:"auto_advance"`
	WatchConfig        bool `yaml:"watch_config"`
	Calibrate          bool `yaml:"calibrate"`
	Prefetch           bool `yaml:"prefetch"`
	FallbackOnly       bool `yaml:"fallback_only"`
}

func Default() Config {
	return Config{
		RuntimeName: "readalong-runtime",
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
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Host:           "0.0.0.0",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Host: HostConfig{
			NATS:          true,
			WebSocket:     true,
			SubjectPrefix: "readalong",
		},
		Profiles: ProfileConfig{
			Path:          "./data/readalong-profiles.db",
			RetentionMode: "persistent",
			RetentionDays: 7,
			MaxProfiles:   500,
		},
		Calibration: CalibrationConfig{
			DefaultOffsetMS: 275,
			MinOffsetMS:     50,
			MaxOffsetMS:     500,
			WindowSize:      20,
			TrimFraction:    0.1,
			MinConfidence:   0.7,
			MinSamples:      3,
		},
		Highlight: HighlightConfig{
			MaxJump:   20,
			ClampStep: 2,
		},
		Scroll: ScrollConfig{
			RateHz:          12,
			IntroDurationMS: 3500,
			IntroWords:      12,
			IntroBandTop:    0.25,
			IntroBandBottom: 0.80,
			BandTop:         0.33,
			BandBottom:      0.65,
			IntroAnchor:     0.42,
			Anchor:          0.50,
			MaxVelocity:     1400,
			Easing:          0.18,
			MinStep:         1,
			UserBlockMS:     1200,
			ChunkOverrideMS: 800,
		},
		Transition: TransitionConfig{
			PoolSize:           3,
			DebounceMS:         120,
			CrossfadeMS:        150,
			CrossfadeSteps:     6,
			PrefetchAtFraction: 0.8,
			PrefetchAhead:      1,
			PrefetchCacheSize:  16,
		},
		Fetch: FetchConfig{
			TimeoutMS: 3000,
			Retries:   1,
			CacheSize: 64,
		},
		TTS: TTSConfig{
			Mode:     "mock",
			Voice:    "en-US",
			Provider: "mock",
			AudioDir: "./data/audio",
		},
		Audio: AudioConfig{
			SampleRate: 44100,
			BufferMS:   100,
		},
		Engine: EngineConfig{
			FrameRate:          60,
			ProgressIntervalMS: 250,
			AutoAdvance:        true,
			WatchConfig:        true,
			Calibrate:          true,
			Prefetch:           true,
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
	overrideString(&cfg.RuntimeName, "READALONG_RUNTIME_NAME")
	overrideString(&cfg.Environment, "READALONG_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "READALONG_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "READALONG_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "READALONG_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "READALONG_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "READALONG_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "READALONG_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "READALONG_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "READALONG_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "READALONG_BUS_PORT")
	overrideString(&cfg.Bus.Host, "READALONG_BUS_HOST")
	overrideStringSlice(&cfg.Bus.Servers, "READALONG_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "READALONG_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "READALONG_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "READALONG_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "READALONG_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "READALONG_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Host.NATS, "READALONG_HOST_NATS")
	overrideBool(&cfg.Host.WebSocket, "READALONG_HOST_WEBSOCKET")
	overrideString(&cfg.Host.SubjectPrefix, "READALONG_HOST_SUBJECT_PREFIX")
	overrideString(&cfg.Profiles.Path, "READALONG_PROFILES_PATH")
	overrideString(&cfg.Profiles.RetentionMode, "READALONG_PROFILES_RETENTION_MODE")
	overrideInt(&cfg.Profiles.RetentionDays, "READALONG_PROFILES_RETENTION_DAYS")
	overrideInt(&cfg.Profiles.MaxProfiles, "READALONG_PROFILES_MAX_PROFILES")
	overrideBool(&cfg.Profiles.VacuumOnStart, "READALONG_PROFILES_VACUUM_ON_START")
	overrideInt(&cfg.Calibration.DefaultOffsetMS, "READALONG_CALIBRATION_DEFAULT_OFFSET_MS")
	overrideFloat(&cfg.Calibration.MinConfidence, "READALONG_CALIBRATION_MIN_CONFIDENCE")
	overrideInt(&cfg.Transition.DebounceMS, "READALONG_TRANSITION_DEBOUNCE_MS")
	overrideInt(&cfg.Transition.CrossfadeMS, "READALONG_TRANSITION_CROSSFADE_MS")
	overrideInt(&cfg.Fetch.TimeoutMS, "READALONG_FETCH_TIMEOUT_MS")
	overrideInt(&cfg.Fetch.Retries, "READALONG_FETCH_RETRIES")
	overrideString(&cfg.TTS.Mode, "READALONG_TTS_MODE")
	overrideString(&cfg.TTS.Command, "READALONG_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "READALONG_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Voice, "READALONG_TTS_VOICE")
	overrideString(&cfg.TTS.AudioDir, "READALONG_TTS_AUDIO_DIR")
	overrideInt(&cfg.Audio.SampleRate, "READALONG_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Engine.FrameRate, "READALONG_ENGINE_FRAME_RATE")
	overrideBool(&cfg.Engine.AutoAdvance, "READALONG_ENGINE_AUTO_ADVANCE")
	overrideBool(&cfg.Engine.WatchConfig, "READALONG_ENGINE_WATCH_CONFIG")
	overrideBool(&cfg.Engine.Calibrate, "READALONG_ENGINE_CALIBRATE")
	overrideBool(&cfg.Engine.Prefetch, "READALONG_ENGINE_PREFETCH")
	overrideBool(&cfg.Engine.FallbackOnly, "READALONG_ENGINE_FALLBACK_ONLY")
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
	}
	if cfg.Host.NATS && !cfg.Bus.Enabled {
		return errors.New("host.nats requires bus.enabled")
	}
	if cfg.Host.SubjectPrefix == "" {
		return errors.New("host.subject_prefix must not be empty")
	}
	switch cfg.Profiles.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Profiles.Path == "" {
			return errors.New("profiles.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("profiles.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Profiles.RetentionDays < 0 {
		return errors.New("profiles.retention_days must be >= 0")
	}
	if err := validateCalibration(cfg.Calibration); err != nil {
		return err
	}
	if cfg.Highlight.MaxJump <= 0 || cfg.Highlight.ClampStep <= 0 {
		return errors.New("highlight.max_jump and highlight.clamp_step must be positive")
	}
	if cfg.Highlight.ClampStep > cfg.Highlight.MaxJump {
		return errors.New("highlight.clamp_step must not exceed highlight.max_jump")
	}
	if err := validateScroll(cfg.Scroll); err != nil {
		return err
	}
	if cfg.Transition.PoolSize < 2 {
		return errors.New("transition.pool_size must be >= 2")
	}
	if cfg.Transition.DebounceMS < 0 || cfg.Transition.CrossfadeMS < 0 {
		return errors.New("transition durations must be >= 0")
	}
	if cfg.Transition.PrefetchAtFraction <= 0 || cfg.Transition.PrefetchAtFraction > 1 {
		return errors.New("transition.prefetch_at_fraction must be in (0, 1]")
	}
	if cfg.Fetch.TimeoutMS <= 0 {
		return errors.New("fetch.timeout_ms must be positive")
	}
	if cfg.Fetch.Retries < 0 {
		return errors.New("fetch.retries must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "http":
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=http")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|http")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Engine.FrameRate <= 0 || cfg.Engine.FrameRate > 240 {
		return errors.New("engine.frame_rate must be between 1 and 240")
	}
	return nil
}

func validateCalibration(c CalibrationConfig) error {
	if c.MinOffsetMS < 0 || c.MaxOffsetMS <= c.MinOffsetMS {
		return errors.New("calibration offsets must satisfy 0 <= min_offset_ms < max_offset_ms")
	}
	if c.DefaultOffsetMS < c.MinOffsetMS || c.DefaultOffsetMS > c.MaxOffsetMS {
		return errors.New("calibration.default_offset_ms must lie within [min_offset_ms, max_offset_ms]")
	}
	if c.WindowSize <= 0 {
		return errors.New("calibration.window_size must be positive")
	}
	if c.TrimFraction < 0 || c.TrimFraction >= 0.5 {
		return errors.New("calibration.trim_fraction must be in [0, 0.5)")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return errors.New("calibration.min_confidence must be in [0, 1]")
	}
	return nil
}

func validateScroll(s ScrollConfig) error {
	if s.RateHz <= 0 {
		return errors.New("scroll.rate_hz must be positive")
	}
	if !(0 <= s.IntroBandTop && s.IntroBandTop < s.IntroBandBottom && s.IntroBandBottom <= 1) {
		return errors.New("scroll intro band must satisfy 0 <= top < bottom <= 1")
	}
	if !(0 <= s.BandTop && s.BandTop < s.BandBottom && s.BandBottom <= 1) {
		return errors.New("scroll band must satisfy 0 <= top < bottom <= 1")
	}
	if s.MaxVelocity <= 0 {
		return errors.New("scroll.max_velocity_px_s must be positive")
	}
	if s.Easing <= 0 || s.Easing > 1 {
		return errors.New("scroll.easing must be in (0, 1]")
	}
	return nil
}
