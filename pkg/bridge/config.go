package bridge

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/voxbridge/pkg/configutil"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/turn"
)

// Supported provider names.
var (
	STTProviders       = []string{"deepgram", "local", "mock"}
	TTSProviders       = []string{"openai", "elevenlabs", "cartesia", "local", "mock"}
	LLMProviders       = []string{"interpreter", "mock"}
	TransportProviders = []string{"livekit", "mock"}
)

type Config struct {
	Interpreter InterpreterConfig `mapstructure:"interpreter"`
	Vendors     VendorsConfig     `mapstructure:"vendors"`
	Transports  TransportsConfig  `mapstructure:"transports"`
	Vision      VisionConfig      `mapstructure:"vision"`
	Turn        TurnConfig        `mapstructure:"turn"`
	Store       StoreConfig       `mapstructure:"store"`
	Events      EventsConfig      `mapstructure:"events"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Privacy     PrivacyConfig     `mapstructure:"privacy"`

	SystemPrompt    string `mapstructure:"system_prompt"`
	Greeting        string `mapstructure:"greeting"`
	DisableGreeting bool   `mapstructure:"disable_greeting"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	Debug     bool   `mapstructure:"debug"`
}

// InterpreterConfig points at the OpenAI-compatible backend that answers turns.
type InterpreterConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`

	MaxTokens       int           `mapstructure:"max_tokens"`
	Temperature     float32       `mapstructure:"temperature"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// URL returns BaseURL, or http://host:port/v1/ when it is unset.
func (c InterpreterConfig) URL() string {
	if strings.TrimSpace(c.BaseURL) != "" {
		return c.BaseURL
	}
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + "/v1/"
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// VisionConfig drives the instruction check on sampled video. Model and
// BaseURL default to the interpreter's.
type VisionConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	Instructions string        `mapstructure:"instructions"`
	Threshold    float64       `mapstructure:"threshold"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
}

type TurnConfig struct {
	InitialMode        string `mapstructure:"initial_mode"`
	AllowInterruptions bool   `mapstructure:"allow_interruptions"`
}

// Mode maps initial_mode onto the controller mode. Validate has already
// rejected anything else.
func (t TurnConfig) Mode() turn.Mode {
	if strings.EqualFold(strings.TrimSpace(t.InitialMode), "live") {
		return turn.ModeLive
	}
	return turn.ModeAccumulating
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type EventsConfig struct {
	NATSURL       string   `mapstructure:"nats_url"`
	SubjectPrefix string   `mapstructure:"subject_prefix"`
	Events        []string `mapstructure:"events"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interpreter.host", "localhost")
	v.SetDefault("interpreter.port", 8000)
	v.SetDefault("interpreter.model", "open-interpreter")
	v.SetDefault("interpreter.api_key", "x")
	v.SetDefault("interpreter.retry_attempts", 3)
	v.SetDefault("interpreter.breaker_failures", 3)
	v.SetDefault("interpreter.breaker_cooldown", "30s")
	v.SetDefault("vendors.stt.provider", "deepgram")
	v.SetDefault("vendors.tts.provider", "openai")
	v.SetDefault("vendors.llm.provider", "interpreter")
	v.SetDefault("transports.provider", "livekit")
	v.SetDefault("vision.enabled", false)
	v.SetDefault("vision.interval", "30s")
	v.SetDefault("vision.threshold", 7)
	v.SetDefault("turn.initial_mode", "accumulating")
	v.SetDefault("turn.allow_interruptions", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("events.subject_prefix", "voxbridge")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads a YAML config, expands ${ENV} references, applies the
// provider environment overrides and validates the result. An empty path
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfigInvalid)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal: %w", err), errorsx.ReasonConfigInvalid)
	}

	expandEnvStrings(&cfg)
	ApplyEnv(&cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv lets VOX_TTS / VOX_STT (or the older 01_TTS / 01_STT) pick
// providers and VOX_DEBUG turn on debug logging.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := firstEnv(getenv, "VOX_TTS", "01_TTS"); v != "" {
		cfg.Vendors.TTS.Provider = v
	}
	if v := firstEnv(getenv, "VOX_STT", "01_STT"); v != "" {
		cfg.Vendors.STT.Provider = v
	}
	if on, err := strconv.ParseBool(strings.TrimSpace(getenv("VOX_DEBUG"))); err == nil && on {
		cfg.Debug = true
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
}

func firstEnv(getenv func(string) string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// Validate normalizes provider names and fails on anything unsupported.
func (c *Config) Validate() error {
	var err error
	if c.Vendors.STT.Provider, err = configutil.OneOf(c.Vendors.STT.Provider, "vendors.stt.provider", STTProviders...); err != nil {
		return err
	}
	if c.Vendors.TTS.Provider, err = configutil.OneOf(c.Vendors.TTS.Provider, "vendors.tts.provider", TTSProviders...); err != nil {
		return err
	}
	if c.Vendors.LLM.Provider, err = configutil.OneOf(c.Vendors.LLM.Provider, "vendors.llm.provider", LLMProviders...); err != nil {
		return err
	}
	if c.Transports.Provider, err = configutil.OneOf(c.Transports.Provider, "transports.provider", TransportProviders...); err != nil {
		return err
	}
	if c.Turn.InitialMode, err = configutil.OneOf(c.Turn.InitialMode, "turn.initial_mode", "accumulating", "live"); err != nil {
		return err
	}
	if c.Vendors.LLM.Provider == "interpreter" && strings.TrimSpace(c.Interpreter.BaseURL) == "" {
		if strings.TrimSpace(c.Interpreter.Host) == "" {
			return errorsx.Newf(errorsx.ReasonConfigInvalid, "interpreter.host is required")
		}
		if c.Interpreter.Port <= 0 || c.Interpreter.Port > 65535 {
			return errorsx.Newf(errorsx.ReasonConfigInvalid, "interpreter.port must be between 1 and 65535, got %d", c.Interpreter.Port)
		}
	}
	if c.Vision.Threshold < 0 || c.Vision.Threshold > 10 {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "vision.threshold must be between 0 and 10, got %v", c.Vision.Threshold)
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
