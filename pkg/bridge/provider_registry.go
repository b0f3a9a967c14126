package bridge

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/configutil"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/providers/cartesia"
	"github.com/harunnryd/voxbridge/pkg/providers/deepgram"
	"github.com/harunnryd/voxbridge/pkg/providers/elevenlabs"
	"github.com/harunnryd/voxbridge/pkg/providers/mock"
	"github.com/harunnryd/voxbridge/pkg/providers/openai"
	"github.com/harunnryd/voxbridge/pkg/resilience"
)

// Env carries the ambient collaborators handed to every provider.
type Env struct {
	Logger   *slog.Logger
	Observer metrics.Observer
}

// STTBuilder and TTSBuilder create one stream per session key.
type STTBuilder func(session string) stt.StreamingSTT
type TTSBuilder func(session string) tts.StreamingTTS

type STTFactory func(cfg Config, env Env) (STTBuilder, error)
type TTSFactory func(cfg Config, env Env) (TTSBuilder, error)
type LLMFactory func(cfg Config, env Env) (llm.LLMAdapter, error)

type ProviderRegistry struct {
	stt map[string]STTFactory
	tts map[string]TTSFactory
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactory),
		tts: make(map[string]TTSFactory),
		llm: make(map[string]LLMFactory),
	}
}

// DefaultProviders registers every built-in STT, TTS and LLM provider.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterSTT("deepgram", deepgramSTT(false))
	reg.RegisterSTT("local", deepgramSTT(true))
	reg.RegisterSTT("mock", mockSTT)
	reg.RegisterTTS("openai", openAITTS(false))
	reg.RegisterTTS("local", openAITTS(true))
	reg.RegisterTTS("elevenlabs", elevenlabsTTS)
	reg.RegisterTTS("cartesia", cartesiaTTS)
	reg.RegisterTTS("mock", mockTTS)
	reg.RegisterLLM("interpreter", interpreterLLM)
	reg.RegisterLLM("mock", mockLLM)
	return reg
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(cfg Config, env Env) (STTBuilder, error) {
	fn := r.stt[normalizeName(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, errorsx.Newf(errorsx.ReasonProviderUnsupported, "stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(cfg, env)
}

func (r *ProviderRegistry) BuildTTS(cfg Config, env Env) (TTSBuilder, error) {
	fn := r.tts[normalizeName(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, errorsx.Newf(errorsx.ReasonProviderUnsupported, "tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return fn(cfg, env)
}

func (r *ProviderRegistry) BuildLLM(cfg Config, env Env) (llm.LLMAdapter, error) {
	fn := r.llm[normalizeName(cfg.Vendors.LLM.Provider)]
	if fn == nil {
		return nil, errorsx.Newf(errorsx.ReasonProviderUnsupported, "llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return fn(cfg, env)
}

// BuildVision returns the model used for instruction checks, or nil when
// vision is disabled. A mock LLM provider is reused as is.
func (r *ProviderRegistry) BuildVision(cfg Config, env Env, chat llm.LLMAdapter) llm.LLMAdapter {
	if !cfg.Vision.Enabled {
		return nil
	}
	if normalizeName(cfg.Vendors.LLM.Provider) == "mock" {
		return chat
	}
	return openai.NewAdapter(openai.Config{
		APIKey:  configutil.StringValue(cfg.Vision.APIKey, cfg.Interpreter.APIKey),
		Model:   configutil.StringValue(cfg.Vision.Model, cfg.Interpreter.Model),
		BaseURL: configutil.StringValue(cfg.Vision.BaseURL, cfg.Interpreter.URL()),
		Logger:  env.Logger,
	})
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Host           string `mapstructure:"host"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Interim        *bool  `mapstructure:"interim"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

type openAITTSSettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	Voice   string `mapstructure:"voice"`
}

type elevenlabsSettings struct {
	APIKey     string `mapstructure:"api_key"`
	VoiceID    string `mapstructure:"voice_id"`
	ModelID    string `mapstructure:"model_id"`
	SampleRate int    `mapstructure:"sample_rate"`
}

type cartesiaSettings struct {
	APIKey     string `mapstructure:"api_key"`
	VoiceID    string `mapstructure:"voice_id"`
	ModelID    string `mapstructure:"model_id"`
	Version    string `mapstructure:"version"`
	Language   string `mapstructure:"language"`
	SampleRate int    `mapstructure:"sample_rate"`
	URL        string `mapstructure:"url"`
}

type mockSTTSettings struct {
	Transcript string `mapstructure:"transcript"`
}

type mockTTSSettings struct {
	SampleRate int `mapstructure:"sample_rate"`
}

type mockLLMSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
}

// deepgramSTT builds the hosted client, or with local set, a client for a
// self-hosted Deepgram at settings.host.
func deepgramSTT(local bool) STTFactory {
	return func(cfg Config, env Env) (STTBuilder, error) {
		schema := configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"host", "model", "language", "encoding", "sample_rate", "interim", "vad_events", "utterance_end_ms"},
		}
		if local {
			schema = configutil.Schema{
				Required: []string{"host"},
				Optional: []string{"api_key", "model", "language", "encoding", "sample_rate", "interim", "vad_events", "utterance_end_ms"},
			}
		}
		if err := configutil.ValidateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, schema); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		encoding, err := configutil.OneOf(configutil.StringValue(settings.Encoding, frames.EncodingOggOpus),
			"vendors.stt.settings.encoding", frames.EncodingOggOpus, "linear16")
		if err != nil {
			return nil, err
		}
		if utteranceEnd := settings.UtteranceEndMS; utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, errorsx.Newf(errorsx.ReasonConfigInvalid, "vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		apiKey := settings.APIKey
		if local {
			apiKey = configutil.StringValue(apiKey, "x")
		}
		sampleRate := settings.SampleRate
		if encoding == frames.EncodingOggOpus {
			sampleRate = 48000
		}
		interim := configutil.BoolValue(settings.Interim, true)
		vadEvents := configutil.BoolValue(settings.VADEvents, true)
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		return func(session string) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:         apiKey,
				Host:           settings.Host,
				Model:          settings.Model,
				Language:       configutil.StringValue(settings.Language, "en-US"),
				SampleRate:     sampleRate,
				Encoding:       encoding,
				Interim:        interim,
				VADEvents:      vadEvents,
				UtteranceEndMS: utteranceEnd,
				StreamID:       session,
				SessionID:      session,
				Logger:         env.Logger,
			})
		}, nil
	}
}

func mockSTT(cfg Config, _ Env) (STTBuilder, error) {
	if err := configutil.ValidateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Optional: []string{"transcript"},
	}); err != nil {
		return nil, err
	}
	var settings mockSTTSettings
	if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
		return nil, err
	}
	return func(session string) stt.StreamingSTT {
		return mock.NewSTT(mock.STTConfig{StreamID: session, Transcript: settings.Transcript})
	}, nil
}

// openAITTS speaks through the speech endpoint. The local variant targets
// any compatible server at settings.base_url and needs no real key.
func openAITTS(local bool) TTSFactory {
	return func(cfg Config, env Env) (TTSBuilder, error) {
		schema := configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url", "model", "voice"},
		}
		if local {
			schema = configutil.Schema{
				Required: []string{"base_url"},
				Optional: []string{"api_key", "model", "voice"},
			}
		}
		if err := configutil.ValidateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, schema); err != nil {
			return nil, err
		}
		var settings openAITTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if local {
			settings.APIKey = configutil.StringValue(settings.APIKey, "x")
		}
		return func(session string) tts.StreamingTTS {
			return openai.NewTTS(openai.TTSConfig{
				APIKey:   settings.APIKey,
				BaseURL:  settings.BaseURL,
				Model:    settings.Model,
				Voice:    settings.Voice,
				StreamID: session,
				Logger:   env.Logger,
			})
		}, nil
	}
}

func elevenlabsTTS(cfg Config, env Env) (TTSBuilder, error) {
	if err := configutil.ValidateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "sample_rate"},
	}); err != nil {
		return nil, err
	}
	var settings elevenlabsSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
		return nil, err
	}
	sampleRate := configutil.IntValue(settings.SampleRate, 24000)
	return func(session string) tts.StreamingTTS {
		return elevenlabs.New(elevenlabs.Config{
			APIKey:     settings.APIKey,
			VoiceID:    settings.VoiceID,
			ModelID:    settings.ModelID,
			SampleRate: sampleRate,
			StreamID:   session,
			SessionID:  session,
			Logger:     env.Logger,
		})
	}, nil
}

func cartesiaTTS(cfg Config, env Env) (TTSBuilder, error) {
	if err := configutil.ValidateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "version", "language", "sample_rate", "url"},
	}); err != nil {
		return nil, err
	}
	var settings cartesiaSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
		return nil, err
	}
	sampleRate := configutil.IntValue(settings.SampleRate, 24000)
	return func(session string) tts.StreamingTTS {
		return cartesia.New(cartesia.Config{
			APIKey:     settings.APIKey,
			VoiceID:    settings.VoiceID,
			ModelID:    settings.ModelID,
			Version:    settings.Version,
			Language:   settings.Language,
			SampleRate: sampleRate,
			URL:        settings.URL,
			StreamID:   session,
			SessionID:  session,
			Logger:     env.Logger,
		})
	}, nil
}

func mockTTS(cfg Config, _ Env) (TTSBuilder, error) {
	if err := configutil.ValidateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Optional: []string{"sample_rate"},
	}); err != nil {
		return nil, err
	}
	var settings mockTTSSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
		return nil, err
	}
	return func(session string) tts.StreamingTTS {
		return mock.NewTTS(mock.TTSConfig{StreamID: session, SampleRate: settings.SampleRate})
	}, nil
}

// interpreterLLM talks to the interpreter's OpenAI-compatible endpoint,
// retrying stream opens behind a circuit breaker.
func interpreterLLM(cfg Config, env Env) (llm.LLMAdapter, error) {
	ic := cfg.Interpreter
	if err := configutil.RequireString(ic.Model, "interpreter.model"); err != nil {
		return nil, err
	}
	adapter := openai.NewAdapter(openai.Config{
		APIKey:      configutil.StringValue(ic.APIKey, "x"),
		Model:       ic.Model,
		BaseURL:     ic.URL(),
		MaxTokens:   ic.MaxTokens,
		Temperature: ic.Temperature,
		Logger:      env.Logger,
	})
	retrying := llm.NewRetryAdapter(adapter, llm.RetryConfig{MaxAttempts: ic.RetryAttempts})
	cooldown := ic.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	breaker := llm.NewCircuitBreakerAdapter(retrying,
		resilience.NewCircuitBreaker(configutil.IntValue(ic.BreakerFailures, 3), cooldown))
	breaker.SetObserver(env.Observer)
	return breaker, nil
}

func mockLLM(cfg Config, _ Env) (llm.LLMAdapter, error) {
	if err := configutil.ValidateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Optional: []string{"response_text", "stream_chunks"},
	}); err != nil {
		return nil, err
	}
	var settings mockLLMSettings
	if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
		return nil, fmt.Errorf("vendors.llm.settings: %w", err)
	}
	return mock.NewLLMAdapter(mock.LLMConfig{
		ResponseText: settings.ResponseText,
		StreamChunks: settings.StreamChunks,
	}), nil
}
