package bridge

import (
	"testing"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/providers/cartesia"
	"github.com/harunnryd/voxbridge/pkg/providers/deepgram"
	"github.com/harunnryd/voxbridge/pkg/providers/mock"
	"github.com/harunnryd/voxbridge/pkg/providers/openai"
)

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewProviderRegistry()
	cfg := Config{Vendors: VendorsConfig{TTS: VendorConfig{Provider: "openai"}}}
	_, err := reg.BuildTTS(cfg, Env{})
	if !errorsx.HasReason(err, errorsx.ReasonProviderUnsupported) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestDeepgramRequiresKey(t *testing.T) {
	cfg := Config{Vendors: VendorsConfig{STT: VendorConfig{Provider: "deepgram", Settings: map[string]any{"model": "nova-2"}}}}
	if _, err := DefaultProviders().BuildSTT(cfg, Env{}); err == nil {
		t.Fatalf("expected missing api_key error")
	}
}

func TestLocalSTTUsesHost(t *testing.T) {
	cfg := Config{Vendors: VendorsConfig{STT: VendorConfig{Provider: "local", Settings: map[string]any{"host": "http://127.0.0.1:8080"}}}}
	build, err := DefaultProviders().BuildSTT(cfg, Env{})
	if err != nil {
		t.Fatalf("build local stt: %v", err)
	}
	if _, ok := build("my-room/You").(*deepgram.StreamingSTT); !ok {
		t.Fatalf("expected deepgram client for local stt")
	}
}

func TestDeepgramRejectsEncoding(t *testing.T) {
	cfg := Config{Vendors: VendorsConfig{STT: VendorConfig{Provider: "deepgram", Settings: map[string]any{
		"api_key":  "k",
		"encoding": "mulaw",
	}}}}
	if _, err := DefaultProviders().BuildSTT(cfg, Env{}); err == nil {
		t.Fatalf("expected encoding error")
	}
}

func TestTTSProviders(t *testing.T) {
	cases := []struct {
		provider string
		settings map[string]any
		check    func(any) bool
	}{
		{"openai", map[string]any{"api_key": "k"}, func(v any) bool { _, ok := v.(*openai.TTS); return ok }},
		{"local", map[string]any{"base_url": "http://localhost:8880/v1"}, func(v any) bool { _, ok := v.(*openai.TTS); return ok }},
		{"cartesia", map[string]any{"api_key": "k", "voice_id": "v"}, func(v any) bool { _, ok := v.(*cartesia.CartesiaTTS); return ok }},
		{"mock", nil, func(v any) bool { _, ok := v.(*mock.StreamingTTS); return ok }},
	}
	for _, tc := range cases {
		cfg := Config{Vendors: VendorsConfig{TTS: VendorConfig{Provider: tc.provider, Settings: tc.settings}}}
		build, err := DefaultProviders().BuildTTS(cfg, Env{})
		if err != nil {
			t.Fatalf("%s: %v", tc.provider, err)
		}
		if !tc.check(build("my-room/You")) {
			t.Fatalf("%s: unexpected tts type", tc.provider)
		}
	}
}

func TestElevenLabsRequiresVoice(t *testing.T) {
	cfg := Config{Vendors: VendorsConfig{TTS: VendorConfig{Provider: "elevenlabs", Settings: map[string]any{"api_key": "k"}}}}
	if _, err := DefaultProviders().BuildTTS(cfg, Env{}); err == nil {
		t.Fatalf("expected missing voice_id error")
	}
}

func TestInterpreterLLMAndVision(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	reg := DefaultProviders()
	chat, err := reg.BuildLLM(cfg, Env{})
	if err != nil {
		t.Fatalf("build llm: %v", err)
	}
	if chat.Name() != "openai" {
		t.Fatalf("expected openai adapter behind the wrappers, got %s", chat.Name())
	}
	if reg.BuildVision(cfg, Env{}, chat) != nil {
		t.Fatalf("vision should be off by default")
	}
	cfg.Vision.Enabled = true
	if reg.BuildVision(cfg, Env{}, chat) == nil {
		t.Fatalf("expected vision adapter")
	}
}
