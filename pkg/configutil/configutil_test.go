package configutil

import (
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
)

func TestValidateSettings(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"voice_id"}}
	if err := ValidateSettings("vendors.tts.settings", map[string]any{"API-Key": "k", "voiceId": "v"}, schema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := ValidateSettings("vendors.tts.settings", map[string]any{"api_key": " ", "speed": 1}, schema)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "missing: api_key") || !strings.Contains(err.Error(), "unknown: speed") {
		t.Fatalf("unexpected error %q", err.Error())
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config reason")
	}
}

func TestDecodeSettings(t *testing.T) {
	var out struct {
		APIKey  string        `mapstructure:"api_key"`
		Rate    int           `mapstructure:"sample_rate"`
		Timeout time.Duration `mapstructure:"timeout"`
	}
	err := DecodeSettings(map[string]any{"ApiKey": "k", "sample-rate": "24000", "timeout": "2s"}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "k" || out.Rate != 24000 || out.Timeout != 2*time.Second {
		t.Fatalf("unexpected decode %+v", out)
	}
}

func TestOneOf(t *testing.T) {
	got, err := OneOf(" ElevenLabs ", "vendors.tts.provider", "openai", "elevenlabs")
	if err != nil || got != "elevenlabs" {
		t.Fatalf("expected elevenlabs, got %q err=%v", got, err)
	}
	if _, err := OneOf("piper", "vendors.tts.provider", "openai", "elevenlabs"); !errorsx.HasReason(err, errorsx.ReasonProviderUnsupported) {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestFallbacks(t *testing.T) {
	if StringValue("", "x") != "x" || IntValue(0, 5) != 5 || IntValue(3, 5) != 3 {
		t.Fatalf("unexpected fallback")
	}
	v := false
	if BoolValue(&v, true) || !BoolValue(nil, true) {
		t.Fatalf("unexpected bool fallback")
	}
}
