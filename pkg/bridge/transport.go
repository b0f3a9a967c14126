package bridge

import (
	"log/slog"
	"time"

	"github.com/harunnryd/voxbridge/pkg/configutil"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/transports"
	"github.com/harunnryd/voxbridge/pkg/transports/livekit"
	mocktransport "github.com/harunnryd/voxbridge/pkg/transports/mock"
)

// Local LiveKit dev server credentials.
const (
	DefaultLiveKitURL    = "ws://localhost:7880"
	DefaultLiveKitKey    = "devkey"
	DefaultLiveKitSecret = "secret"
)

// LiveKitSettings decodes transports.settings for the livekit provider,
// falling back to a local dev server.
func LiveKitSettings(cfg Config) (livekit.Config, error) {
	if err := configutil.ValidateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
		Optional: []string{"url", "api_key", "api_secret", "room", "identity", "output_sample_rate", "pli_interval", "frame_interval"},
	}); err != nil {
		return livekit.Config{}, err
	}
	var lk livekit.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &lk); err != nil {
		return livekit.Config{}, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	lk.URL = configutil.StringValue(lk.URL, DefaultLiveKitURL)
	lk.APIKey = configutil.StringValue(lk.APIKey, DefaultLiveKitKey)
	lk.APISecret = configutil.StringValue(lk.APISecret, DefaultLiveKitSecret)
	lk.Room = configutil.StringValue(lk.Room, "my-room")
	return lk, nil
}

// BuildTransport creates the configured room transport.
func BuildTransport(cfg Config, log *slog.Logger) (transports.Transport, error) {
	switch normalizeName(cfg.Transports.Provider) {
	case "livekit":
		lk, err := LiveKitSettings(cfg)
		if err != nil {
			return nil, err
		}
		lk.Logger = log
		return livekit.New(lk), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, errorsx.Newf(errorsx.ReasonProviderUnsupported, "unsupported transport provider: %s", cfg.Transports.Provider)
	}
}

// TokenIssuer binds LiveKit credentials for minting client tokens.
func TokenIssuer(lk livekit.Config, ttl time.Duration) func(room, identity string) (string, error) {
	return func(room, identity string) (string, error) {
		return livekit.Token(lk.APIKey, lk.APISecret, room, identity, ttl)
	}
}
