package livekit

import (
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
)

const DefaultTokenTTL = 6 * time.Hour

// Token issues a room-join token for a client participant.
func Token(apiKey, apiSecret, room, identity string, ttl time.Duration) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", errorsx.Newf(errorsx.ReasonConfigInvalid, "livekit: api key and secret are required")
	}
	if room == "" {
		room = "my-room"
	}
	if identity == "" {
		identity = "You"
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	at := auth.NewAccessToken(apiKey, apiSecret)
	at.SetVideoGrant(&auth.VideoGrant{RoomJoin: true, Room: room}).
		SetIdentity(identity).
		SetName(identity).
		SetValidFor(ttl)
	return at.ToJWT()
}
