package livekit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
)

// ChatTopic carries room chat messages as JSON.
const ChatTopic = "lk-chat-topic"

type chatMessage struct {
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Message   string `json:"message"`
}

// DecodeData maps a data packet to its text and logical topic. Chat packets
// are unwrapped from JSON; anything else keeps its payload and topic.
func DecodeData(payload []byte, topic string) (string, string) {
	if topic == ChatTopic {
		var msg chatMessage
		if err := json.Unmarshal(payload, &msg); err == nil {
			return msg.Message, frames.TopicChat
		}
		return strings.TrimSpace(string(payload)), frames.TopicChat
	}
	return string(payload), topic
}

// EncodeData is the inverse of DecodeData for outbound frames.
func EncodeData(text, topic string, now time.Time) ([]byte, string, error) {
	if topic != frames.TopicChat {
		return []byte(text), topic, nil
	}
	b, err := json.Marshal(chatMessage{ID: uuid.NewString(), Timestamp: now.UnixMilli(), Message: text})
	if err != nil {
		return nil, "", err
	}
	return b, ChatTopic, nil
}

func (t *Transport) onDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	user, ok := data.(*lksdk.UserDataPacket)
	if !ok || user == nil {
		return
	}
	identity := params.SenderIdentity
	if identity == "" && params.Sender != nil {
		identity = params.Sender.Identity()
	}
	if identity == "" {
		return
	}
	text, topic := DecodeData(user.Payload, user.Topic)
	meta := t.participantMeta(identity)
	meta[frames.MetaTopic] = topic
	key := frames.SessionKey(meta)
	t.log.Debug("data_received", slog.String("participant", identity), slog.String("topic", topic), slog.Int("bytes", len(user.Payload)))
	t.emit(frames.NewTextFrame(key, t.pts.Next(key), text, meta))
}

// publishText sends a text frame to the participant it belongs to, or to
// the whole room when the frame carries no participant.
func (t *Transport) publishText(f frames.TextFrame) error {
	t.mu.RLock()
	room := t.room
	t.mu.RUnlock()
	if room == nil {
		return errorsx.Newf(errorsx.ReasonTransportSend, "livekit: not connected")
	}
	payload, topic, err := EncodeData(f.Text(), f.Topic(), time.Now())
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	opts := []lksdk.DataPublishOption{lksdk.WithDataPublishReliable(true)}
	if topic != "" {
		opts = append(opts, lksdk.WithDataPublishTopic(topic))
	}
	if p := f.Meta()[frames.MetaParticipant]; p != "" {
		opts = append(opts, lksdk.WithDataPublishDestination([]string{p}))
	}
	if err := room.LocalParticipant.PublishDataPacket(lksdk.UserData(payload), opts...); err != nil {
		return errorsx.Wrap(fmt.Errorf("livekit publish data: %w", err), errorsx.ReasonTransportSend)
	}
	return nil
}
