package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/redact"
	"github.com/harunnryd/voxbridge/pkg/turn"
)

// Output receives everything the agent says. transports.Transport
// satisfies it.
type Output interface {
	Send(f frames.Frame) error
}

// voice owns the outbound side of a session: speech through TTS, data
// messages, and the speaking state announced on the agent_state topic.
type voice struct {
	tts  tts.StreamingTTS
	out  Output
	key  string
	meta map[string]string
	pts  *frames.PTSGen
	log  *slog.Logger
	obs  metrics.Observer
	tags map[string]string

	mu        sync.Mutex
	gen       uint64
	pending   int
	speaking  bool
	playUntil time.Time
}

func newVoice(engine tts.StreamingTTS, out Output, meta map[string]string, log *slog.Logger, obs metrics.Observer, tags map[string]string) *voice {
	return &voice{
		tts:  engine,
		out:  out,
		key:  frames.SessionKey(meta),
		meta: meta,
		pts:  frames.NewPTSGen(),
		log:  log,
		obs:  obs,
		tags: tags,
	}
}

// BeginReply marks a reply in progress and returns the generation its
// speech belongs to.
func (v *voice) BeginReply() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending++
	return v.gen
}

func (v *voice) EndReply() {
	v.mu.Lock()
	if v.pending > 0 {
		v.pending--
	}
	done := v.tts == nil && v.pending == 0
	v.mu.Unlock()
	if done {
		metrics.Record(v.obs, metrics.EventReplyDone, v.tags, nil)
	}
}

// Say voices one sentence. Without a TTS engine the sentence is published
// as chat text instead. Sentences from an interrupted generation are dropped.
func (v *voice) Say(gen uint64, text string) {
	v.mu.Lock()
	stale := gen != v.gen
	v.mu.Unlock()
	if stale {
		v.log.Debug("speech_dropped", slog.String("text", redact.Preview(text, 60)))
		return
	}
	if v.tts == nil {
		v.Publish(frames.TopicChat, text)
		return
	}
	if err := v.tts.SendText(text); err != nil {
		v.log.Warn("tts_send_failed", slog.Any("error", err))
	}
}

// Publish sends a data message to the participant on topic.
func (v *voice) Publish(topic, text string) {
	meta := frames.CloneMeta(v.meta)
	meta[frames.MetaTopic] = topic
	meta[frames.MetaSource] = "agent"
	if err := v.out.Send(frames.NewTextFrame(v.key, v.pts.Next(v.key), text, meta)); err != nil {
		v.log.Warn("publish_failed", slog.String("topic", topic), slog.Any("error", err))
	}
}

func (v *voice) Speaking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speaking
}

// Interrupt drops queued speech and anything the current generation has not
// said yet. In-flight replies keep running but fall silent.
func (v *voice) Interrupt() {
	v.mu.Lock()
	v.gen++
	wasSpeaking := v.speaking
	v.speaking = false
	v.playUntil = time.Time{}
	v.mu.Unlock()

	if v.tts != nil {
		v.tts.Flush()
	}
	if err := v.out.Send(frames.NewControlFrame(v.key, v.pts.Next(v.key), frames.ControlCancel, frames.CloneMeta(v.meta))); err != nil {
		v.log.Warn("cancel_send_failed", slog.Any("error", err))
	}
	if wasSpeaking {
		v.Publish(frames.TopicAgentState, turn.TokenAgentStoppedSpeaking)
	}
	metrics.Record(v.obs, metrics.EventBargeIn, v.tags, nil)
	v.log.Info("speech_interrupted")
}

// pump forwards synthesized audio to the room and flips the speaking state.
// Speech is considered finished once every reply has ended and the audio
// already written has had time to play.
func (v *voice) pump(ctx context.Context) {
	if v.tts == nil {
		return
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	results := v.tts.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-results:
			if !ok {
				return
			}
			if af, ok := f.(frames.AudioFrame); ok {
				v.sendAudio(af)
			}
		case <-ticker.C:
			v.checkIdle(time.Now())
		}
	}
}

func (v *voice) sendAudio(af frames.AudioFrame) {
	now := time.Now()
	v.mu.Lock()
	started := !v.speaking
	v.speaking = true
	if v.playUntil.Before(now) {
		v.playUntil = now
	}
	v.playUntil = v.playUntil.Add(audioDuration(af))
	v.mu.Unlock()

	if started {
		v.Publish(frames.TopicAgentState, turn.TokenAgentStartedSpeaking)
		metrics.Record(v.obs, metrics.EventTTSFirstAudio, v.tags, nil)
	}
	out := frames.NewAudioFrame(v.key, v.pts.Next(v.key), af.RawPayload(), af.Rate(), af.Channels(), frames.CloneMeta(v.meta))
	if err := v.out.Send(out); err != nil {
		v.log.Debug("audio_send_failed", slog.Any("error", err))
	}
}

func (v *voice) checkIdle(now time.Time) {
	v.mu.Lock()
	stop := v.speaking && v.pending == 0 && now.After(v.playUntil)
	if stop {
		v.speaking = false
	}
	v.mu.Unlock()
	if stop {
		v.Publish(frames.TopicAgentState, turn.TokenAgentStoppedSpeaking)
		metrics.Record(v.obs, metrics.EventReplyDone, v.tags, nil)
	}
}

func audioDuration(af frames.AudioFrame) time.Duration {
	rate, ch := af.Rate(), af.Channels()
	if rate <= 0 {
		return 0
	}
	if ch <= 0 {
		ch = 1
	}
	samples := len(af.RawPayload()) / 2 / ch
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
