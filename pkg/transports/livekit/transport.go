package livekit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/transports"
)

type Config struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Room      string `mapstructure:"room"`
	Identity  string `mapstructure:"identity"`
	// OutputSampleRate is the PCM rate of agent speech written to the room.
	OutputSampleRate int `mapstructure:"output_sample_rate"`
	// PLIInterval is how often a keyframe is requested from remote video.
	PLIInterval time.Duration `mapstructure:"pli_interval"`
	// FrameInterval is the minimum spacing between decoded video frames.
	FrameInterval time.Duration `mapstructure:"frame_interval"`
	Logger        *slog.Logger  `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "ws://localhost:7880"
	}
	if c.Room == "" {
		c.Room = "my-room"
	}
	if c.Identity == "" {
		c.Identity = "voxbridge-agent"
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = 24000
	}
	if c.PLIInterval <= 0 {
		c.PLIInterval = 2 * time.Second
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = time.Second
	}
	return c
}

// Transport joins one LiveKit room as an agent participant. Remote audio is
// forwarded as Ogg Opus, remote video as decoded JPEG keyframes, and data
// packets as text frames on their topic.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	recvCh chan frames.Frame
	pts    *frames.PTSGen

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	room   *lksdk.Room
	audio  *lkmedia.PCMLocalTrack
	tracks map[string]context.CancelFunc

	closed atomic.Bool
	recvMu sync.RWMutex // held for read while sending on recvCh
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:    cfg,
		log:    logging.NewComponentLogger(cfg.Logger, "livekit").With(slog.String("room", cfg.Room)),
		recvCh: make(chan frames.Frame, 1024),
		pts:    frames.NewPTSGen(),
		tracks: make(map[string]context.CancelFunc),
	}
}

func (t *Transport) Name() string { return "livekit" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"url":      t.cfg.URL,
		"room":     t.cfg.Room,
		"identity": t.cfg.Identity,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.cfg.APIKey == "" || t.cfg.APISecret == "" {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "livekit: api key and secret are required")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	room, err := lksdk.ConnectToRoom(t.cfg.URL, lksdk.ConnectInfo{
		APIKey:              t.cfg.APIKey,
		APISecret:           t.cfg.APISecret,
		RoomName:            t.cfg.Room,
		ParticipantIdentity: t.cfg.Identity,
		ParticipantName:     t.cfg.Identity,
		ParticipantKind:     lksdk.ParticipantAgent,
	}, t.callbacks(), lksdk.WithAutoSubscribe(true))
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("livekit connect: %w", err), errorsx.ReasonTransportConnect)
	}

	track, err := lkmedia.NewPCMLocalTrack(t.cfg.OutputSampleRate, 1, nil)
	if err != nil {
		room.Disconnect()
		return errorsx.Wrap(fmt.Errorf("livekit audio track: %w", err), errorsx.ReasonTransportConnect)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "agent-voice",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		_ = track.Close()
		room.Disconnect()
		return errorsx.Wrap(fmt.Errorf("livekit publish: %w", err), errorsx.ReasonTransportConnect)
	}

	t.mu.Lock()
	t.room = room
	t.audio = track
	t.mu.Unlock()
	t.log.Info("livekit_connected", slog.String("identity", t.cfg.Identity))

	// participants already in the room never fire OnParticipantConnected
	for _, rp := range room.GetRemoteParticipants() {
		t.emitSystem(frames.SystemParticipantJoined, t.participantMeta(rp.Identity()))
	}

	go func() {
		<-t.ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	room, audio := t.room, t.audio
	t.room, t.audio = nil, nil
	for sid, cancel := range t.tracks {
		cancel()
		delete(t.tracks, sid)
	}
	t.mu.Unlock()
	if audio != nil {
		_ = audio.Close()
	}
	if room != nil {
		room.Disconnect()
	}
	t.wg.Wait()
	t.recvMu.Lock()
	close(t.recvCh)
	t.recvMu.Unlock()
	t.log.Info("livekit_disconnected")
	return nil
}

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	switch v := f.(type) {
	case frames.AudioFrame:
		return t.writeAudio(v)
	case frames.ControlFrame:
		if v.Code() == frames.ControlCancel {
			t.mu.RLock()
			audio := t.audio
			t.mu.RUnlock()
			if audio != nil {
				audio.ClearQueue()
			}
		}
		return nil
	case frames.TextFrame:
		return t.publishText(v)
	default:
		return nil
	}
}

func (t *Transport) writeAudio(f frames.AudioFrame) error {
	t.mu.RLock()
	audio := t.audio
	t.mu.RUnlock()
	if audio == nil {
		return errorsx.Newf(errorsx.ReasonTransportSend, "livekit: audio track not published")
	}
	if f.Rate() != t.cfg.OutputSampleRate {
		t.log.Warn("audio_rate_mismatch", slog.Int("frame_rate", f.Rate()), slog.Int("track_rate", t.cfg.OutputSampleRate))
	}
	if err := audio.WriteSample(f.PCM16()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (t *Transport) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   t.onTrackSubscribed,
			OnTrackUnsubscribed: t.onTrackUnsubscribed,
			OnTrackMuted: func(pub lksdk.TrackPublication, p lksdk.Participant) {
				if pub.Kind() == lksdk.TrackKindVideo {
					t.emitSystem(frames.SystemVideoMuted, t.participantMeta(p.Identity()))
				}
			},
			OnTrackUnmuted: func(pub lksdk.TrackPublication, p lksdk.Participant) {
				if pub.Kind() == lksdk.TrackKindVideo {
					t.emitSystem(frames.SystemVideoUnmuted, t.participantMeta(p.Identity()))
				}
			},
			OnDataPacket: t.onDataPacket,
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			t.log.Info("participant_connected", slog.String("participant", rp.Identity()))
			t.emitSystem(frames.SystemParticipantJoined, t.participantMeta(rp.Identity()))
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			t.log.Info("participant_disconnected", slog.String("participant", rp.Identity()))
			t.emitSystem(frames.SystemParticipantLeft, t.participantMeta(rp.Identity()))
		},
		OnDisconnected: func() {
			t.log.Warn("livekit_room_disconnected")
		},
	}
}

func (t *Transport) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if t.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.mu.Lock()
	if prev, ok := t.tracks[pub.SID()]; ok {
		prev()
	}
	t.tracks[pub.SID()] = cancel
	t.mu.Unlock()

	meta := t.participantMeta(rp.Identity())
	meta[frames.MetaTrackSID] = pub.SID()
	t.log.Info("track_subscribed",
		slog.String("participant", rp.Identity()),
		slog.String("kind", track.Kind().String()),
		slog.String("codec", track.Codec().MimeType))

	t.wg.Add(1)
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		go t.readAudio(ctx, track, meta)
	case webrtc.RTPCodecTypeVideo:
		t.emitSystem(frames.SystemVideoSubscribed, meta)
		go t.readVideo(ctx, track, rp, meta)
	default:
		t.wg.Done()
	}
}

func (t *Transport) onTrackUnsubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	t.mu.Lock()
	if cancel, ok := t.tracks[pub.SID()]; ok {
		cancel()
		delete(t.tracks, pub.SID())
	}
	t.mu.Unlock()
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		meta := t.participantMeta(rp.Identity())
		meta[frames.MetaTrackSID] = pub.SID()
		t.emitSystem(frames.SystemVideoUnsubscribed, meta)
	}
}

func (t *Transport) participantMeta(identity string) map[string]string {
	return map[string]string{
		frames.MetaRoom:        t.cfg.Room,
		frames.MetaParticipant: identity,
		frames.MetaSource:      "livekit",
	}
}

func (t *Transport) emitSystem(name string, meta map[string]string) {
	key := frames.SessionKey(meta)
	t.emit(frames.NewSystemFrame(key, t.pts.Next(key), name, meta))
}

// emit never blocks the SDK callback goroutines; a full queue drops.
func (t *Transport) emit(f frames.Frame) {
	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		t.log.Warn("livekit_recv_full", slog.String("kind", string(f.Kind())))
	}
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
