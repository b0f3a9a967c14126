package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/aggregators"
	"github.com/harunnryd/voxbridge/pkg/anticipation"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/pipeline"
	"github.com/harunnryd/voxbridge/pkg/processors"
	"github.com/harunnryd/voxbridge/pkg/redact"
	"github.com/harunnryd/voxbridge/pkg/store"
	"github.com/harunnryd/voxbridge/pkg/tasks"
	"github.com/harunnryd/voxbridge/pkg/turn"
	"github.com/harunnryd/voxbridge/pkg/video"
)

const DefaultGreeting = "Hi! You can hold the white circle below to speak to me.\n\nTry asking what I can do."

// Recorder persists dispatched turns and replies. *store.Store satisfies it.
type Recorder interface {
	RecordTurn(ctx context.Context, t store.Turn) error
}

type Config struct {
	Room        string
	Participant string

	SystemPrompt string
	InitialMode  turn.Mode
	// Greeting is spoken when the session starts; empty disables it.
	Greeting string

	VideoInterval      time.Duration
	Instructions       string
	ViolationThreshold float64
	// AllowInterruptions lets speech from the user cut the agent off in
	// live mode.
	AllowInterruptions bool

	Aggregator aggregators.AggregatorConfig
	Normalizer processors.TextNormalizerConfig
	InboxSize  int

	Logger   *slog.Logger
	Observer metrics.Observer
}

// Deps are the collaborators of one session. LLM and Out are required.
// Vision enables instruction checks on sampled video.
type Deps struct {
	LLM      llm.LLMAdapter
	Vision   llm.LLMAdapter
	STT      stt.StreamingSTT
	TTS      tts.StreamingTTS
	Out      Output
	Recorder Recorder
}

type inbound struct {
	frame   frames.Frame
	fromSTT bool
}

// Session is the agent serving one participant in one room. Inbound frames
// are handled in order on a single loop; replies run as tracked tasks.
type Session struct {
	cfg   Config
	deps  Deps
	key   string
	trace string
	log   *slog.Logger
	obs   metrics.Observer
	tags  map[string]string

	controller *turn.Controller
	sampler    *video.Sampler
	voice      *voice
	dispatcher *Dispatcher
	group      *tasks.Group
	inbox      chan inbound

	// owned by the loop goroutine
	transcript string
	utterance  string
	videoCh    chan frames.VideoFrame

	closeOnce sync.Once
}

func NewSession(cfg Config, deps Deps) *Session {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 512
	}
	meta := map[string]string{
		frames.MetaRoom:        cfg.Room,
		frames.MetaParticipant: cfg.Participant,
	}
	key := frames.SessionKey(meta)
	trace := uuid.NewString()
	log := logging.NewComponentLogger(cfg.Logger, "agent").With(
		slog.String("session", key),
		slog.String("trace_id", trace),
	)
	tags := map[string]string{
		"session":          key,
		"room":             cfg.Room,
		frames.MetaTraceID: trace,
		"component":        "agent",
	}
	meta[frames.MetaTraceID] = trace

	s := &Session{
		cfg:   cfg,
		deps:  deps,
		key:   key,
		trace: trace,
		log:   log,
		obs:   cfg.Observer,
		tags:  tags,
		inbox: make(chan inbound, cfg.InboxSize),
	}
	s.voice = newVoice(deps.TTS, deps.Out, meta, log, cfg.Observer, tags)
	s.dispatcher = newDispatcher(deps.LLM, s.voice, cfg, log, tags)
	return s
}

func (s *Session) Key() string { return s.key }

func (s *Session) Controller() *turn.Controller { return s.controller }

func (s *Session) Sampler() *video.Sampler { return s.sampler }

func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.group = tasks.NewGroup(ctx, s.log)
	s.controller = turn.NewController(turn.Config{
		SessionID:    s.key,
		SystemPrompt: s.cfg.SystemPrompt,
		InitialMode:  s.cfg.InitialMode,
		Logger:       s.cfg.Logger,
		Observer:     s.obs,
	}, s.dispatcher, s.group)
	s.controller.SetHooks(turn.Hooks{
		OnClearChat: s.onClearChat,
		OnDispatch:  s.onDispatch,
		OnReply:     s.onReply,
	})
	s.controller.AddListener(s)

	var checker video.InstructionChecker
	if s.deps.Vision != nil {
		checker = anticipation.NewChecker(anticipation.Config{
			SessionID:    s.key,
			Instructions: s.cfg.Instructions,
			Threshold:    s.cfg.ViolationThreshold,
			Logger:       s.cfg.Logger,
			Observer:     s.obs,
		}, s.deps.Vision, s.controller)
	}
	s.sampler = video.NewSampler(video.Config{
		SessionID: s.key,
		Interval:  s.cfg.VideoInterval,
		Logger:    s.cfg.Logger,
		Observer:  s.obs,
	}, checker, s.group)

	gctx := s.group.Context()
	if s.deps.STT != nil {
		if err := s.deps.STT.Start(gctx); err != nil {
			return err
		}
		s.group.Go("stt_results", s.forwardTranscripts)
	}
	if s.deps.TTS != nil {
		if err := s.deps.TTS.Start(gctx); err != nil {
			return err
		}
		s.group.Go("tts_audio", s.voice.pump)
	}
	s.group.Go("inbox", s.loop)

	s.log.Info("session_started", slog.String("mode", s.cfg.InitialMode.String()))
	metrics.Record(s.obs, metrics.EventSessionStarted, s.tags, nil)

	if s.cfg.Greeting != "" {
		gen := s.voice.BeginReply()
		s.voice.Say(gen, s.cfg.Greeting)
		s.voice.EndReply()
		s.controller.AppendAssistant(s.cfg.Greeting)
	}
	return nil
}

// Handle queues an inbound room frame. It never blocks; a full inbox drops.
func (s *Session) Handle(f frames.Frame) bool {
	return s.enqueue(inbound{frame: f})
}

func (s *Session) enqueue(in inbound) bool {
	select {
	case s.inbox <- in:
		return true
	default:
		s.log.Warn("session_inbox_full", slog.String("kind", string(in.frame.Kind())))
		return false
	}
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.group != nil {
			s.group.Close()
		}
		if s.deps.STT != nil {
			_ = s.deps.STT.Close()
		}
		if s.deps.TTS != nil {
			_ = s.deps.TTS.Close()
		}
		s.log.Info("session_ended")
		metrics.Record(s.obs, metrics.EventSessionEnded, s.tags, nil)
	})
	return nil
}

func (s *Session) forwardTranscripts(ctx context.Context) {
	results := s.deps.STT.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-results:
			if !ok {
				return
			}
			s.enqueue(inbound{frame: f, fromSTT: true})
		}
	}
}

func (s *Session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.inbox:
			if in.fromSTT {
				s.handleSTT(in.frame)
				continue
			}
			s.handleRoom(in.frame)
		}
	}
}

func (s *Session) handleRoom(f frames.Frame) {
	switch v := f.(type) {
	case frames.AudioFrame:
		if s.deps.STT == nil {
			return
		}
		if err := s.deps.STT.SendAudio(v); err != nil {
			s.log.Debug("stt_send_failed", slog.Any("error", err))
		}
	case frames.TextFrame:
		s.handleData(v.Text(), v.Topic())
	case frames.VideoFrame:
		if s.videoCh == nil {
			s.attachVideo()
		}
		select {
		case s.videoCh <- v:
		default:
			s.log.Debug("video_frame_dropped")
		}
	case frames.SystemFrame:
		switch v.Name() {
		case frames.SystemVideoSubscribed:
			s.attachVideo()
		case frames.SystemVideoUnsubscribed:
			s.detachVideo()
		case frames.SystemVideoMuted:
			s.controller.SetVideoMuted(true)
		case frames.SystemVideoUnmuted:
			s.controller.SetVideoMuted(false)
		}
	}
}

// handleData applies a data message. Room clients resend the whole
// accumulated message on every chat fragment, so text goes to the
// controller unchanged and is diffed against what was already submitted.
func (s *Session) handleData(text, topic string) {
	ev := turn.ParseEvent(text, topic)
	if ev.Kind == turn.EventIgnore {
		return
	}
	s.controller.HandleEvent(ev)
}

func (s *Session) handleSTT(f frames.Frame) {
	switch v := f.(type) {
	case frames.TextFrame:
		meta := v.Meta()
		text := strings.TrimSpace(v.Text())
		if meta[frames.MetaIsFinal] != "true" || text == "" {
			return
		}
		s.log.Debug("transcript_final", slog.String("text", redact.Preview(text, 80)))
		if s.controller.Mode() == turn.ModeLive {
			s.utterance = joinText(s.utterance, text)
			return
		}
		// final segments are deltas; the controller expects the running text
		s.transcript = joinText(s.transcript, text)
		s.controller.HandleEvent(turn.TextEvent(s.transcript))
	case frames.ControlFrame:
		if v.Code() != frames.ControlFlush {
			return
		}
		if v.Meta()[frames.MetaReason] == "speech_started" {
			if s.cfg.AllowInterruptions && s.controller.Mode() == turn.ModeLive && s.voice.Speaking() {
				s.voice.Interrupt()
			}
			return
		}
		if s.controller.Mode() != turn.ModeLive || s.utterance == "" {
			return
		}
		u := s.utterance
		s.utterance = ""
		s.controller.HandleEvent(turn.TextEvent(u))
	}
}

func (s *Session) attachVideo() {
	if s.videoCh != nil {
		return
	}
	ch := make(chan frames.VideoFrame, 4)
	if !s.group.Go("video_sampler", func(ctx context.Context) { s.sampler.Run(ctx, ch) }) {
		return
	}
	s.videoCh = ch
	s.controller.AttachVideo(s.sampler)
	s.log.Info("video_attached")
}

func (s *Session) detachVideo() {
	if s.videoCh == nil {
		return
	}
	close(s.videoCh)
	s.videoCh = nil
	s.controller.AttachVideo(nil)
	s.log.Info("video_detached")
}

// OnModeChange drops a half-heard live utterance when push-to-talk resumes.
func (s *Session) OnModeChange(ev turn.ModeChange) {
	if ev.To == turn.ModeAccumulating {
		s.utterance = ""
	}
}

func (s *Session) onClearChat() {
	s.transcript = ""
	s.utterance = ""
	s.voice.Publish(frames.TopicChatContext, turn.TokenClearChat)
}

func (s *Session) onDispatch(req turn.Request) {
	s.record(store.Turn{
		Seq:      req.Seq,
		Role:     string(llm.RoleUser),
		Text:     req.Text,
		HadImage: req.HasImage,
		Mode:     req.Mode.String(),
	})
}

func (s *Session) onReply(req turn.Request, reply string) {
	s.record(store.Turn{
		Seq:  req.Seq,
		Role: string(llm.RoleAssistant),
		Text: reply,
		Mode: req.Mode.String(),
	})
}

func (s *Session) record(t store.Turn) {
	if s.deps.Recorder == nil {
		return
	}
	t.Session = s.key
	t.Room = s.cfg.Room
	t.Participant = s.cfg.Participant
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Recorder.RecordTurn(ctx, t); err != nil {
		s.log.Warn("transcript_write_failed", slog.Any("error", err))
	}
}

func joinText(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}

var (
	_ pipeline.Runnable = (*Session)(nil)
	_ turn.ModeListener = (*Session)(nil)
)
