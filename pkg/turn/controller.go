package turn

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/redact"
)

// FrameSource is the video side the controller consults before every call.
type FrameSource interface {
	GetLatestFrame() (frames.VideoFrame, bool)
	GetSpecialFrame() (frames.VideoFrame, bool)
	SetContextEnabled(enabled bool)
}

// Request is one assembled model call.
type Request struct {
	Session  string
	Seq      uint64
	Mode     Mode
	Text     string
	HasImage bool
	Context  llm.ChatContext
}

// Dispatcher sends a request to the model and speaks the reply. It returns
// the reply text so it can be recorded in the conversation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (string, error)
}

// Spawner runs dispatches off the event path. tasks.Group satisfies it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context)) bool
}

// Hooks are optional callbacks fired after state changes, outside the lock.
type Hooks struct {
	OnClearChat    func()
	OnVideoContext func(enabled bool)
	OnDispatch     func(req Request)
	OnReply        func(req Request, reply string)
}

type Config struct {
	SessionID    string
	SystemPrompt string
	InitialMode  Mode
	Logger       *slog.Logger
	Observer     metrics.Observer
}

// Controller is the per-session turn state machine. Every event is handled
// under one lock, so a frame fetch and the pending-turn read/clear that
// belong to the same event are never interleaved with another event.
type Controller struct {
	mu sync.Mutex

	session    string
	mode       Mode
	acc        Accumulator
	chat       llm.ChatContext
	video      FrameSource
	videoMuted bool
	videoCtx   bool
	seq        uint64

	dispatcher Dispatcher
	spawner    Spawner
	hooks      Hooks
	listeners  []ModeListener
	log        *slog.Logger
	obs        metrics.Observer
}

func NewController(cfg Config, dispatcher Dispatcher, spawner Spawner) *Controller {
	return &Controller{
		session:    cfg.SessionID,
		mode:       cfg.InitialMode,
		chat:       llm.NewChatContext(cfg.SystemPrompt),
		dispatcher: dispatcher,
		spawner:    spawner,
		log:        logging.NewComponentLogger(cfg.Logger, "turn").With(slog.String("session", cfg.SessionID)),
		obs:        cfg.Observer,
	}
}

// SetHooks must be called before events flow.
func (c *Controller) SetHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

func (c *Controller) AddListener(l ModeListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// HandleText parses a data message and handles it.
func (c *Controller) HandleText(text, topic string) {
	c.HandleEvent(ParseEvent(text, topic))
}

// HandleEvent applies one event. It never fails; dispatch errors are logged.
func (c *Controller) HandleEvent(ev Event) {
	var (
		req        *Request
		change     *ModeChange
		listeners  []ModeListener
		cleared    bool
		videoEvent *bool
	)

	c.mu.Lock()
	hooks := c.hooks
	switch ev.Kind {
	case EventRequireStartOn:
		change = c.setModeLocked(ModeAccumulating, TokenRequireStartOn)
	case EventRequireStartOff:
		change = c.setModeLocked(ModeLive, TokenRequireStartOff)
	case EventComplete:
		if c.mode != ModeAccumulating {
			c.log.Debug("complete_ignored", slog.String("mode", c.mode.String()))
			break
		}
		if c.acc.Pending() == "" {
			c.log.Debug("complete_without_pending")
			break
		}
		req = c.invokeLocked(c.acc.Pending(), true)
	case EventText:
		if c.mode == ModeLive {
			req = c.invokeLocked(ev.Text, false)
			break
		}
		pending := c.acc.Update(ev.Text)
		c.log.Debug("turn_buffered", slog.String("pending", redact.Preview(pending, 80)))
		metrics.Record(c.obs, metrics.EventTurnBuffered, c.tags(), map[string]any{"pending_len": len(pending)})
	case EventClearChat:
		c.chat.Reset()
		c.acc.Reset()
		cleared = true
	case EventVideoContextOn, EventVideoContextOff:
		on := ev.Kind == EventVideoContextOn
		c.videoCtx = on
		if c.video != nil {
			c.video.SetContextEnabled(on)
		}
		videoEvent = &on
	}
	if change != nil {
		listeners = append(listeners, c.listeners...)
	}
	c.mu.Unlock()

	if change != nil {
		c.log.Info("mode_changed", slog.String("from", change.From.String()), slog.String("to", change.To.String()))
		metrics.Record(c.obs, metrics.EventModeChanged, c.tags(), map[string]any{"mode": change.To.String()})
		for _, l := range listeners {
			l.OnModeChange(*change)
		}
	}
	if cleared {
		c.log.Info("chat_cleared")
		metrics.Record(c.obs, metrics.EventChatCleared, c.tags(), nil)
		if hooks.OnClearChat != nil {
			hooks.OnClearChat()
		}
	}
	if videoEvent != nil {
		c.log.Info("video_context", slog.Bool("enabled", *videoEvent))
		metrics.Record(c.obs, metrics.EventVideoContext, c.tags(), map[string]any{"enabled": *videoEvent})
		if hooks.OnVideoContext != nil {
			hooks.OnVideoContext(*videoEvent)
		}
	}
	if req != nil {
		c.launch(*req, hooks)
	}
}

// Inject appends a user message and dispatches it regardless of mode,
// leaving the pending turn untouched.
func (c *Controller) Inject(text string) {
	c.mu.Lock()
	hooks := c.hooks
	req := c.invokeLocked(text, false)
	c.mu.Unlock()
	c.launch(*req, hooks)
}

// AppendAssistant records text the agent said outside a dispatch.
func (c *Controller) AppendAssistant(text string) {
	c.mu.Lock()
	_ = c.chat.Append(llm.TextMessage(llm.RoleAssistant, text))
	c.mu.Unlock()
}

// AttachVideo wires a frame source; nil detaches it.
func (c *Controller) AttachVideo(src FrameSource) {
	c.mu.Lock()
	c.video = src
	if src != nil {
		src.SetContextEnabled(c.videoCtx)
	}
	c.mu.Unlock()
}

func (c *Controller) SetVideoMuted(muted bool) {
	c.mu.Lock()
	c.videoMuted = muted
	c.mu.Unlock()
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.Pending()
}

func (c *Controller) Submitted() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.Submitted()
}

func (c *Controller) VideoContextEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoCtx
}

// Context returns a copy of the conversation.
func (c *Controller) Context() llm.ChatContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat.Copy()
}

func (c *Controller) setModeLocked(m Mode, reason string) *ModeChange {
	if c.mode == m {
		return nil
	}
	change := &ModeChange{From: c.mode, To: m, Timestamp: time.Now(), Reason: reason}
	c.mode = m
	return change
}

// invokeLocked runs the video-aware hook: optional frame, then the text,
// then pending bookkeeping. The returned request carries a context snapshot.
func (c *Controller) invokeLocked(text string, accumulating bool) *Request {
	hasImage := false
	if c.video != nil && !c.videoMuted {
		var (
			frame frames.VideoFrame
			ok    bool
		)
		if c.videoCtx {
			frame, ok = c.video.GetSpecialFrame()
		} else {
			frame, ok = c.video.GetLatestFrame()
		}
		if ok {
			_ = c.chat.Append(llm.ImageMessage(llm.RoleUser, frame))
			hasImage = true
		}
	}
	_ = c.chat.Append(llm.TextMessage(llm.RoleUser, text))
	if accumulating {
		c.acc.Commit()
	}
	c.seq++
	return &Request{
		Session:  c.session,
		Seq:      c.seq,
		Mode:     c.mode,
		Text:     text,
		HasImage: hasImage,
		Context:  c.chat.Copy(),
	}
}

func (c *Controller) launch(req Request, hooks Hooks) {
	c.log.Info("turn_dispatched",
		slog.Uint64("seq", req.Seq),
		slog.String("mode", req.Mode.String()),
		slog.Bool("image", req.HasImage),
		slog.String("text", redact.Preview(req.Text, 120)),
	)
	metrics.Record(c.obs, metrics.EventTurnDispatched, c.tags(), map[string]any{
		"seq":   req.Seq,
		"image": req.HasImage,
		"mode":  req.Mode.String(),
	})
	if hooks.OnDispatch != nil {
		hooks.OnDispatch(req)
	}
	if c.dispatcher == nil {
		return
	}
	run := func(ctx context.Context) {
		reply, err := c.dispatcher.Dispatch(ctx, req)
		if err != nil {
			c.log.Error("turn_failed", slog.Uint64("seq", req.Seq), slog.Any("error", err))
			metrics.Record(c.obs, metrics.EventTurnFailed, c.tags(), map[string]any{"seq": req.Seq, "error": err.Error()})
			return
		}
		if reply == "" {
			return
		}
		c.AppendAssistant(reply)
		if hooks.OnReply != nil {
			hooks.OnReply(req, reply)
		}
	}
	if c.spawner == nil {
		run(context.Background())
		return
	}
	if !c.spawner.Go("dispatch_"+strconv.FormatUint(req.Seq, 10), run) {
		c.log.Warn("turn_dropped_after_close", slog.Uint64("seq", req.Seq))
	}
}

func (c *Controller) tags() map[string]string {
	return map[string]string{"session": c.session, "component": "turn"}
}
