package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/agent"
	"github.com/harunnryd/voxbridge/pkg/configutil"
	"github.com/harunnryd/voxbridge/pkg/events"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/observers"
	"github.com/harunnryd/voxbridge/pkg/pipeline"
	"github.com/harunnryd/voxbridge/pkg/redact"
	"github.com/harunnryd/voxbridge/pkg/runner"
	"github.com/harunnryd/voxbridge/pkg/store"
	"github.com/harunnryd/voxbridge/pkg/transports"
)

var (
	ErrNoTransport = errors.New("bridge: missing transport")
	ErrDraining    = errors.New("bridge: draining")
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	Logger    *slog.Logger
	// Observer receives every metrics event next to the built-in observers.
	Observer metrics.Observer
	// Banner receives the startup banner; nil prints to stdout unless Quiet.
	Banner io.Writer
	Quiet  bool
	// DrainTimeout bounds how long Stop waits for sessions to close.
	DrainTimeout time.Duration
}

// Engine routes transport frames to one agent session per room participant
// and owns the shared providers, observers and transcript store.
type Engine struct {
	cfg       Config
	base      *slog.Logger
	log       *slog.Logger
	registry  *pipeline.SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	latency   *observers.LatencyObserver
	events    *events.Observer
	store     *store.Store

	llm      llm.LLMAdapter
	vision   llm.LLMAdapter
	newSTT   STTBuilder
	newTTS   TTSBuilder
	recorder agent.Recorder

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine builds providers and observers up front so configuration
// errors surface before any participant joins.
func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	log := logging.NewComponentLogger(base, "bridge")
	redact.SetEnabled(cfg.Privacy.RedactPII)

	log.Info("voxbridge_init",
		slog.String("llm_provider", cfg.Vendors.LLM.Provider),
		slog.String("interpreter", cfg.Interpreter.URL()),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.String("tts_provider", cfg.Vendors.TTS.Provider),
		slog.String("transport", cfg.Transports.Provider),
		slog.String("initial_mode", cfg.Turn.Mode().String()),
	)

	e := &Engine{
		cfg:       cfg,
		base:      base,
		log:       log,
		transport: opts.Transport,
		providers: opts.Providers,
	}
	if e.providers == nil {
		e.providers = DefaultProviders()
	}

	e.latency = observers.NewLatencyObserver(logging.NewComponentLogger(base, "latency"))
	obsList := []metrics.Observer{observers.NewLoggerObserver(logging.NewComponentLogger(base, "metrics")), e.latency}
	if url := strings.TrimSpace(cfg.Events.NATSURL); url != "" {
		ev, err := events.Connect(events.Config{
			URL:           url,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Events:        cfg.Events.Events,
			Logger:        base,
		})
		if err != nil {
			return nil, err
		}
		e.events = ev
		obsList = append(obsList, ev)
	}
	if opts.Observer != nil {
		obsList = append(obsList, opts.Observer)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	if path := strings.TrimSpace(cfg.Store.Path); path != "" {
		st, err := store.Open(store.Config{Path: path, Logger: base})
		if err != nil {
			e.closeShared()
			return nil, err
		}
		e.store = st
		e.recorder = st
	}

	env := Env{Logger: base, Observer: e.asyncObs}
	var err error
	if e.llm, err = e.providers.BuildLLM(cfg, env); err != nil {
		e.closeShared()
		return nil, err
	}
	e.vision = e.providers.BuildVision(cfg, env, e.llm)
	if e.newSTT, err = e.providers.BuildSTT(cfg, env); err != nil {
		e.closeShared()
		return nil, err
	}
	if e.newTTS, err = e.providers.BuildTTS(cfg, env); err != nil {
		e.closeShared()
		return nil, err
	}

	e.registry = pipeline.NewSessionRegistry(e.newSession)

	hooks := runner.Hooks{
		OnStart: func() {
			attrs := []any{slog.String("message", "voxbridge ready")}
			if rr, ok := e.transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					attrs = append(attrs, slog.Any(k, v))
				}
			}
			log.Info("engine_ready", attrs...)
		},
		OnStop: func() {
			e.closeShared()
			log.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int64("active_sessions", e.registry.Count()),
				slog.Int64("metrics_dropped", e.asyncObs.Dropped()))
		},
	}
	drainer := runner.DrainerFunc(func() error {
		if e.transport != nil {
			_ = e.transport.Stop()
		}
		e.registry.SetDraining(true)
		e.registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if !e.registry.WaitForEmpty(ctx, 200*time.Millisecond) {
			return runner.ErrDrainTimeout
		}
		return nil
	})
	timeout := opts.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	e.runner = runner.NewLifecycleRunner(drainer, hooks, timeout)
	if opts.Quiet {
		e.runner.SetBanner(nil)
	} else if opts.Banner != nil {
		e.runner.SetBanner(opts.Banner)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) newSession(ctx context.Context, key, room, participant string) (pipeline.Runnable, error) {
	var (
		speechIn  stt.StreamingSTT
		speechOut tts.StreamingTTS
	)
	if e.newSTT != nil {
		speechIn = e.newSTT(key)
	}
	if e.newTTS != nil {
		speechOut = e.newTTS(key)
	}
	greeting := ""
	if !e.cfg.DisableGreeting {
		greeting = configutil.StringValue(e.cfg.Greeting, agent.DefaultGreeting)
	}
	deps := agent.Deps{
		LLM:    e.llm,
		Vision: e.vision,
		STT:    speechIn,
		TTS:    speechOut,
		Out:    e.output(),
	}
	if e.recorder != nil {
		deps.Recorder = e.recorder
	}
	return agent.NewSession(agent.Config{
		Room:               room,
		Participant:        participant,
		SystemPrompt:       e.cfg.SystemPrompt,
		InitialMode:        e.cfg.Turn.Mode(),
		Greeting:           greeting,
		VideoInterval:      e.cfg.Vision.Interval,
		Instructions:       e.cfg.Vision.Instructions,
		ViolationThreshold: e.cfg.Vision.Threshold,
		AllowInterruptions: e.cfg.Turn.AllowInterruptions,
		Logger:             e.base,
		Observer:           e.asyncObs,
	}, deps), nil
}

func (e *Engine) output() agent.Output {
	if e.transport == nil {
		return discard{}
	}
	return e.transport
}

type discard struct{}

func (discard) Send(frames.Frame) error { return nil }

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport == nil {
		return ErrNoTransport
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go e.routeTransport(ctx)
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.log.Warn("runner_stopped", slog.Any("error", err))
		}
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// routeTransport hands each inbound frame to its participant's session,
// creating the session on first contact and removing it when the
// participant leaves.
func (e *Engine) routeTransport(ctx context.Context) {
	recv := e.transport.Recv()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case f, ok := <-recv:
			if !ok {
				return
			}
			e.route(ctx, f)
		}
	}
}

func (e *Engine) route(ctx context.Context, f frames.Frame) {
	meta := f.Meta()
	key := frames.SessionKey(meta)
	if key == "" {
		return
	}
	if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == frames.SystemParticipantLeft {
		if _, live := e.registry.Get(key); live {
			e.log.Info("session_removed", slog.String("session", key))
		}
		e.registry.Remove(key)
		return
	}
	if e.registry.Draining() {
		return
	}
	sess, created, err := e.registry.GetOrCreate(ctx, key, meta[frames.MetaRoom], meta[frames.MetaParticipant])
	if err != nil {
		e.log.Error("session_start_failed", slog.String("session", key), slog.Any("error", err))
		return
	}
	if sess == nil {
		return
	}
	if created {
		e.log.Info("session_created", slog.String("session", key), slog.Int64("active_sessions", e.registry.Count()))
	}
	if h, ok := sess.Handle.(*agent.Session); ok {
		h.Handle(f)
	}
}

func (e *Engine) closeShared() {
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.events != nil {
		if err := e.events.Close(); err != nil {
			e.log.Warn("events_close_failed", slog.Any("error", err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn("store_close_failed", slog.Any("error", err))
		}
	}
}

// Session returns the live session for a "room/participant" key.
func (e *Engine) Session(key string) (*agent.Session, bool) {
	sess, ok := e.registry.Get(key)
	if !ok {
		return nil, false
	}
	h, ok := sess.Handle.(*agent.Session)
	return h, ok
}

func (e *Engine) Registry() *pipeline.SessionRegistry { return e.registry }

// Store is nil unless store.path is configured.
func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) State() runner.State { return e.runner.State() }

func (e *Engine) Health() error {
	if e.transport == nil {
		return ErrNoTransport
	}
	if st := e.runner.State(); st >= runner.StateDraining {
		return fmt.Errorf("%w: runner %s", ErrDraining, st)
	}
	if e.registry.Draining() {
		return ErrDraining
	}
	return nil
}
