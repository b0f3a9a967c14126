package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/providers/mock"
	"github.com/harunnryd/voxbridge/pkg/store"
	transportmock "github.com/harunnryd/voxbridge/pkg/transports/mock"
	"github.com/harunnryd/voxbridge/pkg/turn"
)

type sentLog struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func collect(tr *transportmock.Transport) *sentLog {
	l := &sentLog{}
	go func() {
		for f := range tr.Sent() {
			l.mu.Lock()
			l.frames = append(l.frames, f)
			l.mu.Unlock()
		}
	}()
	return l
}

// texts returns the text of frames sent on topic.
func (l *sentLog) texts(topic string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, f := range l.frames {
		if tf, ok := f.(frames.TextFrame); ok && tf.Topic() == topic {
			out = append(out, tf.Text())
		}
	}
	return out
}

func (l *sentLog) has(topic, text string) bool {
	for _, t := range l.texts(topic) {
		if t == text {
			return true
		}
	}
	return false
}

type captureRecorder struct {
	mu    sync.Mutex
	turns []store.Turn
}

func (r *captureRecorder) RecordTurn(_ context.Context, t store.Turn) error {
	r.mu.Lock()
	r.turns = append(r.turns, t)
	r.mu.Unlock()
	return nil
}

func (r *captureRecorder) snapshot() []store.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Turn(nil), r.turns...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func chat(text string) frames.TextFrame {
	return frames.NewTextFrame("my-room/You", 0, text, map[string]string{
		frames.MetaRoom:        "my-room",
		frames.MetaParticipant: "You",
		frames.MetaTopic:       frames.TopicChat,
	})
}

func lastUserText(ctx llm.ChatContext) string {
	msgs := ctx.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role() == llm.RoleUser && !msgs[i].IsImage() {
			return msgs[i].Text()
		}
	}
	return ""
}

func newTestSession(t *testing.T, cfg Config, deps Deps) (*Session, *sentLog) {
	t.Helper()
	tr := transportmock.New()
	sent := collect(tr)
	cfg.Room = "my-room"
	cfg.Participant = "You"
	deps.Out = tr
	s := NewSession(cfg, deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		_ = tr.Stop()
	})
	return s, sent
}

func TestAccumulatedTurnIsSpokenWithCodeSplitOut(t *testing.T) {
	model := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{
		"Here you go.", "\n```python\nprint(1)\n```\n", "Done.",
	}})
	speech := mock.NewTTS(mock.TTSConfig{})
	rec := &captureRecorder{}
	obs := metrics.NewMemoryObserver()
	s, sent := newTestSession(t, Config{SystemPrompt: "sys", Observer: obs}, Deps{LLM: model, TTS: speech, Recorder: rec})

	s.Handle(chat("Hello"))
	s.Handle(chat("Hello world"))
	s.Handle(chat(turn.TokenComplete))
	s.Handle(chat(turn.TokenComplete))

	waitFor(t, "reply speech", func() bool { return len(speech.Texts()) >= 2 })
	if got := model.Inputs(); len(got) != 1 || lastUserText(got[0]) != "Hello world" {
		t.Fatalf("expected one dispatch of %q, got %d inputs", "Hello world", len(got))
	}
	texts := speech.Texts()
	if texts[0] != "Here you go." || texts[1] != "Done." {
		t.Fatalf("unexpected speech %q", texts)
	}
	waitFor(t, "code frames", func() bool { return len(sent.texts(frames.TopicCode)) == 2 })
	code := sent.texts(frames.TopicCode)
	if code[0] != "print(1)\n" || code[1] != turn.TokenClear {
		t.Fatalf("unexpected code frames %q", code)
	}
	waitFor(t, "speaking state", func() bool {
		return sent.has(frames.TopicAgentState, turn.TokenAgentStartedSpeaking) &&
			sent.has(frames.TopicAgentState, turn.TokenAgentStoppedSpeaking)
	})
	waitFor(t, "transcript", func() bool { return len(rec.snapshot()) == 2 })
	turns := rec.snapshot()
	if turns[0].Role != "user" || turns[0].Text != "Hello world" || turns[1].Role != "assistant" {
		t.Fatalf("unexpected transcript %+v", turns)
	}
	if turns[0].Session != "my-room/You" || turns[0].Mode != "accumulating" {
		t.Fatalf("unexpected transcript keys %+v", turns[0])
	}
	if len(obs.Named(metrics.EventLLMFirstToken)) != 1 {
		t.Fatalf("expected first token event")
	}
}

func TestChatFragmentsAreCumulative(t *testing.T) {
	model := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "ok"})
	rec := &captureRecorder{}
	s, _ := newTestSession(t, Config{}, Deps{LLM: model, Recorder: rec})

	for _, fragment := range []string{"Hel", "Hello", "Hello wor", "Hello world"} {
		s.Handle(chat(fragment))
	}
	waitFor(t, "pending", func() bool { return s.Controller().Pending() == "Hello world" })
	s.Handle(chat(turn.TokenComplete))

	waitFor(t, "dispatch", func() bool { return len(model.Inputs()) == 1 })
	if got := lastUserText(model.Inputs()[0]); got != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", got)
	}
	waitFor(t, "transcript", func() bool { return len(rec.snapshot()) == 2 })
	if got := rec.snapshot()[0].Text; got != "Hello world" {
		t.Fatalf("unexpected recorded turn %q", got)
	}

	// the client keeps resending its buffer; only the new tail is dispatched
	s.Handle(chat("Hello world and more"))
	s.Handle(chat(turn.TokenComplete))
	waitFor(t, "second dispatch", func() bool { return len(model.Inputs()) == 2 })
	if got := lastUserText(model.Inputs()[1]); got != " and more" && got != "and more" {
		t.Fatalf("expected only the new suffix, got %q", got)
	}
}

func TestBrokenReplyIsNotRecorded(t *testing.T) {
	model := mock.NewLLMAdapter(mock.LLMConfig{
		StreamChunks: []string{"I was about to"},
		StreamErr:    errors.New("connection reset"),
	})
	rec := &captureRecorder{}
	obs := metrics.NewMemoryObserver()
	s, _ := newTestSession(t, Config{SystemPrompt: "sys", Observer: obs}, Deps{LLM: model, Recorder: rec})

	s.Handle(chat("tell me"))
	s.Handle(chat(turn.TokenComplete))

	waitFor(t, "turn failure", func() bool { return len(obs.Named(metrics.EventTurnFailed)) == 1 })
	msgs := s.Controller().Context().Messages()
	for _, m := range msgs {
		if m.Role() == llm.RoleAssistant {
			t.Fatalf("partial reply must not enter the context, got %q", m.Text())
		}
	}
	turns := rec.snapshot()
	if len(turns) != 1 || turns[0].Role != "user" {
		t.Fatalf("expected only the user turn recorded, got %+v", turns)
	}
}

func TestLiveUtteranceDispatchesOnSpeechFinal(t *testing.T) {
	model := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "Hello there."})
	ear := mock.NewSTT(mock.STTConfig{StreamID: "my-room/You"})
	s, sent := newTestSession(t, Config{}, Deps{LLM: model, STT: ear})

	s.Handle(chat(turn.TokenRequireStartOff))
	ear.Emit("hi", true, true)

	waitFor(t, "live dispatch", func() bool { return len(model.Inputs()) == 1 })
	if got := lastUserText(model.Inputs()[0]); got != "hi" {
		t.Fatalf("expected %q, got %q", "hi", got)
	}
	if s.Controller().Mode() != turn.ModeLive {
		t.Fatalf("expected live mode")
	}
	// without a TTS engine the reply goes out as chat
	waitFor(t, "chat reply", func() bool { return sent.has(frames.TopicChat, "Hello there.") })
}

func TestTranscriptsAccumulateUntilComplete(t *testing.T) {
	model := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "ok"})
	ear := mock.NewSTT(mock.STTConfig{StreamID: "my-room/You"})
	s, _ := newTestSession(t, Config{}, Deps{LLM: model, STT: ear})

	ear.Emit("what is", false, false)
	ear.Emit("what is in", true, false)
	ear.Emit("front of me", true, true)
	waitFor(t, "pending", func() bool { return s.Controller().Pending() == "what is in front of me" })
	if len(model.Inputs()) != 0 {
		t.Fatalf("accumulating mode must not dispatch before complete")
	}

	s.Handle(chat(turn.TokenComplete))
	waitFor(t, "dispatch", func() bool { return len(model.Inputs()) == 1 })

	ear.Emit("and behind", true, true)
	waitFor(t, "second pending", func() bool { return s.Controller().Pending() == " and behind" })
}

func TestClearChatAcknowledged(t *testing.T) {
	model := mock.NewLLMAdapter(mock.LLMConfig{})
	s, sent := newTestSession(t, Config{SystemPrompt: "sys"}, Deps{LLM: model})

	s.Handle(chat("remember this"))
	s.Handle(chat(turn.TokenClearChat))
	waitFor(t, "clear ack", func() bool { return sent.has(frames.TopicChatContext, turn.TokenClearChat) })
	if s.Controller().Pending() != "" {
		t.Fatalf("expected pending cleared")
	}
	if n := s.Controller().Context().Len(); n != 1 {
		t.Fatalf("expected only the system prompt, got %d messages", n)
	}
}

func TestGreetingWithoutTTSIsPublished(t *testing.T) {
	model := mock.NewLLMAdapter(mock.LLMConfig{})
	s, sent := newTestSession(t, Config{Greeting: DefaultGreeting}, Deps{LLM: model})

	waitFor(t, "greeting", func() bool { return sent.has(frames.TopicChat, DefaultGreeting) })
	msgs := s.Controller().Context().Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Role() != llm.RoleAssistant {
		t.Fatalf("expected greeting recorded as assistant message")
	}
}

func TestVideoFrameAttachedToTurn(t *testing.T) {
	model := mock.NewLLMAdapter(mock.LLMConfig{})
	s, _ := newTestSession(t, Config{}, Deps{LLM: model})

	meta := map[string]string{frames.MetaRoom: "my-room", frames.MetaParticipant: "You"}
	s.Handle(frames.NewSystemFrame("my-room/You", 0, frames.SystemVideoSubscribed, meta))
	s.Handle(frames.NewVideoFrame("my-room/You", 1, 2, 2, frames.PixelJPEG, []byte{0xff, 0xd8}, time.Now(), meta))
	waitFor(t, "frame stored", func() bool { return s.Sampler().FrameCount() == 1 })

	s.Handle(chat("what is this"))
	s.Handle(chat(turn.TokenComplete))
	waitFor(t, "dispatch", func() bool { return len(model.Inputs()) == 1 })

	msgs := model.Inputs()[0].Messages()
	if len(msgs) < 2 || !msgs[len(msgs)-2].IsImage() || msgs[len(msgs)-1].Text() != "what is this" {
		t.Fatalf("expected image then text, got %d messages", len(msgs))
	}

	s.Handle(frames.NewSystemFrame("my-room/You", 2, frames.SystemVideoMuted, meta))
	s.Handle(chat("what is this and now"))
	s.Handle(chat(turn.TokenComplete))
	waitFor(t, "second dispatch", func() bool { return len(model.Inputs()) == 2 })
	msgs = model.Inputs()[1].Messages()
	if msgs[len(msgs)-2].IsImage() {
		t.Fatalf("muted video must not attach a frame")
	}
}

func TestInterruptDropsQueuedSpeech(t *testing.T) {
	tr := transportmock.New()
	sent := collect(tr)
	defer tr.Stop()
	speech := mock.NewTTS(mock.TTSConfig{})
	_ = speech.Start(context.Background())
	v := newVoice(speech, tr, map[string]string{frames.MetaRoom: "r", frames.MetaParticipant: "p"}, testLogger(), nil, nil)

	gen := v.BeginReply()
	v.sendAudio(frames.NewAudioFrame("r/p", 0, make([]byte, 48000), 24000, 1, nil))
	if !v.Speaking() {
		t.Fatalf("expected speaking after audio")
	}
	v.Interrupt()
	v.Say(gen, "this sentence is stale.")
	v.EndReply()

	if v.Speaking() {
		t.Fatalf("expected silence after interrupt")
	}
	if speech.Flushes() != 1 || len(speech.Texts()) != 0 {
		t.Fatalf("expected one flush and no speech, got flushes=%d texts=%q", speech.Flushes(), speech.Texts())
	}
	waitFor(t, "stop state", func() bool { return sent.has(frames.TopicAgentState, turn.TokenAgentStoppedSpeaking) })
}
