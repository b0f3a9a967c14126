package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/tasks"
)

type captureDispatcher struct {
	mu    sync.Mutex
	reqs  []Request
	reply string
	err   error
}

func (d *captureDispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	d.mu.Unlock()
	return d.reply, d.err
}

func (d *captureDispatcher) requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.reqs))
	copy(out, d.reqs)
	return out
}

type stubFrames struct {
	mu      sync.Mutex
	latest  frames.VideoFrame
	special frames.VideoFrame
	has     bool
	ctxOn   bool
}

func (s *stubFrames) GetLatestFrame() (frames.VideoFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has
}

func (s *stubFrames) GetSpecialFrame() (frames.VideoFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.special, s.has
}

func (s *stubFrames) SetContextEnabled(v bool) {
	s.mu.Lock()
	s.ctxOn = v
	s.mu.Unlock()
}

type modeRecorder struct {
	mu      sync.Mutex
	changes []ModeChange
}

func (r *modeRecorder) OnModeChange(ev ModeChange) {
	r.mu.Lock()
	r.changes = append(r.changes, ev)
	r.mu.Unlock()
}

func newTestController(d Dispatcher) *Controller {
	return NewController(Config{SessionID: "room/You", SystemPrompt: "sys"}, d, nil)
}

func userTexts(c llm.ChatContext) []string {
	var out []string
	for _, m := range c.Messages() {
		if m.Role() == llm.RoleUser && !m.IsImage() {
			out = append(out, m.Text())
		}
	}
	return out
}

func TestFragmentsThenCompleteDispatchesLatestBuffer(t *testing.T) {
	d := &captureDispatcher{}
	c := newTestController(d)
	for _, f := range []string{"Hel", "Hello", "Hello wor", "Hello world"} {
		c.HandleText(f, frames.TopicChat)
	}
	if len(d.requests()) != 0 {
		t.Fatalf("fragments must not dispatch in accumulating mode")
	}
	c.HandleText(TokenComplete, frames.TopicChat)

	reqs := d.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(reqs))
	}
	if reqs[0].Text != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", reqs[0].Text)
	}
	if got := userTexts(reqs[0].Context); len(got) != 1 || got[0] != "Hello world" {
		t.Fatalf("unexpected user messages %v", got)
	}
	if c.Pending() != "" || c.Submitted() != "Hello world" {
		t.Fatalf("unexpected bookkeeping pending=%q submitted=%q", c.Pending(), c.Submitted())
	}
}

func TestSecondTurnSendsOnlyNewSuffix(t *testing.T) {
	d := &captureDispatcher{}
	c := newTestController(d)
	c.HandleText("Hello world", frames.TopicChat)
	c.HandleText(TokenComplete, frames.TopicChat)
	c.HandleText("Hello world. How", frames.TopicChat)
	c.HandleText("Hello world. How are you", frames.TopicChat)
	c.HandleText(TokenComplete, frames.TopicChat)

	reqs := d.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected two dispatches, got %d", len(reqs))
	}
	if reqs[1].Text != ". How are you" {
		t.Fatalf("expected suffix only, got %q", reqs[1].Text)
	}
	if got := userTexts(reqs[1].Context); len(got) != 2 || got[0] != "Hello world" || got[1] != ". How are you" {
		t.Fatalf("submitted text must not be duplicated, got %v", got)
	}
	if c.Submitted() != "Hello world. How are you" {
		t.Fatalf("unexpected submitted %q", c.Submitted())
	}
}

func TestDuplicateCompleteDispatchesOnce(t *testing.T) {
	d := &captureDispatcher{}
	c := newTestController(d)
	c.HandleText("turn on the lights", frames.TopicChat)
	c.HandleText(TokenComplete, frames.TopicChat)
	c.HandleText(TokenComplete, frames.TopicChat)
	if n := len(d.requests()); n != 1 {
		t.Fatalf("expected one dispatch, got %d", n)
	}
}

func TestConcurrentCompletesDispatchOnce(t *testing.T) {
	d := &captureDispatcher{}
	group := tasks.NewGroup(context.Background(), nil)
	c := NewController(Config{SessionID: "room/You"}, d, group)
	c.HandleText("what time is it", frames.TopicChat)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.HandleText(TokenComplete, frames.TopicChat)
		}()
	}
	wg.Wait()
	group.Close()
	if n := len(d.requests()); n != 1 {
		t.Fatalf("expected one dispatch, got %d", n)
	}
}

func TestRequireStartOnIsIdempotent(t *testing.T) {
	d := &captureDispatcher{}
	c := newTestController(d)
	rec := &modeRecorder{}
	c.AddListener(rec)
	c.HandleText(TokenRequireStartOn, frames.TopicChat)
	c.HandleText(TokenRequireStartOn, frames.TopicChat)
	if c.Mode() != ModeAccumulating {
		t.Fatalf("expected accumulating, got %s", c.Mode())
	}
	if len(d.requests()) != 0 || len(rec.changes) != 0 {
		t.Fatalf("expected no dispatch and no mode change")
	}
	c.HandleText(TokenRequireStartOff, frames.TopicChat)
	c.HandleText(TokenRequireStartOn, frames.TopicChat)
	if len(rec.changes) != 2 || rec.changes[0].To != ModeLive || rec.changes[1].To != ModeAccumulating {
		t.Fatalf("unexpected changes %+v", rec.changes)
	}
}

func TestLiveModeDispatchesImmediately(t *testing.T) {
	d := &captureDispatcher{}
	c := NewController(Config{SessionID: "room/You", InitialMode: ModeLive}, d, nil)
	c.HandleText("hi", frames.TopicChat)

	reqs := d.requests()
	if len(reqs) != 1 || reqs[0].Text != "hi" || reqs[0].Mode != ModeLive {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	if c.Pending() != "" || c.Submitted() != "" {
		t.Fatalf("live mode must bypass the accumulator")
	}
	if got := userTexts(c.Context()); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("expected message appended to context, got %v", got)
	}
	c.HandleText(TokenComplete, frames.TopicChat)
	if len(d.requests()) != 1 {
		t.Fatalf("complete must be a no-op in live mode")
	}
}

func TestLiveModeDoesNotDiff(t *testing.T) {
	d := &captureDispatcher{}
	c := NewController(Config{InitialMode: ModeLive}, d, nil)
	c.HandleText("hi", frames.TopicChat)
	c.HandleText("hi there", frames.TopicChat)
	reqs := d.requests()
	if len(reqs) != 2 || reqs[1].Text != "hi there" {
		t.Fatalf("expected raw fragments, got %+v", reqs)
	}
}

func TestVideoFrameAttachedBeforeText(t *testing.T) {
	d := &captureDispatcher{}
	c := newTestController(d)
	latest := frames.NewVideoFrame("s", 1, 2, 2, frames.PixelJPEG, []byte{1}, time.Unix(10, 0), nil)
	special := frames.NewVideoFrame("s", 2, 2, 2, frames.PixelJPEG, []byte{2}, time.Unix(5, 0), nil)
	src := &stubFrames{latest: latest, special: special, has: true}
	c.AttachVideo(src)

	c.HandleText("what is this", frames.TopicChat)
	c.HandleText(TokenComplete, frames.TopicChat)

	msgs := d.requests()[0].Context.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected system, image and text, got %d", len(msgs))
	}
	img, ok := msgs[1].Image()
	if !ok || !img.Timestamp().Equal(latest.Timestamp()) {
		t.Fatalf("expected latest frame before text")
	}
	if msgs[2].Text() != "what is this" {
		t.Fatalf("expected text after image, got %q", msgs[2].Text())
	}

	c.HandleText(TokenVideoContextOn, frames.TopicVideoContext)
	if !src.ctxOn {
		t.Fatalf("video context must enable the sampler")
	}
	c.HandleText("what is this now", frames.TopicChat)
	c.HandleText(TokenComplete, frames.TopicChat)
	msgs = d.requests()[1].Context.Messages()
	img, _ = msgs[len(msgs)-2].Image()
	if !img.Timestamp().Equal(special.Timestamp()) {
		t.Fatalf("expected special frame with extended video context")
	}
}

func TestMutedOrMissingVideoAddsNoImage(t *testing.T) {
	d := &captureDispatcher{}
	c := NewController(Config{InitialMode: ModeLive}, d, nil)
	src := &stubFrames{}
	c.AttachVideo(src)
	c.HandleText("no frame yet", frames.TopicChat)

	src.has = true
	c.SetVideoMuted(true)
	c.HandleText("muted", frames.TopicChat)

	for _, r := range d.requests() {
		if r.HasImage {
			t.Fatalf("unexpected image in %q", r.Text)
		}
	}
	c.SetVideoMuted(false)
	c.HandleText("visible", frames.TopicChat)
	if reqs := d.requests(); !reqs[2].HasImage {
		t.Fatalf("expected image once unmuted")
	}
}

func TestDispatchErrorAbandonsTurn(t *testing.T) {
	d := &captureDispatcher{err: errors.New("backend down")}
	c := newTestController(d)
	c.HandleText("hello", frames.TopicChat)
	c.HandleText(TokenComplete, frames.TopicChat)
	if c.Pending() != "" {
		t.Fatalf("pending turn must not be restored after a failed dispatch")
	}
	for _, m := range c.Context().Messages() {
		if m.Role() == llm.RoleAssistant {
			t.Fatalf("failed dispatch must not record a reply")
		}
	}
}

func TestReplyRecordedAndClearChat(t *testing.T) {
	d := &captureDispatcher{reply: "Hi there"}
	c := newTestController(d)
	cleared := false
	c.SetHooks(Hooks{OnClearChat: func() { cleared = true }})
	c.HandleText("hello", frames.TopicChat)
	c.HandleText(TokenComplete, frames.TopicChat)

	msgs := c.Context().Messages()
	if last := msgs[len(msgs)-1]; last.Role() != llm.RoleAssistant || last.Text() != "Hi there" {
		t.Fatalf("expected assistant reply recorded, got %+v", last)
	}

	c.HandleText(TokenClearChat, frames.TopicChat)
	if !cleared {
		t.Fatalf("expected clear hook")
	}
	if ctx := c.Context(); ctx.Len() != 1 || ctx.SystemPrompt() != "sys" {
		t.Fatalf("clear chat must keep only the system prompt, got %d", ctx.Len())
	}
	if c.Submitted() != "" {
		t.Fatalf("clear chat must reset the submitted marker")
	}
	c.HandleText("hello", frames.TopicChat)
	if c.Pending() != "hello" {
		t.Fatalf("expected fresh diff base after clear, got %q", c.Pending())
	}
}

func TestInjectBypassesPending(t *testing.T) {
	d := &captureDispatcher{}
	c := newTestController(d)
	c.HandleText("half a thought", frames.TopicChat)
	c.Inject("Safety violation detected: x")
	reqs := d.requests()
	if len(reqs) != 1 || reqs[0].Text != "Safety violation detected: x" {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	if c.Pending() != "half a thought" {
		t.Fatalf("inject must not touch the pending turn")
	}
}
