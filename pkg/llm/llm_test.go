package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/resilience"
)

type flakyAdapter struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyAdapter) Name() string { return "flaky" }

func (f *flakyAdapter) Generate(ctx context.Context, input ChatContext) (Response, error) {
	if f.calls.Add(1) <= f.failures {
		return Response{}, f.err
	}
	return Response{Text: "ok"}, nil
}

func (f *flakyAdapter) Stream(ctx context.Context, input ChatContext) (*Stream, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return StreamOf("he", "llo"), nil
}

func TestChatContextSystemInvariant(t *testing.T) {
	c := NewChatContext("you are helpful")
	if err := c.Append(TextMessage(RoleSystem, "again")); !errors.Is(err, ErrDuplicateSystem) {
		t.Fatalf("expected duplicate system error, got %v", err)
	}
	if err := c.Append(TextMessage(RoleUser, "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}
	cp := c.Copy()
	_ = cp.Append(TextMessage(RoleAssistant, "hello"))
	if c.Len() != 2 || cp.Len() != 3 {
		t.Fatalf("copy must be independent: %d %d", c.Len(), cp.Len())
	}
	c.Reset()
	if c.Len() != 1 || c.SystemPrompt() != "you are helpful" {
		t.Fatalf("reset must keep only system prompt, got %d", c.Len())
	}
	if err := c.Append(TextMessage(RoleUser, "after reset")); err != nil {
		t.Fatalf("append after reset: %v", err)
	}
}

func TestImageMessage(t *testing.T) {
	f := frames.NewVideoFrame("s", 1, 1, 1, frames.PixelJPEG, []byte{1}, time.Unix(5, 0), nil)
	m := ImageMessage(RoleUser, f)
	got, ok := m.Image()
	if !ok || !m.IsImage() || got.Timestamp() != f.Timestamp() || m.Text() != "" {
		t.Fatalf("unexpected image message %+v", m)
	}
	if _, ok := TextMessage(RoleUser, "x").Image(); ok {
		t.Fatalf("text message must not carry an image")
	}
}

func TestRetryAdapterRecovers(t *testing.T) {
	inner := &flakyAdapter{failures: 2, err: errors.New("connection reset")}
	a := NewRetryAdapter(inner, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})
	s, err := a.Stream(context.Background(), NewChatContext(""))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var out string
	for tok := range s.Tokens() {
		out += tok
	}
	if s.Err() != nil {
		t.Fatalf("unexpected stream error %v", s.Err())
	}
	if out != "hello" || inner.calls.Load() != 3 {
		t.Fatalf("unexpected out=%q calls=%d", out, inner.calls.Load())
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, RetryConfig{}, func(context.Context) (int, error) { return 0, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
}

func TestCircuitBreakerAdapterDenies(t *testing.T) {
	inner := &flakyAdapter{failures: 100, err: resilience.RateLimitError{Provider: "openai"}}
	obs := metrics.NewMemoryObserver()
	a := NewCircuitBreakerAdapter(inner, resilience.NewCircuitBreaker(2, time.Hour))
	a.SetObserver(obs)
	for i := 0; i < 2; i++ {
		if _, err := a.Generate(context.Background(), NewChatContext("")); err == nil {
			t.Fatalf("expected rate limit error")
		}
	}
	_, err := a.Stream(context.Background(), NewChatContext(""))
	if !resilience.IsRateLimit(err) || inner.calls.Load() != 2 {
		t.Fatalf("expected breaker to deny without calling inner, calls=%d err=%v", inner.calls.Load(), err)
	}
	if DefaultIsRetryable(err) {
		t.Fatalf("breaker denial must not be retried")
	}
	if len(obs.Named(metrics.EventBreakerOpen)) != 1 || len(obs.Named(metrics.EventRateLimit)) != 2 {
		t.Fatalf("unexpected metrics %+v", obs.Events())
	}
}

func TestStreamTokensToFramesCompleted(t *testing.T) {
	var got []frames.TextFrame
	reply, err := StreamTokensToFrames(context.Background(), "s", frames.NewPTSGen(), StreamOf("Hi", "", " there"), func(tf frames.TextFrame) {
		got = append(got, tf)
	})
	if err != nil || reply != "Hi there" {
		t.Fatalf("unexpected reply %q err=%v", reply, err)
	}
	if len(got) != 3 || got[2].Meta()[frames.MetaIsFinal] != "true" {
		t.Fatalf("expected two deltas and a final frame, got %d", len(got))
	}
}

func TestStreamTokensToFramesBrokenOff(t *testing.T) {
	boom := errors.New("connection reset")
	s := NewStream(2)
	s.Send(context.Background(), "Par")
	s.Close(boom)
	s.Close(nil)

	var finals int
	reply, err := StreamTokensToFrames(context.Background(), "s", frames.NewPTSGen(), s, func(tf frames.TextFrame) {
		if tf.Meta()[frames.MetaIsFinal] == "true" {
			finals++
		}
	})
	if !errors.Is(err, boom) || reply != "Par" {
		t.Fatalf("expected partial reply with cause, got %q err=%v", reply, err)
	}
	if finals != 0 {
		t.Fatalf("a broken reply must not emit a final frame")
	}
}
