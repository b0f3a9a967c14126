package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/metrics"
)

type upper struct{}

func (upper) Name() string { return "upper" }
func (upper) Process(f frames.Frame) ([]frames.Frame, error) {
	tf := f.(frames.TextFrame)
	return []frames.Frame{frames.NewTextFrame("s", tf.PTS(), strings.ToUpper(tf.Text()), nil)}, nil
}

type dup struct{}

func (dup) Name() string { return "dup" }
func (dup) Process(f frames.Frame) ([]frames.Frame, error) { return []frames.Frame{f, f}, nil }

type failing struct{}

func (failing) Name() string                                 { return "failing" }
func (failing) Process(frames.Frame) ([]frames.Frame, error) { return nil, errors.New("boom") }

func TestChainRunsInOrder(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	c := NewChainBuilder().WithProcessor(upper{}).WithProcessor(dup{}).WithObserver(obs).Build()
	out := c.Process(frames.NewTextFrame("s", 1, "hi", nil))
	if len(out) != 2 || out[1].(frames.TextFrame).Text() != "HI" {
		t.Fatalf("unexpected output %v", out)
	}
	if len(obs.Named(metrics.EventStageLatency)) != 2 {
		t.Fatalf("expected one stage event per processor")
	}
}

func TestChainDropsOnError(t *testing.T) {
	c := NewChainBuilder().WithProcessor(failing{}).WithProcessor(upper{}).Build()
	if out := c.Process(frames.NewTextFrame("s", 1, "hi", nil)); out != nil {
		t.Fatalf("expected frame dropped, got %v", out)
	}
}

type fakeSession struct {
	started atomic.Int32
	closed  atomic.Int32
	err     error
}

func (f *fakeSession) Start(context.Context) error { f.started.Add(1); return f.err }
func (f *fakeSession) Close() error                { f.closed.Add(1); return nil }

func TestRegistryLifecycle(t *testing.T) {
	built := map[string]*fakeSession{}
	reg := NewSessionRegistry(func(ctx context.Context, key, room, participant string) (Runnable, error) {
		s := &fakeSession{}
		built[key] = s
		return s, nil
	})
	if s, created, err := reg.GetOrCreate(context.Background(), "", "room", ""); s != nil || created || err != nil {
		t.Fatalf("empty key must be ignored")
	}
	s1, created, err := reg.GetOrCreate(context.Background(), "my-room/You", "my-room", "You")
	if err != nil || !created {
		t.Fatalf("expected new session, err=%v", err)
	}
	s2, created, _ := reg.GetOrCreate(context.Background(), "my-room/You", "my-room", "You")
	if created || s1 != s2 {
		t.Fatalf("expected existing session")
	}
	if reg.Count() != 1 || built["my-room/You"].started.Load() != 1 {
		t.Fatalf("expected exactly one started session")
	}
	reg.Remove("my-room/You")
	if reg.Count() != 0 || built["my-room/You"].closed.Load() != 1 {
		t.Fatalf("expected session closed on remove")
	}
	if s1.Ctx.Err() == nil {
		t.Fatalf("expected session context cancelled")
	}
}

func TestRegistryStartFailure(t *testing.T) {
	reg := NewSessionRegistry(func(ctx context.Context, key, room, participant string) (Runnable, error) {
		return &fakeSession{err: errors.New("no stt")}, nil
	})
	if _, _, err := reg.GetOrCreate(context.Background(), "r/p", "r", "p"); err == nil {
		t.Fatalf("expected start error")
	}
	if _, ok := reg.Get("r/p"); ok || reg.Count() != 0 {
		t.Fatalf("failed session must not be registered")
	}
}
