package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLifecycleRunsHooksAndDrains(t *testing.T) {
	var started, stopped, drained bool
	r := NewLifecycleRunner(DrainerFunc(func() error {
		drained = true
		return nil
	}), Hooks{
		OnStart: func() { started = true },
		OnStop:  func() { stopped = true },
	}, time.Second)
	r.SetBanner(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.State() != StateRunning {
		t.Fatalf("expected running, got %s", r.State())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !started || !stopped || !drained || r.State() != StateStopped {
		t.Fatalf("expected full lifecycle, started=%v stopped=%v drained=%v state=%s", started, stopped, drained, r.State())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainerFunc(func() error {
		<-block
		return nil
	}), Hooks{}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf)
	if !strings.Contains(buf.String(), "Version: "+Version) {
		t.Fatalf("unexpected banner %q", buf.String())
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{StateNew: "new", StateRunning: "running", StateDraining: "draining", StateStopped: "stopped", State(42): "unknown"} {
		if got := st.String(); got != want {
			t.Fatalf("state %d: got %q want %q", int(st), got, want)
		}
	}
}
