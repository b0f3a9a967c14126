package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupCloseCancelsAndJoins(t *testing.T) {
	g := NewGroup(context.Background(), nil)
	var finished atomic.Int32
	for i := 0; i < 3; i++ {
		g.Go("blocker", func(ctx context.Context) {
			<-ctx.Done()
			finished.Add(1)
		})
	}
	g.Close()
	if finished.Load() != 3 {
		t.Fatalf("expected all tasks joined, got %d", finished.Load())
	}
	if g.Go("late", func(context.Context) {}) {
		t.Fatalf("closed group must refuse tasks")
	}
	if g.Active() != 0 {
		t.Fatalf("expected no active tasks")
	}
}

func TestGroupRecoversPanic(t *testing.T) {
	g := NewGroup(context.Background(), nil)
	g.Go("panics", func(context.Context) { panic("boom") })
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("panicking task was not joined")
	}
}
