package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/voxbridge/pkg/logging"
)

// Group tracks the goroutines a session spawns so teardown can cancel and
// join them. A panicking task is logged and does not take the process down.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	active atomic.Int64
}

func NewGroup(parent context.Context, log *slog.Logger) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		log:    logging.NewComponentLogger(log, "tasks"),
	}
}

// Go starts fn unless the group is closed. It reports whether fn was started.
func (g *Group) Go(name string, fn func(ctx context.Context)) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	g.active.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("task_panic", slog.String("task", name), slog.String("panic", fmt.Sprint(r)))
			}
		}()
		fn(g.ctx)
	}()
	return true
}

func (g *Group) Context() context.Context { return g.ctx }

func (g *Group) Active() int64 { return g.active.Load() }

// Wait blocks until every started task returned, without cancelling them.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Close refuses new tasks, cancels the group context and joins running tasks.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
}
