package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Runnable is one live participant session.
type Runnable interface {
	Start(ctx context.Context) error
	Close() error
}

type Session struct {
	Key     string
	Room    string
	Handle  Runnable
	Ctx     context.Context
	Cancel  context.CancelFunc
	Created time.Time
}

// SessionFactory builds the session for a room participant.
type SessionFactory func(ctx context.Context, key, room, participant string) (Runnable, error)

// SessionRegistry holds one session per "room/participant" key.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory}
}

// GetOrCreate returns the session for key, starting one if needed. The bool
// reports whether a new session was started. An empty key yields nil.
func (r *SessionRegistry) GetOrCreate(parent context.Context, key, room, participant string) (*Session, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	if v, ok := r.sessions.Load(key); ok {
		return v.(*Session), false, nil
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	handle, err := r.factory(ctx, key, room, participant)
	if err != nil {
		cancel()
		return nil, false, err
	}
	sess := &Session{
		Key:     key,
		Room:    room,
		Handle:  handle,
		Ctx:     ctx,
		Cancel:  cancel,
		Created: time.Now(),
	}
	actual, loaded := r.sessions.LoadOrStore(key, sess)
	if loaded {
		cancel()
		_ = handle.Close()
		return actual.(*Session), false, nil
	}
	if err := handle.Start(ctx); err != nil {
		r.sessions.Delete(key)
		cancel()
		_ = handle.Close()
		return nil, false, err
	}
	r.count.Add(1)
	return sess, true, nil
}

func (r *SessionRegistry) Get(key string) (*Session, bool) {
	if v, ok := r.sessions.Load(key); ok {
		return v.(*Session), true
	}
	return nil, false
}

func (r *SessionRegistry) Remove(key string) {
	if v, ok := r.sessions.LoadAndDelete(key); ok {
		sess := v.(*Session)
		if sess.Cancel != nil {
			sess.Cancel()
		}
		if sess.Handle != nil {
			_ = sess.Handle.Close()
		}
		r.count.Add(-1)
	}
}

func (r *SessionRegistry) CloseAll() {
	r.sessions.Range(func(key, _ any) bool {
		if k, ok := key.(string); ok {
			r.Remove(k)
		}
		return true
	})
}

// Keys lists live session keys in no particular order.
func (r *SessionRegistry) Keys() []string {
	var out []string
	r.sessions.Range(func(key, _ any) bool {
		if k, ok := key.(string); ok {
			out = append(out, k)
		}
		return true
	})
	return out
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
