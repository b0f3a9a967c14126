package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

// Transport is an in-memory room. Inbound frames are pushed by tests and
// everything the agent publishes is readable from Sent.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	mu     sync.RWMutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 1024),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Join announces a participant the way a room does on connect.
func (t *Transport) Join(room, identity string) {
	t.Push(frames.NewSystemFrame(frames.SessionKey(participantMeta(room, identity)), 0, frames.SystemParticipantJoined, participantMeta(room, identity)))
}

// Leave announces that a participant disconnected.
func (t *Transport) Leave(room, identity string) {
	t.Push(frames.NewSystemFrame(frames.SessionKey(participantMeta(room, identity)), 0, frames.SystemParticipantLeft, participantMeta(room, identity)))
}

// Chat delivers a data message from a participant on the given topic.
func (t *Transport) Chat(room, identity, topic, text string) {
	meta := participantMeta(room, identity)
	meta[frames.MetaTopic] = topic
	t.Push(frames.NewTextFrame(frames.SessionKey(meta), 0, text, meta))
}

func participantMeta(room, identity string) map[string]string {
	return map[string]string{frames.MetaRoom: room, frames.MetaParticipant: identity}
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }
