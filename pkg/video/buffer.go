package video

import (
	"sync"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

// FrameBuffer holds the most recent frame of one track. The lock is held
// only for the copy in or out of the slot.
type FrameBuffer struct {
	mu         sync.Mutex
	latest     frames.VideoFrame
	hasLatest  bool
	special    frames.VideoFrame
	hasSpecial bool
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Update replaces the stored frame.
func (b *FrameBuffer) Update(f frames.VideoFrame) {
	b.mu.Lock()
	b.latest = f
	b.hasLatest = true
	b.mu.Unlock()
}

// GetLatest returns the most recent frame, or false before the first one.
func (b *FrameBuffer) GetLatest() (frames.VideoFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasLatest
}

// MarkSpecial pins f as the frame used for extended video context.
func (b *FrameBuffer) MarkSpecial(f frames.VideoFrame) {
	b.mu.Lock()
	b.special = f
	b.hasSpecial = true
	b.mu.Unlock()
}

// GetSpecial returns the pinned frame, falling back to the latest one.
func (b *FrameBuffer) GetSpecial() (frames.VideoFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasSpecial {
		return b.special, true
	}
	return b.latest, b.hasLatest
}

// Clear forgets both slots, e.g. when the track is unsubscribed.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	b.latest, b.hasLatest = frames.VideoFrame{}, false
	b.special, b.hasSpecial = frames.VideoFrame{}, false
	b.mu.Unlock()
}
