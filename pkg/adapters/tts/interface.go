package tts

import (
	"context"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

// StreamingTTS defines the contract for any TTS vendor implementation.
type StreamingTTS interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the TTS connection.
	Start(ctx context.Context) error
	// Close shuts down the TTS connection.
	Close() error
	// SendText queues text to be synthesized.
	SendText(text string) error
	// Flush drops queued text and any audio not yet read from Results.
	Flush()
	// Results returns a channel of 16-bit PCM audio frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	StreamID   string
	SessionID  string
	SampleRate int
	Channels   int
}

// Drain empties ch without blocking.
func Drain(ch <-chan frames.Frame) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
