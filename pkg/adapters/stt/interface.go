package stt

import (
	"context"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

// StreamingSTT defines the contract for any STT vendor implementation.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the STT connection.
	Start(ctx context.Context) error
	// Close shuts down the STT connection.
	Close() error
	// SendAudio sends 16-bit PCM audio to the STT service.
	SendAudio(frame frames.AudioFrame) error
	// Results returns transcript text frames. MetaIsFinal marks a final
	// segment and ControlFlush marks the end of an utterance.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	StreamID   string
	SessionID  string
	SampleRate int
	Language   string
}
