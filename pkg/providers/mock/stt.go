package mock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/frames"
)

type STTConfig struct {
	StreamID string
	// Transcript is emitted as one final utterance on the first SendAudio.
	Transcript string
}

type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 64)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.started {
		close(s.out)
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	if s.emitted || s.cfg.Transcript == "" {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()
	s.Emit(s.cfg.Transcript, true, true)
	return nil
}

// Emit pushes a transcript segment as a real provider would. speechFinal
// also emits the end-of-utterance flush.
func (s *StreamingSTT) Emit(text string, final, speechFinal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaSource:      "stt",
		frames.MetaIsFinal:     strconv.FormatBool(final),
		frames.MetaSpeechFinal: strconv.FormatBool(speechFinal),
	})
	if speechFinal {
		s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, map[string]string{
			frames.MetaSource: "stt",
			frames.MetaReason: "speech_final",
		})
	}
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
