package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/frames"
)

type TTSConfig struct {
	StreamID   string
	SampleRate int
	Channels   int
}

// StreamingTTS emits one frame of silence per sentence and records the text.
type StreamingTTS struct {
	cfg     TTSConfig
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	texts   []string
	flushes int
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{
		cfg: cfg,
		out: make(chan frames.Frame, 64),
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		close(s.out)
	}
	s.started = false
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	s.texts = append(s.texts, text)
	pcm := make([]byte, 480)
	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pcm, s.cfg.SampleRate, s.cfg.Channels, map[string]string{
		frames.MetaSource: "tts",
	})
	select {
	case s.out <- f:
	default:
	}
	return nil
}

func (s *StreamingTTS) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	tts.Drain(s.out)
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

// Texts returns everything passed to SendText.
func (s *StreamingTTS) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *StreamingTTS) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
