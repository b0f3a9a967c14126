package openai

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/logging"
)

// OpenAI speech PCM is fixed at 24kHz mono.
const speechSampleRate = 24000

type TTSConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Voice    string
	StreamID string
	// ChunkBytes is the size of emitted audio frames.
	ChunkBytes int
	Logger     *slog.Logger
}

// TTS synthesizes one request per sentence and streams the PCM body out.
type TTS struct {
	cfg    TTSConfig
	client *goopenai.Client
	queue  chan string
	out    chan frames.Frame
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	reqCancel context.CancelFunc
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.Model == "" {
		cfg.Model = string(goopenai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(goopenai.VoiceAlloy)
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = speechSampleRate / 10 * 2
	}
	return &TTS{
		cfg:    cfg,
		client: newClient(cfg.APIKey, cfg.BaseURL),
		queue:  make(chan string, 64),
		out:    make(chan frames.Frame, 256),
		log:    logging.NewComponentLogger(cfg.Logger, "openai_tts").With(slog.String("stream_id", cfg.StreamID)),
	}
}

func (s *TTS) Name() string { return "openai_tts" }

func (s *TTS) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.loop()
	return nil
}

func (s *TTS) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *TTS) SendText(text string) error {
	if s.ctx == nil {
		return errorsx.Newf(errorsx.ReasonTTSSend, "openai tts: not started")
	}
	select {
	case s.queue <- text:
		return nil
	default:
		return errorsx.Newf(errorsx.ReasonTTSSend, "openai tts: queue full")
	}
}

func (s *TTS) Flush() {
drain:
	for {
		select {
		case <-s.queue:
		default:
			break drain
		}
	}
	s.mu.Lock()
	if s.reqCancel != nil {
		s.reqCancel()
	}
	s.mu.Unlock()
	tts.Drain(s.out)
}

func (s *TTS) Results() <-chan frames.Frame { return s.out }

func (s *TTS) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case text := <-s.queue:
			if err := s.synthesize(text); err != nil && s.ctx.Err() == nil {
				s.log.Warn("openai_tts_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *TTS) synthesize(text string) error {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.reqCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reqCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	resp, err := s.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(s.cfg.Model),
		Input:          text,
		Voice:          goopenai.SpeechVoice(s.cfg.Voice),
		ResponseFormat: goopenai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return classify(err)
	}
	defer resp.Close()

	buf := make([]byte, s.cfg.ChunkBytes)
	for {
		n, err := io.ReadFull(resp, buf)
		if n > 0 {
			// keep sample alignment for a short tail
			n -= n % 2
			s.emit(append([]byte(nil), buf[:n]...))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
	}
}

func (s *TTS) emit(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pcm, speechSampleRate, 1, map[string]string{
		frames.MetaSource: "openai",
	})
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

var _ tts.StreamingTTS = (*TTS)(nil)
