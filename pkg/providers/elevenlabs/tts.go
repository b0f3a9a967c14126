package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/resilience"
)

type Config struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	SampleRate int
	StreamID   string
	SessionID  string
	Logger     *slog.Logger
}

type ElevenLabsTTS struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan ttsMessage
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	log     *slog.Logger
}

type ttsMessage struct {
	text  string
	flush bool
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	return &ElevenLabsTTS{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan ttsMessage, 256),
		log:     logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts").With(slog.String("stream_id", cfg.StreamID)),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "elevenlabs: api key and voice id are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(s.ctx, s.buildURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return errorsx.Wrap(fmt.Errorf("elevenlabs dial: %w", err), errorsx.ReasonTTSConnect)
	}
	s.conn = conn
	s.log.Info("connected to ElevenLabs", slog.Int("sample_rate", s.cfg.SampleRate))

	_ = s.send(map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	})
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *ElevenLabsTTS) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

func (s *ElevenLabsTTS) SendText(text string) error {
	if s.conn == nil {
		return errorsx.Newf(errorsx.ReasonTTSSend, "elevenlabs: not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	select {
	case s.writeCh <- ttsMessage{text: text + " ", flush: true}:
		return nil
	default:
		return errorsx.Newf(errorsx.ReasonTTSSend, "elevenlabs: write queue full")
	}
}

// Flush stops generation and drops audio already buffered for playback.
func (s *ElevenLabsTTS) Flush() {
drain:
	for {
		select {
		case <-s.writeCh:
		default:
			break drain
		}
	}
	if s.conn != nil {
		_ = s.send(map[string]any{"text": " ", "flush": true})
	}
	n := tts.Drain(s.out)
	s.log.Debug("tts channel purged", slog.Int("dropped", n))
}

func (s *ElevenLabsTTS) Results() <-chan frames.Frame { return s.out }

func (s *ElevenLabsTTS) buildURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", fmt.Sprintf("pcm_%d", s.cfg.SampleRate))
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

func (s *ElevenLabsTTS) writeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			if err := s.send(payload); err != nil {
				s.log.Warn("tts send failed", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			// keep-alive, the socket closes after 20s of silence
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *ElevenLabsTTS) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Error("tts read loop error", slog.String("error", err.Error()))
			}
			return
		}
		s.handleMessage(data)
	}
}

type streamMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
}

func (s *ElevenLabsTTS) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("tts websocket raw data", slog.String("data", string(data)))
		return
	}
	if msg.Audio == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		s.log.Error("tts audio decode error", slog.String("error", err.Error()))
		return
	}
	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, map[string]string{
		frames.MetaSource: "elevenlabs",
	})
	select {
	case s.out <- f:
	default:
		s.log.Warn("tts output buffer full")
	}
}

func (s *ElevenLabsTTS) send(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
