package cartesia

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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/resilience"
)

const (
	DefaultModel   = "sonic-3"
	DefaultVersion = "2025-04-16"
	DefaultVoice   = "a0e99841-438c-4a64-b679-ae501e7d6091"
	defaultURL     = "wss://api.cartesia.ai/tts/websocket"
)

type Config struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	Version    string
	Language   string
	SampleRate int
	// URL overrides the websocket endpoint.
	URL       string
	StreamID  string
	SessionID string
	Logger    *slog.Logger
}

type request struct {
	Transcript   string       `json:"transcript"`
	Continue     bool         `json:"continue"`
	ContextID    string       `json:"context_id"`
	ModelID      string       `json:"model_id"`
	Language     string       `json:"language,omitempty"`
	Voice        voice        `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
}

type voice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type response struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	ContextID string `json:"context_id"`
	Done      bool   `json:"done"`
	Error     string `json:"error"`
}

// CartesiaTTS streams text over one websocket. Each Flush starts a new
// context id so late chunks for the old one are discarded.
type CartesiaTTS struct {
	cfg    Config
	conn   *websocket.Conn
	out    chan frames.Frame
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex // guards conn writes and contextID
	ctxID  string
	log    *slog.Logger
}

func New(cfg Config) *CartesiaTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModel
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoice
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	return &CartesiaTTS{
		cfg: cfg,
		out: make(chan frames.Frame, 256),
		log: logging.NewComponentLogger(cfg.Logger, "cartesia_tts").With(slog.String("stream_id", cfg.StreamID)),
	}
}

func (s *CartesiaTTS) Name() string { return "cartesia_tts" }

func (s *CartesiaTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "cartesia: api key is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	q := url.Values{}
	q.Set("api_key", s.cfg.APIKey)
	q.Set("cartesia_version", s.cfg.Version)
	conn, resp, err := websocket.DefaultDialer.DialContext(s.ctx, s.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "cartesia", Message: resp.Status}
		}
		return errorsx.Wrap(fmt.Errorf("cartesia dial: %w", err), errorsx.ReasonTTSConnect)
	}
	s.conn = conn
	s.ctxID = uuid.NewString()
	s.log.Info("connected to Cartesia", slog.String("model", s.cfg.ModelID), slog.Int("sample_rate", s.cfg.SampleRate))
	go s.readLoop()
	return nil
}

func (s *CartesiaTTS) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *CartesiaTTS) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errorsx.Newf(errorsx.ReasonTTSSend, "cartesia: not connected")
	}
	req := request{
		Transcript: text + " ",
		Continue:   true,
		ContextID:  s.ctxID,
		ModelID:    s.cfg.ModelID,
		Language:   s.cfg.Language,
		Voice:      voice{Mode: "id", ID: s.cfg.VoiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: s.cfg.SampleRate,
		},
	}
	if err := s.conn.WriteJSON(req); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}
	return nil
}

func (s *CartesiaTTS) Flush() {
	s.mu.Lock()
	old := s.ctxID
	s.ctxID = uuid.NewString()
	if s.conn != nil && old != "" {
		if err := s.conn.WriteJSON(map[string]any{"context_id": old, "cancel": true}); err != nil {
			s.log.Warn("cartesia cancel failed", slog.String("error", err.Error()))
		}
	}
	s.mu.Unlock()
	n := tts.Drain(s.out)
	s.log.Debug("tts channel purged", slog.Int("dropped", n), slog.String("context_id", old))
}

func (s *CartesiaTTS) Results() <-chan frames.Frame { return s.out }

func (s *CartesiaTTS) currentContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctxID
}

func (s *CartesiaTTS) readLoop() {
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

func (s *CartesiaTTS) handleMessage(data []byte) {
	var msg response
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("tts websocket raw data", slog.String("data", string(data)))
		return
	}
	switch msg.Type {
	case "chunk":
		if msg.ContextID != "" && msg.ContextID != s.currentContext() {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			s.log.Error("tts audio decode error", slog.String("error", err.Error()))
			return
		}
		f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, map[string]string{
			frames.MetaSource: "cartesia",
		})
		select {
		case s.out <- f:
		default:
			s.log.Warn("tts output buffer full")
		}
	case "done":
		s.log.Debug("cartesia context done", slog.String("context_id", msg.ContextID))
	case "error":
		s.log.Error("cartesia error", slog.String("error", msg.Error))
	}
}

var _ tts.StreamingTTS = (*CartesiaTTS)(nil)
