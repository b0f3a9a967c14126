package aggregators

import (
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/pipeline"
)

// AggregatorConfig bounds how long spoken text is held before it reaches TTS.
// Zero fields take the defaults below.
type AggregatorConfig struct {
	// MinLen is the shortest sentence released on end-of-sentence punctuation.
	MinLen int
	// MaxTokens forces a release on long unpunctuated runs.
	MaxTokens int
	// MaxHistory caps the released sentences kept for History.
	MaxHistory int
	// FlushTimeout releases a held fragment when the next token arrives after this gap.
	FlushTimeout time.Duration
}

// Aggregator is the token-level surface used outside a pipeline.
type Aggregator interface {
	Configure(cfg AggregatorConfig) error
	AddToken(tok string)
	Flush() string
}

// TextAggregator groups streamed voiced tokens into sentences for TTS.
// Frames on a data topic pass through, after any pending sentence.
type TextAggregator struct {
	mu          sync.Mutex
	cfg         AggregatorConfig
	sb          strings.Builder
	tokenCount  int
	firstPTS    int64
	streamID    string
	meta        map[string]string
	lastTokenAt time.Time
	history     []string
}

func NewTextAggregator(cfg AggregatorConfig) *TextAggregator {
	a := &TextAggregator{}
	a.cfg = defaults(cfg)
	return a
}

func defaults(cfg AggregatorConfig) AggregatorConfig {
	if cfg.MinLen <= 0 {
		cfg.MinLen = 8
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 300 * time.Millisecond
	}
	return cfg
}

func (a *TextAggregator) Configure(cfg AggregatorConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.MinLen > 0 {
		a.cfg.MinLen = cfg.MinLen
	}
	if cfg.MaxTokens > 0 {
		a.cfg.MaxTokens = cfg.MaxTokens
	}
	if cfg.MaxHistory > 0 {
		a.cfg.MaxHistory = cfg.MaxHistory
	}
	if cfg.FlushTimeout > 0 {
		a.cfg.FlushTimeout = cfg.FlushTimeout
	}
	return nil
}

func (a *TextAggregator) AddToken(tok string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sb.WriteString(tok)
	a.tokenCount++
	a.lastTokenAt = time.Now()
}

func (a *TextAggregator) Flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f := a.takeLocked(); f != nil {
		return f.Text()
	}
	return ""
}

func (a *TextAggregator) Name() string { return "text_aggregator" }

func (a *TextAggregator) Process(f frames.Frame) ([]frames.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tf, ok := f.(frames.TextFrame)
	if !ok || tf.Topic() != frames.TopicChat {
		return a.withPendingLocked(f), nil
	}
	isFinal := tf.Meta()[frames.MetaIsFinal] == "true"
	if tf.Text() != "" {
		if a.tokenCount == 0 {
			a.firstPTS = tf.PTS()
			a.streamID = tf.Meta()[frames.MetaStreamID]
			a.meta = tf.Meta()
			delete(a.meta, frames.MetaIsFinal)
		}
		a.sb.WriteString(tf.Text())
		a.tokenCount++
		a.lastTokenAt = time.Now()
	}
	if isFinal {
		return a.withPendingLocked(f), nil
	}

	text := a.sb.String()
	shouldFlush := eosDetected(text) || a.tokenCount >= a.cfg.MaxTokens
	if shouldFlush && len(strings.TrimSpace(text)) >= a.cfg.MinLen {
		return []frames.Frame{*a.takeLocked()}, nil
	}
	if a.tokenCount > 0 && time.Since(a.lastTokenAt) > a.cfg.FlushTimeout {
		if out := a.takeLocked(); out != nil {
			return []frames.Frame{*out}, nil
		}
	}
	return nil, nil
}

// withPendingLocked emits any buffered sentence ahead of f.
func (a *TextAggregator) withPendingLocked(f frames.Frame) []frames.Frame {
	if pending := a.takeLocked(); pending != nil {
		return []frames.Frame{*pending, f}
	}
	return []frames.Frame{f}
}

func (a *TextAggregator) takeLocked() *frames.TextFrame {
	out := strings.TrimSpace(a.sb.String())
	streamID, pts, meta := a.streamID, a.firstPTS, a.meta
	a.sb.Reset()
	a.tokenCount = 0
	a.firstPTS = 0
	a.streamID = ""
	a.meta = nil
	if out == "" {
		return nil
	}
	a.appendHistory(out)
	tf := frames.NewTextFrame(streamID, pts, out, meta)
	return &tf
}

func eosDetected(s string) bool {
	t := strings.TrimRight(s, " \t")
	if len(t) == 0 {
		return false
	}
	if strings.HasSuffix(t, "...") {
		return len(strings.TrimSpace(t)) >= 12
	}
	last := t[len(t)-1]
	return last == '.' || last == '!' || last == '?' || last == '\n'
}

var _ pipeline.FrameProcessor = (*TextAggregator)(nil)

func (a *TextAggregator) appendHistory(text string) {
	if a.cfg.MaxHistory <= 0 {
		return
	}
	a.history = append(a.history, text)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
}

func (a *TextAggregator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}
var _ Aggregator = (*TextAggregator)(nil)
