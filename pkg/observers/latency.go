package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/metrics"
)

// LatencyObserver logs per-turn stage latencies for each session: dispatch
// to first model token, to first audio, to the end of the reply.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	dispatched time.Time
	llmFirst   time.Time
	ttsFirst   time.Time
	traceID    string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	session := ""
	if ev.Tags != nil {
		session = ev.Tags["session"]
	}
	if session == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[session]
	switch ev.Name {
	case metrics.EventTurnDispatched:
		t = &trace{dispatched: ev.Time, traceID: ev.Tags["trace_id"]}
		o.traces[session] = t
	case metrics.EventLLMFirstToken:
		if t != nil && t.llmFirst.IsZero() {
			t.llmFirst = ev.Time
		}
	case metrics.EventTTSFirstAudio:
		if t != nil && t.ttsFirst.IsZero() {
			t.ttsFirst = ev.Time
		}
	case metrics.EventReplyDone:
		if t == nil {
			return
		}
		o.log.Info("latency",
			"session", session,
			"trace_id", t.traceID,
			"llm_first_token_ms", durationMs(t.dispatched, t.llmFirst),
			"tts_first_audio_ms", durationMs(t.dispatched, t.ttsFirst),
			"reply_ms", durationMs(t.dispatched, ev.Time),
		)
		delete(o.traces, session)
	case metrics.EventSessionEnded:
		delete(o.traces, session)
	}
}

// Pending reports how many sessions have an unfinished turn.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
