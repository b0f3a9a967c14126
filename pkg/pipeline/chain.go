package pipeline

import (
	"log/slog"
	"time"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/metrics"
)

type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

// Chain runs frames through processors in order on the caller's goroutine.
// A processor error drops the frame at that stage.
type Chain struct {
	procs []FrameProcessor
	obs   metrics.Observer
	log   *slog.Logger
}

type ChainBuilder struct {
	procs []FrameProcessor
	obs   metrics.Observer
	log   *slog.Logger
}

func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{}
}

func (b *ChainBuilder) WithProcessor(p FrameProcessor) *ChainBuilder {
	if p != nil {
		b.procs = append(b.procs, p)
	}
	return b
}

func (b *ChainBuilder) WithObserver(obs metrics.Observer) *ChainBuilder {
	b.obs = obs
	return b
}

func (b *ChainBuilder) WithLogger(log *slog.Logger) *ChainBuilder {
	b.log = log
	return b
}

func (b *ChainBuilder) Build() *Chain {
	log := b.log
	if log == nil {
		log = slog.Default()
	}
	names := make([]string, 0, len(b.procs))
	for _, p := range b.procs {
		names = append(names, p.Name())
	}
	log.Debug("pipeline_built", slog.Any("processors", names))
	return &Chain{procs: append([]FrameProcessor(nil), b.procs...), obs: b.obs, log: log}
}

func (c *Chain) Process(f frames.Frame) []frames.Frame {
	out := []frames.Frame{f}
	for _, p := range c.procs {
		var next []frames.Frame
		for _, cur := range out {
			start := time.Now()
			r, err := p.Process(cur)
			if err != nil {
				c.log.Warn("processor_error", slog.String("processor", p.Name()), slog.String("error", err.Error()))
				continue
			}
			c.recordStage(p.Name(), cur, start)
			next = append(next, r...)
		}
		out = next
		if len(out) == 0 {
			return nil
		}
	}
	return out
}

func (c *Chain) recordStage(name string, f frames.Frame, start time.Time) {
	metrics.Record(c.obs, metrics.EventStageLatency,
		map[string]string{"processor": name, "kind": string(f.Kind())},
		map[string]any{"latency_ms": time.Since(start).Milliseconds()},
	)
}
