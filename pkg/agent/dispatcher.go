package agent

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/harunnryd/voxbridge/pkg/aggregators"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/pipeline"
	"github.com/harunnryd/voxbridge/pkg/processors"
	"github.com/harunnryd/voxbridge/pkg/turn"
)

// Dispatcher streams a turn through the model and routes the reply: code to
// the code topic, sentences to speech.
type Dispatcher struct {
	model      llm.LLMAdapter
	voice      *voice
	aggregator aggregators.AggregatorConfig
	normalizer processors.TextNormalizerConfig
	pts        *frames.PTSGen
	log        *slog.Logger
	obs        metrics.Observer
	tags       map[string]string
}

func newDispatcher(model llm.LLMAdapter, v *voice, cfg Config, log *slog.Logger, tags map[string]string) *Dispatcher {
	return &Dispatcher{
		model:      model,
		voice:      v,
		aggregator: cfg.Aggregator,
		normalizer: cfg.Normalizer,
		pts:        frames.NewPTSGen(),
		log:        log.With(slog.String("stage", "dispatch")),
		obs:        cfg.Observer,
		tags:       tags,
	}
}

// chain is built per reply; its processors hold per-stream state.
func (d *Dispatcher) chain() *pipeline.Chain {
	return pipeline.NewChainBuilder().
		WithProcessor(processors.NewCodeExtractor()).
		WithProcessor(aggregators.NewTextAggregator(d.aggregator)).
		WithProcessor(processors.NewTextNormalizer(d.normalizer)).
		WithObserver(d.obs).
		WithLogger(d.log).
		Build()
}

func (d *Dispatcher) Dispatch(ctx context.Context, req turn.Request) (string, error) {
	if d.model == nil {
		return "", errorsx.Newf(errorsx.ReasonConfigInvalid, "agent: no language model configured")
	}
	start := time.Now()
	gen := d.voice.BeginReply()
	defer d.voice.EndReply()

	stream, err := d.model.Stream(ctx, req.Context)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}

	chain := d.chain()
	streamID := req.Session + "#" + strconv.FormatUint(req.Seq, 10)
	first := true
	reply, streamErr := llm.StreamTokensToFrames(ctx, streamID, d.pts, stream, func(tf frames.TextFrame) {
		if first && tf.Text() != "" {
			first = false
			metrics.Record(d.obs, metrics.EventLLMFirstToken, d.tags, map[string]any{
				"seq":        req.Seq,
				"latency_ms": time.Since(start).Milliseconds(),
			})
		}
		for _, out := range chain.Process(tf) {
			d.route(gen, out)
		}
	})
	metrics.Record(d.obs, metrics.EventLLMDone, d.tags, map[string]any{
		"seq":         req.Seq,
		"duration_ms": time.Since(start).Milliseconds(),
		"reply_len":   len(reply),
	})
	if streamErr != nil {
		// a reply that broke off is not recorded as the assistant turn
		return reply, errorsx.Wrap(streamErr, errorsx.ReasonLLMStream)
	}
	return reply, nil
}

func (d *Dispatcher) route(gen uint64, f frames.Frame) {
	tf, ok := f.(frames.TextFrame)
	if !ok || tf.Meta()[frames.MetaIsFinal] == "true" {
		return
	}
	switch tf.Topic() {
	case frames.TopicCode:
		if tf.Text() != turn.TokenClear {
			metrics.Record(d.obs, metrics.EventCodeBlock, d.tags, map[string]any{"len": len(tf.Text())})
		}
		d.voice.Publish(frames.TopicCode, tf.Text())
	case frames.TopicChat:
		if tf.Text() != "" {
			d.voice.Say(gen, tf.Text())
		}
	}
}

var _ turn.Dispatcher = (*Dispatcher)(nil)
