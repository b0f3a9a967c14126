package processors

import (
	"regexp"
	"strings"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/pipeline"
)

type TextNormalizerConfig struct {
	Replacements map[string]string
	// Source limits normalization to frames from one producer.
	Source string
}

var (
	markdownEmphasis = regexp.MustCompile("(\\*\\*|__|\\*|`)")
	markdownHeading  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	markdownBullet   = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
)

// TextNormalizer strips markdown that TTS would read aloud and applies
// phrase replacements to voiced text.
type TextNormalizer struct {
	replacements map[string]string
	source       string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	if cfg.Source == "" {
		cfg.Source = "llm"
	}
	return &TextNormalizer{
		replacements: cfg.Replacements,
		source:       cfg.Source,
	}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

func (t *TextNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if tf.Topic() != frames.TopicChat || (t.source != "" && meta[frames.MetaSource] != t.source) {
		return []frames.Frame{f}, nil
	}
	normalized := t.Normalize(tf.Text())
	if normalized == tf.Text() {
		return []frames.Frame{f}, nil
	}
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), normalized, meta)}, nil
}

func (t *TextNormalizer) Normalize(text string) string {
	out := markdownHeading.ReplaceAllString(text, "")
	out = markdownBullet.ReplaceAllString(out, "")
	out = markdownEmphasis.ReplaceAllString(out, "")
	for from, to := range t.replacements {
		if from == "" {
			continue
		}
		out = strings.ReplaceAll(out, from, to)
	}
	return out
}

var _ pipeline.FrameProcessor = (*TextNormalizer)(nil)
