package aggregators

import (
	"testing"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

func texts(fs []frames.Frame) []string {
	var out []string
	for _, f := range fs {
		if tf, ok := f.(frames.TextFrame); ok {
			out = append(out, tf.Text())
		}
	}
	return out
}

func TestSentencesAreGrouped(t *testing.T) {
	a := NewTextAggregator(AggregatorConfig{})
	var got []string
	for _, tok := range []string{"Hello", " there", ", friend.", " How", " are you?"} {
		out, err := a.Process(frames.NewTextFrame("s", 1, tok, nil))
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		got = append(got, texts(out)...)
	}
	if len(got) != 2 || got[0] != "Hello there, friend." || got[1] != "How are you?" {
		t.Fatalf("unexpected sentences %q", got)
	}
	if h := a.History(); len(h) != 2 {
		t.Fatalf("expected history of 2, got %d", len(h))
	}
}

func TestFinalFlushesRemainder(t *testing.T) {
	a := NewTextAggregator(AggregatorConfig{})
	_, _ = a.Process(frames.NewTextFrame("s", 1, "no punctuation", nil))
	out, _ := a.Process(frames.NewTextFrame("s", 2, "", map[string]string{frames.MetaIsFinal: "true"}))
	if len(out) != 2 {
		t.Fatalf("expected pending text then final marker, got %d frames", len(out))
	}
	if out[0].(frames.TextFrame).Text() != "no punctuation" {
		t.Fatalf("unexpected flush %q", out[0].(frames.TextFrame).Text())
	}
	if out[1].(frames.TextFrame).Meta()[frames.MetaIsFinal] != "true" {
		t.Fatalf("final marker must be last")
	}
}

func TestTopicFramesFlushPendingFirst(t *testing.T) {
	a := NewTextAggregator(AggregatorConfig{})
	_, _ = a.Process(frames.NewTextFrame("s", 1, "Here is the code", nil))
	code := frames.NewTextFrame("s", 2, "print(1)", map[string]string{frames.MetaTopic: frames.TopicCode})
	out, _ := a.Process(code)
	got := texts(out)
	if len(got) != 2 || got[0] != "Here is the code" || got[1] != "print(1)" {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestShortSentenceWaits(t *testing.T) {
	a := NewTextAggregator(AggregatorConfig{MinLen: 8})
	out, _ := a.Process(frames.NewTextFrame("s", 1, "Hi!", nil))
	if len(out) != 0 {
		t.Fatalf("expected short sentence to be held")
	}
	if a.Flush() != "Hi!" {
		t.Fatalf("expected Flush to return held text")
	}
}
