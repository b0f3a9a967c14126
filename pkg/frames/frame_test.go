package frames

import (
	"testing"
	"time"
)

func TestMetaIsCopied(t *testing.T) {
	tf := NewTextFrame("s1", 1, "hi", map[string]string{MetaTopic: TopicVideoContext})
	meta := tf.Meta()
	meta[MetaTopic] = "mutated"
	if tf.Topic() != TopicVideoContext {
		t.Fatalf("expected topic to be unaffected, got %q", tf.Topic())
	}
	if tf.Meta()[MetaStreamID] != "s1" {
		t.Fatalf("expected stream id in meta")
	}
}

func TestAudioFramePCM16(t *testing.T) {
	af := NewAudioFrame("s1", 0, []byte{0x01, 0x00, 0xff, 0xff}, 48000, 1, nil)
	got := af.PCM16()
	if len(got) != 2 || got[0] != 1 || got[1] != -1 {
		t.Fatalf("unexpected samples %v", got)
	}
}

func TestVideoFrameZero(t *testing.T) {
	var v VideoFrame
	if !v.IsZero() {
		t.Fatalf("expected zero frame")
	}
	v = NewVideoFrame("s1", 1, 2, 2, PixelRGBA, make([]byte, 16), time.Unix(1, 0), nil)
	if v.IsZero() || v.Width() != 2 || v.Format() != PixelRGBA {
		t.Fatalf("unexpected frame %+v", v)
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey(map[string]string{MetaRoom: "r", MetaParticipant: "You"}); got != "r/You" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := SessionKey(map[string]string{MetaRoom: "r"}); got != "" {
		t.Fatalf("expected empty key, got %q", got)
	}
}
