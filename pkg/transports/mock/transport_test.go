package mock

import (
	"context"
	"testing"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

func TestRoomHelpers(t *testing.T) {
	tr := New()
	tr.Join("lab", "alice")
	tr.Chat("lab", "alice", frames.TopicChat, "hello")
	tr.Leave("lab", "alice")

	join := (<-tr.Recv()).(frames.SystemFrame)
	if join.Name() != frames.SystemParticipantJoined || frames.SessionKey(join.Meta()) != "lab/alice" {
		t.Fatalf("unexpected join %s %v", join.Name(), join.Meta())
	}
	chat := (<-tr.Recv()).(frames.TextFrame)
	if chat.Text() != "hello" || chat.Topic() != frames.TopicChat || chat.Meta()[frames.MetaStreamID] != "lab/alice" {
		t.Fatalf("unexpected chat %q %v", chat.Text(), chat.Meta())
	}
	leave := (<-tr.Recv()).(frames.SystemFrame)
	if leave.Name() != frames.SystemParticipantLeft {
		t.Fatalf("unexpected leave %s", leave.Name())
	}
}

func TestStopClosesChannels(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = tr.Send(frames.NewTextFrame("s", 0, "out", nil))
	cancel()
	if f, ok := <-tr.Sent(); !ok || f.(frames.TextFrame).Text() != "out" {
		t.Fatalf("expected buffered frame before close")
	}
	for range tr.Sent() {
	}
	tr.Push(frames.NewTextFrame("s", 0, "late", nil))
	if err := tr.Send(frames.NewTextFrame("s", 0, "late", nil)); err != nil {
		t.Fatalf("send after stop: %v", err)
	}
}
