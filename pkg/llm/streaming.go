package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

// Stream is a reply in progress. Tokens closes when the reply ends; Err then
// tells a complete reply (nil) from one that broke off.
type Stream struct {
	tokens chan string
	once   sync.Once
	mu     sync.Mutex
	err    error
}

// NewStream returns an open stream. The producer sends with Send and ends it
// exactly once with Close.
func NewStream(buffer int) *Stream {
	return &Stream{tokens: make(chan string, buffer)}
}

// StreamOf returns a finished stream holding chunks.
func StreamOf(chunks ...string) *Stream {
	s := NewStream(len(chunks))
	for _, c := range chunks {
		s.tokens <- c
	}
	s.Close(nil)
	return s
}

func (s *Stream) Tokens() <-chan string { return s.tokens }

// Send delivers one delta. It reports false once ctx is done.
func (s *Stream) Send(ctx context.Context, tok string) bool {
	select {
	case <-ctx.Done():
		return false
	case s.tokens <- tok:
		return true
	}
}

// Close records why the reply ended and closes Tokens. Later calls are no-ops.
func (s *Stream) Close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.tokens)
	})
}

// Err is meaningful after Tokens is drained.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StreamTokensToFrames wraps each delta in a TextFrame and hands it to emit.
// A completed reply ends with a frame marked MetaIsFinal. It returns the text
// received so far and, when the reply broke off or ctx ended, the cause.
func StreamTokensToFrames(ctx context.Context, streamID string, pts *frames.PTSGen, stream *Stream, emit func(frames.TextFrame)) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case tok, ok := <-stream.Tokens():
			if !ok {
				if err := stream.Err(); err != nil {
					return sb.String(), err
				}
				emit(frames.NewTextFrame(streamID, pts.Next(streamID), "", map[string]string{frames.MetaIsFinal: "true"}))
				return sb.String(), nil
			}
			if tok == "" {
				continue
			}
			sb.WriteString(tok)
			emit(frames.NewTextFrame(streamID, pts.Next(streamID), tok, nil))
		}
	}
}
