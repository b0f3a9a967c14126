package llm

import (
	"context"
	"errors"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one immutable conversation entry holding either text or an image.
type Message struct {
	role     Role
	text     string
	image    frames.VideoFrame
	hasImage bool
}

func TextMessage(role Role, text string) Message {
	return Message{role: role, text: text}
}

func ImageMessage(role Role, frame frames.VideoFrame) Message {
	return Message{role: role, image: frame, hasImage: true}
}

func (m Message) Role() Role    { return m.role }
func (m Message) Text() string  { return m.text }
func (m Message) IsImage() bool { return m.hasImage }
func (m Message) Image() (frames.VideoFrame, bool) {
	return m.image, m.hasImage
}

var ErrDuplicateSystem = errors.New("llm: system message must be first and unique")

// ChatContext is an ordered conversation. The first message, when present,
// is the only system message.
type ChatContext struct {
	messages []Message
}

func NewChatContext(systemPrompt string) ChatContext {
	var c ChatContext
	if systemPrompt != "" {
		c.messages = append(c.messages, TextMessage(RoleSystem, systemPrompt))
	}
	return c
}

func (c *ChatContext) Append(m Message) error {
	if m.role == RoleSystem && len(c.messages) > 0 {
		return ErrDuplicateSystem
	}
	c.messages = append(c.messages, m)
	return nil
}

// Messages returns a copy of the conversation.
func (c ChatContext) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c ChatContext) Len() int { return len(c.messages) }

// Copy returns an independent context; appends to it do not affect c.
func (c ChatContext) Copy() ChatContext {
	return ChatContext{messages: c.Messages()}
}

// Reset drops everything but the system message.
func (c *ChatContext) Reset() {
	if len(c.messages) > 0 && c.messages[0].role == RoleSystem {
		c.messages = c.messages[:1:1]
		return
	}
	c.messages = nil
}

func (c ChatContext) SystemPrompt() string {
	if len(c.messages) > 0 && c.messages[0].role == RoleSystem {
		return c.messages[0].text
	}
	return ""
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// LLMAdapter is implemented by every chat backend.
type LLMAdapter interface {
	Generate(ctx context.Context, input ChatContext) (Response, error)
	// Stream returns the reply as it is generated. A failure after the
	// stream opened is reported by Stream.Err once its tokens are drained.
	Stream(ctx context.Context, input ChatContext) (*Stream, error)
	Name() string
}
