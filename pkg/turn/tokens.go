package turn

import (
	"strings"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

// Control tokens exchanged with room clients as plain text.
const (
	TokenRequireStartOn       = "{REQUIRE_START_ON}"
	TokenRequireStartOff      = "{REQUIRE_START_OFF}"
	TokenComplete             = "{COMPLETE}"
	TokenClearChat            = "{CLEAR_CHAT}"
	TokenAgentStartedSpeaking = "{AGENT_STARTED_SPEAKING}"
	TokenAgentStoppedSpeaking = "{AGENT_STOPPED_SPEAKING}"
	TokenVideoContextOn       = "{VIDEO_CONTEXT_ON}"
	TokenVideoContextOff      = "{VIDEO_CONTEXT_OFF}"
	TokenClear                = "{CLEAR}"
)

type EventKind int

const (
	EventIgnore EventKind = iota
	EventText
	EventRequireStartOn
	EventRequireStartOff
	EventComplete
	EventClearChat
	EventVideoContextOn
	EventVideoContextOff
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventRequireStartOn:
		return "require_start_on"
	case EventRequireStartOff:
		return "require_start_off"
	case EventComplete:
		return "complete"
	case EventClearChat:
		return "clear_chat"
	case EventVideoContextOn:
		return "video_context_on"
	case EventVideoContextOff:
		return "video_context_off"
	default:
		return "ignore"
	}
}

// Event is one input to the controller.
type Event struct {
	Kind EventKind
	Text string
}

func TextEvent(text string) Event { return Event{Kind: EventText, Text: text} }

var chatTokens = map[string]EventKind{
	TokenRequireStartOn:  EventRequireStartOn,
	TokenRequireStartOff: EventRequireStartOff,
	TokenComplete:        EventComplete,
	TokenClearChat:       EventClearChat,
	TokenVideoContextOn:  EventVideoContextOn,
	TokenVideoContextOff: EventVideoContextOff,
}

// ParseEvent classifies a data message received on topic.
// Chat text that is not a token becomes a text fragment. The video_context
// topic only carries the two video tokens; everything else is ignored, as is
// any other topic.
func ParseEvent(text, topic string) Event {
	trimmed := strings.TrimSpace(text)
	switch topic {
	case frames.TopicChat:
		if kind, ok := chatTokens[trimmed]; ok {
			return Event{Kind: kind}
		}
		if trimmed == "" {
			return Event{Kind: EventIgnore}
		}
		return TextEvent(text)
	case frames.TopicVideoContext:
		switch trimmed {
		case TokenVideoContextOn:
			return Event{Kind: EventVideoContextOn}
		case TokenVideoContextOff:
			return Event{Kind: EventVideoContextOff}
		}
	}
	return Event{Kind: EventIgnore}
}
