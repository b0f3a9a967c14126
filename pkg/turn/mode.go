package turn

import "time"

// Mode selects how user input becomes a model call.
type Mode int

const (
	// ModeAccumulating buffers input until an explicit {COMPLETE}.
	ModeAccumulating Mode = iota
	// ModeLive dispatches every utterance as soon as it arrives.
	ModeLive
)

func (m Mode) String() string {
	switch m {
	case ModeAccumulating:
		return "accumulating"
	case ModeLive:
		return "live"
	default:
		return "unknown"
	}
}

// ModeChange represents a mode transition.
type ModeChange struct {
	From      Mode
	To        Mode
	Timestamp time.Time
	Reason    string
}

// ModeListener observes mode transitions.
type ModeListener interface {
	OnModeChange(event ModeChange)
}
