package transports

import (
	"context"

	"github.com/harunnryd/voxbridge/pkg/frames"
)

// Transport defines a vendor-agnostic I/O boundary for room media and data.
// Implementations are responsible for their own network lifecycle.
//
// Inbound frames carry MetaRoom and MetaParticipant so the engine can route
// them with frames.SessionKey. Outbound frames use the same keys to pick a
// destination; TextFrames are published on their MetaTopic.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g. room URL).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
