package assistant

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/satellite/pkg/transport"
	"github.com/MrWong99/satellite/pkg/types"
)

// Phase is the state of the session state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaitingForWakeWord
	PhaseListening
	PhaseStreaming
	PhaseWaitingForServer
	PhaseTTSStreaming
	PhaseError
	PhaseEnded
)

// String returns the snake_case name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaitingForWakeWord:
		return "waiting_for_wake_word"
	case PhaseListening:
		return "listening"
	case PhaseStreaming:
		return "streaming"
	case PhaseWaitingForServer:
		return "waiting_for_server"
	case PhaseTTSStreaming:
		return "tts_streaming"
	case PhaseError:
		return "error"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Session is the single voice interaction owned by the [Assistant]. It is
// created when the assistant leaves Idle and released when it reaches Ended.
// Values returned by [Assistant.Session] are snapshots.
type Session struct {
	ID    string
	Phase Phase

	// SilenceDetection ends the utterance on detected silence.
	SilenceDetection bool

	// Continuous sessions were started by StartContinuous.
	Continuous bool

	// Transcript is the latest speech-to-text result; empty until the server
	// sends one.
	Transcript string

	// Err is set once the session failed.
	Err *types.Error

	StartedAt     time.Time
	FramesSent    int
	FramesDropped int

	handle      transport.Handle
	streamID    string
	speech      bool // speech start reported
	vadEnded    bool
	sttEnded    bool
	finalizedAt time.Time
	responded   bool
	deadline    time.Time

	ctx  context.Context
	span trace.Span
}

func (s *Session) snapshot() Session {
	cp := *s
	cp.ctx, cp.span = nil, nil
	return cp
}
