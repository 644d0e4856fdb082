// Package types defines the shared types used across all satellite packages.
//
// Detection events, VAD results and the session error taxonomy cross package
// boundaries (detectors, transport, state machine, automation hooks), so they
// live here to avoid circular imports. Each package keeps its own domain types.
package types

import (
	"errors"
	"fmt"
	"time"
)

// DetectionKind classifies a [DetectionEvent].
type DetectionKind int

const (
	// DetectionWakeWord indicates the wake phrase was recognised.
	DetectionWakeWord DetectionKind = iota

	// DetectionSpeechStart indicates the user started speaking.
	DetectionSpeechStart

	// DetectionSpeechEnd indicates the user stopped speaking for long enough
	// to consider the utterance complete.
	DetectionSpeechEnd
)

// String returns the human-readable name of the detection kind.
func (k DetectionKind) String() string {
	switch k {
	case DetectionWakeWord:
		return "wake_word"
	case DetectionSpeechStart:
		return "speech_start"
	case DetectionSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// DetectionEvent is emitted by the wake-word detector and the voice activity
// detector. Events are delivered in the order of the frames that produced them.
type DetectionEvent struct {
	// Kind is what was detected.
	Kind DetectionKind

	// Confidence is the detector's score in [0, 1]. Only meaningful when
	// HasConfidence is true; server-side detections carry no score.
	Confidence    float64
	HasConfidence bool

	// Timestamp marks the end of the frame that triggered the event, relative
	// to the start of the capture stream.
	Timestamp time.Duration
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// ErrorKind is the category of a session-level failure.
type ErrorKind int

const (
	// DeviceError covers microphone and speaker failures, including sustained
	// frame overruns.
	DeviceError ErrorKind = iota + 1

	// TransportError covers connection loss, write failures and response
	// timeouts.
	TransportError

	// ServerError is reported by the assistant server itself.
	ServerError

	// ConfigurationError is raised during setup only and never at runtime.
	ConfigurationError
)

// String returns the error kind as used in error trigger codes and logs.
func (k ErrorKind) String() string {
	switch k {
	case DeviceError:
		return "device_error"
	case TransportError:
		return "transport_error"
	case ServerError:
		return "server_error"
	case ConfigurationError:
		return "configuration_error"
	default:
		return "unknown_error"
	}
}

// Error is a categorised session error. Code is machine-readable (the server's
// error code for [ServerError], otherwise a short identifier); Message is
// meant for humans.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

// NewError constructs an [Error]. If code is empty, the kind name is used.
func NewError(kind ErrorKind, code, message string, err error) *Error {
	if code == "" {
		code = kind.String()
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. This lets callers
// write errors.Is(err, &types.Error{Kind: types.DeviceError}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// KindOf returns the [ErrorKind] of err, or 0 if err is not (and does not wrap)
// an [*Error].
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
