// Package transport defines the link between the satellite and the remote
// assistant server.
//
// A [Transport] carries one assistant session at a time: the client opens a
// session, streams microphone frames in sequence order, finalises the
// utterance, and receives server messages (transcripts, intent progress,
// synthesized speech) until the run ends. Messages are retrieved with the
// non-blocking [Transport.Poll] so the assistant's single scheduling step can
// consume them without suspending.
//
// Link-level events ([ClientConnected], [ClientDisconnected]) are delivered
// through Poll as well, with an empty SessionID. Connection management
// (dialing, backoff) belongs to the implementation and its supervisor and is
// independent of sessions: a disconnect never silently resumes a session.
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/satellite/pkg/audio"
)

var (
	// ErrNotConnected is returned when the link to the server is down.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrQueueFull is returned by SendFrame when the outbound queue is full.
	// The frame is not sent.
	ErrQueueFull = errors.New("transport: send queue full")

	// ErrUnknownSession is returned for operations on a handle that is not
	// (or no longer) open.
	ErrUnknownSession = errors.New("transport: unknown session")

	// ErrFinalized is returned by SendFrame and Finalize after Finalize.
	ErrFinalized = errors.New("transport: session already finalized")

	// ErrSessionOpen is returned by OpenSession while another session is open.
	ErrSessionOpen = errors.New("transport: a session is already open")
)

// Handle identifies an open session.
type Handle struct {
	SessionID string
}

// Valid reports whether h refers to a session.
func (h Handle) Valid() bool { return h.SessionID != "" }

// SessionOptions describe a session to the server.
type SessionOptions struct {
	// SessionID is chosen by the client and echoed on every server message.
	SessionID string

	// SampleRate of the audio that will be sent.
	SampleRate int

	// WakeWord asks the server to detect the wake phrase itself before
	// starting speech recognition.
	WakeWord bool

	// SilenceDetection asks the server to end the utterance on silence.
	SilenceDetection bool

	// NoiseSuppressionLevel and AutoGain ask the server to process the
	// incoming audio itself. Zero requests no processing, which is what a
	// client that already processed its audio sends.
	NoiseSuppressionLevel int
	AutoGain              int

	// VolumeMultiplier is the client's playback volume.
	VolumeMultiplier float64
}

// MessageKind tags a server [Message].
type MessageKind int

const (
	// TranscriptChunk carries partial speech-to-text output in Text.
	TranscriptChunk MessageKind = iota + 1

	// STTEnd carries the final transcript in Text.
	STTEnd

	// IntentStart and IntentEnd bracket the server's intent handling.
	IntentStart
	IntentEnd

	// TTSStart opens a synthesized speech stream identified by StreamID; Text
	// is the response being spoken.
	TTSStart

	// TTSChunk carries PCM for StreamID in Audio.
	TTSChunk

	// TTSEnd closes the stream; Text repeats the response.
	TTSEnd

	// Error carries a server failure in Code and Message.
	Error

	// ClientConnected and ClientDisconnected report link state changes.
	ClientConnected
	ClientDisconnected

	// VADStart and VADEnd report server-side voice activity detection.
	VADStart
	VADEnd

	// WakeWordDetected reports that the server heard the wake phrase.
	WakeWordDetected

	// RunEnd is the last message of a session.
	RunEnd
)

// String returns the wire name of the message kind.
func (k MessageKind) String() string {
	switch k {
	case TranscriptChunk:
		return "stt_partial"
	case STTEnd:
		return "stt_end"
	case IntentStart:
		return "intent_start"
	case IntentEnd:
		return "intent_end"
	case TTSStart:
		return "tts_start"
	case TTSChunk:
		return "tts_chunk"
	case TTSEnd:
		return "tts_end"
	case Error:
		return "error"
	case ClientConnected:
		return "client_connected"
	case ClientDisconnected:
		return "client_disconnected"
	case VADStart:
		return "stt_vad_start"
	case VADEnd:
		return "stt_vad_end"
	case WakeWordDetected:
		return "wake_word_end"
	case RunEnd:
		return "run_end"
	default:
		return "unknown"
	}
}

// Message is a tagged union of everything the server (or the link) reports.
// Only the fields relevant to Kind are set.
type Message struct {
	Kind      MessageKind
	SessionID string

	Text     string
	StreamID string
	Audio    []byte
	Code     string
	Message  string
}

// Transport is the client side of the assistant server protocol.
//
// Implementations must be safe for concurrent use; the assistant calls every
// method from its scheduling step and none of them may block on the network.
type Transport interface {
	// OpenSession announces a new session. ctx bounds only the announcement.
	OpenSession(ctx context.Context, opts SessionOptions) (Handle, error)

	// SendFrame queues one microphone frame. Frames must be sent in
	// sequence order.
	SendFrame(h Handle, frame audio.AudioFrame) error

	// Finalize signals end of utterance. It may be called once per session.
	Finalize(h Handle) error

	// Close ends the session. Queued audio that has not been written is
	// discarded, and later messages for the session are dropped. Closing an
	// unknown handle is a no-op.
	Close(h Handle) error

	// Poll returns the next message without blocking.
	Poll() (Message, bool)

	// Connected reports whether the link to the server is up.
	Connected() bool
}
