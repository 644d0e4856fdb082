package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/satellite/pkg/transport"
)

// Client → server control message types.
const (
	typeRunStart  = "run_start"
	typeAudioEnd  = "audio_end"
	typeRunCancel = "run_cancel"
)

// envelope is the JSON shape of every text frame in both directions.
type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// run_start
	SampleRate            int     `json:"sample_rate,omitempty"`
	Codec                 string  `json:"codec,omitempty"`
	WakeWord              bool    `json:"wake_word,omitempty"`
	SilenceDetection      bool    `json:"silence_detection,omitempty"`
	NoiseSuppressionLevel int     `json:"noise_suppression_level,omitempty"`
	AutoGain              int     `json:"auto_gain,omitempty"`
	VolumeMultiplier      float64 `json:"volume_multiplier,omitempty"`

	// server events
	Text     string `json:"text,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// serverKinds maps server event types to message kinds. Binary TTS chunks
// have no JSON form.
var serverKinds = func() map[string]transport.MessageKind {
	m := make(map[string]transport.MessageKind)
	for _, k := range []transport.MessageKind{
		transport.TranscriptChunk,
		transport.STTEnd,
		transport.IntentStart,
		transport.IntentEnd,
		transport.TTSStart,
		transport.TTSEnd,
		transport.Error,
		transport.VADStart,
		transport.VADEnd,
		transport.WakeWordDetected,
		transport.RunEnd,
	} {
		m[k.String()] = k
	}
	return m
}()

// toMessage converts a server envelope. ok is false for unknown types.
func (e envelope) toMessage() (transport.Message, bool) {
	kind, ok := serverKinds[e.Type]
	if !ok {
		return transport.Message{}, false
	}
	return transport.Message{
		Kind:      kind,
		SessionID: e.SessionID,
		Text:      e.Text,
		StreamID:  e.StreamID,
		Code:      e.Code,
		Message:   e.Message,
	}, true
}

// Binary frames start with a length-prefixed identifier: the session ID for
// client audio, the stream ID for server speech. Client audio then carries the
// frame sequence number as 8 big-endian bytes.
//
//	audio: [idLen u8][session id][seq u64][payload]
//	tts:   [idLen u8][stream id][payload]

var errShortFrame = errors.New("websocket: binary frame too short")

func encodeAudio(sessionID string, seq uint64, payload []byte) ([]byte, error) {
	if len(sessionID) > 255 {
		return nil, fmt.Errorf("websocket: session id too long (%d bytes)", len(sessionID))
	}
	out := make([]byte, 0, 1+len(sessionID)+8+len(payload))
	out = append(out, byte(len(sessionID)))
	out = append(out, sessionID...)
	out = binary.BigEndian.AppendUint64(out, seq)
	return append(out, payload...), nil
}

func decodeAudio(b []byte) (sessionID string, seq uint64, payload []byte, err error) {
	id, rest, err := splitID(b)
	if err != nil {
		return "", 0, nil, err
	}
	if len(rest) < 8 {
		return "", 0, nil, errShortFrame
	}
	return id, binary.BigEndian.Uint64(rest), rest[8:], nil
}

func encodeSpeech(streamID string, payload []byte) ([]byte, error) {
	if len(streamID) > 255 {
		return nil, fmt.Errorf("websocket: stream id too long (%d bytes)", len(streamID))
	}
	out := make([]byte, 0, 1+len(streamID)+len(payload))
	out = append(out, byte(len(streamID)))
	out = append(out, streamID...)
	return append(out, payload...), nil
}

func decodeSpeech(b []byte) (streamID string, payload []byte, err error) {
	return splitID(b)
}

func splitID(b []byte) (string, []byte, error) {
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return "", nil, errShortFrame
	}
	n := int(b[0])
	return string(b[1 : 1+n]), b[1+n:], nil
}
