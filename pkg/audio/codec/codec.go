// Package codec converts pipeline PCM to and from the payload encodings the
// assistant server accepts. Raw PCM is always available; Opus is provided by
// layeh.com/gopus for links where bandwidth matters.
package codec

import (
	"fmt"
	"strings"
)

// Codec encodes outbound microphone frames and decodes inbound TTS payloads.
// A Codec carries per-stream state (Opus prediction) and must not be shared
// between concurrent streams.
type Codec interface {
	// Name is the identifier negotiated with the server ("pcm", "opus").
	Name() string

	// Encode converts one little-endian int16 PCM frame to a payload.
	Encode(pcm []byte) ([]byte, error)

	// Decode converts one payload back to little-endian int16 PCM.
	Decode(payload []byte) ([]byte, error)
}

// New returns the codec called name for mono audio at sampleRate.
func New(name string, sampleRate int) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "pcm":
		return PCM{}, nil
	case "opus":
		return NewOpus(sampleRate)
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// PCM passes little-endian int16 PCM through unchanged.
type PCM struct{}

var _ Codec = PCM{}

// Name implements [Codec].
func (PCM) Name() string { return "pcm" }

// Encode implements [Codec].
func (PCM) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("codec: pcm: odd byte count %d", len(pcm))
	}
	return pcm, nil
}

// Decode implements [Codec].
func (PCM) Decode(payload []byte) ([]byte, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("codec: pcm: odd byte count %d", len(payload))
	}
	return payload, nil
}
