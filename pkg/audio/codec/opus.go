package codec

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/satellite/pkg/audio"
)

// maxOpusFrame is the longest frame an Opus packet can carry.
const maxOpusFrame = 60 * time.Millisecond

// Opus is a mono Opus codec tuned for voice. Encode accepts exactly one frame
// of a duration Opus supports (2.5, 5, 10, 20, 40 or 60 ms).
type Opus struct {
	sampleRate int
	enc        *gopus.Encoder
	dec        *gopus.Decoder
}

var _ Codec = (*Opus)(nil)

// NewOpus creates an encoder/decoder pair for mono audio at sampleRate, which
// must be one of 8000, 12000, 16000, 24000 or 48000.
func NewOpus(sampleRate int) (*Opus, error) {
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Opus{sampleRate: sampleRate, enc: enc, dec: dec}, nil
}

// Name implements [Codec].
func (o *Opus) Name() string { return "opus" }

// Encode implements [Codec].
func (o *Opus) Encode(pcm []byte) ([]byte, error) {
	samples := audio.Samples(pcm)
	packet, err := o.enc.Encode(samples, len(samples), len(pcm))
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode %d samples: %w", len(samples), err)
	}
	return packet, nil
}

// Decode implements [Codec].
func (o *Opus) Decode(payload []byte) ([]byte, error) {
	maxSamples := int(int64(o.sampleRate) * int64(maxOpusFrame) / int64(time.Second))
	samples, err := o.dec.Decode(payload, maxSamples, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return audio.PCM(samples), nil
}
