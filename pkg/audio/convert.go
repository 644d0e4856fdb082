package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// FormatConverter converts a continuous PCM stream to Target.
//
// The resampler keeps its read position and the previous frame's last sample
// between calls, so consecutive frames join without clicks and the output
// rate is exact over time even when a frame's sample count does not divide
// evenly (22050 Hz TTS to a 16 kHz speaker, 44.1 kHz capture to 16 kHz).
// A change of input format restarts the stream.
//
// The zero value with Target set is ready to use. A FormatConverter must not
// be shared between goroutines.
type FormatConverter struct {
	Target Format

	src  Format
	pos  float64 // position of the next output sample relative to the next input frame
	last []int16 // previous input frame's final sample per channel

	warnedCorrupt bool
}

// Reset forgets the stream history. Call it before converting unrelated audio
// with the same converter.
func (c *FormatConverter) Reset() {
	c.src = Format{}
	c.pos = 0
	c.last = nil
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is, sharing its buffer. A frame with an odd byte count
// cannot be int16 PCM; it comes back with empty Data.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		if !c.warnedCorrupt {
			c.warnedCorrupt = true
			slog.Warn("audio: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data), "format", formatString(frame.SampleRate, frame.Channels))
		}
		return AudioFrame{Seq: frame.Seq, SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	in := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if in != c.src {
		if c.src != (Format{}) {
			slog.Debug("audio: input format changed", "from", formatString(c.src.SampleRate, c.src.Channels),
				"to", formatString(in.SampleRate, in.Channels))
		} else {
			slog.Info("audio: converting stream", "from", formatString(in.SampleRate, in.Channels),
				"to", formatString(c.Target.SampleRate, c.Target.Channels))
		}
		c.Reset()
		c.src = in
	}

	pcm := frame.Data
	channels := frame.Channels
	// Mix down before resampling and up after, so the resampler handles as
	// few channels as possible.
	if channels == 2 && c.Target.Channels == 1 {
		pcm, channels = StereoToMono(pcm), 1
	}
	if frame.SampleRate > 0 && c.Target.SampleRate > 0 && frame.SampleRate != c.Target.SampleRate {
		pcm = c.resample(pcm, channels, frame.SampleRate)
	}
	if channels == 1 && c.Target.Channels == 2 {
		pcm, channels = MonoToStereo(pcm), 2
	}

	return AudioFrame{
		Data:       pcm,
		Seq:        frame.Seq,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// resample converts interleaved pcm with ch channels from rate to the target
// rate by linear interpolation, continuing from the previous call.
func (c *FormatConverter) resample(pcm []byte, ch, rate int) []byte {
	n := len(pcm) / 2 / ch
	if n == 0 {
		return nil
	}
	if len(c.last) != ch {
		c.last = nil
	}
	at := func(i, k int) float64 {
		if i < 0 {
			if c.last == nil {
				i = 0
			} else {
				return float64(c.last[k])
			}
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[(i*ch+k)*2:])))
	}

	step := float64(rate) / float64(c.Target.SampleRate)
	out := make([]byte, 0, (int(float64(n)/step)+2)*ch*2)
	p := c.pos
	for p <= float64(n-1) {
		i := int(p)
		if p < 0 {
			i = -1
		}
		frac := p - float64(i)
		for k := range ch {
			s0 := at(i, k)
			s1 := s0
			if i+1 < n {
				s1 = at(i+1, k)
			}
			out = binary.LittleEndian.AppendUint16(out, uint16(clamp16(s0+(s1-s0)*frac)))
		}
		p += step
	}
	c.pos = p - float64(n)

	if c.last == nil {
		c.last = make([]int16, ch)
	}
	for k := range ch {
		c.last[k] = int16(at(n-1, k))
	}
	return out
}

// MonoToStereo duplicates each sample into an L+R pair. A trailing odd byte is
// ignored.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/2*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		out = append(out, pcm[i], pcm[i+1], pcm[i], pcm[i+1])
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// formatString renders a format for logs, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
