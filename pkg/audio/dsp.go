package audio

import (
	"encoding/binary"
	"math"
)

// Samples decodes little-endian int16 PCM into samples. A trailing odd byte is
// ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCM encodes samples as little-endian int16 PCM.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square level of pcm normalised to [0, 1], where 1
// is a full-scale square wave.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// ScaleVolume multiplies every sample in pcm by factor, clamping to the int16
// range. pcm is modified in place and returned. A factor of 1 is a no-op.
func ScaleVolume(pcm []byte, factor float64) []byte {
	if factor == 1 {
		return pcm
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(clamp16(s*factor)))
	}
	return pcm
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// ---- noise suppression ----

// MaxNoiseSuppressionLevel is the strongest supported suppression level.
const MaxNoiseSuppressionLevel = 4

// NoiseSuppressor is a level-controlled noise gate. It tracks the background
// noise floor and attenuates frames whose level stays close to it. Level 0
// disables processing.
//
// Not safe for concurrent use; create one per capture stream.
type NoiseSuppressor struct {
	level int
	floor float64
}

// NewNoiseSuppressor returns a suppressor for level, clamped to
// [0, MaxNoiseSuppressionLevel].
func NewNoiseSuppressor(level int) *NoiseSuppressor {
	level = max(0, min(level, MaxNoiseSuppressionLevel))
	return &NoiseSuppressor{level: level}
}

// Process applies the gate to pcm in place and returns it.
func (n *NoiseSuppressor) Process(pcm []byte) []byte {
	if n.level == 0 || len(pcm) < 2 {
		return pcm
	}
	level := RMS(pcm)
	switch {
	case n.floor == 0:
		n.floor = level
	case level < n.floor:
		// Follow the floor down quickly, up slowly.
		n.floor = 0.5*n.floor + 0.5*level
	default:
		n.floor = 0.995*n.floor + 0.005*level
	}
	// Each level widens the gate by 50% of the floor and gates harder.
	gate := n.floor * (1 + 0.5*float64(n.level))
	if level <= gate {
		ScaleVolume(pcm, 1-0.2*float64(n.level))
	}
	return pcm
}

// Reset forgets the learned noise floor.
func (n *NoiseSuppressor) Reset() { n.floor = 0 }

// ---- automatic gain ----

// MaxAutoGainDBFS is the largest supported auto-gain target.
const MaxAutoGainDBFS = 31

// maxAutoGain caps amplification so near-silent input is not blown up.
const maxAutoGain = 10.0

// AutoGain normalises frame peaks towards a target level expressed in dB below
// full scale. A target of 0 disables processing. Gain moves gradually between
// frames to avoid pumping.
//
// Not safe for concurrent use; create one per capture stream.
type AutoGain struct {
	target float64 // linear peak target; 0 = disabled
	gain   float64
}

// NewAutoGain returns an auto-gain stage targeting -dbfs dBFS. dbfs is
// clamped to [0, MaxAutoGainDBFS].
func NewAutoGain(dbfs int) *AutoGain {
	dbfs = max(0, min(dbfs, MaxAutoGainDBFS))
	if dbfs == 0 {
		return &AutoGain{gain: 1}
	}
	return &AutoGain{target: math.Pow(10, -float64(dbfs)/20), gain: 1}
}

// Gain returns the gain currently applied.
func (a *AutoGain) Gain() float64 { return a.gain }

// Process applies the current gain to pcm in place and returns it.
func (a *AutoGain) Process(pcm []byte) []byte {
	if a.target == 0 || len(pcm) < 2 {
		return pcm
	}
	var peak int32
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if s < 0 {
			s = -s
		}
		peak = max(peak, s)
	}
	if peak > 0 {
		want := a.target * 32768 / float64(peak)
		want = min(want, maxAutoGain)
		if want < a.gain {
			// Attack immediately to avoid clipping.
			a.gain = want
		} else {
			a.gain += (want - a.gain) * 0.1
		}
	}
	return ScaleVolume(pcm, a.gain)
}

// Reset restores unity gain.
func (a *AutoGain) Reset() { a.gain = 1 }
