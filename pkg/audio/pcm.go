// Package audio provides the PCM signal adapter used by the gateway
// pipeline: decoding raw little-endian 16-bit client frames and converting
// them to the normalized float32 samples the wake-word and VAD models
// consume.
//
// All functions are pure and allocation is bounded by the input size, so
// they are safe to call from the session loop on every frame.
package audio

import (
	"encoding/binary"
	"math"
)

// pcmScale maps the int16 sample range onto [-1, 1).
const pcmScale = 1.0 / 32768.0

// DecodePCM16 interprets b as little-endian signed 16-bit PCM and returns
// the sample values. A trailing odd byte is ignored.
func DecodePCM16(b []byte) []int16 {
	n := len(b) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return samples
}

// Normalize converts int16 samples to float32 in [-1, 1). An all-zero input
// produces an all-zero output, so pure silence never picks up scaling noise.
func Normalize(samples []int16) []float32 {
	out := make([]float32, len(samples))
	var absMax int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > absMax {
			absMax = v
		}
	}
	if absMax == 0 {
		return out
	}
	for i, s := range samples {
		out[i] = float32(float64(s) * pcmScale)
	}
	return out
}

// DownmixToMono averages interleaved multi-channel samples into mono. The
// wake-word and VAD models score single-channel audio, so multi-channel
// client streams are downmixed before normalization. Trailing samples that
// do not fill a whole frame are dropped. int32 accumulation keeps the sum
// exact; the average of in-range samples is always in range, so no clamping
// is needed.
func DownmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Float32Bytes encodes samples as little-endian IEEE-754 float32, the wire
// format the transcription service expects for captured utterances.
func Float32Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(s))
	}
	return out
}
