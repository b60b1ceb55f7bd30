// Package audio converts between the sample formats that cross the wire:
// s16le and f32le byte streams, normalized float32 samples, and WAV.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeS16LE converts little-endian 16-bit signed PCM bytes to float32
// samples normalized to [-1, 1]. Fails on odd-length or empty input.
func DecodeS16LE(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%2 != 0 {
		return nil, fmt.Errorf("s16le payload length %d not a positive multiple of 2", len(data))
	}
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples, nil
}

// EncodeS16LE converts float32 samples to little-endian 16-bit signed PCM,
// clamping each sample to [-1, 1] before scaling.
func EncodeS16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := max(float32(-1.0), min(float32(1.0), s))
		scaled := int16(math.Round(float64(clamped) * math.MaxInt16))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(scaled))
	}
	return out
}

// DecodeF32LE converts little-endian 32-bit float PCM bytes to samples.
// Fails on empty input, lengths not divisible by 4, or non-finite values.
func DecodeF32LE(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("f32le payload length %d not a positive multiple of 4", len(data))
	}
	n := len(data) / 4
	samples := make([]float32, n)
	for i := range n {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		f := math.Float32frombits(bits)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, fmt.Errorf("f32le sample %d is not finite", i)
		}
		samples[i] = f
	}
	return samples, nil
}

// ApplyGain scales samples in place by level, clamping the result to [-1, 1].
func ApplyGain(samples []float32, level float32) {
	for i, s := range samples {
		samples[i] = max(float32(-1.0), min(float32(1.0), s*level))
	}
}
