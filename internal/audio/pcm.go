package audio

import (
	"encoding/binary"
	"math"
)

// PCM16ToFloat32 converts little-endian signed 16-bit samples to floats in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, v := range samples {
		out[i] = float32(v) / 32768.0
	}
	return out
}

// Float32ToPCM16 clamps samples to [-1, 1] and encodes them as
// little-endian signed 16-bit PCM.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s >= 1 {
		return math.MaxInt16
	}
	if s <= -1 {
		return math.MinInt16
	}
	return int16(math.Round(float64(s) * 32767))
}

// Seconds returns the duration of n mono samples at rate.
func Seconds(n, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(n) / float64(rate)
}

// Float32ToBytes encodes samples as little-endian IEEE 754 floats.
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
