// Package pcm converts between float audio samples, 16-bit little-endian PCM
// and the base64 transport text carried in JSON messages.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// BytesPerSample for signed 16-bit PCM
	BytesPerSample = 2

	negativeScale = 32768.0
	positiveScale = 32767.0
)

// ErrOddLength is returned when a PCM16 buffer does not hold whole samples
var ErrOddLength = errors.New("pcm16 data has odd length")

// EncodePCM16 clamps every sample to [-1, 1] and writes it as signed 16-bit
// little-endian. Negative values scale by 32768, the rest by 32767.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(quantize(s)))
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
		if v < 0 {
			out[i] = float32(float64(v) / negativeScale)
		} else {
			out[i] = float32(float64(v) / positiveScale)
		}
	}
	return out, nil
}

// ToTransportText encodes binary audio for a JSON field
func ToTransportText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromTransportText decodes transport text back to bytes
func FromTransportText(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("invalid transport text: %w", err)
	}
	return data, nil
}

// quantize rounds to the nearest code so decoded PCM re-encodes unchanged
func quantize(s float32) int16 {
	f := float64(s)
	if math.IsNaN(f) {
		return 0
	}
	f = math.Max(-1, math.Min(1, f))
	if f < 0 {
		return int16(math.Round(f * negativeScale))
	}
	return int16(math.Round(f * positiveScale))
}
