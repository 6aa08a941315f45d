package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"strings"
)

// Downstream and upstream PCM wire formats.
const (
	InputMimeType  = "audio/pcm;rate=16000"
	OutputMimeType = "audio/pcm;rate=24000"
)

func floatToInt16(sample float64) int16 {
	if sample > 1.0 {
		sample = 1.0
	}
	if sample < -1.0 {
		sample = -1.0
	}
	if sample >= 0 {
		return int16(math.Round(sample * 32767.0))
	}
	return int16(math.Round(sample * 32768.0))
}

// FloatToPCM16 converts [-1,1] samples to little-endian 16-bit PCM bytes.
func FloatToPCM16(samples []float64) []byte {
	if len(samples) == 0 {
		return nil
	}
	pcm := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(floatToInt16(sample)))
	}
	return pcm
}

// PCM16ToFloat converts little-endian 16-bit PCM bytes to [-1,1] samples.
// A trailing odd byte is dropped.
func PCM16ToFloat(pcm []byte) []float64 {
	count := len(pcm) / 2
	if count == 0 {
		return nil
	}
	samples := make([]float64, count)
	for i := 0; i < count; i++ {
		value := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if value >= 0 {
			samples[i] = float64(value) / 32767.0
		} else {
			samples[i] = float64(value) / 32768.0
		}
	}
	return samples
}

// EncodeBase64 encodes raw bytes for the JSON wire.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes wire payloads back to raw bytes.
func DecodeBase64(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}

// ValidPayload reports whether a client audio payload has the required shape:
// a non-empty base64 string and a mime type naming an audio format.
func ValidPayload(data string, mimeType string) bool {
	if data == "" {
		return false
	}
	return strings.Contains(mimeType, "audio")
}
