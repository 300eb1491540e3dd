package repositories

import "context"

// TextToSpeech converts text into a stream of 16-bit little-endian PCM chunks
type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string, languageCode string) (<-chan []byte, error)
}
