package speaker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/repositories"
	"github.com/linht-le/realtime-voice-agent/internal/pcm"
)

const (
	// 4800 bytes is 100ms of 24kHz mono PCM16
	defaultBufferBytes = 4800
	pollInterval       = 10 * time.Millisecond
)

// Speaker plays mono PCM16 through the default output device
type Speaker struct {
	ctx        *oto.Context
	sampleRate int
	logger     *zap.Logger

	// serializes players so only one chunk sounds at a time
	mu sync.Mutex
}

var _ repositories.AudioOutput = (*Speaker)(nil)

// NewSpeaker opens the output device. Only one Speaker may exist per process.
func NewSpeaker(sampleRate int, logger *zap.Logger) (*Speaker, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(defaultBufferBytes/2) * time.Second / time.Duration(sampleRate),
	}

	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to init speaker: %w", err)
	}
	<-ready

	logger.Info("Speaker opened", zap.Int("sampleRate", sampleRate))

	return &Speaker{ctx: ctx, sampleRate: sampleRate, logger: logger}, nil
}

// Play blocks until samples finished playing or ctx is done
func (s *Speaker) Play(ctx context.Context, samples []float32, sampleRate int) error {
	if sampleRate != s.sampleRate {
		return fmt.Errorf("sample rate %d does not match output rate %d", sampleRate, s.sampleRate)
	}
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	player := s.ctx.NewPlayer(bytes.NewReader(pcm.EncodePCM16(samples)))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
			if !player.IsPlaying() {
				if err := player.Err(); err != nil {
					return fmt.Errorf("playback failed: %w", err)
				}
				return nil
			}
		}
	}
}
