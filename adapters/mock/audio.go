package mock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/repositories"
)

const defaultBlock = 20 * time.Millisecond

// Microphone is a placeholder AudioInput that emits fixed blocks of a quiet
// tone on a ticker
type Microphone struct {
	clock     clock.Clock
	block     time.Duration
	frequency float64
	amplitude float64
	logger    *zap.Logger
}

var _ repositories.AudioInput = (*Microphone)(nil)

// NewMicrophone creates a fake microphone. A zero frequency emits silence.
func NewMicrophone(clk clock.Clock, frequency, amplitude float64, logger *zap.Logger) *Microphone {
	if clk == nil {
		clk = clock.New()
	}
	return &Microphone{
		clock:     clk,
		block:     defaultBlock,
		frequency: frequency,
		amplitude: amplitude,
		logger:    logger,
	}
}

// Open implements repositories.AudioInput
func (m *Microphone) Open(ctx context.Context, config repositories.CaptureConfig, handler repositories.CaptureHandler) (repositories.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.logger.Info("Opening fake microphone",
		zap.Int("sampleRate", config.SampleRate),
		zap.Duration("block", m.block),
		zap.Float64("frequency", m.frequency))

	d := &fakeDevice{
		errs: make(chan error),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go m.run(d, config.SampleRate, handler)
	return d, nil
}

func (m *Microphone) run(d *fakeDevice, sampleRate int, handler repositories.CaptureHandler) {
	defer close(d.done)

	ticker := m.clock.Ticker(m.block)
	defer ticker.Stop()

	size := int(int64(sampleRate) * int64(m.block) / int64(time.Second))
	var phase float64
	step := 2 * math.Pi * m.frequency / float64(sampleRate)

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			block := make([]float32, size)
			if m.frequency > 0 {
				for i := range block {
					block[i] = float32(m.amplitude * math.Sin(phase))
					phase += step
				}
				phase = math.Mod(phase, 2*math.Pi)
			}
			handler(block)
		}
	}
}

type fakeDevice struct {
	errs chan error
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (d *fakeDevice) Errors() <-chan error {
	return d.errs
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() {
		close(d.stop)
	})
	<-d.done
	return nil
}

// Speaker is a placeholder AudioOutput that takes as long as the audio
// would take to play
type Speaker struct {
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	played time.Duration
}

var _ repositories.AudioOutput = (*Speaker)(nil)

// NewSpeaker creates a fake speaker
func NewSpeaker(clk clock.Clock, logger *zap.Logger) *Speaker {
	if clk == nil {
		clk = clock.New()
	}
	return &Speaker{clock: clk, logger: logger}
}

// Play implements repositories.AudioOutput
func (s *Speaker) Play(ctx context.Context, samples []float32, sampleRate int) error {
	if sampleRate <= 0 || len(samples) == 0 {
		return nil
	}

	duration := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	s.logger.Debug("Playing fake audio",
		zap.Int("samples", len(samples)),
		zap.Duration("duration", duration))

	timer := s.clock.Timer(duration)
	select {
	case <-timer.C:
		s.mu.Lock()
		s.played += duration
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}

// Played returns the total audio duration played to completion
func (s *Speaker) Played() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}
