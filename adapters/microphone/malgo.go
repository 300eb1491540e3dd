package microphone

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/repositories"
)

const defaultPeriodMillis = 20

// ErrDeviceStopped is reported when the capture device stops on its own
var ErrDeviceStopped = errors.New("capture device stopped")

// Microphone opens capture devices through miniaudio
type Microphone struct {
	ctx          *malgo.AllocatedContext
	periodMillis int
	logger       *zap.Logger
}

var _ repositories.AudioInput = (*Microphone)(nil)

// NewMicrophone initializes the audio context. Call Close when done.
func NewMicrophone(periodMillis int, logger *zap.Logger) (*Microphone, error) {
	if periodMillis <= 0 {
		periodMillis = defaultPeriodMillis
	}

	config := malgo.ContextConfig{}
	config.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, config, func(message string) {
		logger.Debug("miniaudio", zap.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}

	return &Microphone{ctx: ctx, periodMillis: periodMillis, logger: logger}, nil
}

// Open starts a mono float32 capture stream
func (m *Microphone) Open(ctx context.Context, config repositories.CaptureConfig, handler repositories.CaptureHandler) (repositories.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	channels := config.Channels
	if channels <= 0 {
		channels = 1
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(config.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(m.periodMillis)

	if config.EchoCancellation {
		// miniaudio exposes no echo canceller
		m.logger.Debug("Echo cancellation requested but not available on this backend")
	}

	d := &device{
		errs:   make(chan error, 1),
		logger: m.logger,
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			if d.closed.Load() {
				return
			}
			handler(downmix(input, channels, int(frameCount)))
		},
		Stop: func() {
			if !d.closed.Load() {
				d.fail(ErrDeviceStopped)
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}
	d.dev = dev

	m.logger.Info("Microphone opened",
		zap.Int("sampleRate", config.SampleRate),
		zap.Int("channels", channels),
		zap.Int("periodMs", m.periodMillis))

	return d, nil
}

// Close releases the audio context
func (m *Microphone) Close() error {
	if err := m.ctx.Uninit(); err != nil {
		return fmt.Errorf("failed to release audio context: %w", err)
	}
	m.ctx.Free()
	return nil
}

type device struct {
	dev       *malgo.Device
	errs      chan error
	closed    atomic.Bool
	closeOnce sync.Once
	logger    *zap.Logger
}

func (d *device) Errors() <-chan error {
	return d.errs
}

func (d *device) fail(err error) {
	select {
	case d.errs <- err:
	default:
	}
}

func (d *device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		if stopErr := d.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("failed to stop capture device: %w", stopErr)
		}
		// Uninit waits for the device thread, so no callback runs after it
		d.dev.Uninit()
		d.logger.Info("Microphone closed")
	})
	return err
}

// downmix converts interleaved float32 frames to mono samples
func downmix(input []byte, channels, frames int) []float32 {
	if limit := len(input) / (4 * channels); frames > limit {
		frames = limit
	}
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			offset := (i*channels + c) * 4
			sum += math.Float32frombits(binary.LittleEndian.Uint32(input[offset:]))
		}
		out[i] = sum / float32(channels)
	}
	return out
}
