// Package capture owns the microphone path of a conversation: it opens the
// input device, runs every block through the processing and gain stages and
// posts the result as immutable frames on a channel.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/domain/repositories"
	"github.com/linht-le/realtime-voice-agent/internal/metrics"
	"github.com/linht-le/realtime-voice-agent/internal/pcm"
)

var (
	// ErrDeviceUnavailable is returned when no input device can be opened
	ErrDeviceUnavailable = errors.New("audio input device unavailable")

	// ErrAlreadyRunning is returned by Start on a running session
	ErrAlreadyRunning = errors.New("capture session already running")
)

// frameBuffer is how many frames may wait for the consumer before new ones are dropped
const frameBuffer = 64

// Config describes how the microphone should be opened and processed
type Config struct {
	NoiseReduction   entities.NoiseReduction
	EchoCancellation bool
	AutoGainControl  bool
	InputSensitivity float64
	SampleRate       int
}

// ConfigFromSettings builds a capture config from the client settings
func ConfigFromSettings(s entities.AudioInputSettings) Config {
	return Config{
		NoiseReduction:   s.NoiseReduction,
		EchoCancellation: s.EchoCancellation,
		AutoGainControl:  s.AutoGainControl,
		InputSensitivity: s.InputSensitivity,
		SampleRate:       s.SampleRate,
	}
}

// Frame is one processed block of mono float audio
type Frame struct {
	Seq     uint64
	Samples []float32
}

// Session captures microphone frames while a conversation is connected.
// A session can be started again after Stop; each run gets fresh channels.
type Session struct {
	input   repositories.AudioInput
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu  sync.Mutex
	run *run
}

// run holds everything acquired by one Start
type run struct {
	device repositories.CaptureDevice
	proc   *processor
	gain   *gainStage

	active atomic.Bool
	seq    atomic.Uint64

	frames  chan Frame
	errs    chan error
	done    chan struct{}
	watcher sync.WaitGroup
}

// NewSession creates a capture session on top of an audio input
func NewSession(input repositories.AudioInput, logger *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		input:   input,
		logger:  logger,
		metrics: m,
	}
}

// Start opens the input device and begins emitting frames
func (s *Session) Start(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return ErrAlreadyRunning
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = entities.DefaultSampleRate
	}

	r := &run{
		proc:   newProcessor(cfg.NoiseReduction, cfg.AutoGainControl),
		gain:   newGainStage(cfg.InputSensitivity),
		frames: make(chan Frame, frameBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	device, err := s.input.Open(ctx, repositories.CaptureConfig{
		SampleRate:       cfg.SampleRate,
		Channels:         1,
		EchoCancellation: cfg.EchoCancellation,
		NoiseSuppression: cfg.NoiseReduction != entities.NoiseReductionOff,
		AutoGainControl:  cfg.AutoGainControl,
	}, func(samples []float32) {
		s.handleBlock(r, samples)
	})
	if err != nil {
		s.metrics.RecordCaptureError()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	r.device = device
	r.active.Store(true)

	r.watcher.Add(1)
	go s.watchDevice(r)

	s.run = r

	s.logger.Info("Capture started",
		zap.Int("sampleRate", cfg.SampleRate),
		zap.String("noiseReduction", string(cfg.NoiseReduction)),
		zap.Bool("echoCancellation", cfg.EchoCancellation),
		zap.Bool("autoGainControl", cfg.AutoGainControl),
		zap.Float64("inputSensitivity", cfg.InputSensitivity))

	return nil
}

// Stop tears the capture graph down in reverse order of acquisition.
// It is a no-op when the session is not running.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()

	if r == nil {
		return
	}

	// Detach the gain and processing stages; no frame is emitted after this.
	r.active.Store(false)

	if err := r.device.Close(); err != nil {
		s.logger.Warn("Failed to close capture device", zap.Error(err))
	}

	close(r.done)
	r.watcher.Wait()
	close(r.frames)

	s.logger.Info("Capture stopped", zap.Uint64("frames", r.seq.Load()))
}

// Running reports whether a device is currently open
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Frames returns the frame channel of the current run.
// The channel is closed by Stop. Nil when not running.
func (s *Session) Frames() <-chan Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.frames
}

// Errors delivers at most one terminal device error for the current run
func (s *Session) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.errs
}

// handleBlock runs on the audio thread and must never block
func (s *Session) handleBlock(r *run, samples []float32) {
	if !r.active.Load() || len(samples) == 0 {
		return
	}

	block := make([]float32, len(samples))
	copy(block, samples)
	r.proc.process(block)
	r.gain.apply(block)
	s.metrics.SetInputPeak(pcm.PeakLevel(block))

	frame := Frame{Seq: r.seq.Add(1), Samples: block}
	select {
	case r.frames <- frame:
		s.metrics.RecordFrameCaptured()
	default:
		s.metrics.RecordFrameDropped()
	}
}

func (s *Session) watchDevice(r *run) {
	defer r.watcher.Done()

	deviceErrs := r.device.Errors()
	select {
	case err, ok := <-deviceErrs:
		if !ok || err == nil {
			return
		}
		r.active.Store(false)
		s.metrics.RecordCaptureError()
		s.logger.Error("Capture device failed", zap.Error(err))
		select {
		case r.errs <- fmt.Errorf("%w: %v", ErrDeviceUnavailable, err):
		default:
		}
	case <-r.done:
	}
}
