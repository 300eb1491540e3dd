package repositories

import "context"

// CaptureConfig describes the microphone stream requested from the device
type CaptureConfig struct {
	SampleRate       int  `json:"sample_rate"`
	Channels         int  `json:"channels"`
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

// CaptureHandler receives one block of mono float samples.
// It runs on the device thread and must not block.
type CaptureHandler func(samples []float32)

// AudioInput abstracts a microphone provider
type AudioInput interface {
	// Open acquires and starts a capture device
	Open(ctx context.Context, config CaptureConfig, handler CaptureHandler) (CaptureDevice, error)
}

// CaptureDevice is a running capture stream
type CaptureDevice interface {
	// Errors reports failures that happen after the device started
	Errors() <-chan error
	// Close stops the stream and releases the device.
	// The handler is not called again once Close returns.
	Close() error
}

// AudioOutput abstracts a speaker
type AudioOutput interface {
	// Play blocks until the samples finished playing or ctx is done.
	// Cancelling ctx truncates the audio immediately.
	Play(ctx context.Context, samples []float32, sampleRate int) error
}
