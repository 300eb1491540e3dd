// Package playback plays server audio chunks strictly one after another and
// supports dropping everything queued or playing when the user barges in.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/domain/repositories"
	"github.com/linht-le/realtime-voice-agent/internal/metrics"
	"github.com/linht-le/realtime-voice-agent/internal/pcm"
)

// Options control how each chunk is rendered
type Options struct {
	SampleRate   int
	PlaybackRate float64
	VolumeGainDB float64
	PreRoll      time.Duration
}

// OptionsFromSettings builds playback options from the client settings
func OptionsFromSettings(s entities.ClientSettings) Options {
	return Options{
		SampleRate:   s.AudioInput.SampleRate,
		PlaybackRate: s.AudioOutput.SpeakingRate,
		VolumeGainDB: s.AudioOutput.VolumeGainDB,
		PreRoll:      s.Interaction.ResponseDelay,
	}
}

// Queue is a FIFO of audio chunks drained by a single goroutine at a time
type Queue struct {
	output  repositories.AudioOutput
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	opts    Options
	pending []entities.AudioChunk
	playing bool

	// cancel aborts the delay or playback of the active chunk
	cancel context.CancelFunc

	// generation is bumped by Stop so a drain that wakes late exits quietly
	generation uint64

	// drainDone is closed when the most recent drain goroutine exits
	drainDone chan struct{}
}

// NewQueue creates an idle playback queue
func NewQueue(output repositories.AudioOutput, opts Options, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		output:  output,
		clock:   clk,
		logger:  logger,
		metrics: m,
		opts:    normalize(opts),
	}
}

// SetOptions replaces the render options; the active chunk keeps the old ones
func (q *Queue) SetOptions(opts Options) {
	q.mu.Lock()
	q.opts = normalize(opts)
	q.mu.Unlock()
}

// Enqueue appends a chunk and starts draining if nothing is playing
func (q *Queue) Enqueue(chunk entities.AudioChunk) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, chunk)
	q.metrics.RecordChunkEnqueued(len(q.pending))

	if q.playing {
		return
	}
	q.playing = true

	prev := q.drainDone
	done := make(chan struct{})
	q.drainDone = done
	go q.drain(q.generation, prev, done)
}

// Stop clears the queue and truncates the active chunk.
// Safe to call when nothing is playing.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.playing && len(q.pending) == 0 {
		return
	}

	dropped := len(q.pending)
	q.pending = nil
	q.generation++
	q.playing = false
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.metrics.SetQueueDepth(0)

	q.logger.Debug("Playback stopped", zap.Int("droppedChunks", dropped))
}

// IsPlaying reports whether a chunk is being decoded, delayed or played
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of chunks waiting behind the active one
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until the current drain finishes or ctx is done
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	done := q.drainDone
	q.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain(gen uint64, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// A drain cut short by Stop may still be returning from the device
	if prev != nil {
		<-prev
	}

	for {
		q.mu.Lock()
		if gen != q.generation {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.playing = false
			q.mu.Unlock()
			return
		}
		chunk := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		opts := q.opts
		q.mu.Unlock()

		played := q.play(ctx, chunk, opts)
		cancel()

		q.mu.Lock()
		if gen == q.generation {
			q.cancel = nil
			if played {
				q.metrics.RecordChunkPlayed(len(q.pending))
			}
		}
		q.mu.Unlock()
	}
}

// play renders one chunk and reports whether it played to completion
func (q *Queue) play(ctx context.Context, chunk entities.AudioChunk, opts Options) bool {
	samples, err := decode(chunk.Payload)
	if err != nil {
		q.metrics.RecordDecodeFailure()
		q.logger.Warn("Skipping undecodable audio chunk",
			zap.Uint64("seq", chunk.Seq),
			zap.Error(err))
		return false
	}

	if opts.PreRoll > 0 {
		t := q.clock.Timer(opts.PreRoll)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		}
	}

	samples = pcm.Resample(samples, opts.PlaybackRate)
	pcm.Gain(samples, pcm.DBToLinear(opts.VolumeGainDB))

	if ctx.Err() != nil {
		return false
	}

	if err := q.output.Play(ctx, samples, opts.SampleRate); err != nil {
		if !errors.Is(err, context.Canceled) {
			q.logger.Warn("Audio output failed",
				zap.Uint64("seq", chunk.Seq),
				zap.Error(err))
		}
		return false
	}
	return true
}

func decode(payload string) ([]float32, error) {
	data, err := pcm.FromTransportText(payload)
	if err != nil {
		return nil, err
	}
	return pcm.DecodePCM16(data)
}

func normalize(opts Options) Options {
	if opts.SampleRate <= 0 {
		opts.SampleRate = entities.DefaultSampleRate
	}
	if opts.PlaybackRate <= 0 {
		opts.PlaybackRate = 1
	}
	if opts.PreRoll < 0 {
		opts.PreRoll = 0
	}
	return opts
}
