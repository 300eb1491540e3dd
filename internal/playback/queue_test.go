package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/internal/pcm"
)

// recordingOutput records every Play call and tracks overlapping playback
type recordingOutput struct {
	clock   clock.Clock
	hold    time.Duration
	block   bool
	started chan struct{}

	mu        sync.Mutex
	played    [][]float32
	startedAt []time.Time
	cancelled int

	active    atomic.Int32
	maxActive atomic.Int32
}

func newRecordingOutput() *recordingOutput {
	return &recordingOutput{started: make(chan struct{}, 1024)}
}

func (o *recordingOutput) Play(ctx context.Context, samples []float32, sampleRate int) error {
	n := o.active.Add(1)
	defer o.active.Add(-1)
	for {
		m := o.maxActive.Load()
		if n <= m || o.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	o.mu.Lock()
	if o.clock != nil {
		o.startedAt = append(o.startedAt, o.clock.Now())
	}
	block := o.block
	o.mu.Unlock()
	o.started <- struct{}{}

	if block {
		<-ctx.Done()
		o.mu.Lock()
		o.cancelled++
		o.mu.Unlock()
		return ctx.Err()
	}

	if o.hold > 0 {
		select {
		case <-time.After(o.hold):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.mu.Lock()
	o.played = append(o.played, samples)
	o.mu.Unlock()
	return nil
}

func (o *recordingOutput) playedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.played)
}

func chunk(seq uint64, samples ...float32) entities.AudioChunk {
	return entities.AudioChunk{Seq: seq, Payload: pcm.ToTransportText(pcm.EncodePCM16(samples))}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Queue did not drain: %v", err)
	}
}

func TestPlaysInArrivalOrder(t *testing.T) {
	out := newRecordingOutput()
	out.hold = time.Millisecond
	q := NewQueue(out, Options{}, nil, zap.NewNop(), nil)

	for i := 1; i <= 10; i++ {
		q.Enqueue(chunk(uint64(i), float32(i)/20))
	}
	waitIdle(t, q)

	if got := out.playedCount(); got != 10 {
		t.Fatalf("Expected 10 chunks played, got %d", got)
	}
	for i, samples := range out.played {
		want := float32(i+1) / 20
		if diff := samples[0] - want; diff > 1e-4 || diff < -1e-4 {
			t.Errorf("Chunk %d: expected %v, got %v", i, want, samples[0])
		}
	}

	if q.IsPlaying() {
		t.Error("Queue should be idle after draining")
	}
}

func TestNeverPlaysConcurrently(t *testing.T) {
	out := newRecordingOutput()
	out.hold = 100 * time.Microsecond
	q := NewQueue(out, Options{}, nil, zap.NewNop(), nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				q.Enqueue(chunk(uint64(g*100+i), 0.1))
			}
		}(g)
	}
	wg.Wait()

	waitFor(t, func() bool { return out.playedCount() == 200 })

	if m := out.maxActive.Load(); m != 1 {
		t.Errorf("Expected at most one active chunk, saw %d", m)
	}
}

func TestStopWhileIdle(t *testing.T) {
	q := NewQueue(newRecordingOutput(), Options{}, nil, zap.NewNop(), nil)

	q.Stop()

	if q.IsPlaying() {
		t.Error("Idle queue should not be playing after Stop")
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}

func TestStopTruncatesAndClears(t *testing.T) {
	out := newRecordingOutput()
	out.block = true
	q := NewQueue(out, Options{}, nil, zap.NewNop(), nil)

	q.Enqueue(chunk(1, 0.1))
	q.Enqueue(chunk(2, 0.2))
	q.Enqueue(chunk(3, 0.3))

	<-out.started
	if q.Len() != 2 {
		t.Errorf("Expected 2 waiting chunks, got %d", q.Len())
	}

	q.Stop()

	if q.IsPlaying() {
		t.Error("Queue should not be playing after Stop")
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue after Stop, got %d", q.Len())
	}

	waitIdle(t, q)

	out.mu.Lock()
	cancelled := out.cancelled
	out.mu.Unlock()
	if cancelled != 1 {
		t.Errorf("Expected the active chunk to be cancelled, got %d", cancelled)
	}

	select {
	case <-out.started:
		t.Error("No chunk should start after Stop")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEnqueueAfterStopPlaysNewAudio(t *testing.T) {
	out := newRecordingOutput()
	out.block = true
	q := NewQueue(out, Options{}, nil, zap.NewNop(), nil)

	q.Enqueue(chunk(1, 0.1))
	<-out.started
	q.Stop()

	out.mu.Lock()
	out.block = false
	out.mu.Unlock()

	q.Enqueue(chunk(2, 0.5))
	waitFor(t, func() bool { return out.playedCount() == 1 })
	waitIdle(t, q)

	if m := out.maxActive.Load(); m != 1 {
		t.Errorf("Restarted drain overlapped the cancelled one, saw %d active", m)
	}
}

func TestDecodeFailureIsSkipped(t *testing.T) {
	out := newRecordingOutput()
	q := NewQueue(out, Options{}, nil, zaptest.NewLogger(t), nil)

	q.Enqueue(entities.AudioChunk{Seq: 1, Payload: "%%% not base64"})
	q.Enqueue(entities.AudioChunk{Seq: 2, Payload: pcm.ToTransportText([]byte{1, 2, 3})})
	q.Enqueue(chunk(3, 0.25))
	waitIdle(t, q)

	if got := out.playedCount(); got != 1 {
		t.Fatalf("Expected only the valid chunk to play, got %d", got)
	}
	if q.IsPlaying() {
		t.Error("Queue should be idle")
	}
}

func TestGainAndRateApplied(t *testing.T) {
	out := newRecordingOutput()
	q := NewQueue(out, Options{PlaybackRate: 2, VolumeGainDB: 20}, nil, zap.NewNop(), nil)

	samples := make([]float32, 100)
	for i := range samples {
		samples[i] = 0.01
	}
	q.Enqueue(chunk(1, samples...))
	waitIdle(t, q)

	if out.playedCount() != 1 {
		t.Fatal("Expected one chunk played")
	}
	got := out.played[0]
	if len(got) != 50 {
		t.Errorf("Expected rate 2 to halve the samples, got %d", len(got))
	}
	if got[0] < 0.099 || got[0] > 0.101 {
		t.Errorf("Expected +20 dB to scale 0.01 to 0.1, got %v", got[0])
	}
}

func TestSetOptionsAppliesToNextChunk(t *testing.T) {
	out := newRecordingOutput()
	q := NewQueue(out, Options{}, nil, zap.NewNop(), nil)

	q.Enqueue(chunk(1, 0.01, 0.01))
	waitIdle(t, q)

	q.SetOptions(Options{VolumeGainDB: 20})
	q.Enqueue(chunk(2, 0.01, 0.01))
	waitIdle(t, q)

	if out.playedCount() != 2 {
		t.Fatalf("Expected two chunks played, got %d", out.playedCount())
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if got := out.played[0][0]; got < 0.0099 || got > 0.0101 {
		t.Errorf("Expected first chunk at unity gain, got %v", got)
	}
	if got := out.played[1][0]; got < 0.099 || got > 0.101 {
		t.Errorf("Expected +20 dB on the second chunk, got %v", got)
	}
}

func TestPreRollDelay(t *testing.T) {
	mock := clock.NewMock()
	out := newRecordingOutput()
	out.clock = mock
	q := NewQueue(out, Options{PreRoll: 200 * time.Millisecond}, mock, zap.NewNop(), nil)

	start := mock.Now()
	q.Enqueue(chunk(1, 0.1))

	deadline := time.Now().Add(2 * time.Second)
	for out.playedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Chunk never played")
		}
		mock.Add(10 * time.Millisecond)
	}

	out.mu.Lock()
	at := out.startedAt[0]
	out.mu.Unlock()
	if elapsed := at.Sub(start); elapsed < 200*time.Millisecond {
		t.Errorf("Chunk started after %v, expected at least 200ms pre-roll", elapsed)
	}
}

func TestStopDuringPreRoll(t *testing.T) {
	mock := clock.NewMock()
	out := newRecordingOutput()
	q := NewQueue(out, Options{PreRoll: time.Second}, mock, zap.NewNop(), nil)

	q.Enqueue(chunk(1, 0.1))
	q.Stop()
	mock.Add(2 * time.Second)
	waitIdle(t, q)

	if out.playedCount() != 0 {
		t.Error("Stopped chunk must not play after its pre-roll")
	}
}

func TestOptionsFromSettings(t *testing.T) {
	s := entities.DefaultClientSettings()
	s.AudioOutput.SpeakingRate = 1.25
	s.AudioOutput.VolumeGainDB = -6
	s.Interaction.ResponseDelay = 300 * time.Millisecond

	opts := OptionsFromSettings(s)
	if opts.PlaybackRate != 1.25 || opts.VolumeGainDB != -6 || opts.PreRoll != 300*time.Millisecond {
		t.Errorf("Unexpected options %+v", opts)
	}
	if opts.SampleRate != 24000 {
		t.Errorf("Expected 24000 Hz, got %d", opts.SampleRate)
	}
}
