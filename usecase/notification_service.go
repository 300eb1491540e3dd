package usecase

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/domain/repositories"
	"github.com/linht-le/realtime-voice-agent/internal/pcm"
)

// ChunkSink receives synthesized audio in playback order
type ChunkSink interface {
	Enqueue(chunk entities.AudioChunk)
}

// NotificationService speaks server notifications through the playback
// queue. Announce never blocks; Stop drops every announcement in flight.
type NotificationService struct {
	textToSpeech repositories.TextToSpeech
	sink         ChunkSink
	logger       *zap.Logger

	mu         sync.Mutex
	language   string
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	seq        uint64
	wg         sync.WaitGroup
}

// NewNotificationService creates a new notification service
func NewNotificationService(tts repositories.TextToSpeech, sink ChunkSink, language string, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		textToSpeech: tts,
		sink:         sink,
		logger:       logger,
		language:     language,
	}
}

// SetLanguage sets the speech locale used for later announcements
func (s *NotificationService) SetLanguage(language string) {
	s.mu.Lock()
	s.language = language
	s.mu.Unlock()
}

// Announce starts speaking text in the background
func (s *NotificationService) Announce(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.textToSpeech == nil {
		return
	}

	// Announcements between two Stops share one context
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.wg.Add(1)
	go s.speak(s.ctx, s.generation, text, s.language)
}

// Stop cancels every announcement in flight. Audio already handed to the
// sink is left to the sink's own Stop.
func (s *NotificationService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.ctx, s.cancel = nil, nil
	}
}

// Wait blocks until every started announcement returned
func (s *NotificationService) Wait() {
	s.wg.Wait()
}

func (s *NotificationService) speak(ctx context.Context, gen uint64, text, language string) {
	defer s.wg.Done()

	s.logger.Info("Announcing notification",
		zap.String("text", text),
		zap.String("language", language))

	audio, err := s.textToSpeech.ConvertTextToSpeech(ctx, text, language)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Notification speech failed", zap.Error(err))
		}
		return
	}

	var remainder []byte
	chunks := 0
	for data := range audio {
		// PCM16 samples may straddle chunk boundaries
		if len(remainder) > 0 {
			data = append(remainder, data...)
			remainder = nil
		}
		if len(data)%pcm.BytesPerSample != 0 {
			remainder = []byte{data[len(data)-1]}
			data = data[:len(data)-1]
		}
		if len(data) == 0 {
			continue
		}

		if !s.deliver(gen, data) {
			return
		}
		chunks++
	}

	s.logger.Debug("Notification spoken", zap.Int("chunks", chunks))
}

func (s *NotificationService) deliver(gen uint64, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return false
	}
	s.seq++
	s.sink.Enqueue(entities.AudioChunk{
		Seq:     s.seq,
		Payload: pcm.ToTransportText(data),
	})
	return true
}
