package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/internal/conversation"
	"github.com/linht-le/realtime-voice-agent/internal/metrics"
	"github.com/linht-le/realtime-voice-agent/internal/pcm"
)

const (
	DefaultResponseErrorTTL = 5 * time.Second
	DefaultSessionErrorTTL  = 8 * time.Second
)

// Player is the part of the playback queue the router drives
type Player interface {
	Enqueue(chunk entities.AudioChunk)
	Stop()
	IsPlaying() bool
}

// Announcer speaks notification text aloud. Announce must not block.
type Announcer interface {
	Announce(text string)
	Stop()
}

// RouterConfig holds the behaviour switches read from the client settings
type RouterConfig struct {
	AllowBargeIn     bool
	ResponseErrorTTL time.Duration
	SessionErrorTTL  time.Duration
}

// DefaultRouterConfig returns the router defaults
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowBargeIn:     true,
		ResponseErrorTTL: DefaultResponseErrorTTL,
		SessionErrorTTL:  DefaultSessionErrorTTL,
	}
}

// Router translates inbound protocol messages into conversation effects
type Router struct {
	state     *conversation.State
	player    Player
	announcer Announcer
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// onSessionEnded is called with the sticky message when the server ends the session
	onSessionEnded func(message string)

	mu     sync.Mutex
	config RouterConfig
	seq    uint64
}

// NewRouter creates a router. announcer may be nil.
func NewRouter(state *conversation.State, player Player, announcer Announcer, config RouterConfig, logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		state:     state,
		player:    player,
		announcer: announcer,
		config:    normalizeRouterConfig(config),
		logger:    logger,
		metrics:   m,
	}
}

// OnSessionEnded registers the handler for session_expired and session_closed
func (r *Router) OnSessionEnded(fn func(message string)) {
	r.mu.Lock()
	r.onSessionEnded = fn
	r.mu.Unlock()
}

// SetConfig replaces the router configuration
func (r *Router) SetConfig(config RouterConfig) {
	r.mu.Lock()
	r.config = normalizeRouterConfig(config)
	r.mu.Unlock()
}

// Config returns the current router config
func (r *Router) Config() RouterConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Route decodes one inbound payload and applies its effect.
// Malformed and unknown messages are logged and ignored.
func (r *Router) Route(payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		if errors.Is(err, ErrUnsupportedType) {
			r.logger.Debug("Ignoring unknown message", zap.Error(err))
			r.metrics.RecordMessageReceived("unknown")
			return
		}
		r.logger.Warn("Invalid message from server", zap.Error(err))
		return
	}

	r.mu.Lock()
	config := r.config
	onSessionEnded := r.onSessionEnded
	r.mu.Unlock()

	switch m := msg.(type) {
	case *NotificationMessage:
		r.metrics.RecordMessageReceived(string(m.Type))
		r.state.AddEntry(entities.NewTranscriptEntry(entities.SpeakerAssistant, m.Message, m.Time()))
		if r.announcer != nil && m.Message != "" {
			r.announcer.Announce(m.Message)
		}

	case *AudioDeltaMessage:
		r.metrics.RecordMessageReceived(string(m.Type))
		r.state.SetThinking(true)
		r.player.Enqueue(entities.AudioChunk{Seq: r.nextSeq(), Payload: m.Audio})

	case *TranscriptMessage:
		r.metrics.RecordMessageReceived(string(m.Type))
		if m.Type == MessageTypeUserTranscript {
			r.state.FinalizeUser(m.Text, m.Time())
		}

	case *TranscriptDoneMessage:
		r.metrics.RecordMessageReceived(string(m.Type))
		r.state.SetThinking(false)
		entry := entities.NewTranscriptEntry(entities.SpeakerAssistant, m.Text, m.Time())
		entry.ResponseTime = m.ResponseTime()
		if len(m.ToolsUsed) > 0 {
			entry.ToolsUsed = append(entry.ToolsUsed, m.ToolsUsed...)
		}
		r.state.AddEntry(entry)
		if entry.ResponseTime != nil {
			r.metrics.RecordResponseDuration(entry.ResponseTime.Seconds())
		}

	case *ServerErrorMessage:
		r.metrics.RecordMessageReceived(string(m.Type))
		r.routeServerError(m, config)

	case *SessionEndedMessage:
		r.metrics.RecordMessageReceived(string(m.Type))
		text := m.Message
		if text == "" {
			text = "Session expired"
			if m.Type == MessageTypeSessionClosed {
				text = "Session closed"
			}
		}
		r.logger.Info("Session ended by server",
			zap.String("type", string(m.Type)),
			zap.String("message", text))
		if onSessionEnded != nil {
			onSessionEnded(text)
		}

	case *SessionMessage:
		r.metrics.RecordMessageReceived(string(m.Type))
		r.logger.Debug("Session event", zap.String("type", string(m.Type)))

	case *BaseMessage:
		r.metrics.RecordMessageReceived(string(m.Type))
		r.routeSignal(m, config)
	}
}

func (r *Router) routeSignal(m *BaseMessage, config RouterConfig) {
	switch m.Type {
	case MessageTypeSpeechStopped:
		if config.AllowBargeIn && r.player.IsPlaying() {
			r.player.Stop()
			if r.announcer != nil {
				r.announcer.Stop()
			}
			r.metrics.RecordBargeIn()
			r.logger.Debug("Barge-in, playback stopped")
		}
		r.state.AddPending(m.Time())
	case MessageTypeResponseCreated:
		r.state.SetThinking(true)
	case MessageTypeResponseCancelled:
		r.state.SetThinking(false)
	case MessageTypeSpeechStarted:
		r.logger.Debug("User started speaking")
	}
}

func (r *Router) routeServerError(m *ServerErrorMessage, config RouterConfig) {
	switch m.Type {
	case MessageTypeResponseFailed:
		r.state.SetThinking(false)
		r.addTransientError(fmt.Sprintf("Response failed: %s", m.ErrorText()), config.ResponseErrorTTL)
	case MessageTypeSessionError:
		r.addTransientError(fmt.Sprintf("Session error: %s", m.ErrorText()), config.SessionErrorTTL)
	default:
		r.logger.Warn("Server reported an error", zap.String("error", m.ErrorText()))
	}
}

func (r *Router) addTransientError(message string, ttl time.Duration) {
	e := r.state.AddTransientError(message, ttl)
	r.metrics.RecordServerError(e.Category)
	r.logger.Warn("Server error",
		zap.String("category", e.Category),
		zap.String("message", message),
		zap.Duration("ttl", ttl))
}

func (r *Router) nextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// EncodeAudioFrame wraps captured samples into an outbound audio message
func EncodeAudioFrame(samples []float32) ([]byte, error) {
	return json.Marshal(CreateAudioMessage(pcm.ToTransportText(pcm.EncodePCM16(samples))))
}

func normalizeRouterConfig(c RouterConfig) RouterConfig {
	if c.ResponseErrorTTL <= 0 {
		c.ResponseErrorTTL = DefaultResponseErrorTTL
	}
	if c.SessionErrorTTL <= 0 {
		c.SessionErrorTTL = DefaultSessionErrorTTL
	}
	return c
}
