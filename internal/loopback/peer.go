package loopback

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/internal/pcm"
	vws "github.com/linht-le/realtime-voice-agent/internal/websocket"
)

const (
	sendBuffer = 256
	// 100ms of 24kHz PCM16 per audio_delta
	replyChunkBytes = 4800
	// SessionExpiredMessage is sent before an idle session is closed
	SessionExpiredMessage = "Session expired, please reconnect"
)

// inbound is the client to server envelope
type inbound struct {
	Type  vws.MessageType `json:"type"`
	Audio string          `json:"audio"`
}

// peer is one conversation session between the socket and the hub
type peer struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan vws.WriteData

	mu         sync.Mutex
	closed     bool
	lastActive time.Time
	speaking   bool
	silent     int
	utterance  []byte
	turnStart  time.Time
	turns      int
	logger     *zap.Logger
}

func newPeer(id string, hub *Hub, conn *websocket.Conn) *peer {
	return &peer{
		id:         id,
		hub:        hub,
		conn:       conn,
		send:       make(chan vws.WriteData, sendBuffer),
		lastActive: hub.clock.Now(),
		logger:     hub.logger.With(zap.String("sessionID", id)),
	}
}

// start greets the session
func (p *peer) start() {
	p.deliver(map[string]interface{}{
		"type":      vws.MessageTypeSessionCreated,
		"timestamp": p.timestamp(),
		"session":   map[string]interface{}{"id": p.id, "sample_rate": 24000},
	})
	if p.hub.config.Greeting != "" {
		p.deliver(vws.NotificationMessage{
			BaseMessage: p.base(vws.MessageTypeNotification),
			Message:     p.hub.config.Greeting,
		})
	}
}

// readPump pumps messages from the websocket connection to the session.
func (p *peer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			p.logger.Warn("Received unknown message type", zap.Int("type", messageType))
			continue
		}
		p.processMessage(message)
	}
}

// writePump pumps messages from the session to the websocket connection.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := p.conn.WriteMessage(message.Type, message.Payload); err != nil {
				p.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) processMessage(message []byte) {
	var msg inbound
	if err := json.Unmarshal(message, &msg); err != nil {
		p.logger.Warn("Failed to parse message", zap.Error(err))
		p.sendError("invalid JSON format")
		return
	}

	switch msg.Type {
	case vws.MessageTypeAudio:
		p.handleAudio(msg.Audio)
	default:
		p.logger.Warn("Unknown message type", zap.String("type", string(msg.Type)))
		p.sendError(fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

// handleAudio runs a level based turn detector over one frame
func (p *peer) handleAudio(audio string) {
	data, err := pcm.FromTransportText(audio)
	if err != nil {
		p.sendError("invalid audio payload")
		return
	}
	samples, err := pcm.DecodePCM16(data)
	if err != nil {
		p.sendError("invalid audio payload")
		return
	}

	level := pcm.RMSLevel(samples)
	now := p.hub.clock.Now()

	p.mu.Lock()
	p.lastActive = now

	loud := level >= p.hub.config.SpeechThreshold
	if !p.speaking {
		if !loud {
			p.mu.Unlock()
			return
		}
		p.speaking = true
		p.silent = 0
		p.turnStart = now
		p.utterance = append(p.utterance[:0], data...)
		p.mu.Unlock()
		p.deliver(p.base(vws.MessageTypeSpeechStarted))
		return
	}

	p.utterance = append(p.utterance, data...)
	if loud {
		p.silent = 0
		p.mu.Unlock()
		return
	}

	p.silent++
	if p.silent < p.hub.config.SilenceFrames {
		p.mu.Unlock()
		return
	}

	utterance := p.utterance
	p.utterance = nil
	p.speaking = false
	p.turns++
	turn := p.turns
	p.mu.Unlock()

	p.deliver(p.base(vws.MessageTypeSpeechStopped))
	go p.reply(turn, utterance, now)
}

// reply echoes the utterance back as the assistant's speech
func (p *peer) reply(turn int, utterance []byte, stoppedAt time.Time) {
	duration := time.Duration(len(utterance)/pcm.BytesPerSample) * time.Second / 24000

	p.deliver(vws.TranscriptMessage{
		BaseMessage: p.base(vws.MessageTypeUserTranscript),
		Text:        fmt.Sprintf("Turn %d: %.1f seconds of speech", turn, duration.Seconds()),
	})
	p.deliver(p.base(vws.MessageTypeResponseCreated))

	for start := 0; start < len(utterance); start += replyChunkBytes {
		end := start + replyChunkBytes
		if end > len(utterance) {
			end = len(utterance)
		}
		if !p.deliver(vws.AudioDeltaMessage{
			BaseMessage: p.base(vws.MessageTypeAudioDelta),
			Audio:       pcm.ToTransportText(utterance[start:end]),
		}) {
			return
		}
	}

	elapsed := p.hub.clock.Since(stoppedAt).Milliseconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	p.deliver(vws.TranscriptDoneMessage{
		BaseMessage:    p.base(vws.MessageTypeTranscriptDone),
		Text:           fmt.Sprintf("You said %.1f seconds of audio, here it is back.", duration.Seconds()),
		ResponseTimeMS: &elapsed,
		ToolsUsed:      []string{"loopback"},
	})
}

// expire tells the client the session ended and closes it
func (p *peer) expire() {
	p.deliver(vws.SessionEndedMessage{
		BaseMessage: p.base(vws.MessageTypeSessionExpired),
		Message:     SessionExpiredMessage,
	})
	p.closeSend()
}

func (p *peer) sendError(message string) {
	p.deliver(vws.ServerErrorMessage{
		BaseMessage: p.base(vws.MessageTypeError),
		Error:       &vws.ErrorDetail{Message: message, Type: "invalid_request"},
	})
}

// deliver queues a JSON message. It reports false once the session closed.
func (p *peer) deliver(msg interface{}) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	select {
	case p.send <- vws.WriteData{Type: websocket.TextMessage, Payload: payload}:
		return true
	default:
		p.logger.Warn("Send buffer full, dropping message")
		return true
	}
}

func (p *peer) closeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

func (p *peer) lastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

func (p *peer) base(t vws.MessageType) vws.BaseMessage {
	return vws.BaseMessage{Type: t, Timestamp: p.timestamp()}
}

// timestamp mimics the backend's zone-less ISO format, in local time
func (p *peer) timestamp() string {
	return p.hub.clock.Now().Local().Format("2006-01-02T15:04:05.000000")
}
