package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/domain/repositories"
	"github.com/linht-le/realtime-voice-agent/internal/capture"
	"github.com/linht-le/realtime-voice-agent/internal/conversation"
	"github.com/linht-le/realtime-voice-agent/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Outbound frames waiting for the write pump.
	sendBuffer = 256

	defaultDialTimeout = 10 * time.Second
)

// Messages shown when the connection ends in the error state
const (
	ConnectionFailedMessage = "Connection failed"
	MicrophoneFailedMessage = "Microphone unavailable"
)

var allStates = []string{
	string(entities.ConnectionDisconnected),
	string(entities.ConnectionConnecting),
	string(entities.ConnectionConnected),
	string(entities.ConnectionError),
}

// Capturer is the microphone session driven by the client
type Capturer interface {
	Start(ctx context.Context, cfg capture.Config) error
	Stop()
	Running() bool
	Frames() <-chan capture.Frame
	Errors() <-chan error
}

// TokenFunc returns a bearer token for the socket handshake
type TokenFunc func() (string, error)

// ClientConfig configures the connection to the voice server.
// When Settings is set, every Connect reads a fresh snapshot from it.
type ClientConfig struct {
	URL         string
	DialTimeout time.Duration
	Capture     capture.Config
	Token       TokenFunc
	Settings    repositories.SettingsProvider
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Status is what observers see of the conversation
type Status struct {
	State     entities.ConnectionState `json:"state"`
	Error     string                   `json:"error,omitempty"`
	Playing   bool                     `json:"playing"`
	Capturing bool                     `json:"capturing"`
	conversation.Snapshot
}

// Client owns the socket to the voice server and its state machine. It
// starts capture when the socket opens, sends captured frames in order and
// hands every inbound message to the router.
type Client struct {
	dialer    *websocket.Dialer
	capture   Capturer
	player    Player
	announcer Announcer
	router    *Router
	state     *conversation.State
	logger    *zap.Logger
	metrics   *metrics.Metrics
	settings  repositories.SettingsProvider

	// mu serializes every transition and effect
	mu         sync.Mutex
	config     ClientConfig
	connState  entities.ConnectionState
	generation uint64
	conn       *websocket.Conn
	send       chan WriteData
	cancelDial context.CancelFunc
	onSettings []func(entities.ClientSettings)
}

// NewClient wires the controller. announcer may be nil.
func NewClient(
	config ClientConfig,
	capturer Capturer,
	player Player,
	announcer Announcer,
	router *Router,
	state *conversation.State,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	c := &Client{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.DialTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		capture:   capturer,
		player:    player,
		announcer: announcer,
		router:    router,
		state:     state,
		logger:    logger,
		metrics:   m,
		settings:  config.Settings,
		config:    config,
		connState: entities.ConnectionDisconnected,
	}
	router.OnSessionEnded(c.endSessionLocked)
	m.SetConnectionState(string(c.connState), allStates)
	return c
}

// Connect starts a connection attempt. The socket is dialed in the
// background; progress is observable through Status and Changes.
func (c *Client) Connect(ctx context.Context) error {
	fresh, ok := c.fetchSettings(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ok && c.connState.CanConnect() {
		c.applySettingsLocked(fresh)
	}
	if err := c.applyLocked(ctx, EventConnect); err != nil {
		return err
	}
	c.metrics.RecordConnectAttempt()
	return nil
}

// Disconnect tears the conversation down from any state. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Disconnect is valid from every state
	_ = c.applyLocked(context.Background(), EventDisconnect)
}

// OnSettings registers a handler for every snapshot applied by Connect.
// Handlers run before the socket is dialed and must not call the client.
func (c *Client) OnSettings(fn func(entities.ClientSettings)) {
	c.mu.Lock()
	c.onSettings = append(c.onSettings, fn)
	c.mu.Unlock()
}

// fetchSettings reads the snapshot for the next connection. On failure the
// previous settings stay in effect.
func (c *Client) fetchSettings(ctx context.Context) (entities.ClientSettings, bool) {
	if c.settings == nil || !c.State().CanConnect() {
		return entities.ClientSettings{}, false
	}
	s, err := c.settings.ClientSettings(ctx)
	if err != nil {
		c.logger.Warn("Failed to refresh client settings, keeping previous values", zap.Error(err))
		return entities.ClientSettings{}, false
	}
	return s, true
}

func (c *Client) applySettingsLocked(s entities.ClientSettings) {
	c.config.Capture = capture.ConfigFromSettings(s.AudioInput)

	routerConfig := c.router.Config()
	routerConfig.AllowBargeIn = s.Interaction.AllowBargeIn
	c.router.SetConfig(routerConfig)

	for _, fn := range c.onSettings {
		fn(s)
	}

	c.logger.Debug("Applied client settings",
		zap.Float64("inputSensitivity", s.AudioInput.InputSensitivity),
		zap.Bool("allowBargeIn", s.Interaction.AllowBargeIn),
		zap.String("language", s.Language))
}

// State returns the current connection state
func (c *Client) State() entities.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// Status returns a snapshot of the connection and conversation
func (c *Client) Status() Status {
	c.mu.Lock()
	connState := c.connState
	c.mu.Unlock()

	snap := c.state.Snapshot()
	return Status{
		State:     connState,
		Error:     snap.ErrorMessage(),
		Playing:   c.player.IsPlaying(),
		Capturing: c.capture.Running(),
		Snapshot:  snap,
	}
}

// Changes signals whenever the status may have changed
func (c *Client) Changes() <-chan struct{} {
	return c.state.Changes()
}

func (c *Client) applyLocked(ctx context.Context, event Event) error {
	from := c.connState
	to, effects, err := Transition(from, event)
	if err != nil {
		return err
	}

	if to != from {
		c.connState = to
		c.metrics.SetConnectionState(string(to), allStates)
		c.logger.Info("Connection state changed",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("event", string(event)))
		c.state.Notify()
	}

	for _, effect := range effects {
		c.runEffectLocked(ctx, effect)
	}
	return nil
}

func (c *Client) runEffectLocked(ctx context.Context, effect Effect) {
	switch effect {
	case EffectClearStickyError:
		c.state.ClearStickyError()
	case EffectClearTransientErrors:
		c.state.ClearTransientErrors()
	case EffectClearTranscript:
		c.state.ClearTranscript()
	case EffectDial:
		c.dialLocked(ctx)
	case EffectStartCapture:
		c.startCaptureLocked()
	case EffectStopCapture:
		c.capture.Stop()
	case EffectStopPlayback:
		c.player.Stop()
		if c.announcer != nil {
			c.announcer.Stop()
		}
	case EffectCloseSocket:
		c.closeSocketLocked()
	case EffectReportConnectionFailed:
		c.metrics.RecordConnectFailure()
		c.state.SetStickyError(ConnectionFailedMessage)
	case EffectReportCaptureFailed:
		c.state.SetStickyError(MicrophoneFailedMessage)
	}
}

func (c *Client) dialLocked(ctx context.Context) {
	c.generation++
	gen := c.generation

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.DialTimeout)
	c.cancelDial = cancel

	go c.dial(dialCtx, cancel, gen, c.config.URL, c.config.Token)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, url string, token TokenFunc) {
	defer cancel()

	header := http.Header{}
	var err error
	if token != nil {
		var t string
		if t, err = token(); err == nil {
			header.Set("Authorization", "Bearer "+t)
		}
	}

	var conn *websocket.Conn
	if err == nil {
		var resp *http.Response
		conn, resp, err = c.dialer.DialContext(ctx, url, header)
		if err != nil && resp != nil {
			err = fmt.Errorf("handshake failed (status %d): %w", resp.StatusCode, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		// Disconnected or reconnected while dialing
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		c.logger.Error("Failed to connect to voice server",
			zap.Error(&TransportError{Op: "dial", URL: url, Err: err}))
		_ = c.applyLocked(context.Background(), EventSocketError)
		return
	}

	c.conn = conn
	c.send = make(chan WriteData, sendBuffer)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go c.writePump(conn, c.send)
	go c.readPump(conn, gen)

	c.logger.Info("Connected to voice server", zap.String("url", url))
	_ = c.applyLocked(context.Background(), EventSocketOpen)
}

func (c *Client) startCaptureLocked() {
	gen := c.generation
	if err := c.capture.Start(context.Background(), c.config.Capture); err != nil {
		c.logger.Error("Failed to start capture", zap.Error(err))
		_ = c.applyLocked(context.Background(), EventCaptureFailed)
		return
	}
	go c.forwardFrames(gen, c.capture.Frames(), c.capture.Errors())
}

func (c *Client) closeSocketLocked() {
	// Events from the old socket or dial are ignored from now on
	c.generation++

	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn != nil {
		close(c.send)
		c.conn = nil
		c.send = nil
	}
}

// endSessionLocked runs inside Route, which the client calls with mu held
func (c *Client) endSessionLocked(message string) {
	c.state.SetStickyError(message)
	_ = c.applyLocked(context.Background(), EventDisconnect)
}

// forwardFrames encodes captured frames and queues them for the write pump
// in capture order until the capture run ends.
func (c *Client) forwardFrames(gen uint64, frames <-chan capture.Frame, errs <-chan error) {
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			payload, err := EncodeAudioFrame(frame.Samples)
			if err != nil {
				c.logger.Error("Failed to encode audio frame", zap.Error(err))
				continue
			}
			c.sendFrame(gen, frame.Seq, payload)

		case err := <-errs:
			c.mu.Lock()
			if gen == c.generation {
				c.logger.Error("Capture failed", zap.Error(err))
				_ = c.applyLocked(context.Background(), EventCaptureFailed)
			}
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) sendFrame(gen, seq uint64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.connState != entities.ConnectionConnected || c.send == nil {
		return
	}

	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		c.metrics.RecordFrameSent()
	default:
		c.logger.Warn("Send buffer full, dropping audio frame", zap.Uint64("seq", seq))
	}
}

// deliver routes one inbound message if it belongs to the live socket
func (c *Client) deliver(gen uint64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.connState != entities.ConnectionConnected {
		return
	}
	c.router.Route(payload)
}

// readPump pumps messages from the websocket connection to the router.
func (c *Client) readPump(conn *websocket.Conn, gen uint64) {
	var readErr error
	defer func() {
		conn.Close()

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.generation {
			return
		}

		var closeErr *websocket.CloseError
		if errors.As(readErr, &closeErr) {
			c.logger.Info("Voice server closed the connection",
				zap.Int("code", closeErr.Code),
				zap.String("reason", closeErr.Text))
			_ = c.applyLocked(context.Background(), EventSocketClose)
			return
		}
		c.logger.Error("WebSocket error", zap.Error(&TransportError{Op: "read", URL: c.config.URL, Err: readErr}))
		_ = c.applyLocked(context.Background(), EventSocketError)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.deliver(gen, message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps queued frames to the websocket connection.
func (c *Client) writePump(conn *websocket.Conn, send <-chan WriteData) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
