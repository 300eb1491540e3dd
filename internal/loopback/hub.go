package loopback

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/internal/auth"
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
)

var upgrader = websocket.Upgrader{
	// Local development server; any origin may connect
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config tunes the loopback conversation
type Config struct {
	// SpeechThreshold is the RMS level that counts as speech
	SpeechThreshold float64
	// SilenceFrames of quiet audio end a user turn
	SilenceFrames int
	// IdleTimeout expires sessions that sent no audio
	IdleTimeout time.Duration
	// SweepInterval is how often idle sessions are checked
	SweepInterval time.Duration
	// Greeting is announced to every new session when set
	Greeting string
}

// DefaultConfig returns the defaults used by the serve command
func DefaultConfig() Config {
	return Config{
		SpeechThreshold: 0.02,
		SilenceFrames:   15,
		IdleTimeout:     5 * time.Minute,
		SweepInterval:   30 * time.Second,
	}
}

// Hub maintains the set of active sessions and expires idle ones
type Hub struct {
	// Registered sessions.
	clients map[string]*peer

	// Register requests from the sessions.
	register chan *peer

	// Unregister requests from sessions.
	unregister chan *peer

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	config Config
	issuer *auth.Issuer
	clock  clock.Clock
	logger *zap.Logger
}

// NewHub creates a new loopback hub. A nil clock uses the wall clock.
func NewHub(config Config, issuer *auth.Issuer, clk clock.Clock, logger *zap.Logger) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	defaults := DefaultConfig()
	if config.SpeechThreshold <= 0 {
		config.SpeechThreshold = defaults.SpeechThreshold
	}
	if config.SilenceFrames <= 0 {
		config.SilenceFrames = defaults.SilenceFrames
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	return &Hub{
		clients:    make(map[string]*peer),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		done:       make(chan struct{}),
		config:     config,
		issuer:     issuer,
		clock:      clk,
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	ticker := h.clock.Ticker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, p := range h.clients {
				delete(h.clients, id)
				p.closeSend()
			}
			h.mu.Unlock()
			return

		case p := <-h.register:
			h.mu.Lock()
			h.clients[p.id] = p
			h.mu.Unlock()
			h.logger.Info("Session registered", zap.String("sessionID", p.id))

		case p := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[p.id]; ok {
				delete(h.clients, p.id)
				p.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Session unregistered", zap.String("sessionID", p.id))

		case <-ticker.C:
			h.expireIdle()
		}
	}
}

// Count returns the number of registered sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// expireIdle ends every session idle for longer than the timeout
func (h *Hub) expireIdle() {
	now := h.clock.Now()

	h.mu.RLock()
	var idle []*peer
	for _, p := range h.clients {
		if now.Sub(p.lastActivity()) >= h.config.IdleTimeout {
			idle = append(idle, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range idle {
		h.logger.Info("Expiring idle session", zap.String("sessionID", p.id))
		p.expire()
	}
}

// HandleWebSocket upgrades the request and starts a session. A bearer
// token is required when the issuer has a secret.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	if h.issuer.Enabled() {
		token, err := auth.TokenFromHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			h.logger.Warn("WebSocket connection rejected: missing token")
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing_token"})
		}
		if _, err := h.issuer.ValidateToken(token); err != nil {
			h.logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		}
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	p := newPeer(uuid.NewString(), h, conn)
	select {
	case h.register <- p:
	case <-h.done:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go p.writePump()
	go p.readPump()

	p.start()
	return nil
}
