package loopback

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/adapters/mock"
	"github.com/linht-le/realtime-voice-agent/adapters/settings"
	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/domain/repositories"
	"github.com/linht-le/realtime-voice-agent/internal/auth"
	"github.com/linht-le/realtime-voice-agent/internal/capture"
	"github.com/linht-le/realtime-voice-agent/internal/conversation"
	"github.com/linht-le/realtime-voice-agent/internal/pcm"
	"github.com/linht-le/realtime-voice-agent/internal/playback"
	vws "github.com/linht-le/realtime-voice-agent/internal/websocket"
)

type testServer struct {
	hub    *Hub
	server *httptest.Server
	wsURL  string
}

func newTestServer(t *testing.T, config Config, issuer *auth.Issuer, clk clock.Clock) *testServer {
	t.Helper()

	hub := NewHub(config, issuer, clk, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	InitRoutes(e, hub, entities.DefaultClientSettings())
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return &testServer{
		hub:    hub,
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) (vws.MessageType, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var base vws.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		t.Fatalf("Invalid message %s: %v", data, err)
	}
	return base.Type, data
}

func expectType(t *testing.T, conn *websocket.Conn, want vws.MessageType) []byte {
	t.Helper()
	got, data := readType(t, conn)
	if got != want {
		t.Fatalf("Expected %s, got %s: %s", want, got, data)
	}
	return data
}

func tone(n int, amplitude float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/24000))
	}
	return out
}

func sendFrame(t *testing.T, conn *websocket.Conn, samples []float32) {
	t.Helper()
	msg := vws.CreateAudioMessage(pcm.ToTransportText(pcm.EncodePCM16(samples)))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func TestEchoTurn(t *testing.T) {
	s := newTestServer(t, Config{SilenceFrames: 3}, nil, nil)
	conn := s.dial(t)

	expectType(t, conn, vws.MessageTypeSessionCreated)

	// Quiet frames before speech are ignored
	sendFrame(t, conn, make([]float32, 480))
	for i := 0; i < 5; i++ {
		sendFrame(t, conn, tone(480, 0.5))
	}
	for i := 0; i < 3; i++ {
		sendFrame(t, conn, make([]float32, 480))
	}

	expectType(t, conn, vws.MessageTypeSpeechStarted)
	expectType(t, conn, vws.MessageTypeSpeechStopped)

	var transcript vws.TranscriptMessage
	json.Unmarshal(expectType(t, conn, vws.MessageTypeUserTranscript), &transcript)
	if !strings.HasPrefix(transcript.Text, "Turn 1") {
		t.Errorf("Unexpected user transcript %q", transcript.Text)
	}

	expectType(t, conn, vws.MessageTypeResponseCreated)

	// 8 frames of 960 bytes come back as 4800 + 2880
	total := 0
	for i := 0; i < 2; i++ {
		var delta vws.AudioDeltaMessage
		json.Unmarshal(expectType(t, conn, vws.MessageTypeAudioDelta), &delta)
		data, err := pcm.FromTransportText(delta.Audio)
		if err != nil {
			t.Fatalf("Invalid delta: %v", err)
		}
		total += len(data)
	}
	if total != 8*960 {
		t.Errorf("Expected %d echoed bytes, got %d", 8*960, total)
	}

	var done vws.TranscriptDoneMessage
	json.Unmarshal(expectType(t, conn, vws.MessageTypeTranscriptDone), &done)
	if done.ResponseTime() == nil {
		t.Error("Expected a response time")
	}
	if len(done.ToolsUsed) != 1 || done.ToolsUsed[0] != "loopback" {
		t.Errorf("Unexpected tools %v", done.ToolsUsed)
	}
}

func TestTimestampsReadBackAsSentTime(t *testing.T) {
	clk := clock.NewMock()
	now := time.Date(2024, 5, 1, 10, 30, 0, 123000, time.UTC)
	clk.Set(now)

	s := newTestServer(t, DefaultConfig(), nil, clk)
	conn := s.dial(t)

	var base vws.BaseMessage
	json.Unmarshal(expectType(t, conn, vws.MessageTypeSessionCreated), &base)
	if got := base.Time(); !got.Equal(now) {
		t.Errorf("Expected timestamp %v, got %v (%q)", now, got, base.Timestamp)
	}
}

func TestUnknownMessageType(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	conn := s.dial(t)
	expectType(t, conn, vws.MessageTypeSessionCreated)

	conn.WriteJSON(map[string]string{"type": "ping"})

	var msg vws.ServerErrorMessage
	json.Unmarshal(expectType(t, conn, vws.MessageTypeError), &msg)
	if !strings.Contains(msg.ErrorText(), "ping") {
		t.Errorf("Unexpected error text %q", msg.ErrorText())
	}
}

func TestGreeting(t *testing.T) {
	s := newTestServer(t, Config{Greeting: "Welcome back"}, nil, nil)
	conn := s.dial(t)
	expectType(t, conn, vws.MessageTypeSessionCreated)

	var msg vws.NotificationMessage
	json.Unmarshal(expectType(t, conn, vws.MessageTypeNotification), &msg)
	if msg.Message != "Welcome back" {
		t.Errorf("Unexpected greeting %q", msg.Message)
	}
}

func TestRequiresToken(t *testing.T) {
	issuer := auth.NewIssuer("secret", time.Hour, nil)
	s := newTestServer(t, Config{}, issuer, nil)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err == nil {
		t.Fatal("Expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %v", resp)
	}

	token, _ := issuer.GenerateClientToken("test")
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, header)
	if err != nil {
		t.Fatalf("Dial with token failed: %v", err)
	}
	defer conn.Close()
	expectType(t, conn, vws.MessageTypeSessionCreated)
}

func TestIdleSessionExpires(t *testing.T) {
	mockClock := clock.NewMock()
	s := newTestServer(t, Config{IdleTimeout: time.Minute, SweepInterval: 10 * time.Second}, nil, mockClock)
	conn := s.dial(t)
	expectType(t, conn, vws.MessageTypeSessionCreated)

	waitFor(t, func() bool { return s.hub.Count() == 1 })

	mockClock.Add(70 * time.Second)

	var msg vws.SessionEndedMessage
	json.Unmarshal(expectType(t, conn, vws.MessageTypeSessionExpired), &msg)
	if msg.Message != SessionExpiredMessage {
		t.Errorf("Unexpected message %q", msg.Message)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal close, got %v", err)
	}

	waitFor(t, func() bool { return s.hub.Count() == 0 })
}

func TestSettingsEndpoint(t *testing.T) {
	want := entities.DefaultClientSettings()
	want.AudioInput.NoiseReduction = entities.NoiseReductionFarField
	want.AudioOutput.SpeakingRate = 1.5
	want.Interaction.ResponseDelay = 200 * time.Millisecond
	want.Language = "ja"

	hub := NewHub(Config{}, nil, nil, zap.NewNop())
	e := echo.New()
	InitRoutes(e, hub, want)
	server := httptest.NewServer(e)
	defer server.Close()

	got, err := settings.NewHTTPProvider(server.URL+"/settings", zap.NewNop()).ClientSettings(context.Background())
	if err != nil {
		t.Fatalf("ClientSettings returned error: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// scriptedInput lets the test feed microphone blocks
type scriptedInput struct {
	mu      sync.Mutex
	handler repositories.CaptureHandler
}

func (s *scriptedInput) Open(ctx context.Context, config repositories.CaptureConfig, handler repositories.CaptureHandler) (repositories.CaptureDevice, error) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	return &scriptedDevice{input: s, errs: make(chan error)}, nil
}

func (s *scriptedInput) push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return false
	}
	s.handler(samples)
	return true
}

type scriptedDevice struct {
	input *scriptedInput
	errs  chan error
}

func (d *scriptedDevice) Errors() <-chan error { return d.errs }

func (d *scriptedDevice) Close() error {
	d.input.mu.Lock()
	d.input.handler = nil
	d.input.mu.Unlock()
	return nil
}

func TestClientConversationEndToEnd(t *testing.T) {
	s := newTestServer(t, Config{SilenceFrames: 3}, nil, nil)
	logger := zap.NewNop()

	speaker := mock.NewSpeaker(nil, logger)
	queue := playback.NewQueue(speaker, playback.Options{}, nil, logger, nil)
	state := conversation.NewState(nil)
	router := vws.NewRouter(state, queue, nil, vws.DefaultRouterConfig(), logger, nil)
	input := &scriptedInput{}

	captureConfig := capture.ConfigFromSettings(entities.DefaultClientSettings().AudioInput)
	captureConfig.NoiseReduction = entities.NoiseReductionOff
	captureConfig.AutoGainControl = false
	captureConfig.InputSensitivity = 1

	client := vws.NewClient(vws.ClientConfig{
		URL:         s.wsURL,
		DialTimeout: 2 * time.Second,
		Capture:     captureConfig,
	}, capture.NewSession(input, logger, nil), queue, nil, router, state, logger, nil)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	waitFor(t, func() bool { return client.State() == entities.ConnectionConnected })
	waitFor(t, func() bool { return input.push(make([]float32, 480)) })

	for i := 0; i < 5; i++ {
		input.push(tone(480, 0.5))
	}
	for i := 0; i < 3; i++ {
		input.push(make([]float32, 480))
	}

	waitFor(t, func() bool {
		status := client.Status()
		return len(status.Transcript) == 2 && !status.AiThinking
	})

	status := client.Status()
	if status.Transcript[0].Speaker != entities.SpeakerUser || status.Transcript[0].IsPending {
		t.Errorf("Expected finalized user entry, got %+v", status.Transcript[0])
	}
	if status.Transcript[1].Speaker != entities.SpeakerAssistant {
		t.Errorf("Expected assistant entry, got %+v", status.Transcript[1])
	}

	// 8 blocks of 20ms echoed back
	waitFor(t, func() bool { return speaker.Played() == 160*time.Millisecond })

	client.Disconnect()
	waitFor(t, func() bool { return s.hub.Count() == 0 })
}
