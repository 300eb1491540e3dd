package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/internal/auth"
	"github.com/linht-le/realtime-voice-agent/internal/conversation"
	"github.com/linht-le/realtime-voice-agent/internal/metrics"
	"github.com/linht-le/realtime-voice-agent/internal/websocket"
)

type fakeController struct {
	mu          sync.Mutex
	state       entities.ConnectionState
	transcript  []entities.TranscriptEntry
	connects    int
	disconnects int
}

func (f *fakeController) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.CanConnect() {
		return websocket.ErrInvalidTransition
	}
	f.connects++
	f.state = entities.ConnectionConnecting
	return nil
}

func (f *fakeController) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = entities.ConnectionDisconnected
}

func (f *fakeController) Status() websocket.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return websocket.Status{
		State:    f.state,
		Snapshot: conversation.Snapshot{Transcript: f.transcript},
	}
}

func newTestServer(t *testing.T, secret string) (*echo.Echo, *fakeController, *auth.Issuer) {
	t.Helper()
	e := echo.New()
	controller := &fakeController{state: entities.ConnectionDisconnected}
	issuer := auth.NewIssuer(secret, time.Hour, nil)
	InitRoutes(e, controller, issuer, metrics.NewMetrics(), zap.NewNop())
	return e, controller, issuer
}

func do(e *echo.Echo, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e, _, _ := newTestServer(t, "")

	rec := do(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Expected status ok, got %s", resp.Status)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	e, controller, _ := newTestServer(t, "")

	rec := do(e, http.MethodPost, "/api/v1/connect", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ConnectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.State != entities.ConnectionConnecting {
		t.Errorf("Expected connecting, got %s", resp.State)
	}

	// Second connect while connecting is a conflict
	rec = do(e, http.MethodPost, "/api/v1/connect", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", rec.Code)
	}

	rec = do(e, http.MethodPost, "/api/v1/disconnect", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if controller.disconnects != 1 {
		t.Errorf("Expected 1 disconnect, got %d", controller.disconnects)
	}
}

func TestTranscript(t *testing.T) {
	e, controller, _ := newTestServer(t, "")
	controller.transcript = []entities.TranscriptEntry{
		*entities.NewTranscriptEntry(entities.SpeakerUser, "hi", time.Time{}),
		*entities.NewTranscriptEntry(entities.SpeakerAssistant, "hello", time.Time{}),
	}

	rec := do(e, http.MethodGet, "/api/v1/transcript", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp TranscriptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Count != 2 || resp.Entries[1].Text != "hello" {
		t.Errorf("Unexpected transcript: %+v", resp)
	}
}

func TestStatus(t *testing.T) {
	e, _, _ := newTestServer(t, "")

	rec := do(e, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"disconnected"`) {
		t.Errorf("Unexpected status body: %s", rec.Body.String())
	}
}

func TestProtectedRoutes(t *testing.T) {
	e, controller, issuer := newTestServer(t, "secret")

	operator, err := issuer.GenerateOperatorToken("ops")
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	client, err := issuer.GenerateClientToken("mic")
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"client role", client, http.StatusForbidden},
		{"operator role", operator, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/api/v1/disconnect", tt.token)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
		})
	}

	if controller.disconnects != 1 {
		t.Errorf("Only the operator request should reach the controller, got %d", controller.disconnects)
	}

	// Reads stay open
	if rec := do(e, http.MethodGet, "/api/v1/status", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected open status route, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	e, _, _ := newTestServer(t, "")

	rec := do(e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("Expected go collector output")
	}
}
