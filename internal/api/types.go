package api

import (
	"time"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
)

// ConnectResponse is returned by the connect and disconnect endpoints
type ConnectResponse struct {
	State entities.ConnectionState `json:"state"`
}

// TranscriptResponse lists the visible conversation
type TranscriptResponse struct {
	Entries    []entities.TranscriptEntry `json:"entries"`
	AiThinking bool                       `json:"ai_thinking"`
	Count      int                        `json:"count"`
}

// HealthResponse is returned by the health check
type HealthResponse struct {
	Status  string    `json:"status"`
	Service string    `json:"service"`
	Time    time.Time `json:"time"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
