package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Outbound message types
const (
	MessageTypeAudio MessageType = "audio"
)

// Inbound message types
const (
	MessageTypeNotification      MessageType = "notification"
	MessageTypeAudioDelta        MessageType = "audio_delta"
	MessageTypeUserTranscript    MessageType = "user_transcript"
	MessageTypeTranscriptDelta   MessageType = "transcript_delta"
	MessageTypeTranscriptDone    MessageType = "transcript_done"
	MessageTypeSpeechStarted     MessageType = "speech_started"
	MessageTypeSpeechStopped     MessageType = "speech_stopped"
	MessageTypeResponseCreated   MessageType = "response_created"
	MessageTypeResponseFailed    MessageType = "response_failed"
	MessageTypeResponseCancelled MessageType = "response_cancelled"
	MessageTypeSessionCreated    MessageType = "session_created"
	MessageTypeSessionUpdated    MessageType = "session_updated"
	MessageTypeSessionError      MessageType = "session_error"
	MessageTypeSessionExpired    MessageType = "session_expired"
	MessageTypeSessionClosed     MessageType = "session_closed"
	MessageTypeError             MessageType = "error"
)

// ErrUnsupportedType is returned for message types this client does not know
var ErrUnsupportedType = errors.New("unsupported message type")

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// Time parses the server timestamp, falling back to now
func (m *BaseMessage) Time() time.Time {
	return ParseTimestamp(m.Timestamp)
}

// AudioMessage carries one captured frame to the server
type AudioMessage struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"` // base64 PCM16
}

// NotificationMessage is a server announcement added to the transcript
type NotificationMessage struct {
	BaseMessage
	Message string `json:"message"`
}

// AudioDeltaMessage carries one chunk of synthesized speech
type AudioDeltaMessage struct {
	BaseMessage
	Audio string `json:"audio"` // base64 PCM16
}

// TranscriptMessage carries user transcripts and assistant transcript deltas
type TranscriptMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// TranscriptDoneMessage is the final text of one assistant turn
type TranscriptDoneMessage struct {
	BaseMessage
	Text           string   `json:"text"`
	ResponseTimeMS *int64   `json:"response_time_ms,omitempty"`
	ToolsUsed      []string `json:"toolsUsed,omitempty"`
}

// ResponseTime converts the reported latency, nil when absent or not positive
func (m *TranscriptDoneMessage) ResponseTime() *time.Duration {
	if m.ResponseTimeMS == nil || *m.ResponseTimeMS <= 0 {
		return nil
	}
	d := time.Duration(*m.ResponseTimeMS) * time.Millisecond
	return &d
}

// ErrorDetail is the error object attached to failure messages
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// ServerErrorMessage is sent for response_failed, session_error and error
type ServerErrorMessage struct {
	BaseMessage
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorText returns the error message or "Unknown error"
func (m *ServerErrorMessage) ErrorText() string {
	if m.Error == nil || m.Error.Message == "" {
		return "Unknown error"
	}
	return m.Error.Message
}

// SessionEndedMessage is sent when the server ends the session
type SessionEndedMessage struct {
	BaseMessage
	Message string `json:"message"`
}

// SessionMessage reports the server side session configuration
type SessionMessage struct {
	BaseMessage
	Session json.RawMessage `json:"session,omitempty"`
}

// DecodeMessage parses an inbound payload into its typed message.
// Types without payload fields decode to *BaseMessage.
func DecodeMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	var msg interface{}
	switch base.Type {
	case MessageTypeNotification:
		msg = &NotificationMessage{}
	case MessageTypeAudioDelta:
		msg = &AudioDeltaMessage{}
	case MessageTypeUserTranscript, MessageTypeTranscriptDelta:
		msg = &TranscriptMessage{}
	case MessageTypeTranscriptDone:
		msg = &TranscriptDoneMessage{}
	case MessageTypeResponseFailed, MessageTypeSessionError, MessageTypeError:
		msg = &ServerErrorMessage{}
	case MessageTypeSessionExpired, MessageTypeSessionClosed:
		msg = &SessionEndedMessage{}
	case MessageTypeSessionCreated, MessageTypeSessionUpdated:
		msg = &SessionMessage{}
	case MessageTypeSpeechStarted, MessageTypeSpeechStopped,
		MessageTypeResponseCreated, MessageTypeResponseCancelled:
		return &base, nil
	default:
		return &base, fmt.Errorf("%w: %q", ErrUnsupportedType, base.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", base.Type, err)
	}
	return msg, nil
}

// CreateAudioMessage wraps transport text into an outbound audio message
func CreateAudioMessage(audio string) *AudioMessage {
	return &AudioMessage{
		Type:  MessageTypeAudio,
		Audio: audio,
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 and zone-less ISO 8601 timestamps.
// Empty or unparseable values yield the current time.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Now()
}
