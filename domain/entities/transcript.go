package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies who produced a transcript entry
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// PendingTranscriptText is shown while the user's speech is still being transcribed
const PendingTranscriptText = "Transcribing..."

// TranscriptEntry represents one turn of recorded dialogue
type TranscriptEntry struct {
	ID           string         `json:"id"`
	Text         string         `json:"text"`
	Speaker      Speaker        `json:"speaker"`
	Timestamp    time.Time      `json:"timestamp"`
	ResponseTime *time.Duration `json:"response_time,omitempty"`
	ToolsUsed    []string       `json:"tools_used"`
	IsPending    bool           `json:"is_pending"`
}

// NewTranscriptEntry creates an entry with a time-ordered unique ID.
// A zero timestamp is replaced with the current time.
func NewTranscriptEntry(speaker Speaker, text string, timestamp time.Time) *TranscriptEntry {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return &TranscriptEntry{
		ID:        newEntryID(),
		Text:      text,
		Speaker:   speaker,
		Timestamp: timestamp,
		ToolsUsed: make([]string, 0),
	}
}

// NewPendingEntry creates the placeholder pushed when the user stops speaking
func NewPendingEntry(timestamp time.Time) *TranscriptEntry {
	entry := NewTranscriptEntry(SpeakerUser, PendingTranscriptText, timestamp)
	entry.IsPending = true
	return entry
}

// Finalize replaces the placeholder text with the real transcript.
// It fails if the entry has already been finalized.
func (e *TranscriptEntry) Finalize(text string) error {
	if !e.IsPending {
		return errors.New("transcript entry is not pending")
	}
	e.Text = text
	e.IsPending = false
	return nil
}

// Clone returns a deep copy safe to hand to observers
func (e *TranscriptEntry) Clone() TranscriptEntry {
	c := *e
	if e.ResponseTime != nil {
		rt := *e.ResponseTime
		c.ResponseTime = &rt
	}
	c.ToolsUsed = append(make([]string, 0, len(e.ToolsUsed)), e.ToolsUsed...)
	return c
}

// Validate validates the transcript entry
func (e *TranscriptEntry) Validate() error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if e.Speaker != SpeakerUser && e.Speaker != SpeakerAssistant {
		return errors.New("invalid speaker")
	}
	if e.IsPending && e.Speaker != SpeakerUser {
		return errors.New("only user entries can be pending")
	}
	return nil
}

func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
