// Package conversation holds the observable state of one voice conversation:
// the transcript, the assistant thinking flag and the error messages.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
)

// TransientError is a server error shown for a limited time
type TransientError struct {
	ID        uint64    `json:"id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshot is an immutable copy of the conversation state
type Snapshot struct {
	Transcript  []entities.TranscriptEntry `json:"transcript"`
	AiThinking  bool                       `json:"ai_thinking"`
	Errors      []TransientError           `json:"errors"`
	StickyError string                     `json:"sticky_error,omitempty"`
}

// ErrorMessage returns the message a single-line UI should show.
// The sticky error wins over transient ones, the newest transient error over older ones.
func (s Snapshot) ErrorMessage() string {
	if s.StickyError != "" {
		return s.StickyError
	}
	if n := len(s.Errors); n > 0 {
		return s.Errors[n-1].Message
	}
	return ""
}

type activeError struct {
	TransientError
	timer *clock.Timer
}

// State is the conversation context owned by the connection controller
type State struct {
	clock clock.Clock

	mu         sync.Mutex
	transcript []*entities.TranscriptEntry
	pending    *entities.TranscriptEntry
	thinking   bool
	errors     []*activeError
	nextErrID  uint64
	sticky     string

	changes chan struct{}
}

// NewState creates an empty conversation state
func NewState(clk clock.Clock) *State {
	if clk == nil {
		clk = clock.New()
	}
	return &State{
		clock:   clk,
		changes: make(chan struct{}, 1),
	}
}

// Changes signals after every mutation. Signals are coalesced.
func (s *State) Changes() <-chan struct{} {
	return s.changes
}

// Snapshot copies the current state
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Transcript:  make([]entities.TranscriptEntry, 0, len(s.transcript)),
		AiThinking:  s.thinking,
		Errors:      make([]TransientError, 0, len(s.errors)),
		StickyError: s.sticky,
	}
	for _, e := range s.transcript {
		snap.Transcript = append(snap.Transcript, e.Clone())
	}
	for _, e := range s.errors {
		snap.Errors = append(snap.Errors, e.TransientError)
	}
	return snap
}

// AddEntry appends a finished entry to the transcript
func (s *State) AddEntry(entry *entities.TranscriptEntry) {
	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	s.mu.Unlock()
	s.notify()
}

// AddPending appends the placeholder shown while the user's speech is transcribed.
// While a placeholder is already waiting no second one is added.
func (s *State) AddPending(ts time.Time) *entities.TranscriptEntry {
	s.mu.Lock()
	if s.pending != nil {
		p := s.pending
		s.mu.Unlock()
		return p
	}
	p := entities.NewPendingEntry(ts)
	s.pending = p
	s.transcript = append(s.transcript, p)
	s.mu.Unlock()
	s.notify()
	return p
}

// FinalizeUser fills the pending placeholder with text, or appends a new
// user entry when no placeholder is waiting. It reports whether a placeholder was used.
func (s *State) FinalizeUser(text string, ts time.Time) bool {
	s.mu.Lock()
	replaced := false
	if s.pending != nil {
		// Finalize only fails on an entry that is no longer pending
		_ = s.pending.Finalize(text)
		s.pending = nil
		replaced = true
	} else {
		s.transcript = append(s.transcript, entities.NewTranscriptEntry(entities.SpeakerUser, text, ts))
	}
	s.mu.Unlock()
	s.notify()
	return replaced
}

// SetThinking sets the assistant thinking flag
func (s *State) SetThinking(thinking bool) {
	s.mu.Lock()
	changed := s.thinking != thinking
	s.thinking = thinking
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Thinking reports the assistant thinking flag
func (s *State) Thinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

// AddTransientError shows message for ttl. Every error expires on its own
// timer; a newer error of the same category leaves older timers alone.
func (s *State) AddTransientError(message string, ttl time.Duration) TransientError {
	s.mu.Lock()
	s.nextErrID++
	e := &activeError{TransientError: TransientError{
		ID:        s.nextErrID,
		Category:  Category(message),
		Message:   message,
		ExpiresAt: s.clock.Now().Add(ttl),
	}}
	id := e.ID
	e.timer = s.clock.AfterFunc(ttl, func() { s.expire(id) })
	s.errors = append(s.errors, e)
	s.mu.Unlock()
	s.notify()
	return e.TransientError
}

// ClearTransientErrors removes every transient error and stops their timers
func (s *State) ClearTransientErrors() {
	s.mu.Lock()
	had := len(s.errors) > 0
	for _, e := range s.errors {
		e.timer.Stop()
	}
	s.errors = nil
	s.mu.Unlock()
	if had {
		s.notify()
	}
}

// SetStickyError sets a message that stays until cleared
func (s *State) SetStickyError(message string) {
	s.mu.Lock()
	s.sticky = message
	s.mu.Unlock()
	s.notify()
}

// ClearStickyError removes the sticky message
func (s *State) ClearStickyError() {
	s.mu.Lock()
	had := s.sticky != ""
	s.sticky = ""
	s.mu.Unlock()
	if had {
		s.notify()
	}
}

// ClearTranscript drops every entry and the pending placeholder
func (s *State) ClearTranscript() {
	s.mu.Lock()
	s.transcript = nil
	s.pending = nil
	s.mu.Unlock()
	s.notify()
}

// Len returns the number of transcript entries
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcript)
}

func (s *State) expire(id uint64) {
	s.mu.Lock()
	removed := false
	for i, e := range s.errors {
		if e.ID == id {
			s.errors = append(s.errors[:i], s.errors[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()
	if removed {
		s.notify()
	}
}

// Notify signals observers that something owned elsewhere changed
func (s *State) Notify() {
	s.notify()
}

func (s *State) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Category is the text before the first ':' of an error message
func Category(message string) string {
	if i := strings.Index(message, ":"); i >= 0 {
		return strings.TrimSpace(message[:i])
	}
	return strings.TrimSpace(message)
}
