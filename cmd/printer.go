package main

import (
	"context"
	"fmt"
	"io"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/internal/websocket"
)

// statusSource is what the printer observes
type statusSource interface {
	Status() websocket.Status
	Changes() <-chan struct{}
}

// transcriptPrinter writes finalized transcript lines and state changes
type transcriptPrinter struct {
	out       io.Writer
	printed   map[string]bool
	lastState entities.ConnectionState
	lastError string
	thinking  bool
}

func newTranscriptPrinter(out io.Writer) *transcriptPrinter {
	return &transcriptPrinter{
		out:     out,
		printed: make(map[string]bool),
	}
}

// Watch prints every change until ctx is done
func (p *transcriptPrinter) Watch(ctx context.Context, source statusSource) {
	p.Print(source.Status())
	for {
		select {
		case <-ctx.Done():
			return
		case <-source.Changes():
			p.Print(source.Status())
		}
	}
}

// Print writes whatever is new in status
func (p *transcriptPrinter) Print(status websocket.Status) {
	if status.State != p.lastState {
		fmt.Fprintf(p.out, "* %s\n", status.State)
		p.lastState = status.State
	}

	if status.Error != "" && status.Error != p.lastError {
		fmt.Fprintf(p.out, "! %s\n", status.Error)
	}
	p.lastError = status.Error

	for _, entry := range status.Transcript {
		if entry.IsPending || p.printed[entry.ID] {
			continue
		}
		p.printed[entry.ID] = true

		line := fmt.Sprintf("[%s] %s: %s", entry.Timestamp.Format("15:04:05"), entry.Speaker, entry.Text)
		if entry.ResponseTime != nil {
			line += fmt.Sprintf(" (%dms)", entry.ResponseTime.Milliseconds())
		}
		fmt.Fprintln(p.out, line)
	}

	if status.AiThinking && !p.thinking {
		fmt.Fprintln(p.out, "… thinking")
	}
	p.thinking = status.AiThinking

	// A cleared transcript starts a new conversation
	if len(status.Transcript) == 0 && len(p.printed) > 0 {
		p.printed = make(map[string]bool)
	}
}
