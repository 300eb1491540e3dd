package websocket

import (
	"errors"
	"fmt"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
)

// ErrInvalidTransition is returned when an event is not allowed in the current state
var ErrInvalidTransition = errors.New("invalid connection state transition")

// Event is something that happened to the connection
type Event string

const (
	EventConnect       Event = "connect"
	EventSocketOpen    Event = "socket_open"
	EventSocketClose   Event = "socket_close"
	EventSocketError   Event = "socket_error"
	EventDisconnect    Event = "disconnect"
	EventCaptureFailed Event = "capture_failed"
)

// Effect is a side effect the controller must run after a transition, in order
type Effect string

const (
	EffectClearStickyError       Effect = "clear_sticky_error"
	EffectClearTransientErrors   Effect = "clear_transient_errors"
	EffectClearTranscript        Effect = "clear_transcript"
	EffectDial                   Effect = "dial"
	EffectStartCapture           Effect = "start_capture"
	EffectStopCapture            Effect = "stop_capture"
	EffectStopPlayback           Effect = "stop_playback"
	EffectCloseSocket            Effect = "close_socket"
	EffectReportConnectionFailed Effect = "report_connection_failed"
	EffectReportCaptureFailed    Effect = "report_capture_failed"
)

var teardown = []Effect{EffectCloseSocket, EffectStopCapture, EffectStopPlayback}

// Transition is the connection state machine. It has no side effects:
// the returned effects describe what the caller has to do.
func Transition(state entities.ConnectionState, event Event) (entities.ConnectionState, []Effect, error) {
	switch event {
	case EventConnect:
		if !state.CanConnect() {
			return state, nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, state)
		}
		return entities.ConnectionConnecting, []Effect{
			EffectClearStickyError,
			EffectClearTransientErrors,
			EffectClearTranscript,
			EffectDial,
		}, nil

	case EventSocketOpen:
		if state != entities.ConnectionConnecting {
			return state, nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, state)
		}
		return entities.ConnectionConnected, []Effect{EffectStartCapture}, nil

	case EventCaptureFailed:
		if state != entities.ConnectionConnected {
			return state, nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, state)
		}
		return entities.ConnectionError, append(effects(teardown), EffectReportCaptureFailed), nil

	case EventSocketClose:
		switch state {
		case entities.ConnectionConnecting, entities.ConnectionConnected:
			return entities.ConnectionDisconnected, effects(teardown), nil
		}
		// Closing after an error or a disconnect changes nothing
		return state, nil, nil

	case EventSocketError:
		switch state {
		case entities.ConnectionConnecting, entities.ConnectionConnected:
			return entities.ConnectionError, append(effects(teardown), EffectReportConnectionFailed), nil
		}
		return state, nil, nil

	case EventDisconnect:
		return entities.ConnectionDisconnected, append(effects(teardown), EffectClearTransientErrors), nil
	}

	return state, nil, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
}

func effects(list []Effect) []Effect {
	return append(make([]Effect, 0, len(list)+1), list...)
}
