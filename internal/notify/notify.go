// Package notify is the presentation sink: a one-way stream of events the
// overlay UI renders. The pipeline pushes events and never reads anything
// back.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// EventType discriminates [Event] payloads.
type EventType string

const (
	EventInterim EventType = "interim"
	EventMatch   EventType = "final-match"
	EventStatus  EventType = "status"
	EventError   EventType = "error"
)

// Event is one notification. Payload is one of [Interim], [Match],
// [Status] or [Error], matching Type.
type Event struct {
	Type    EventType `json:"type"`
	CallID  string    `json:"callId,omitempty"`
	Time    time.Time `json:"ts"`
	Payload any       `json:"payload"`
}

// Interim is live, not-yet-final transcript text.
type Interim struct {
	Text string `json:"text"`
}

// Match is a script suggestion, or the explicit no-match when Matched is
// false.
type Match struct {
	Matched    bool    `json:"matched"`
	Intent     string  `json:"intent,omitempty"`
	Script     string  `json:"script,omitempty"`
	Similarity float64 `json:"similarity"`
}

// State is the coarse call state shown in the widget.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateStopping   State = "stopping"
)

// Status reports a call state change.
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// ErrorKind classifies a failure for the user.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindDevice    ErrorKind = "device"
	KindTransport ErrorKind = "transport"
	KindEmbedding ErrorKind = "embedding"
	KindAccess    ErrorKind = "access"
	KindUnknown   ErrorKind = "unknown"
)

// Action is what the UI should offer the user after an error.
type Action string

const (
	ActionNone  Action = ""
	ActionLogin Action = "login"
	ActionRetry Action = "retry"
)

// Error is a user-facing failure.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Action  Action    `json:"action,omitempty"`
}

// Sink receives events. Notify must not block the caller for long.
type Sink interface {
	Notify(ev Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event)

// Notify implements [Sink].
func (f SinkFunc) Notify(ev Event) { f(ev) }

// Multi fans each event out to every sink in order.
type Multi []Sink

// Notify implements [Sink].
func (m Multi) Notify(ev Event) {
	for _, s := range m {
		s.Notify(ev)
	}
}

// LogSink writes events to a structured logger. Interims are logged at
// debug level.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements [Sink].
func (l LogSink) Notify(ev Event) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx := context.Background()
	switch p := ev.Payload.(type) {
	case Interim:
		log.DebugContext(ctx, "notify: interim", "call_id", ev.CallID, "text", p.Text)
	case Match:
		if p.Matched {
			log.InfoContext(ctx, "notify: script", "call_id", ev.CallID, "intent", p.Intent, "similarity", p.Similarity)
		} else {
			log.InfoContext(ctx, "notify: no matching script", "call_id", ev.CallID)
		}
	case Status:
		log.InfoContext(ctx, "notify: status", "call_id", ev.CallID, "state", p.State, "message", p.Message)
	case Error:
		log.WarnContext(ctx, "notify: error", "call_id", ev.CallID, "kind", p.Kind, "message", p.Message, "action", p.Action)
	default:
		log.InfoContext(ctx, "notify: event", "call_id", ev.CallID, "type", ev.Type)
	}
}

// Constructors stamp the event time.

// NewInterim returns an interim event.
func NewInterim(callID, text string) Event {
	return Event{Type: EventInterim, CallID: callID, Time: time.Now(), Payload: Interim{Text: text}}
}

// NewMatch returns a final-match event.
func NewMatch(callID string, m Match) Event {
	return Event{Type: EventMatch, CallID: callID, Time: time.Now(), Payload: m}
}

// NewStatus returns a status event.
func NewStatus(callID string, state State, msg string) Event {
	return Event{Type: EventStatus, CallID: callID, Time: time.Now(), Payload: Status{State: state, Message: msg}}
}

// NewError returns an error event.
func NewError(callID string, e Error) Event {
	return Event{Type: EventError, CallID: callID, Time: time.Now(), Payload: e}
}
