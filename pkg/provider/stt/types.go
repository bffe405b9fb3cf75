package stt

import (
	"fmt"
	"time"
)

// Token is a short-lived, narrowly scoped credential that authorises exactly
// one streaming connection. It is minted per call and never reused.
type Token struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
	ExpiresIn int       `json:"expiresIn"`
	UserID    string    `json:"userId"`
}

// Expired reports whether the token can no longer be used at now.
func (t Token) Expired(now time.Time) bool {
	return t.Key == "" || (!t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt))
}

// Transcript is one decoded recognition result.
type Transcript struct {
	// Text is the transcribed speech content. May be empty for silence.
	Text string

	// IsFinal marks a result the provider will not revise further.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0), zero if unknown.
	Confidence float64
}

// EventType discriminates [Event] values.
type EventType int

const (
	// EventTranscript carries a Transcript.
	EventTranscript EventType = iota + 1

	// EventError carries a transport or protocol error. The stream may still
	// deliver a close event afterwards.
	EventError

	// EventClose carries the close code and reason. It is always the last
	// event on the channel.
	EventClose
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Close codes used by streams. They mirror the WebSocket status codes of RFC 6455.
const (
	CloseNormal        = 1000
	CloseNoStatus      = 1005
	CloseAbnormal      = 1006
	CloseInternalError = 1011
)

// Event is one item on a Stream's event channel.
type Event struct {
	Type       EventType
	Transcript Transcript
	Err        error
	Code       int
	Reason     string
}

// Normal reports whether a close event represents a clean shutdown.
func (e Event) Normal() bool {
	return e.Type == EventClose && e.Code == CloseNormal
}
