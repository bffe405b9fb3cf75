// Package mock provides test doubles for the stt package interfaces.
//
// Use Dialer to verify that the caller dials with the expected Token and
// StreamConfig. Use Stream to inject transcript, error and close events and to
// inspect the ordered sequence of frames the caller sent.
//
// Example:
//
//	s := mock.NewStream()
//	d := &mock.Dialer{Stream: s}
//	// ... drive the code under test ...
//	s.Emit(stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "hi", IsFinal: true}})
//	s.CloseWith(stt.CloseInternalError, "server error")
package mock

import (
	"context"
	"sync"

	"github.com/zeroscript/zeroscript/pkg/provider/stt"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	Token stt.Token
	Cfg   stt.StreamConfig
}

// Dialer is a mock implementation of stt.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Stream is returned by Dial. If nil, Dial returns a fresh NewStream().
	Stream *Stream

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialCalls records every call to Dial.
	DialCalls []DialCall
}

// Dial records the call and returns Stream, DialErr.
func (d *Dialer) Dial(_ context.Context, token stt.Token, cfg stt.StreamConfig) (stt.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Token: token, Cfg: cfg})
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Stream == nil {
		d.Stream = NewStream()
	}
	return d.Stream, nil
}

// DialCallCount returns the number of Dial calls. Thread-safe.
func (d *Dialer) DialCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

var _ stt.Dialer = (*Dialer)(nil)

// Frame is one outbound frame recorded by Stream, in send order.
type Frame struct {
	// KeepAlive is true for KeepAlive calls; Data is nil then.
	KeepAlive bool
	Data      []byte
}

// Stream is a mock implementation of stt.Stream.
type Stream struct {
	mu     sync.Mutex
	events chan stt.Event
	closed bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close. The close event is still
	// emitted.
	CloseErr error

	// Frames records every SendAudio and KeepAlive call in order.
	Frames []Frame

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStream returns a Stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{events: make(chan stt.Event, 64)}
}

// SendAudio records a copy of frame and returns SendAudioErr, or
// stt.ErrClosed once the stream has closed.
func (s *Stream) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, Frame{Data: cp})
	return s.SendAudioErr
}

// KeepAlive records a keep-alive frame.
func (s *Stream) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	s.Frames = append(s.Frames, Frame{KeepAlive: true})
	return nil
}

// Events returns the event channel.
func (s *Stream) Events() <-chan stt.Event { return s.events }

// Emit delivers ev to the consumer. It is a no-op once the stream has closed.
func (s *Stream) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// CloseWith simulates a remote close: an error event for abnormal codes,
// then the close event, then the channel is closed.
func (s *Stream) CloseWith(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(code, reason)
}

func (s *Stream) closeLocked(code int, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	if code != stt.CloseNormal {
		s.events <- stt.Event{Type: stt.EventError, Err: &CloseError{Code: code, Reason: reason}}
	}
	s.events <- stt.Event{Type: stt.EventClose, Code: code, Reason: reason}
	close(s.events)
}

// Close records the call, emits a normal close if the stream is still open,
// and returns CloseErr.
func (s *Stream) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closeLocked(stt.CloseNormal, "closed by client")
	return s.CloseErr
}

// Sent returns a copy of the recorded frames. Thread-safe.
func (s *Stream) Sent() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.Frames))
	copy(out, s.Frames)
	return out
}

// KeepAliveCount returns the number of recorded keep-alive frames. Thread-safe.
func (s *Stream) KeepAliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.Frames {
		if f.KeepAlive {
			n++
		}
	}
	return n
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ stt.Stream = (*Stream)(nil)

// CloseError is the error attached to abnormal closes.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return "mock: stream closed: " + e.Reason
}
