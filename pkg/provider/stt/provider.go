// Package stt defines the Dialer and Stream interfaces for streaming
// speech-to-text backends.
//
// A Dialer opens one authenticated duplex connection per call using a
// short-lived [Token]. The resulting Stream accepts audio frames and emits a
// single ordered sequence of [Event] values: transcripts, errors, and exactly
// one close event, after which the channel is closed. Keeping every event on
// one channel is what lets consumers rely on "no transcript after close".
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrClosed is returned by Stream methods called after the stream has closed.
var ErrClosed = errors.New("stt: stream closed")

// StreamConfig describes the audio format and recognition options for a new
// stream. Everything except SampleRate, Channels and Encoding is passed
// through to the provider unchanged.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 for microphone capture.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Encoding names the wire encoding of audio frames, e.g. "linear16" or
	// "opus". It must match what the capture pipeline produces.
	Encoding string

	// Model is the provider model name (e.g. "nova-2").
	Model string

	// Language is the BCP-47 language tag (e.g. "en-US").
	Language string

	// Punctuate and SmartFormat enable provider-side formatting.
	Punctuate   bool
	SmartFormat bool

	// InterimResults requests low-latency non-final transcripts.
	InterimResults bool

	// EndpointingMs is the silence (in ms) after which the provider finalises
	// an utterance. Zero leaves the provider default.
	EndpointingMs int
}

// Stream is one open transcription connection.
type Stream interface {
	// SendAudio queues one audio frame for transmission. It never blocks on the
	// network; it returns ErrClosed once the stream is closing.
	SendAudio(frame []byte) error

	// KeepAlive sends a no-op frame that resets the provider's idle timeout.
	KeepAlive() error

	// Events returns the ordered event stream. The channel is closed right
	// after the single EventClose has been delivered. Callers must drain it
	// until closed.
	Events() <-chan Event

	// Close requests a graceful close and waits for the handshake to finish
	// or ctx to expire. Calling Close more than once is safe.
	Close(ctx context.Context) error
}

// Dialer opens transcription streams.
type Dialer interface {
	// Dial opens a stream authorised by token. The stream is ready to accept
	// audio when Dial returns.
	Dial(ctx context.Context, token Token, cfg StreamConfig) (Stream, error)
}
