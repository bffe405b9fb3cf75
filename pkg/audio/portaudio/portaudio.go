// Package portaudio provides an audio.Device backed by the system's default
// input device through PortAudio (cgo).
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/zeroscript/zeroscript/pkg/audio"
)

// Option is a functional option for configuring a Microphone.
type Option func(*Microphone)

// WithSampleRate sets the capture sample rate in Hz. Default 16000.
func WithSampleRate(rate int) Option {
	return func(m *Microphone) { m.sampleRate = rate }
}

// WithFramesPerBuffer sets the number of samples per emitted frame.
// Default 1600 (100 ms at 16 kHz).
func WithFramesPerBuffer(n int) Option {
	return func(m *Microphone) { m.framesPerBuffer = n }
}

// Microphone captures mono 16-bit PCM from the default input device.
type Microphone struct {
	sampleRate      int
	framesPerBuffer int

	mu     sync.Mutex
	stream *portaudio.Stream
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ audio.Device = (*Microphone)(nil)

// New creates a Microphone. The device is not touched until Open.
func New(opts ...Option) *Microphone {
	m := &Microphone{
		sampleRate:      16000,
		framesPerBuffer: 1600,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open initialises PortAudio, opens the default input stream and starts
// capture. Any failure, including a missing permission, wraps
// audio.ErrDeviceUnavailable and leaves nothing to release.
func (m *Microphone) Open(_ context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil, fmt.Errorf("%w: microphone already in use", audio.ErrDeviceUnavailable)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: initialize: %w", audio.ErrDeviceUnavailable, err)
	}

	buf := make([]int16, m.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: portaudio: open default stream: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: portaudio: start stream: %w", audio.ErrDeviceUnavailable, err)
	}

	slog.Debug("portaudio: microphone opened", "sample_rate", m.sampleRate, "frames_per_buffer", m.framesPerBuffer)

	m.stream = stream
	m.done = make(chan struct{})
	frames := make(chan []byte, 32)
	m.wg.Add(1)
	go m.captureLoop(stream, buf, m.done, frames)
	return frames, nil
}

// captureLoop reads one buffer at a time. Frames are dropped rather than
// queued when the consumer falls behind.
func (m *Microphone) captureLoop(stream *portaudio.Stream, buf []int16, done <-chan struct{}, frames chan<- []byte) {
	defer m.wg.Done()
	defer close(frames)

	var dropped int
	for {
		select {
		case <-done:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			select {
			case <-done:
			default:
				slog.Warn("portaudio: read failed", "err", err)
			}
			return
		}

		select {
		case frames <- audio.Int16sToBytes(buf):
		case <-done:
			return
		default:
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				slog.Warn("portaudio: consumer slow, dropping frames", "dropped", dropped)
			}
		}
	}
}

// Close stops capture and releases the device.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}

	close(m.done)
	m.wg.Wait()

	var errs []error
	if err := m.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	if err := m.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("terminate: %w", err))
	}
	m.stream = nil
	slog.Debug("portaudio: microphone released")

	if len(errs) > 0 {
		return fmt.Errorf("portaudio: release: %w", errors.Join(errs...))
	}
	return nil
}
