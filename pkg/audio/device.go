// Package audio defines the capture-device abstraction that feeds the
// transcription pipeline, plus the PCM helpers shared by device adapters.
//
// A [Device] is acquired by exactly one call at a time. Open starts capture
// and returns a channel of frames; Close stops capture, releases the
// underlying hardware and closes the frame channel. Ownership of each frame
// passes to the receiver.
//
// Implementations live in sub-packages (audio/portaudio for microphones) or
// in this package ([ReaderDevice] for raw PCM files and pipes).
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeviceUnavailable is returned by Open when the device cannot be acquired:
// permission denied, no input device, or the device is busy.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// Device is a source of audio frames.
type Device interface {
	// Open acquires the device and starts capture. Errors wrap
	// ErrDeviceUnavailable. The returned channel is closed after Close, or
	// earlier if the source ends.
	Open(ctx context.Context) (<-chan []byte, error)

	// Close stops capture and releases the device. It is safe to call more
	// than once and on a device that was never opened.
	Close() error
}

// Format describes the sample rate and channel count of 16-bit PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the capture format expected by the transcription stream.
var Mono16k = Format{SampleRate: 16000, Channels: 1}

// FrameBytes returns the size in bytes of a frame of duration d in format f.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
