package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReaderOption configures a ReaderDevice.
type ReaderOption func(*ReaderDevice)

// WithSourceFormat declares the PCM format of the underlying stream.
// Defaults to Mono16k.
func WithSourceFormat(f Format) ReaderOption {
	return func(d *ReaderDevice) { d.source = f }
}

// WithFrameDuration sets the duration of each emitted frame. Default 100ms.
func WithFrameDuration(dur time.Duration) ReaderOption {
	return func(d *ReaderDevice) { d.frameDur = dur }
}

// WithRealtime paces frames at wall-clock speed, as a microphone would.
func WithRealtime(realtime bool) ReaderOption {
	return func(d *ReaderDevice) { d.realtime = realtime }
}

// ReaderDevice is a Device that reads raw little-endian 16-bit PCM from an
// io.ReadCloser, such as a recorded call or stdin. Frames are normalised to
// 16 kHz mono.
type ReaderDevice struct {
	open     func() (io.ReadCloser, error)
	source   Format
	frameDur time.Duration
	realtime bool

	mu     sync.Mutex
	rc     io.ReadCloser
	done   chan struct{}
	closed bool
}

var _ Device = (*ReaderDevice)(nil)

// NewReaderDevice creates a device that calls open on each Open.
func NewReaderDevice(open func() (io.ReadCloser, error), opts ...ReaderOption) *ReaderDevice {
	d := &ReaderDevice{
		open:     open,
		source:   Mono16k,
		frameDur: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewFileDevice reads PCM from path. The path "-" reads from stdin.
func NewFileDevice(path string, opts ...ReaderOption) *ReaderDevice {
	return NewReaderDevice(func() (io.ReadCloser, error) {
		if path == "-" {
			return io.NopCloser(os.Stdin), nil
		}
		return os.Open(path)
	}, opts...)
}

// Open starts reading. A device that is already open is busy.
func (d *ReaderDevice) Open(ctx context.Context) (<-chan []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rc != nil {
		return nil, fmt.Errorf("%w: already in use", ErrDeviceUnavailable)
	}

	rc, err := d.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	d.rc = rc
	d.done = make(chan struct{})
	d.closed = false

	frames := make(chan []byte, 16)
	go d.readLoop(rc, d.done, frames)
	return frames, nil
}

func (d *ReaderDevice) readLoop(r io.Reader, done <-chan struct{}, frames chan<- []byte) {
	defer close(frames)

	norm := &Normalizer{Source: d.source, Target: Mono16k}
	buf := make([]byte, d.source.FrameBytes(d.frameDur))

	var tick <-chan time.Time
	if d.realtime {
		t := time.NewTicker(d.frameDur)
		defer t.Stop()
		tick = t.C
	}

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if out := norm.Normalize(chunk); len(out) > 0 {
				select {
				case frames <- out:
				case <-done:
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				select {
				case <-done:
				default:
					slog.Warn("audio: reader device read failed", "err", err)
				}
			}
			return
		}
		if tick != nil {
			select {
			case <-tick:
			case <-done:
				return
			}
		}
	}
}

// Close stops reading and closes the underlying reader. A read blocked on a
// reader that ignores Close (stdin) ends at its next frame.
func (d *ReaderDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rc == nil || d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	err := d.rc.Close()
	d.rc = nil
	if err != nil {
		return fmt.Errorf("audio: close reader: %w", err)
	}
	return nil
}
