// Package mock provides an in-memory mock implementation of [audio.Device]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records Open and Close calls and
// lets the test push frames into the open channel.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	frames, _ := dev.Open(ctx)
//	dev.Push([]byte{1, 2})
//	dev.Close()
package mock

import (
	"context"
	"sync"

	"github.com/zeroscript/zeroscript/pkg/audio"
)

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open and no channel is created.
	OpenErr error

	// CloseErr is returned by Close.
	CloseErr error

	// OpenCalls and CloseCalls count invocations.
	OpenCalls  int
	CloseCalls int

	frames chan []byte
	open   bool
}

var _ audio.Device = (*Device)(nil)

// Open records the call and returns a fresh frame channel, or OpenErr.
func (d *Device) Open(context.Context) (<-chan []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.frames = make(chan []byte, 64)
	d.open = true
	return d.frames, nil
}

// Push delivers a frame while the device is open. It is a no-op otherwise.
func (d *Device) Push(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return
	}
	d.frames <- frame
}

// Close records the call, closes the frame channel if open, and returns
// CloseErr.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	if d.open {
		d.open = false
		close(d.frames)
	}
	return d.CloseErr
}

// IsOpen reports whether the device is currently acquired.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Calls returns (OpenCalls, CloseCalls). Thread-safe.
func (d *Device) Calls() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.OpenCalls, d.CloseCalls
}
