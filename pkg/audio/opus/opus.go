// Package opus wraps an audio.Device so that it emits Opus packets instead of
// raw PCM, for transcription streams negotiated with encoding=opus.
package opus

import (
	"context"
	"fmt"
	"log/slog"

	"layeh.com/gopus"

	"github.com/zeroscript/zeroscript/pkg/audio"
)

const (
	frameMs       = 20
	maxPacketSize = 4000
)

// Device encodes the PCM frames of an inner device into Opus packets. Each
// inbound PCM frame may yield several packets; leftover samples are carried
// into the next frame.
type Device struct {
	inner      audio.Device
	sampleRate int
}

var _ audio.Device = (*Device)(nil)

// Wrap returns a Device encoding mono PCM at sampleRate from inner.
func Wrap(inner audio.Device, sampleRate int) *Device {
	return &Device{inner: inner, sampleRate: sampleRate}
}

// Open opens the inner device and starts encoding.
func (d *Device) Open(ctx context.Context) (<-chan []byte, error) {
	enc, err := gopus.NewEncoder(d.sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	pcm, err := d.inner.Open(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 64)
	go d.encodeLoop(enc, pcm, out)
	return out, nil
}

func (d *Device) encodeLoop(enc *gopus.Encoder, in <-chan []byte, out chan<- []byte) {
	defer close(out)

	frameSize := d.sampleRate * frameMs / 1000
	var pending []int16
	for frame := range in {
		pending = append(pending, audio.BytesToInt16s(frame)...)
		for len(pending) >= frameSize {
			packet, err := enc.Encode(pending[:frameSize], frameSize, maxPacketSize)
			pending = pending[frameSize:]
			if err != nil {
				slog.Warn("opus: encode failed, dropping frame", "err", err)
				continue
			}
			out <- packet
		}
	}
}

// Close releases the inner device. The packet channel closes once the inner
// frame channel drains.
func (d *Device) Close() error {
	return d.inner.Close()
}
