package audio_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zeroscript/zeroscript/pkg/audio"
)

func collect(t *testing.T, ch <-chan []byte) [][]byte {
	t.Helper()
	var out [][]byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timed out waiting for frames")
		}
	}
}

func TestReaderDevice_FramesAndEOF(t *testing.T) {
	t.Parallel()

	// 250ms of 16 kHz mono: two full 100ms frames and one 50ms tail.
	pcm := samplesToBytes(make([]int16, 4000))
	dev := audio.NewReaderDevice(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(pcm)), nil
	})

	frames, err := dev.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := collect(t, frames)
	if len(got) != 3 {
		t.Fatalf("frames = %d, want 3", len(got))
	}
	if len(got[0]) != 3200 || len(got[2]) != 1600 {
		t.Errorf("frame sizes = %d, %d, %d", len(got[0]), len(got[1]), len(got[2]))
	}
	if err := dev.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestReaderDevice_NormalizesSource(t *testing.T) {
	t.Parallel()

	// 100ms of 48 kHz stereo becomes 100ms of 16 kHz mono.
	pcm := samplesToBytes(make([]int16, 9600))
	dev := audio.NewReaderDevice(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(pcm)), nil
	}, audio.WithSourceFormat(audio.Format{SampleRate: 48000, Channels: 2}))

	frames, err := dev.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := collect(t, frames)
	if len(got) != 1 || len(got[0]) != 3200 {
		t.Fatalf("got %d frames, first %d bytes; want 1 frame of 3200", len(got), len(got[0]))
	}
	_ = dev.Close()
}

func TestReaderDevice_OpenFailure(t *testing.T) {
	t.Parallel()

	dev := audio.NewFileDevice("/nonexistent/zeroscript-test.pcm")
	if _, err := dev.Open(context.Background()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Open error = %v, want ErrDeviceUnavailable", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("Close on never-opened device: %v", err)
	}
}

func TestReaderDevice_Busy(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	defer w.Close()
	dev := audio.NewReaderDevice(func() (io.ReadCloser, error) { return r, nil })

	if _, err := dev.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := dev.Open(context.Background()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("second Open error = %v, want ErrDeviceUnavailable", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
