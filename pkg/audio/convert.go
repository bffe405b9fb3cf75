package audio

import (
	"log/slog"
	"sync"
)

// Normalizer converts 16-bit PCM chunks from a source format to a mono
// target format. Create one per stream; not designed for shared use across
// goroutines.
type Normalizer struct {
	Source Format
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize converts pcm to the target format. Chunks already in the target
// format are returned unchanged (zero allocation). Chunks with an odd byte
// count are dropped. Conversion order: downmix first, then resample.
func (n *Normalizer) Normalize(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio normalizer: odd byte count in PCM data, dropping chunk", "bytes", len(pcm))
		})
		return nil
	}
	if n.Source == n.Target {
		return pcm
	}

	n.warnedMismatch.Do(func() {
		slog.Info("audio normalizer: converting capture format", "from", n.Source.String(), "to", n.Target.String())
	})

	if n.Source.Channels == 2 && n.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, n.Source.SampleRate, n.Target.SampleRate)
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := min(max((l+r)/2, -32768), 32767)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or either is non-positive, pcm is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := BytesToInt16s(pcm)
	dstSamples := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return Int16sToBytes(out)
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
