package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// MonoConverter turns device frames of any shape into mono float samples at
// a fixed target rate. It warns once on the first format mismatch and once on
// the first malformed frame.
//
// Create one per stream. The resampler carries no state between frames, so
// frame boundaries may introduce a sample of phase error; at speech rates
// this is inaudible.
type MonoConverter struct {
	// TargetRate is the output sample rate in Hz.
	TargetRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert downmixes and resamples frame. Malformed frames (a byte count that
// is not a whole number of 16-bit frames, or a non-positive shape) yield nil.
func (c *MonoConverter) Convert(frame AudioFrame) []float32 {
	if frame.Channels <= 0 || frame.SampleRate <= 0 || len(frame.Data)%(2*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: dropping malformed capture frame",
				"bytes", len(frame.Data),
				"sample_rate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return nil
	}

	if frame.SampleRate != c.TargetRate || frame.Channels != 1 {
		c.warnedMismatch.Do(func() {
			slog.Info("audio: converting capture format",
				"from", Format{frame.SampleRate, frame.Channels}.String(),
				"to", Format{c.TargetRate, 1}.String(),
			)
		})
	}

	mono := Downmix(PCM16ToFloat32(frame.Data), frame.Channels)
	return Resample(mono, frame.SampleRate, c.TargetRate)
}

// Downmix averages interleaved multi-channel samples into mono. Mono input
// is returned unchanged; a trailing partial frame is discarded.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += s
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal or non-positive rates return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0 + (s1-s0)*frac
	}
	return out
}
