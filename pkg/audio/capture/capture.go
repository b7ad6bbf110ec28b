// Package capture turns a live microphone into an ordered stream of encoded
// 16 kHz mono blocks delivered to a remote session.
//
// A [Device] hands out one exclusive [Track] per call. A [Pipeline] taps the
// track, re-blocks its frames into [audio.BlockSize]-sample blocks, encodes
// them, and submits them to the session once it resolves. Blocks produced
// while the session is still connecting are queued, never dropped, and are
// delivered in production order.
package capture

import (
	"context"
	"errors"

	"github.com/MrWong99/leadline/pkg/audio"
)

var (
	// ErrDeviceBusy is returned by Device.Open while another track is live.
	ErrDeviceBusy = errors.New("capture: device busy")

	// ErrMicrophoneUnavailable is returned by Device.Open when the user denied
	// access or no input device exists.
	ErrMicrophoneUnavailable = errors.New("capture: microphone unavailable")
)

// Device is a microphone that can be acquired for the duration of one call.
type Device interface {
	// Open acquires the microphone. At most one track may be live at a time.
	Open(ctx context.Context) (Track, error)
}

// Track is an acquired microphone stream.
type Track interface {
	// Frames delivers raw PCM frames. The channel is closed by Stop.
	Frames() <-chan audio.AudioFrame

	// Stop releases the device. It is safe to call more than once.
	Stop() error
}

// Tap converts raw device frames into fixed-size mono blocks at
// [audio.InputSampleRate]. It is not safe for concurrent use.
type Tap struct {
	conv    audio.MonoConverter
	size    int
	pending []float32
}

// NewTap returns a Tap emitting blocks of size samples. A non-positive size
// selects [audio.BlockSize].
func NewTap(size int) *Tap {
	if size <= 0 {
		size = audio.BlockSize
	}
	return &Tap{
		conv:    audio.MonoConverter{TargetRate: audio.InputSampleRate},
		size:    size,
		pending: make([]float32, 0, 2*size),
	}
}

// Push feeds one frame and returns every block it completed, oldest first.
// Leftover samples carry over to the next call.
func (t *Tap) Push(frame audio.AudioFrame) []audio.Block {
	t.pending = append(t.pending, t.conv.Convert(frame)...)

	var out []audio.Block
	for len(t.pending) >= t.size {
		b := make(audio.Block, t.size)
		copy(b, t.pending)
		out = append(out, b)
		t.pending = t.pending[t.size:]
	}
	// Compact so the backing array does not grow without bound.
	if cap(t.pending)-len(t.pending) < t.size {
		t.pending = append(make([]float32, 0, 2*t.size), t.pending...)
	}
	return out
}

// Buffered returns the number of samples waiting for the next block.
func (t *Tap) Buffered() int { return len(t.pending) }
