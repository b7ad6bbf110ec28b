// Package audio holds the PCM primitives shared by the capture and playback
// halves of a call: raw device frames, fixed-size sample blocks, transport
// blobs, and decoded playback buffers.
//
// Two fixed formats meet here. Microphone audio is sent upstream as 16 kHz
// mono ([InputSampleRate]) in blocks of [BlockSize] samples; synthesised
// speech comes back as 24 kHz mono ([OutputSampleRate]). Everything on the wire
// is signed 16-bit little-endian PCM.
package audio

import "time"

const (
	// InputSampleRate is the sample rate of audio sent to the remote session.
	InputSampleRate = 16000

	// OutputSampleRate is the sample rate of audio returned by the remote session.
	OutputSampleRate = 24000

	// BlockSize is the number of samples in one capture block.
	BlockSize = 4096

	// InputMIMEType tags every encoded capture block.
	InputMIMEType = "audio/pcm;rate=16000"
)

// AudioFrame is a raw chunk of audio as delivered by a capture device. Frames
// have no fixed length; the capture tap re-blocks them into [Block] values.
type AudioFrame struct {
	// PCM audio data, signed 16-bit little-endian, channels interleaved.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for a browser default context, 16000 for upstream).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Block is a fixed-length run of mono samples in [-1, 1] at [InputSampleRate].
// Blocks are ephemeral: produced by the capture tap and encoded immediately.
type Block []float32

// Silence returns a block of n zero samples.
func Silence(n int) Block {
	return make(Block, n)
}
