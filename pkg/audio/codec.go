package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDecode is wrapped by every error returned from [DecodeBlob] and
// [DecodeAudioData]. A decode failure concerns a single segment only.
var ErrDecode = errors.New("audio: decode")

// Blob is an encoded audio payload ready for transport: base64 text of
// 16-bit little-endian PCM, tagged with its MIME type.
type Blob struct {
	// Data is the base64 (standard alphabet, padded) encoding of the PCM bytes.
	Data string

	// MIMEType describes the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// Float32ToPCM16 quantises samples in [-1, 1] to signed 16-bit little-endian
// PCM. Out-of-range samples are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat32 rescales signed 16-bit little-endian PCM to float samples in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// EncodeBlob converts a capture block into a transport blob tagged with
// [InputMIMEType]. It is deterministic and has no side effects.
func EncodeBlob(samples []float32) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(Float32ToPCM16(samples)),
		MIMEType: InputMIMEType,
	}
}

// DecodeBlob reverses the transport encoding of a blob payload. The result
// must be whole 16-bit samples.
func DecodeBlob(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of 16-bit samples", ErrDecode, len(pcm))
	}
	return pcm, nil
}

// Buffer is a playback-ready, de-interleaved audio buffer.
type Buffer struct {
	// SampleRate in Hz.
	SampleRate int

	// Data holds one slice of samples per channel; all slices have equal length.
	Data [][]float32
}

// Channels returns the channel count.
func (b *Buffer) Channels() int { return len(b.Data) }

// Len returns the number of samples per channel.
func (b *Buffer) Len() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration is the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Len()) * time.Second / time.Duration(b.SampleRate)
}

// Interleaved returns the buffer re-encoded as interleaved 16-bit PCM.
func (b *Buffer) Interleaved() []byte {
	n, ch := b.Len(), b.Channels()
	samples := make([]float32, n*ch)
	for c, data := range b.Data {
		for i, s := range data {
			samples[i*ch+c] = s
		}
	}
	return Float32ToPCM16(samples)
}

// DecodeAudioData reinterprets pcm as interleaved signed 16-bit little-endian
// samples and builds a [Buffer] of the given shape with
// len(pcm)/2/channels samples per channel.
func DecodeAudioData(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid shape %d Hz x %d channels", ErrDecode, sampleRate, channels)
	}
	if len(pcm)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes does not divide into %d-channel 16-bit frames", ErrDecode, len(pcm), channels)
	}
	frames := len(pcm) / 2 / channels
	buf := &Buffer{SampleRate: sampleRate, Data: make([][]float32, channels)}
	for c := range buf.Data {
		buf.Data[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			buf.Data[c][i] = float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768
		}
	}
	return buf, nil
}
