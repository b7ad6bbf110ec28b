// Package mock provides in-memory mock implementations of the capture and
// playback interfaces ([capture.Device], [capture.Track], [playback.Sink],
// [playback.Voice], [playback.Clock]) for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	track := mock.NewTrack(16)
//	dev := &mock.Device{OpenResult: track}
//	sink := &mock.Sink{}
//	sched := playback.NewScheduler(&mock.Clock{}, sink)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/leadline/pkg/audio"
	"github.com/MrWong99/leadline/pkg/audio/capture"
	"github.com/MrWong99/leadline/pkg/audio/playback"
)

var (
	_ capture.Device = (*Device)(nil)
	_ capture.Track  = (*Track)(nil)
	_ playback.Sink  = (*Sink)(nil)
	_ playback.Voice = (*Voice)(nil)
	_ playback.Clock = (*Clock)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [capture.Device].
type Device struct {
	mu sync.Mutex

	// OpenFunc, if set, replaces the default behaviour.
	OpenFunc func(ctx context.Context) (capture.Track, error)

	// OpenResult is returned by Open. If nil, a fresh Track is returned.
	OpenResult capture.Track

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [capture.Device].
func (d *Device) Open(ctx context.Context) (capture.Track, error) {
	d.mu.Lock()
	d.CallCountOpen++
	fn, res, err := d.OpenFunc, d.OpenResult, d.OpenError
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return NewTrack(16), nil
}

// Opens returns how many times Open was called.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}

// ─── Track ────────────────────────────────────────────────────────────────────

// Track is a mock implementation of [capture.Track]. Feed frames with Push.
type Track struct {
	mu      sync.Mutex
	frames  chan audio.AudioFrame
	stopped bool

	// StopError is returned by every Stop call.
	StopError error

	// OnStop, if set, runs at the start of the first Stop call.
	OnStop func()

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// NewTrack returns a live track whose frame channel has the given buffer.
func NewTrack(buffer int) *Track {
	return &Track{frames: make(chan audio.AudioFrame, buffer)}
}

// Push delivers a frame, blocking while the buffer is full. It reports false
// once the track has been stopped.
func (t *Track) Push(frame audio.AudioFrame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.frames <- frame
	return true
}

// Frames implements [capture.Track].
func (t *Track) Frames() <-chan audio.AudioFrame { return t.frames }

// Stop implements [capture.Track]. The first call closes the frame channel.
func (t *Track) Stop() error {
	t.mu.Lock()
	t.CallCountStop++
	first := !t.stopped
	hook := t.OnStop
	t.mu.Unlock()

	if first && hook != nil {
		hook()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.frames)
	}
	return t.StopError
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stops returns how many times Stop was called.
func (t *Track) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountStop
}

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is a manually advanced [playback.Clock]. The zero value reads zero.
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now implements [playback.Clock].
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to d.
func (c *Clock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = d
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Sink.Play] invocation.
type PlayCall struct {
	// Buffer is the buffer passed to Play.
	Buffer *audio.Buffer
	// At is the scheduled start time.
	At time.Duration
	// Voice is the handle returned for this call.
	Voice *Voice
}

// Sink is a mock implementation of [playback.Sink]. Voices never finish on
// their own; call [Voice.Finish] to simulate natural completion.
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by Play when non-nil.
	PlayError error

	// PlayCalls records every successful Play invocation.
	PlayCalls []PlayCall
}

// Play implements [playback.Sink].
func (s *Sink) Play(buf *audio.Buffer, at time.Duration, ended func()) (playback.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayError != nil {
		return nil, s.PlayError
	}
	v := &Voice{ended: ended}
	s.PlayCalls = append(s.PlayCalls, PlayCall{Buffer: buf, At: at, Voice: v})
	return v, nil
}

// Calls returns a copy of the recorded Play calls.
func (s *Sink) Calls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.PlayCalls))
	copy(out, s.PlayCalls)
	return out
}

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice is a mock implementation of [playback.Voice].
type Voice struct {
	mu       sync.Mutex
	ended    func()
	stopped  bool
	finished bool

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Stop implements [playback.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountStop++
	v.stopped = true
}

// Finish simulates the buffer playing to its end. It has no effect on a
// stopped or already finished voice.
func (v *Voice) Finish() {
	v.mu.Lock()
	if v.stopped || v.finished {
		v.mu.Unlock()
		return
	}
	v.finished = true
	ended := v.ended
	v.mu.Unlock()

	if ended != nil {
		ended()
	}
}

// Stopped reports whether Stop has been called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}
