// Package playback schedules decoded speech segments for gapless, in-order
// playback against a running clock.
//
// The [Scheduler] keeps a single cursor, the earliest time the next segment
// may start. Each segment starts at max(cursor, now) and pushes the cursor
// forward by its duration, so segments never overlap and never reorder, and
// a late segment starts immediately rather than in the past.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/leadline/pkg/audio"
)

// Clock reports the current playback time.
type Clock interface {
	Now() time.Duration
}

// WallClock is a [Clock] that starts at zero when created and advances with
// the system monotonic clock.
type WallClock struct {
	start time.Time
}

// NewWallClock returns a clock reading zero now.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Now returns the time elapsed since the clock was created.
func (c *WallClock) Now() time.Duration { return time.Since(c.start) }

// Sink renders buffers. Implementations decide what "playing" means: a local
// device, or a remote client that performs the actual output.
type Sink interface {
	// Play schedules buf to start at the given clock time. ended must be
	// invoked at most once, asynchronously, when the buffer finishes on its
	// own. It must not be invoked after the returned Voice is stopped.
	Play(buf *audio.Buffer, at time.Duration, ended func()) (Voice, error)
}

// Voice is a handle to one scheduled buffer.
type Voice interface {
	// Stop halts playback immediately. It must be safe to call more than once.
	Stop()
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// ── Scheduler ──────────────────────────────────────────────────────────────────

// Scheduler is safe for concurrent use. Completion callbacks from the sink may
// arrive on any goroutine.
type Scheduler struct {
	clock Clock
	sink  Sink
	log   *slog.Logger

	mu        sync.Mutex
	nextStart time.Duration
	voices    map[uint64]Voice
	seq       uint64
}

// NewScheduler returns a Scheduler with its cursor at zero.
func NewScheduler(clock Clock, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clock,
		sink:   sink,
		log:    slog.Default(),
		voices: make(map[uint64]Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule plays buf immediately after everything scheduled before it, or now
// if the cursor has fallen behind the clock. It returns the start time. If
// the sink refuses the buffer the cursor does not move.
func (s *Scheduler) Schedule(buf *audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := max(s.nextStart, s.clock.Now())

	s.seq++
	id := s.seq
	v, err := s.sink.Play(buf, at, func() { s.release(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule at %v: %w", at, err)
	}

	s.nextStart = at + buf.Duration()
	s.voices[id] = v
	return at, nil
}

// release forgets a voice that finished on its own. Unknown ids, including
// voices already cleared by Stop, are ignored.
func (s *Scheduler) release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.voices, id)
}

// Stop halts every active voice, forgets them, and rewinds the cursor to
// zero. It is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	voices := make([]Voice, 0, len(s.voices))
	for _, v := range s.voices {
		voices = append(voices, v)
	}
	clear(s.voices)
	s.nextStart = 0
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if len(voices) > 0 {
		s.log.Debug("playback: stopped active voices", "count", len(voices))
	}
}

// NextStart returns the cursor.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of voices that have neither finished nor been
// stopped.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.voices)
}
