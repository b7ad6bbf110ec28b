package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/leadline/pkg/audio"
	"github.com/MrWong99/leadline/pkg/audio/mock"
	"github.com/MrWong99/leadline/pkg/audio/playback"
)

// segment returns a mono 24 kHz buffer lasting d.
func segment(d time.Duration) *audio.Buffer {
	n := int(d * audio.OutputSampleRate / time.Second)
	return &audio.Buffer{SampleRate: audio.OutputSampleRate, Data: [][]float32{make([]float32, n)}}
}

func TestScheduler_Monotonic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		// arrivals are (clock time at arrival, segment duration) pairs.
		arrivals [][2]time.Duration
	}{
		{
			name: "back to back",
			arrivals: [][2]time.Duration{
				{0, 100 * time.Millisecond},
				{10 * time.Millisecond, 200 * time.Millisecond},
				{20 * time.Millisecond, 50 * time.Millisecond},
			},
		},
		{
			name: "late arrivals clamp to clock",
			arrivals: [][2]time.Duration{
				{5 * time.Millisecond, 100 * time.Millisecond},
				{500 * time.Millisecond, 100 * time.Millisecond},
				{520 * time.Millisecond, 40 * time.Millisecond},
				{2 * time.Second, 10 * time.Millisecond},
			},
		},
		{
			name: "first arrival after clock start",
			arrivals: [][2]time.Duration{
				{750 * time.Millisecond, 20 * time.Millisecond},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clock := &mock.Clock{}
			sink := &mock.Sink{}
			s := playback.NewScheduler(clock, sink)

			var prevStart, prevDur time.Duration
			for i, a := range tt.arrivals {
				clock.Set(a[0])
				at, err := s.Schedule(segment(a[1]))
				if err != nil {
					t.Fatalf("Schedule #%d: %v", i, err)
				}
				if at < a[0] {
					t.Errorf("segment %d starts at %v, before clock %v", i, at, a[0])
				}
				if i > 0 && at < prevStart+prevDur {
					t.Errorf("segment %d starts at %v, overlapping previous ending %v", i, at, prevStart+prevDur)
				}
				if want := max(prevStart+prevDur, a[0]); at != want {
					t.Errorf("segment %d starts at %v, want %v", i, at, want)
				}
				if s.NextStart() != at+a[1] {
					t.Errorf("cursor = %v, want %v", s.NextStart(), at+a[1])
				}
				prevStart, prevDur = at, a[1]
			}

			calls := sink.Calls()
			if len(calls) != len(tt.arrivals) {
				t.Fatalf("Play calls = %d, want %d", len(calls), len(tt.arrivals))
			}
		})
	}
}

func TestScheduler_SinkErrorLeavesCursor(t *testing.T) {
	t.Parallel()

	clock := &mock.Clock{}
	sink := &mock.Sink{}
	s := playback.NewScheduler(clock, sink)

	if _, err := s.Schedule(segment(100 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	sink.PlayError = errors.New("sink gone")
	if _, err := s.Schedule(segment(100 * time.Millisecond)); !errors.Is(err, sink.PlayError) {
		t.Fatalf("Schedule err = %v, want sink error", err)
	}
	if s.NextStart() != 100*time.Millisecond {
		t.Errorf("cursor moved on failure: %v", s.NextStart())
	}
	if s.Active() != 1 {
		t.Errorf("Active = %d, want 1", s.Active())
	}
}

func TestScheduler_NaturalEndReleasesVoice(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := playback.NewScheduler(&mock.Clock{}, sink)
	for range 3 {
		if _, err := s.Schedule(segment(10 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	if s.Active() != 3 {
		t.Fatalf("Active = %d, want 3", s.Active())
	}

	calls := sink.Calls()
	calls[1].Voice.Finish()
	if s.Active() != 2 {
		t.Errorf("Active after one finish = %d, want 2", s.Active())
	}
	calls[1].Voice.Finish() // repeated completion is ignored
	if s.Active() != 2 {
		t.Errorf("Active after duplicate finish = %d, want 2", s.Active())
	}
}

func TestScheduler_StopIdempotent(t *testing.T) {
	t.Parallel()

	clock := &mock.Clock{}
	sink := &mock.Sink{}
	s := playback.NewScheduler(clock, sink)
	for range 2 {
		if _, err := s.Schedule(segment(50 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}

	s.Stop()
	s.Stop()

	if s.Active() != 0 {
		t.Errorf("Active = %d after Stop", s.Active())
	}
	if s.NextStart() != 0 {
		t.Errorf("cursor = %v after Stop, want 0", s.NextStart())
	}
	for i, c := range sink.Calls() {
		if !c.Voice.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
		if c.Voice.CallCountStop != 1 {
			t.Errorf("voice %d stopped %d times, want 1", i, c.Voice.CallCountStop)
		}
		// A completion arriving after Stop must not disturb bookkeeping.
		c.Voice.Finish()
	}
	if s.Active() != 0 {
		t.Errorf("Active = %d after late finish", s.Active())
	}
}

func TestWallClock_Advances(t *testing.T) {
	t.Parallel()
	c := playback.NewWallClock()
	a := c.Now()
	time.Sleep(2 * time.Millisecond)
	if b := c.Now(); b <= a {
		t.Errorf("clock did not advance: %v then %v", a, b)
	}
}
