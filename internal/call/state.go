package call

import "time"

// State is the lifecycle state of a call.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnded
	StateError
)

// String returns the upper-case state name used on the wire.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s ends a call. A new call may be started from any
// terminal state.
func (s State) Terminal() bool { return s == StateEnded || s == StateError }

// live reports whether a call is being set up or is in progress.
func (s State) live() bool { return s == StateConnecting || s == StateActive }

// ResourceState tracks an exclusively held per-call resource.
type ResourceState int

const (
	ResourceUnallocated ResourceState = iota
	ResourceActive
	ResourceReleased
)

// String returns the lower-case resource state name.
func (r ResourceState) String() string {
	switch r {
	case ResourceUnallocated:
		return "unallocated"
	case ResourceActive:
		return "active"
	case ResourceReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Author identifies the speaker of a transcript entry.
type Author string

const (
	AuthorUser  Author = "user"
	AuthorAgent Author = "agent"
)

// TranscriptEntry is one completed turn of one speaker.
type TranscriptEntry struct {
	Author Author
	Text   string
}

// View is the presentation boundary of a call. All methods are invoked from
// the orchestrator's loop goroutine, in order, and must not block for long.
type View interface {
	// OnState reports a state change. callID identifies the current or most
	// recent call and is empty before the first Start. message is the
	// user-facing error text and is empty unless state is StateError.
	OnState(state State, callID, message string)

	// OnTranscript reports a newly appended transcript entry.
	OnTranscript(entry TranscriptEntry)

	// OnNotification raises a transient notification that should disappear
	// after ttl.
	OnNotification(text string, ttl time.Duration)
}

// Snapshot is a consistent copy of a call's observable state.
type Snapshot struct {
	CallID string
	State  State

	// Error is the user-facing message for StateError.
	Error string

	// Err is the underlying cause for StateError. It is never shown to users.
	Err error

	Transcript []TranscriptEntry

	// Notification is the current notification, empty once it has expired.
	Notification string

	// PendingUser and PendingAgent hold transcription text not yet flushed
	// by a turn-complete signal.
	PendingUser  string
	PendingAgent string

	Microphone ResourceState
	Playback   ResourceState

	// NextStart is the playback cursor. ActiveVoices counts scheduled
	// segments that have neither finished nor been stopped.
	NextStart    time.Duration
	ActiveVoices int
}
