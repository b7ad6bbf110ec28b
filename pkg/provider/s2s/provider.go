// Package s2s defines the contract for Speech-to-Speech (S2S) backends: hosted
// conversational services that take raw microphone audio and answer with
// synthesised speech, transcriptions, and tool calls over one stateful session.
//
// The contract is deliberately narrow. A caller opens a [Session], pushes
// encoded audio and tool results into it, and consumes a single ordered stream
// of [Event] values describing everything the remote side does. Recognition,
// reasoning, synthesis, and turn detection all happen remotely.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"google.golang.org/genai"

	"github.com/MrWong99/leadline/pkg/audio"
)

// EventKind enumerates the lifecycle and data events of a session.
type EventKind int

const (
	// EventOpened fires once, when the remote side has accepted the session
	// configuration and is ready for audio.
	EventOpened EventKind = iota + 1

	// EventMessage carries a [Message] from the remote side.
	EventMessage

	// EventErrored reports a remote or transport failure. An EventClosed
	// always follows.
	EventErrored

	// EventClosed is the last event of a session.
	EventClosed
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventErrored:
		return "errored"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item of a session's event stream.
type Event struct {
	Kind EventKind

	// Message is set for EventMessage.
	Message *Message

	// Err is set for EventErrored and, when the connection ended abnormally,
	// for EventClosed.
	Err error
}

// Message is the payload of an EventMessage. Any combination of fields may be
// populated; empty strings and nil slices mean "not present".
type Message struct {
	// InputTranscription is a delta of the recognised user speech.
	InputTranscription string

	// OutputTranscription is a delta of the text the agent is speaking.
	OutputTranscription string

	// TurnComplete marks the end of the current turn.
	TurnComplete bool

	// Interrupted reports that the user barged in and the remote side
	// abandoned its current response.
	Interrupted bool

	// ToolCalls are function invocations requested by the model. Each must be
	// answered with [Session.SendToolResult].
	ToolCalls []ToolCall

	// Audio holds inline speech segments, still transport-encoded.
	Audio []audio.Blob
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult answers a [ToolCall]. ID and Name must echo the call.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// APIKey authenticates the session. It is read per call so that credential
	// rotation needs no restart.
	APIKey string

	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the provider-specific prebuilt voice name.
	Voice string

	// Instructions is the system instruction for the agent.
	Instructions string

	// Tools declares the functions the model may call.
	Tools []*genai.FunctionDeclaration

	// InputTranscription requests transcription of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcription of the agent's speech.
	OutputTranscription bool
}

// Session is an open S2S session.
//
// Callers must consume [Session.Events] until it is closed and must call
// Close when done. Close is idempotent; after Close the event channel is
// closed, possibly without a final EventClosed.
type Session interface {
	// SendAudio submits one encoded capture block.
	SendAudio(ctx context.Context, blob audio.Blob) error

	// SendToolResult answers one or more tool calls.
	SendToolResult(ctx context.Context, results ...ToolResult) error

	// Events returns the session's ordered event stream.
	Events() <-chan Event

	// Close terminates the session.
	Close() error
}

// Provider opens sessions against one S2S backend.
type Provider interface {
	// Connect dials the backend and sends the session configuration. It
	// returns once the configuration has been written; EventOpened arrives
	// on the session's event stream when the backend accepts it.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
