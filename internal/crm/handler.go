package crm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/leadline/pkg/provider/s2s"
)

// Tool call status values, used as the "status" metric label.
const (
	StatusOK           = "ok"
	StatusInvalid      = "invalid"
	StatusUnknown      = "unknown"
	StatusRecordFailed = "record_failed"
)

// Outcome is the handling result for one tool call.
type Outcome struct {
	// Result is sent back on the session. It is always populated.
	Result s2s.ToolResult

	// Notice is a user-facing notification, empty when there is none.
	Notice string

	// Status is one of the Status* constants.
	Status string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithClock overrides time.Now for CapturedAt. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler answers tool calls made during a call.
type Handler struct {
	rec Recorder
	log *slog.Logger
	now func() time.Time
}

// NewHandler returns a Handler that passes captured leads to rec.
func NewHandler(rec Recorder, opts ...Option) *Handler {
	h := &Handler{rec: rec, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle answers call. The lead is acknowledged even if the recorder fails:
// the model has done its part, and the failure is an operator concern.
// Unknown functions and malformed arguments are answered with an error
// result so the model can recover in conversation.
func (h *Handler) Handle(ctx context.Context, callID string, call s2s.ToolCall) Outcome {
	reply := func(resp map[string]any) s2s.ToolResult {
		return s2s.ToolResult{ID: call.ID, Name: call.Name, Response: resp}
	}

	if call.Name != FunctionName {
		h.log.WarnContext(ctx, "crm: unknown function called", "call_id", callID, "function", call.Name)
		return Outcome{
			Result: reply(map[string]any{"error": fmt.Sprintf("unknown function %q", call.Name)}),
			Status: StatusUnknown,
		}
	}

	lead, err := ParseLead(call.Args)
	if err != nil {
		h.log.WarnContext(ctx, "crm: rejected lead", "call_id", callID, "err", err)
		return Outcome{
			Result: reply(map[string]any{"error": err.Error()}),
			Status: StatusInvalid,
		}
	}
	lead.CallID = callID
	lead.CapturedAt = h.now()

	status := StatusOK
	if err := h.rec.Record(ctx, lead); err != nil {
		h.log.ErrorContext(ctx, "crm: recorder failed", "call_id", callID, "err", err)
		status = StatusRecordFailed
	}

	return Outcome{
		Result: reply(map[string]any{"result": AckResult}),
		Notice: lead.Notice(),
		Status: status,
	}
}
