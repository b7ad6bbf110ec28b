// Package crm is the lead-capture boundary. It declares the saveLeadToCRM
// function offered to the model, validates invocations, hands captured leads
// to a [Recorder], and builds the acknowledgement sent back on the session.
//
// Persisting leads is the recorder's business; this package never stores
// anything itself.
package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	// FunctionName is the tool name the model calls to capture a lead.
	FunctionName = "saveLeadToCRM"

	// AckResult is the acknowledgement text returned for a captured lead.
	AckResult = "Successfully saved lead information."
)

// ErrInvalidLead is wrapped by [ParseLead] when a required argument is
// missing or not a string.
var ErrInvalidLead = errors.New("crm: invalid lead")

// Declaration returns the function declaration for [FunctionName]. Every
// parameter is a required string.
func Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        FunctionName,
		Description: "Saves the user's contact information and conversation transcript to the CRM.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"name":       {Type: genai.TypeString, Description: "The full name of the user."},
				"email":      {Type: genai.TypeString, Description: "The email address of the user."},
				"transcript": {Type: genai.TypeString, Description: "The full transcript of the conversation."},
			},
			Required: []string{"name", "email", "transcript"},
		},
	}
}

// Lead is a captured prospective customer.
type Lead struct {
	Name       string
	Email      string
	Transcript string

	// CallID identifies the call the lead was captured on.
	CallID string

	// CapturedAt is when the model invoked the function.
	CapturedAt time.Time
}

// ParseLead extracts a Lead from function-call arguments. Surrounding
// whitespace is trimmed; empty values count as missing.
func ParseLead(args map[string]any) (Lead, error) {
	var lead Lead
	var missing []string
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"name", &lead.Name},
		{"email", &lead.Email},
		{"transcript", &lead.Transcript},
	} {
		s, _ := args[f.key].(string)
		s = strings.TrimSpace(s)
		if s == "" {
			missing = append(missing, f.key)
			continue
		}
		*f.dst = s
	}
	if len(missing) > 0 {
		return Lead{}, fmt.Errorf("%w: missing %s", ErrInvalidLead, strings.Join(missing, ", "))
	}
	return lead, nil
}

// Notice is the user-facing summary of a captured lead.
func (l Lead) Notice() string {
	return fmt.Sprintf("Lead captured for %s (%s)", l.Name, l.Email)
}

// Recorder receives captured leads.
type Recorder interface {
	Record(ctx context.Context, lead Lead) error
}

// LogRecorder writes each lead to a structured log.
type LogRecorder struct {
	Log *slog.Logger
}

var _ Recorder = (*LogRecorder)(nil)

// Record logs lead at info level. The transcript is logged by length only.
func (r *LogRecorder) Record(ctx context.Context, lead Lead) error {
	l := r.Log
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "crm: lead captured",
		"call_id", lead.CallID,
		"name", lead.Name,
		"email", lead.Email,
		"transcript_chars", len(lead.Transcript),
	)
	return nil
}
