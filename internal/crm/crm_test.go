package crm_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/leadline/internal/crm"
	"github.com/MrWong99/leadline/pkg/provider/s2s"
)

type recorder struct {
	mu    sync.Mutex
	leads []crm.Lead
	err   error
}

func (r *recorder) Record(_ context.Context, lead crm.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads = append(r.leads, lead)
	return r.err
}

func TestDeclaration(t *testing.T) {
	t.Parallel()

	d := crm.Declaration()
	if d.Name != "saveLeadToCRM" {
		t.Errorf("Name = %q", d.Name)
	}
	if d.Parameters == nil || d.Parameters.Type != genai.TypeObject {
		t.Fatalf("Parameters = %+v", d.Parameters)
	}
	for _, key := range []string{"name", "email", "transcript"} {
		p, ok := d.Parameters.Properties[key]
		if !ok || p.Type != genai.TypeString {
			t.Errorf("property %q = %+v, want string", key, p)
		}
	}
	if got := d.Parameters.Required; len(got) != 3 {
		t.Errorf("Required = %v, want all three", got)
	}
}

func TestParseLead(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    map[string]any
		want    crm.Lead
		wantErr bool
	}{
		{
			name: "complete",
			args: map[string]any{"name": " Ada Lovelace ", "email": "ada@example.com", "transcript": "hi"},
			want: crm.Lead{Name: "Ada Lovelace", Email: "ada@example.com", Transcript: "hi"},
		},
		{
			name:    "missing email",
			args:    map[string]any{"name": "Ada", "transcript": "hi"},
			wantErr: true,
		},
		{
			name:    "wrong type",
			args:    map[string]any{"name": "Ada", "email": 42, "transcript": "hi"},
			wantErr: true,
		},
		{
			name:    "blank",
			args:    map[string]any{"name": "  ", "email": "a@b.c", "transcript": "hi"},
			wantErr: true,
		},
		{
			name:    "nil args",
			args:    nil,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := crm.ParseLead(tt.args)
			if tt.wantErr {
				if !errors.Is(err, crm.ErrInvalidLead) {
					t.Fatalf("err = %v, want ErrInvalidLead", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLead: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseLead = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHandler_CapturesLead(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := crm.NewHandler(rec, crm.WithClock(func() time.Time { return at }))

	out := h.Handle(context.Background(), "call-1", s2s.ToolCall{
		ID:   "fc-7",
		Name: crm.FunctionName,
		Args: map[string]any{"name": "Ada", "email": "ada@example.com", "transcript": "hello"},
	})

	if out.Status != crm.StatusOK {
		t.Errorf("Status = %q", out.Status)
	}
	if out.Result.ID != "fc-7" || out.Result.Name != crm.FunctionName {
		t.Errorf("Result not keyed by call: %+v", out.Result)
	}
	if out.Result.Response["result"] != "Successfully saved lead information." {
		t.Errorf("Response = %v", out.Result.Response)
	}
	if out.Notice != "Lead captured for Ada (ada@example.com)" {
		t.Errorf("Notice = %q", out.Notice)
	}
	if len(rec.leads) != 1 || rec.leads[0].CallID != "call-1" || !rec.leads[0].CapturedAt.Equal(at) {
		t.Errorf("recorded leads = %+v", rec.leads)
	}
}

func TestHandler_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		recErr     error
		call       s2s.ToolCall
		wantStatus string
		wantKey    string
		wantNotice bool
	}{
		{
			name:       "unknown function",
			call:       s2s.ToolCall{ID: "1", Name: "deleteEverything"},
			wantStatus: crm.StatusUnknown,
			wantKey:    "error",
		},
		{
			name:       "invalid args",
			call:       s2s.ToolCall{ID: "2", Name: crm.FunctionName, Args: map[string]any{"name": "Ada"}},
			wantStatus: crm.StatusInvalid,
			wantKey:    "error",
		},
		{
			name:       "recorder failure still acknowledges",
			recErr:     errors.New("crm down"),
			call:       s2s.ToolCall{ID: "3", Name: crm.FunctionName, Args: map[string]any{"name": "A", "email": "a@b.c", "transcript": "t"}},
			wantStatus: crm.StatusRecordFailed,
			wantKey:    "result",
			wantNotice: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := crm.NewHandler(&recorder{err: tt.recErr})
			out := h.Handle(context.Background(), "call", tt.call)
			if out.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", out.Status, tt.wantStatus)
			}
			if _, ok := out.Result.Response[tt.wantKey]; !ok {
				t.Errorf("Response = %v, want key %q", out.Result.Response, tt.wantKey)
			}
			if out.Result.ID != tt.call.ID {
				t.Errorf("Result.ID = %q, want %q", out.Result.ID, tt.call.ID)
			}
			if (out.Notice != "") != tt.wantNotice {
				t.Errorf("Notice = %q", out.Notice)
			}
		})
	}
}

func TestLogRecorder(t *testing.T) {
	t.Parallel()
	var r crm.LogRecorder
	if err := r.Record(context.Background(), crm.Lead{Name: "A"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}
