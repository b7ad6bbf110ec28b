package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_Instructions(t *testing.T) {
	t.Parallel()

	got, err := Default().Instructions()
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	for _, want := range []string{
		`AI voice assistant for "Innovate Inc."`,
		"Do not wait for the user to speak first.",
		"use the 'saveLeadToCRM' function",
		"--- START OF KNOWLEDGE BASE ---",
		"Cloud-Sourced Data Analytics",
		"--- END OF KNOWLEDGE BASE ---",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	kb := filepath.Join(dir, "kb.md")
	if err := os.WriteFile(kb, []byte("- **Company Name**: Acme\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.md")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		company     string
		file        string
		wantCompany string
		wantKB      string
		wantErr     bool
	}{
		{name: "defaults", wantCompany: DefaultCompany, wantKB: "Innovate Inc."},
		{name: "override company only", company: "Acme", wantCompany: "Acme", wantKB: "Innovate Inc."},
		{name: "override knowledge", company: "Acme", file: kb, wantCompany: "Acme", wantKB: "Acme"},
		{name: "missing file", file: filepath.Join(dir, "nope.md"), wantErr: true},
		{name: "empty file", file: empty, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := Load(tt.company, tt.file)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if p.Company != tt.wantCompany {
				t.Errorf("Company = %q, want %q", p.Company, tt.wantCompany)
			}
			if !strings.Contains(p.Knowledge, tt.wantKB) {
				t.Errorf("Knowledge = %q, want it to contain %q", p.Knowledge, tt.wantKB)
			}
		})
	}
}

func TestInstructions_Company(t *testing.T) {
	t.Parallel()

	got, err := Persona{Company: "Acme", Knowledge: "facts"}.Instructions()
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	if strings.Contains(got, "Innovate") {
		t.Error("instructions still mention the default company")
	}
	if !strings.Contains(got, "Thanks for calling Acme.") {
		t.Error("closing line not personalised")
	}
}

func TestInstructions_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := (Persona{Knowledge: "x"}).Instructions(); err == nil {
		t.Error("expected error for empty company")
	}
	if _, err := (Persona{Company: "x"}).Instructions(); err == nil {
		t.Error("expected error for empty knowledge")
	}
}
