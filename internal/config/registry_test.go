package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/leadline/internal/config"
	"github.com/MrWong99/leadline/pkg/provider/s2s"
	"github.com/MrWong99/leadline/pkg/provider/s2s/mock"
)

func TestRegistry_Create(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.Register("fake", func(e config.ProviderEntry) (s2s.Provider, error) {
		got = e
		return &mock.Provider{}, nil
	})
	errBoom := errors.New("boom")
	reg.Register("broken", func(config.ProviderEntry) (s2s.Provider, error) { return nil, errBoom })

	p, err := reg.Create(config.ProviderEntry{Name: "fake", Model: "m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Errorf("Connect: %v", err)
	}
	if got.Model != "m" {
		t.Errorf("factory got entry %+v", got)
	}

	tests := []struct {
		name    string
		wantErr error
	}{
		{"nope", config.ErrProviderNotRegistered},
		{"broken", errBoom},
	}
	for _, tc := range tests {
		_, err := reg.Create(config.ProviderEntry{Name: tc.name})
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("Create(%q) = %v, want %v", tc.name, err, tc.wantErr)
		}
		if err != nil && !strings.Contains(err.Error(), tc.name) {
			t.Errorf("Create(%q) error does not name the provider: %v", tc.name, err)
		}
	}

	if names := reg.Names(); !slices.Equal(names, []string{"broken", "fake"}) {
		t.Errorf("Names = %v", names)
	}
}

func TestRegistry_RegisterPanics(t *testing.T) {
	t.Parallel()

	ok := func(config.ProviderEntry) (s2s.Provider, error) { return nil, nil }
	tests := []struct {
		name  string
		setup func(*config.Registry)
	}{
		{"empty name", func(r *config.Registry) { r.Register("", ok) }},
		{"nil factory", func(r *config.Registry) { r.Register("x", nil) }},
		{"duplicate", func(r *config.Registry) { r.Register("x", ok); r.Register("x", ok) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Error("Register did not panic")
				}
			}()
			tc.setup(config.NewRegistry())
		})
	}
}
