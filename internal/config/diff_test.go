package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/leadline/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		want        config.ConfigDiff
		wantRestart []string
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			want:   config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug},
		},
		{
			name:   "company",
			mutate: func(c *config.Config) { c.Agent.Company = "Acme" },
			want:   config.ConfigDiff{AgentChanged: true},
		},
		{
			name:   "voice",
			mutate: func(c *config.Config) { c.Provider.Voice = "Puck" },
			want:   config.ConfigDiff{ProviderChanged: true},
		},
		{
			name:   "notification ttl",
			mutate: func(c *config.Config) { c.Call.NotificationTTL = time.Second },
			want:   config.ConfigDiff{CallChanged: true},
		},
		{
			name: "listen addr and tls need restart",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":9090"
				c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
			},
			wantRestart: []string{"server.listen_addr", "server.tls"},
		},
		{
			name:        "origins need restart",
			mutate:      func(c *config.Config) { c.Server.AllowedOrigins = []string{"*"} },
			wantRestart: []string{"server.allowed_origins"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, cur := baseConfig(), baseConfig()
			tt.mutate(cur)

			got := config.Diff(old, cur)
			if !slices.Equal(got.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", got.RestartRequired, tt.wantRestart)
			}
			got.RestartRequired = nil
			if got.AgentChanged != tt.want.AgentChanged ||
				got.ProviderChanged != tt.want.ProviderChanged ||
				got.CallChanged != tt.want.CallChanged ||
				got.LogLevelChanged != tt.want.LogLevelChanged ||
				got.NewLogLevel != tt.want.NewLogLevel {
				t.Errorf("Diff = %+v, want %+v", got, tt.want)
			}
			if got.Changed() != (tt.want.AgentChanged || tt.want.ProviderChanged || tt.want.CallChanged || tt.want.LogLevelChanged) {
				t.Errorf("Changed() = %v", got.Changed())
			}
		})
	}
}
