package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/leadline/internal/app"
	"github.com/MrWong99/leadline/internal/config"
	"github.com/MrWong99/leadline/internal/crm"
	"github.com/MrWong99/leadline/internal/observe"
	"github.com/MrWong99/leadline/pkg/provider/s2s"
	s2smock "github.com/MrWong99/leadline/pkg/provider/s2s/mock"
)

// testConfig returns a minimal valid config using the "mock" provider.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Provider: config.ProviderEntry{
			Name:          "mock",
			Model:         "test-model",
			CredentialEnv: "LEADLINE_APP_TEST_KEY",
			Voice:         "Puck",
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testRegistry registers a mock S2S provider under "mock".
func testRegistry(p s2s.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.Register("mock", func(config.ProviderEntry) (s2s.Provider, error) { return p, nil })
	return reg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t)), app.WithLogger(quietLogger())}, opts...)
	a, err := app.New(cfg, testRegistry(&s2smock.Provider{}), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "unregistered provider",
			mutate:  func(c *config.Config) { c.Provider.Name = "nope" },
			wantErr: config.ErrProviderNotRegistered,
		},
		{
			name:    "missing knowledge file",
			mutate:  func(c *config.Config) { c.Agent.KnowledgeFile = filepath.Join(t.TempDir(), "missing.md") },
			wantErr: os.ErrNotExist,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tc.mutate(cfg)
			_, err := app.New(cfg, testRegistry(&s2smock.Provider{}), app.WithMetrics(testMetrics(t)))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newApp(t, testConfig()).Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestHandler_ReadyzFollowsCredential(t *testing.T) {
	cfg := testConfig()
	srv := httptest.NewServer(newApp(t, cfg).Handler())
	t.Cleanup(srv.Close)

	get := func() int {
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	t.Setenv(cfg.Provider.CredentialEnv, "")
	if got := get(); got != http.StatusServiceUnavailable {
		t.Errorf("readyz without credential = %d, want 503", got)
	}
	t.Setenv(cfg.Provider.CredentialEnv, "secret")
	if got := get(); got != http.StatusOK {
		t.Errorf("readyz with credential = %d, want 200", got)
	}
}

func TestHandler_CallUpgrades(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newApp(t, testConfig()).Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/call"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", resp.StatusCode)
	}
}

// captureSession starts a call through the /call endpoint and returns the
// session config the provider was asked to connect with.
func captureSession(t *testing.T, a *app.App, prov *s2smock.Provider) s2s.SessionConfig {
	t.Helper()
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/call", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]any{"type": "start", "microphone": "granted", "sample_rate": 16000}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(prov.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Connect never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return prov.Calls()[0].Cfg
}

func TestApp_SessionTemplate(t *testing.T) {
	cfg := testConfig()
	t.Setenv(cfg.Provider.CredentialEnv, "secret")

	prov := &s2smock.Provider{}
	a, err := app.New(cfg, testRegistry(prov), app.WithMetrics(testMetrics(t)), app.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := captureSession(t, a, prov)
	if got.APIKey != "secret" {
		t.Errorf("APIKey = %q, want %q", got.APIKey, "secret")
	}
	if got.Model != "test-model" || got.Voice != "Puck" {
		t.Errorf("Model/Voice = %q/%q", got.Model, got.Voice)
	}
	if !got.InputTranscription || !got.OutputTranscription {
		t.Error("transcription not enabled")
	}
	if !strings.Contains(got.Instructions, config.DefaultCompany) {
		t.Error("instructions do not mention the company")
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != crm.FunctionName {
		t.Errorf("Tools = %v, want [%s]", got.Tools, crm.FunctionName)
	}
}

func TestApp_Reload(t *testing.T) {
	cfg := testConfig()
	t.Setenv(cfg.Provider.CredentialEnv, "secret")

	level := new(slog.LevelVar)
	prov := &s2smock.Provider{}
	a, err := app.New(cfg, testRegistry(prov),
		app.WithMetrics(testMetrics(t)),
		app.WithLogger(quietLogger()),
		app.WithLevel(level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A reload naming an unknown provider keeps the previous settings.
	bad := testConfig()
	bad.Provider.Name = "nope"
	a.Reload(cfg, bad)

	next := testConfig()
	next.Agent.Company = "Globex"
	next.Server.LogLevel = config.LogDebug
	a.Reload(cfg, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	got := captureSession(t, a, prov)
	if !strings.Contains(got.Instructions, "Globex") {
		t.Error("reloaded company not applied to new calls")
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_ShutdownRunsClosersOnce(t *testing.T) {
	t.Parallel()

	var order []int
	a := newApp(t, testConfig(),
		app.WithCloser(func() error { order = append(order, 1); return nil }),
		app.WithCloser(func() error { order = append(order, 2); return errors.New("ignored") }),
	)

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("closer order = %v, want [1 2]", order)
	}
}

func TestApp_ShutdownRespectsDeadline(t *testing.T) {
	t.Parallel()

	called := false
	a := newApp(t, testConfig(), app.WithCloser(func() error { called = true; return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
	if called {
		t.Error("closer ran after deadline")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := app.SlogLevel(tc.in); got != tc.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
