// Package config provides the configuration schema, loader, and provider
// registry for the leadline call gateway.
package config

import "time"

// LogLevel controls log verbosity for the leadline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultMaxConcurrentCalls = 16
	DefaultProvider           = "gemini-live"
	DefaultModel              = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultCredentialEnv      = "API_KEY"
	DefaultVoice              = "Zephyr"
	DefaultCompany            = "Innovate Inc."
	DefaultNotificationTTL    = 4 * time.Second
)

// Config is the root configuration structure for leadline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Agent    AgentConfig   `yaml:"agent"`
	Call     CallConfig    `yaml:"call"`
}

// ServerConfig holds network and logging settings for the leadline server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxConcurrentCalls caps the number of simultaneous call connections.
	// Connections beyond the cap are refused with 503.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// AllowedOrigins lists the browser origins permitted to open a call
	// WebSocket. Empty means same-origin only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the speech-to-speech backend. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// CredentialEnv names the environment variable the API key is read from
	// at the start of every call. The key itself never appears in the file.
	CredentialEnv string `yaml:"credential_env"`

	// Voice is the provider's prebuilt voice name.
	Voice string `yaml:"voice"`
}

// AgentConfig shapes the agent's persona.
type AgentConfig struct {
	// Company is the business the agent answers calls for.
	Company string `yaml:"company"`

	// KnowledgeFile optionally points to a markdown knowledge base that
	// replaces the built-in one.
	KnowledgeFile string `yaml:"knowledge_file"`
}

// CallConfig holds per-call behaviour.
type CallConfig struct {
	// NotificationTTL is how long transient notifications stay visible.
	NotificationTTL time.Duration `yaml:"notification_ttl"`
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxConcurrentCalls == 0 {
		cfg.Server.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Provider.Model == "" && cfg.Provider.Name == DefaultProvider {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Provider.CredentialEnv == "" {
		cfg.Provider.CredentialEnv = DefaultCredentialEnv
	}
	if cfg.Provider.Voice == "" && cfg.Provider.Name == DefaultProvider {
		cfg.Provider.Voice = DefaultVoice
	}
	if cfg.Agent.Company == "" {
		cfg.Agent.Company = DefaultCompany
	}
	if cfg.Call.NotificationTTL == 0 {
		cfg.Call.NotificationTTL = DefaultNotificationTTL
	}
}
