// Package config provides the configuration schema, loader, and provider registry
// for zeroscript. One file configures both the backend (`zeroscript serve`) and
// the agent (`zeroscript agent`); each command reads the sections it needs.
package config

import "time"

// LogLevel controls log verbosity.
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

// LogFormat selects the console handler.
type LogFormat string

const (
	LogFormatText   LogFormat = "text"
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	switch f {
	case LogFormatText, LogFormatJSON, LogFormatPretty:
		return true
	}
	return false
}

// Audio encodings accepted by agent.encoding.
const (
	EncodingLinear16 = "linear16"
	EncodingOpus     = "opus"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Identity  IdentityConfig  `yaml:"identity"`
	Providers ProvidersConfig `yaml:"providers"`
	Playbook  PlaybookConfig  `yaml:"playbook"`
	Token     TokenConfig     `yaml:"token"`
	Agent     AgentConfig     `yaml:"agent"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the backend.
type ServerConfig struct {
	// ListenAddr is the TCP address the backend listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity for every command.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text, json or pretty console output.
	LogFormat LogFormat `yaml:"log_format"`

	// CORSOrigins lists the origins allowed to call /token and /match.
	// "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TelemetryConfig tunes the OpenTelemetry setup of serve, agent and mcp.
type TelemetryConfig struct {
	// InstanceID identifies this process in exported telemetry. Empty uses
	// the hostname.
	InstanceID string `yaml:"instance_id"`

	// TraceSampleRatio is the fraction of new traces that are recorded, in
	// [0, 1]. Incoming sampled traces are always continued. Default: 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// RuntimeMetrics adds the Go runtime and process collectors to /metrics.
	// Default: true.
	RuntimeMetrics bool `yaml:"runtime_metrics"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// IdentityConfig points at the identity provider (Supabase GoTrue).
type IdentityConfig struct {
	// URL is the project URL, e.g. "https://xyz.supabase.co".
	URL string `yaml:"url"`

	// AnonKey is the public API key sent as the apikey header.
	AnonKey string `yaml:"anon_key"`

	// SessionFile overrides where the signed-in session is persisted.
	// Empty uses the user config directory.
	SessionFile string `yaml:"session_file"`
}

// ProvidersConfig declares which implementation to use for each external
// dependency. Each entry selects a named factory registered in the [Registry].
type ProvidersConfig struct {
	Embeddings ProviderEntry `yaml:"embeddings"`

	// EmbeddingsFallbacks are tried in order when the primary embeddings
	// provider fails or its circuit is open.
	EmbeddingsFallbacks []ProviderEntry `yaml:"embeddings_fallbacks"`

	STT   ProviderEntry `yaml:"stt"`
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "text-embedding-3-small", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// PlaybookConfig configures the script corpus.
type PlaybookConfig struct {
	// PostgresDSN is the connection string of the pgvector store. When empty
	// the corpus is loaded from File into memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions sizes the embedding column. Must match the
	// embeddings model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// File is the YAML playbook used by `seed` and by in-memory mode.
	File string `yaml:"file"`

	// Threshold is the minimum cosine similarity of a match.
	Threshold float64 `yaml:"threshold"`
}

// TokenConfig controls the temporary transcription keys minted by /token.
type TokenConfig struct {
	// ProjectID is the Deepgram project that owns the keys.
	ProjectID string `yaml:"project_id"`

	// TTL is the key lifetime.
	TTL time.Duration `yaml:"ttl"`

	// Scopes granted to each key.
	Scopes []string `yaml:"scopes"`

	// Comment is stored with each key for auditing.
	Comment string `yaml:"comment"`
}

// AgentConfig configures the capture pipeline on the agent's machine.
type AgentConfig struct {
	// BackendURL is the base URL of `zeroscript serve`.
	BackendURL string `yaml:"backend_url"`

	// ListenAddr serves the overlay event stream and call controls.
	// Keep it on loopback.
	ListenAddr string `yaml:"listen_addr"`

	// Local scores utterances in-process instead of calling the backend.
	// Requires providers.embeddings and a playbook.
	Local bool `yaml:"local"`

	// QuietPeriod is the silence after a final transcript before the
	// accumulated text is matched.
	QuietPeriod time.Duration `yaml:"quiet_period"`

	// KeepAliveInterval is the keep-alive period of the open stream.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// PendingFrames bounds audio buffered before the stream opens.
	PendingFrames int `yaml:"pending_frames"`

	// Encoding is the wire encoding: linear16 or opus.
	Encoding string `yaml:"encoding"`

	SampleRate     int    `yaml:"sample_rate"`
	Language       string `yaml:"language"`
	Punctuate      bool   `yaml:"punctuate"`
	SmartFormat    bool   `yaml:"smart_format"`
	InterimResults bool   `yaml:"interim_results"`
	EndpointingMs  int    `yaml:"endpointing_ms"`

	// OverlayOrigins are the browser origins allowed to open the event
	// stream, as host patterns.
	OverlayOrigins []string `yaml:"overlay_origins"`
}

// Default returns a Config populated with every default. Decoding YAML on top
// of it keeps the defaults for keys the file omits.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			LogLevel:    LogInfo,
			LogFormat:   LogFormatText,
			CORSOrigins: []string{"*"},
		},
		Providers: ProvidersConfig{
			STT:   ProviderEntry{Name: "deepgram", Model: "nova-2"},
			Audio: ProviderEntry{Name: "portaudio"},
		},
		Playbook: PlaybookConfig{
			EmbeddingDimensions: 1536,
			File:                "configs/playbook.yaml",
			Threshold:           0.4,
		},
		Token: TokenConfig{
			TTL:     5 * time.Minute,
			Scopes:  []string{"usage:write"},
			Comment: "zeroscript call",
		},
		Agent: AgentConfig{
			ListenAddr:        "127.0.0.1:7777",
			QuietPeriod:       500 * time.Millisecond,
			KeepAliveInterval: 5 * time.Second,
			PendingFrames:     100,
			Encoding:          EncodingLinear16,
			SampleRate:        16000,
			Language:          "en-US",
			Punctuate:         true,
			SmartFormat:       true,
			InterimResults:    true,
			EndpointingMs:     300,
		},
		Telemetry: TelemetryConfig{
			TraceSampleRatio: 1,
			RuntimeMetrics:   true,
		},
	}
}
