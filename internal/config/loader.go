package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram"},
	"embeddings": {"openai"},
	"audio":      {"portaudio", "file"},
}

// opusSampleRates are the rates the Opus encoder accepts.
var opusSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// LoadEnvFiles loads KEY=VALUE pairs from the given .env files into the
// process environment. Variables that are already set win. Missing files are
// skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. ${VAR} references are expanded from the environment
// before decoding, so secrets can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, pretty", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Identity
	if cfg.Identity.URL != "" {
		if err := checkURL(cfg.Identity.URL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("identity.url: %w", err))
		}
		if cfg.Identity.AnonKey == "" {
			errs = append(errs, errors.New("identity.anon_key is required when identity.url is set"))
		}
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.EmbeddingsFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embeddings_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("embeddings", fb.Name)
	}
	if len(cfg.Providers.EmbeddingsFallbacks) > 0 && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings_fallbacks requires providers.embeddings"))
	}

	// Playbook
	if cfg.Playbook.Threshold < 0 || cfg.Playbook.Threshold > 1 {
		errs = append(errs, fmt.Errorf("playbook.threshold %.2f is out of range [0, 1]", cfg.Playbook.Threshold))
	}
	if cfg.Playbook.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("playbook.embedding_dimensions must be positive, got %d", cfg.Playbook.EmbeddingDimensions))
	}
	if cfg.Playbook.PostgresDSN == "" && cfg.Providers.Embeddings.Name != "" && cfg.Playbook.File == "" {
		slog.Warn("playbook has neither postgres_dsn nor file; every utterance will be a no-match")
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Token
	if cfg.Token.TTL < 0 {
		errs = append(errs, fmt.Errorf("token.ttl must not be negative, got %s", cfg.Token.TTL))
	}

	// Agent
	a := cfg.Agent
	if a.BackendURL != "" {
		if err := checkURL(a.BackendURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("agent.backend_url: %w", err))
		}
	}
	if a.QuietPeriod <= 0 {
		errs = append(errs, fmt.Errorf("agent.quiet_period must be positive, got %s", a.QuietPeriod))
	}
	if a.KeepAliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("agent.keep_alive_interval must be positive, got %s", a.KeepAliveInterval))
	}
	if a.PendingFrames < 0 {
		errs = append(errs, fmt.Errorf("agent.pending_frames must not be negative, got %d", a.PendingFrames))
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("agent.sample_rate must be positive, got %d", a.SampleRate))
	}
	switch a.Encoding {
	case EncodingLinear16:
	case EncodingOpus:
		if !slices.Contains(opusSampleRates, a.SampleRate) {
			errs = append(errs, fmt.Errorf("agent.sample_rate %d is not supported by opus; valid values: %v", a.SampleRate, opusSampleRates))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.encoding %q is invalid; valid values: linear16, opus", a.Encoding))
	}
	if a.EndpointingMs < 0 {
		errs = append(errs, fmt.Errorf("agent.endpointing_ms must not be negative, got %d", a.EndpointingMs))
	}

	return errors.Join(errs...)
}

// ValidateAgent checks the settings `zeroscript agent` cannot run without.
// They are not part of [Validate] because the backend never reads them.
func ValidateAgent(cfg *Config) error {
	var errs []error
	if cfg.Agent.Local {
		if cfg.Providers.Embeddings.Name == "" {
			errs = append(errs, errors.New("agent.local requires providers.embeddings"))
		}
		if cfg.Playbook.PostgresDSN == "" && cfg.Playbook.File == "" {
			errs = append(errs, errors.New("agent.local requires playbook.postgres_dsn or playbook.file"))
		}
	} else if cfg.Agent.BackendURL == "" {
		errs = append(errs, errors.New("agent.backend_url is required unless agent.local is set"))
	}
	if cfg.Identity.URL == "" {
		errs = append(errs, errors.New("identity.url is required to obtain credentials"))
	}
	if cfg.Agent.ListenAddr == "" {
		errs = append(errs, errors.New("agent.listen_addr is required"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%q must be an absolute %v URL", raw, schemes)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
