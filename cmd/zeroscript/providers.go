package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeroscript/zeroscript/internal/app"
	"github.com/zeroscript/zeroscript/internal/config"
	"github.com/zeroscript/zeroscript/internal/resilience"
	"github.com/zeroscript/zeroscript/pkg/audio"
	"github.com/zeroscript/zeroscript/pkg/audio/opus"
	"github.com/zeroscript/zeroscript/pkg/audio/portaudio"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
	oaembed "github.com/zeroscript/zeroscript/pkg/provider/embeddings/openai"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
	"github.com/zeroscript/zeroscript/pkg/provider/stt/deepgram"
)

// registerBuiltinProviders wires the built-in factories into reg. Audio
// factories capture at the agent's sample rate.
func registerBuiltinProviders(reg *config.Registry, agent config.AgentConfig) {
	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if secs, ok := config.OptInt(entry.Options, "timeout_seconds"); ok {
			opts = append(opts, oaembed.WithTimeout(time.Duration(secs)*time.Second))
		}
		if n, ok := config.OptInt(entry.Options, "max_retries"); ok {
			opts = append(opts, oaembed.WithMaxRetries(n))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Dialer, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if mode := config.OptString(entry.Options, "keep_alive"); mode != "" {
			opts = append(opts, deepgram.WithKeepAliveMode(deepgram.KeepAliveMode(mode)))
		}
		return deepgram.NewDialer(opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio("portaudio", func(entry config.ProviderEntry) (audio.Device, error) {
		opts := []portaudio.Option{portaudio.WithSampleRate(agent.SampleRate)}
		if n, ok := config.OptInt(entry.Options, "frames_per_buffer"); ok {
			opts = append(opts, portaudio.WithFramesPerBuffer(n))
		}
		return portaudio.New(opts...), nil
	})

	// file reads raw little-endian PCM from options.path ("-" for stdin).
	reg.RegisterAudio("file", func(entry config.ProviderEntry) (audio.Device, error) {
		path := config.OptString(entry.Options, "path")
		if path == "" {
			return nil, errors.New("audio provider \"file\" requires options.path")
		}
		src := audio.Mono16k
		if rate, ok := config.OptInt(entry.Options, "sample_rate"); ok {
			src.SampleRate = rate
		}
		if ch, ok := config.OptInt(entry.Options, "channels"); ok {
			src.Channels = ch
		}
		opts := []audio.ReaderOption{audio.WithSourceFormat(src)}
		if rt, ok := config.OptBool(entry.Options, "realtime"); ok {
			opts = append(opts, audio.WithRealtime(rt))
		} else {
			opts = append(opts, audio.WithRealtime(true))
		}
		return audio.NewFileDevice(path, opts...), nil
	})
}

// buildEmbeddings creates the embeddings provider and, when fallbacks are
// configured, wraps it in a fallback group. Returns nil when none is
// configured.
func buildEmbeddings(cfg *config.Config, reg *config.Registry) (embeddings.Provider, error) {
	entry := cfg.Providers.Embeddings
	if entry.Name == "" {
		return nil, nil
	}
	primary, err := reg.CreateEmbeddings(entry)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", primary.ModelID())
	if len(cfg.Providers.EmbeddingsFallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewEmbeddingsFallback(primary, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("embeddings circuit changed", "provider", name, "from", from, "to", to)
			},
		},
	})
	for _, fb := range cfg.Providers.EmbeddingsFallbacks {
		p, err := reg.CreateEmbeddings(fb)
		if err != nil {
			return nil, fmt.Errorf("create embeddings fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
		slog.Info("provider created", "kind", "embeddings-fallback", "name", fb.Name, "model", p.ModelID())
	}
	return group, nil
}

// buildAgentProviders creates the capture device, the transcription dialer
// and, in local mode, the embeddings provider.
func buildAgentProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	dialer, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.Dialer = dialer
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	device, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}
	if cfg.Agent.Encoding == config.EncodingOpus {
		device = opus.Wrap(device, cfg.Agent.SampleRate)
	}
	ps.Device = device
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name, "encoding", cfg.Agent.Encoding)

	if cfg.Agent.Local {
		if ps.Embeddings, err = buildEmbeddings(cfg, reg); err != nil {
			return nil, err
		}
	}
	return ps, nil
}
