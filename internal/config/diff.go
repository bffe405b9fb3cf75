package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	QuietPeriodChanged bool
	NewQuietPeriod     time.Duration

	CORSChanged    bool
	NewCORSOrigins []string

	// RestartRequired lists dotted keys that changed but are only read at
	// startup.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ThresholdChanged || d.QuietPeriodChanged || d.CORSChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Playbook.Threshold != new.Playbook.Threshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.Playbook.Threshold
	}
	if old.Agent.QuietPeriod != new.Agent.QuietPeriod {
		d.QuietPeriodChanged = true
		d.NewQuietPeriod = new.Agent.QuietPeriod
	}
	if !slices.Equal(old.Server.CORSOrigins, new.Server.CORSOrigins) {
		d.CORSChanged = true
		d.NewCORSOrigins = slices.Clone(new.Server.CORSOrigins)
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("identity", old.Identity != new.Identity)
	restart("providers.embeddings", !sameEntry(old.Providers.Embeddings, new.Providers.Embeddings))
	restart("providers.stt", !sameEntry(old.Providers.STT, new.Providers.STT))
	restart("providers.audio", !sameEntry(old.Providers.Audio, new.Providers.Audio))
	restart("playbook.postgres_dsn", old.Playbook.PostgresDSN != new.Playbook.PostgresDSN)
	restart("agent.backend_url", old.Agent.BackendURL != new.Agent.BackendURL)
	restart("agent.listen_addr", old.Agent.ListenAddr != new.Agent.ListenAddr)
	restart("agent.encoding", old.Agent.Encoding != new.Agent.Encoding)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// compared by key set only; nested values are not inspected.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k := range a.Options {
		if _, ok := b.Options[k]; !ok {
			return false
		}
	}
	return true
}
