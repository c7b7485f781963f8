package config

import "fmt"

// ConfigDiff describes what changed between two configs. Only fields that can be
// safely hot-reloaded are tracked; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CRMChanged is set when the CRM provider, failure rate, or attempt
	// budget changed.
	CRMChanged bool
	NewCRM     CRMConfig

	// RestartRequired is set when a field that cannot be hot-reloaded
	// changed (listen address, providers, storage, pipeline sizing).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.CRM != new.CRM {
		d.CRMChanged = true
		d.NewCRM = new.CRM
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!entryEqual(old.Providers.STT, new.Providers.STT) ||
		!entryEqual(old.Providers.LLM, new.Providers.LLM) ||
		!entryPtrEqual(old.Providers.STTFallback, new.Providers.STTFallback) ||
		!entryPtrEqual(old.Providers.LLMFallback, new.Providers.LLMFallback) ||
		old.Storage != new.Storage ||
		old.Pipeline != new.Pipeline {
		d.RestartRequired = true
	}

	return d
}

func entryPtrEqual(a, b *ProviderEntry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return entryEqual(*a, *b)
}

// entryEqual compares provider entries ignoring the free-form Options map
// beyond its length; entries are considered changed when any standard field
// differs or the option count does.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		bv, ok := b.Options[k]
		// Numbers, booleans, and nested maps from YAML have stable fmt
		// representations for comparison purposes.
		if !ok || fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
