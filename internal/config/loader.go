package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "openai", "mock"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "mock"},
}

// validCRMProviders mirrors the flavors the CRM client accepts.
var validCRMProviders = []string{"salesforce", "zendesk", "hubspot"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
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
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation, warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	if fb := cfg.Providers.STTFallback; fb != nil {
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.stt_fallback requires a name"))
		}
		validateProviderName("stt", fb.Name)
	}
	if fb := cfg.Providers.LLMFallback; fb != nil {
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.llm_fallback requires a name"))
		}
		validateProviderName("llm", fb.Name)
	}

	// Provider availability warnings. Sessions still process without these,
	// but transcripts or insights degrade to fallback behaviour.
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; calls cannot be transcribed")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; every session will receive the fallback insight record")
	}

	// Storage
	if cfg.Storage.Backend != "" && !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: postgres, memory", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	}

	// Pipeline
	if cfg.Pipeline.Workers < 0 {
		errs = append(errs, fmt.Errorf("pipeline.workers %d must not be negative", cfg.Pipeline.Workers))
	}
	if cfg.Pipeline.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size %d must not be negative", cfg.Pipeline.QueueSize))
	}

	// CRM
	if cfg.CRM.Provider != "" && !slices.Contains(validCRMProviders, cfg.CRM.Provider) {
		errs = append(errs, fmt.Errorf("crm.provider %q is invalid; valid values: salesforce, zendesk, hubspot", cfg.CRM.Provider))
	}
	if cfg.CRM.FailureRate < 0 || cfg.CRM.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("crm.failure_rate %.2f is out of range [0, 1]", cfg.CRM.FailureRate))
	}
	if cfg.CRM.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("crm.max_attempts %d must not be negative", cfg.CRM.MaxAttempts))
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
