package config

import "testing"

func baseConfig() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080", LogLevel: LogInfo},
		Providers: ProvidersConfig{
			STT: ProviderEntry{Name: "whisper", Model: "base"},
			LLM: ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
		},
		Storage: StorageConfig{Backend: StorageMemory},
		CRM:     CRMConfig{Provider: "salesforce", MaxAttempts: 3},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	d := Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.CRMChanged || d.RestartRequired {
		t.Errorf("diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	newCfg := baseConfig()
	newCfg.Server.LogLevel = LogDebug

	d := Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", d)
	}
	if d.RestartRequired {
		t.Error("log level change should not require restart")
	}
}

func TestDiff_CRM(t *testing.T) {
	newCfg := baseConfig()
	newCfg.CRM.Provider = "zendesk"

	d := Diff(baseConfig(), newCfg)
	if !d.CRMChanged || d.NewCRM.Provider != "zendesk" {
		t.Errorf("diff = %+v, want CRM change", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	tests := map[string]func(*Config){
		"listen addr": func(c *Config) { c.Server.ListenAddr = ":9090" },
		"stt model":   func(c *Config) { c.Providers.STT.Model = "large" },
		"llm options": func(c *Config) { c.Providers.LLM.Options = map[string]any{"temperature": 0.2} },
		"stt fallback": func(c *Config) {
			c.Providers.STTFallback = &ProviderEntry{Name: "openai", APIKey: "sk-alt"}
		},
		"storage": func(c *Config) { c.Storage.Backend = StoragePostgres },
		"workers": func(c *Config) { c.Pipeline.Workers = 8 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			newCfg := baseConfig()
			mutate(newCfg)
			if d := Diff(baseConfig(), newCfg); !d.RestartRequired {
				t.Errorf("diff = %+v, want RestartRequired", d)
			}
		})
	}
}
