package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":9090", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram", Options: map[string]any{"language": "en"}},
			TTS: config.ProviderEntry{Name: "coqui", BaseURL: "http://localhost:5002"},
		},
		Session: config.SessionConfig{SystemPrompt: "Be brief."},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LiveChanges(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Session.SystemPrompt = "Be verbose."

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q, want true/debug", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.SystemPromptChanged || d.NewSystemPrompt != "Be verbose." {
		t.Errorf("system prompt diff = %v/%q", d.SystemPromptChanged, d.NewSystemPrompt)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9191" }, "server"},
		{"provider option", func(c *config.Config) { c.Providers.STT.Options["language"] = "de" }, "providers"},
		{"audio rate", func(c *config.Config) { c.Audio.OutputSampleRate = 48000 }, "audio"},
		{"segmenter", func(c *config.Config) { c.Session.Segmenter.StaleAfter = 3 * time.Second }, "session"},
		{"breaker", func(c *config.Config) { c.Resilience.MaxFailures = 9 }, "resilience"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(baseConfig(), new)
			if !slices.Equal(d.RestartRequired, []string{tt.want}) {
				t.Errorf("restart required = %v, want [%s]", d.RestartRequired, tt.want)
			}
			if d.LogLevelChanged || d.SystemPromptChanged {
				t.Errorf("unexpected live change: %+v", d)
			}
		})
	}
}
