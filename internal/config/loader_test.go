package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram"},
			TTS: config.ProviderEntry{Name: "coqui"},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := config.Validate(validConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"log level", func(c *config.Config) { c.Server.LogLevel = "loud" }, "server.log_level"},
		{"llm fallback without llm", func(c *config.Config) {
			c.Providers.LLMFallback = config.ProviderEntry{Name: "ollama"}
		}, "providers.llm_fallback"},
		{"negative rate", func(c *config.Config) { c.Audio.SampleRate = -1 }, "audio.sample_rate"},
		{"too many channels", func(c *config.Config) { c.Audio.Channels = 6 }, "audio.channels"},
		{"history", func(c *config.Config) { c.Session.HistoryTurns = -2 }, "session.history_turns"},
		{"split beyond threshold", func(c *config.Config) {
			c.Session.Segmenter.OverflowThreshold = 40
			c.Session.Segmenter.ForceSplitAt = 60
		}, "force_split_at"},
		{"split without threshold", func(c *config.Config) {
			c.Session.Segmenter.ForceSplitAt = 60
		}, "requires overflow_threshold"},
		{"negative stale", func(c *config.Config) { c.Session.Segmenter.StaleAfter = -time.Second }, "stale_after"},
		{"negative max errors", func(c *config.Config) { c.Session.Capture.MaxErrors = -1 }, "max_errors"},
		{"backoff cap", func(c *config.Config) {
			c.Session.Capture.BackoffStep = 2 * time.Second
			c.Session.Capture.MaxBackoff = time.Second
		}, "max_backoff"},
		{"synthesis bound", func(c *config.Config) { c.Session.Playback.MaxConcurrentSynthesis = -1 }, "max_concurrent_synthesis"},
		{"breaker", func(c *config.Config) { c.Resilience.ResetTimeout = -time.Second }, "resilience.reset_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{LogLevel: "bananas"}}
	cfg.Session.HistoryTurns = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		t.Fatalf("expected joined error, got %T", err)
	}
	// log level, stt, tts, history
	if n := len(joined.Unwrap()); n != 4 {
		t.Errorf("got %d errors, want 4: %v", n, err)
	}
}

func TestValidate_UnknownProviderNameOnlyWarns(t *testing.T) {
	cfg := validConfig()
	cfg.Providers.TTS.Name = "my-custom-tts"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("unknown provider names must not fail validation: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	for _, kind := range []string{"stt", "tts", "llm"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known names for %s", kind)
		}
	}
}
