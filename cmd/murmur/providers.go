package main

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/murmur/pkg/provider/llm/openai"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/deepgram"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/MrWong99/murmur/pkg/provider/tts/coqui"
	"github.com/MrWong99/murmur/pkg/provider/tts/elevenlabs"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires every built-in provider factory into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry, source audio.Source) (stt.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := entry.IntOption("endpointing_ms", 0); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, source, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.StringOption("output_format", ""); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if _, ok := entry.Options["stability"]; ok {
			opts = append(opts, elevenlabs.WithVoiceSettings(
				entry.FloatOption("stability", 0.5),
				entry.FloatOption("similarity_boost", 0.75),
			))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURLs(entry.StringOption("ws_base_url", entry.BaseURL), entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, entry.StringOption("voice_id", ""), opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if speaker := entry.StringOption("speaker", ""); speaker != "" {
			opts = append(opts, coqui.WithSpeaker(speaker))
		}
		if mode := entry.StringOption("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.StringOption("organization", ""); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm. They share the same pattern:
	// optional APIKey plus optional BaseURL.
	for _, name := range anyllm.Backends {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	for _, kind := range []string{"stt", "tts", "llm"} {
		slog.Debug("murmur: registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// breakerConfig maps the resilience section onto a circuit breaker template.
func breakerConfig(cfg *config.Config) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
	}
}

// buildSynth creates the primary synthesizer and its optional fallback behind
// circuit breakers.
func buildSynth(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*resilience.SynthFallback, error) {
	primary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("murmur: provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	synth := resilience.NewSynthFallback(primary, cfg.Providers.TTS.Name, resilience.FallbackConfig{
		CircuitBreaker: breakerConfig(cfg),
		Metrics:        m,
	})

	if entry := cfg.Providers.TTSFallback; entry.Configured() {
		fb, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
		}
		synth.AddFallback(fallbackName(entry, cfg.Providers.TTS), fb)
		slog.Info("murmur: provider created", "kind", "tts_fallback", "name", entry.Name)
	}
	return synth, nil
}

// buildLLM creates the reply source. It returns nil when no LLM is
// configured, in which case the host echoes the user.
func buildLLM(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*resilience.LLMFallback, error) {
	if !cfg.Providers.LLM.Configured() {
		return nil, nil
	}
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return nil, fmt.Errorf("llm provider %q is not built in: %w", cfg.Providers.LLM.Name, err)
	}
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("murmur: provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{
		CircuitBreaker: breakerConfig(cfg),
		Metrics:        m,
	})

	if entry := cfg.Providers.LLMFallback; entry.Configured() {
		fb, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(fallbackName(entry, cfg.Providers.LLM), fb)
		slog.Info("murmur: provider created", "kind", "llm_fallback", "name", entry.Name, "model", entry.Model)
	}
	return group, nil
}

// fallbackName keeps breaker names unique when the fallback uses the same
// backend as the primary.
func fallbackName(fallback, primary config.ProviderEntry) string {
	if fallback.Name == primary.Name {
		return fallback.Name + "-fallback"
	}
	return fallback.Name
}
