package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"tts": {"elevenlabs", "coqui"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	p := cfg.Providers
	if !p.STT.Configured() {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if !p.TTS.Configured() {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if p.TTSFallback.Configured() && p.TTSFallback.Name == p.TTS.Name && p.TTSFallback.BaseURL == p.TTS.BaseURL {
		slog.Warn("config: providers.tts_fallback targets the same backend as providers.tts")
	}
	if p.LLMFallback.Configured() && !p.LLM.Configured() {
		errs = append(errs, errors.New("providers.llm_fallback requires providers.llm"))
	}
	if !p.LLM.Configured() {
		slog.Warn("config: no llm provider configured; replies will echo the user")
	}

	validateProviderName("stt", p.STT.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("tts", p.TTSFallback.Name)
	validateProviderName("llm", p.LLM.Name)
	validateProviderName("llm", p.LLMFallback.Name)

	a := cfg.Audio
	for name, v := range map[string]int{
		"audio.sample_rate":        a.SampleRate,
		"audio.output_sample_rate": a.OutputSampleRate,
		"audio.channels":           a.Channels,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is not supported; use 1 or 2", a.Channels))
	}

	s := cfg.Session
	if s.HistoryTurns < 0 {
		errs = append(errs, errors.New("session.history_turns must not be negative"))
	}
	seg := s.Segmenter
	if seg.MinLength < 0 || seg.OverflowThreshold < 0 || seg.ForceSplitAt < 0 || seg.StaleMinLength < 0 {
		errs = append(errs, errors.New("session.segmenter lengths must not be negative"))
	}
	if seg.OverflowThreshold > 0 && seg.ForceSplitAt > seg.OverflowThreshold {
		errs = append(errs, fmt.Errorf("session.segmenter.force_split_at %d exceeds overflow_threshold %d", seg.ForceSplitAt, seg.OverflowThreshold))
	}
	if seg.ForceSplitAt > 0 && seg.OverflowThreshold == 0 {
		errs = append(errs, errors.New("session.segmenter.force_split_at requires overflow_threshold"))
	}
	errs = appendNegative(errs, "session.segmenter.stale_after", seg.StaleAfter)

	c := s.Capture
	if c.MaxErrors < 0 {
		errs = append(errs, errors.New("session.capture.max_errors must not be negative"))
	}
	errs = appendNegative(errs, "session.capture.restart_delay", c.RestartDelay)
	errs = appendNegative(errs, "session.capture.backoff_step", c.BackoffStep)
	errs = appendNegative(errs, "session.capture.max_backoff", c.MaxBackoff)
	if c.BackoffStep > 0 && c.MaxBackoff > 0 && c.MaxBackoff < c.BackoffStep {
		errs = append(errs, fmt.Errorf("session.capture.max_backoff %v is below backoff_step %v", c.MaxBackoff, c.BackoffStep))
	}

	if s.Playback.MaxConcurrentSynthesis < 0 {
		errs = append(errs, errors.New("session.playback.max_concurrent_synthesis must not be negative"))
	}

	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, errors.New("resilience.max_failures must not be negative"))
	}
	errs = appendNegative(errs, "resilience.reset_timeout", cfg.Resilience.ResetTimeout)

	return errors.Join(errs...)
}

func appendNegative(errs []error, name string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s must not be negative", name))
	}
	return errs
}

// ApplyDefaults fills zero values with the defaults the host runs with.
// Segmenter, capture and playback fields left at zero keep the component
// defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = 24000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Session.HistoryTurns == 0 {
		cfg.Session.HistoryTurns = 8
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = 3
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = 30 * time.Second
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
