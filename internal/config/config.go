// Package config provides the configuration schema, loader, and provider
// registry for the Murmur voice host.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for Murmur.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	// STT is the streaming speech recognizer. Required.
	STT ProviderEntry `yaml:"stt"`

	// TTS is the primary speech synthesizer. Required.
	TTS ProviderEntry `yaml:"tts"`

	// TTSFallback is tried when the primary synthesizer fails. Optional.
	TTSFallback ProviderEntry `yaml:"tts_fallback"`

	// LLM generates replies to user utterances. Without it the host echoes
	// what it heard.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallback is tried when the primary reply source fails. Optional.
	LLMFallback ProviderEntry `yaml:"llm_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram", "coqui").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3", "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// Configured reports whether the entry names a provider.
func (e ProviderEntry) Configured() bool { return e.Name != "" }

// StringOption returns Options[key] as a string, or def when absent or not a
// string.
func (e ProviderEntry) StringOption(key, def string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return def
}

// IntOption returns Options[key] as an int, or def when absent or not a
// number.
func (e ProviderEntry) IntOption(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// FloatOption returns Options[key] as a float64, or def when absent or not a
// number.
func (e ProviderEntry) FloatOption(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// AudioConfig describes the local audio devices.
type AudioConfig struct {
	// SampleRate is the microphone capture rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// OutputSampleRate is the playback rate in Hz. Default: 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// Channels is the channel count of both devices. Default: 1.
	Channels int `yaml:"channels"`
}

// SessionConfig tunes the voice session and its components.
type SessionConfig struct {
	// SystemPrompt is sent with every reply request.
	SystemPrompt string `yaml:"system_prompt"`

	// HistoryTurns bounds the conversation memory kept for reply requests,
	// counted in user/assistant exchanges. Default: 8.
	HistoryTurns int `yaml:"history_turns"`

	Segmenter SegmenterConfig `yaml:"segmenter"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
}

// SegmenterConfig mirrors the text segmenter options.
type SegmenterConfig struct {
	MinLength         int           `yaml:"min_length"`
	OverflowThreshold int           `yaml:"overflow_threshold"`
	ForceSplitAt      int           `yaml:"force_split_at"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	StaleMinLength    int           `yaml:"stale_min_length"`

	// SecondaryBoundaries replaces the clause boundary set when set. An empty
	// string restricts segmentation to sentence ends.
	SecondaryBoundaries *string `yaml:"secondary_boundaries"`
}

// CaptureConfig mirrors the continuous capture options.
type CaptureConfig struct {
	RestartDelay time.Duration `yaml:"restart_delay"`
	MaxErrors    int           `yaml:"max_errors"`
	BackoffStep  time.Duration `yaml:"backoff_step"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// PlaybackConfig mirrors the playback queue options.
type PlaybackConfig struct {
	MaxConcurrentSynthesis int `yaml:"max_concurrent_synthesis"`
}

// ResilienceConfig tunes the circuit breakers guarding synthesis and reply
// providers.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
