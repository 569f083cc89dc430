package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/audio"
	audiomock "github.com/MrWong99/murmur/pkg/audio/mock"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	llmmock "github.com/MrWong99/murmur/pkg/provider/llm/mock"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	sttmock "github.com/MrWong99/murmur/pkg/provider/stt/mock"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

providers:
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-3
    options:
      language: en
      endpointing_ms: 250
  tts:
    name: elevenlabs
    api_key: el-test
    model: eleven_flash_v2_5
    options:
      voice_id: voice-1
  tts_fallback:
    name: coqui
    base_url: http://localhost:5002
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini

audio:
  sample_rate: 16000
  output_sample_rate: 22050
  channels: 1

session:
  system_prompt: You are a helpful voice assistant.
  history_turns: 4
  segmenter:
    min_length: 5
    overflow_threshold: 80
    force_split_at: 60
    stale_after: 2s
    stale_min_length: 10
    secondary_boundaries: ";:,"
  capture:
    restart_delay: 500ms
    max_errors: 3
    backoff_step: 1s
    max_backoff: 5s
  playback:
    max_concurrent_synthesis: 3

resilience:
  max_failures: 2
  reset_timeout: 1m
`

const minimalYAML = `
providers:
  stt: { name: deepgram }
  tts: { name: coqui }
`

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.STT.Model != "nova-3" {
		t.Errorf("stt model = %q, want nova-3", cfg.Providers.STT.Model)
	}
	if got := cfg.Providers.STT.StringOption("language", ""); got != "en" {
		t.Errorf("stt language = %q, want en", got)
	}
	if got := cfg.Providers.STT.IntOption("endpointing_ms", 0); got != 250 {
		t.Errorf("stt endpointing = %d, want 250", got)
	}
	if cfg.Providers.TTSFallback.BaseURL != "http://localhost:5002" {
		t.Errorf("tts fallback base url = %q", cfg.Providers.TTSFallback.BaseURL)
	}
	if cfg.Audio.OutputSampleRate != 22050 {
		t.Errorf("output sample rate = %d, want 22050", cfg.Audio.OutputSampleRate)
	}

	seg := cfg.Session.Segmenter
	if seg.StaleAfter != 2*time.Second || seg.ForceSplitAt != 60 || seg.OverflowThreshold != 80 {
		t.Errorf("segmenter = %+v", seg)
	}
	if seg.SecondaryBoundaries == nil || *seg.SecondaryBoundaries != ";:," {
		t.Errorf("secondary boundaries = %v, want ;:,", seg.SecondaryBoundaries)
	}
	c := cfg.Session.Capture
	if c.RestartDelay != 500*time.Millisecond || c.MaxBackoff != 5*time.Second {
		t.Errorf("capture = %+v", c)
	}
	if cfg.Session.HistoryTurns != 4 {
		t.Errorf("history turns = %d, want 4", cfg.Session.HistoryTurns)
	}
	if cfg.Resilience.ResetTimeout != time.Minute {
		t.Errorf("reset timeout = %v, want 1m", cfg.Resilience.ResetTimeout)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	cfg := load(t, minimalYAML)

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.OutputSampleRate != 24000 || cfg.Audio.Channels != 1 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Session.HistoryTurns != 8 {
		t.Errorf("history turns = %d, want 8", cfg.Session.HistoryTurns)
	}
	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.ResetTimeout != 30*time.Second {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
	if cfg.Session.Segmenter.SecondaryBoundaries != nil {
		t.Error("secondary boundaries should stay unset")
	}
}

func TestLoadFromReader_EmptySecondaryBoundaries(t *testing.T) {
	cfg := load(t, minimalYAML+`
session:
  segmenter:
    secondary_boundaries: ""
`)
	if b := cfg.Session.Segmenter.SecondaryBoundaries; b == nil || *b != "" {
		t.Errorf("secondary boundaries = %v, want empty string", b)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nnpcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoadFromReader_EmptyMissesRequiredProviders(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"providers.stt.name", "providers.tts.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/murmur.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLogLevel_Level(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := tt.in.Level().String(); got != tt.want {
			t.Errorf("LogLevel(%q).Level() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestProviderEntry_Options(t *testing.T) {
	e := config.ProviderEntry{Options: map[string]any{"voice_id": "abc", "rate": 3.0, "count": 2, "flag": true}}
	if got := e.StringOption("voice_id", "x"); got != "abc" {
		t.Errorf("StringOption = %q", got)
	}
	if got := e.StringOption("flag", "x"); got != "x" {
		t.Errorf("StringOption on bool = %q, want default", got)
	}
	if got := e.IntOption("rate", 0); got != 3 {
		t.Errorf("IntOption float = %d", got)
	}
	if got := e.IntOption("count", 0); got != 2 {
		t.Errorf("IntOption int = %d", got)
	}
	if got := e.IntOption("missing", 7); got != 7 {
		t.Errorf("IntOption default = %d", got)
	}
	if got := e.FloatOption("count", 0); got != 2 {
		t.Errorf("FloatOption int = %v", got)
	}
	if got := e.FloatOption("voice_id", 0.7); got != 0.7 {
		t.Errorf("FloatOption on string = %v, want default", got)
	}
	if (config.ProviderEntry{}).Configured() {
		t.Error("empty entry reports configured")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	if _, err := reg.CreateSTT(entry, &audiomock.Source{}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("stt: err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateTTS(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("tts: err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateLLM(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("llm: err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	reg := config.NewRegistry()
	src := &audiomock.Source{}
	rec := &sttmock.Recognizer{}
	var gotSource audio.Source
	reg.RegisterSTT("fake", func(e config.ProviderEntry, s audio.Source) (stt.Recognizer, error) {
		gotSource = s
		return rec, nil
	})
	reg.RegisterTTS("fake", func(e config.ProviderEntry) (tts.Provider, error) {
		return tts.ProviderFunc(func(context.Context, string) (audio.Payload, error) {
			return audio.Payload{}, nil
		}), nil
	})
	reg.RegisterLLM("fake", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	reg.RegisterLLM("other", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "fake"}
	r, err := reg.CreateSTT(entry, src)
	if err != nil || r != rec {
		t.Errorf("CreateSTT = %v, %v", r, err)
	}
	if gotSource != src {
		t.Error("STT factory did not receive the audio source")
	}
	if _, err := reg.CreateTTS(entry); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if _, err := reg.CreateLLM(entry); err != nil {
		t.Errorf("CreateLLM: %v", err)
	}
	if got := reg.Names("llm"); len(got) != 2 || got[0] != "fake" || got[1] != "other" {
		t.Errorf("Names(llm) = %v, want [fake other]", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	boom := errors.New("bad api key")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}
