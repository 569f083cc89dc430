package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/playback"
	"github.com/MrWong99/murmur/internal/reply"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/internal/segment"
	"github.com/MrWong99/murmur/internal/session"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/llm"
)

// host owns one voice session and answers the user through the reply
// responder.
type host struct {
	ctx       context.Context
	session   *session.Orchestrator
	responder *reply.Responder
	synth     *resilience.SynthFallback
	llm       *resilience.LLMFallback
	level     *slog.LevelVar
	fatal     chan error
}

// newHost builds the providers named in cfg and binds them into a session.
// Reply turns are bounded by ctx.
func newHost(ctx context.Context, cfg *config.Config, reg *config.Registry, source audio.Source, sink audio.Sink, level *slog.LevelVar, m *observe.Metrics, opts ...session.Option) (*host, error) {
	rec, err := reg.CreateSTT(cfg.Providers.STT, source)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("murmur: provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	synth, err := buildSynth(cfg, reg, m)
	if err != nil {
		return nil, err
	}
	group, err := buildLLM(cfg, reg, m)
	if err != nil {
		return nil, err
	}

	h := &host{
		ctx:   ctx,
		synth: synth,
		llm:   group,
		level: level,
		fatal: make(chan error, 1),
	}

	all := append(sessionOptions(cfg, m), session.WithHandler(session.Handler{
		OnUserUtterance: func(text string) {
			slog.Info("murmur: user said", "text", text)
			h.responder.Respond(h.ctx, text)
		},
		OnInterrupted: func() {
			h.responder.Interrupt()
		},
		OnSegmentError: func(id string, err error) {
			slog.Warn("murmur: reply segment skipped", "segment", id, "err", err)
		},
		OnFatalError: func(err error) {
			select {
			case h.fatal <- err:
			default:
			}
		},
	}))
	all = append(all, opts...)
	h.session = session.New(rec, synth, sink, all...)

	// A nil *LLMFallback must not become a non-nil llm.Provider.
	var provider llm.Provider
	if group != nil {
		provider = group
	} else {
		slog.Warn("murmur: no llm configured, echoing the user")
	}
	h.responder = reply.New(provider, h.session,
		reply.WithSystemPrompt(cfg.Session.SystemPrompt),
		reply.WithHistoryTurns(cfg.Session.HistoryTurns),
		reply.WithSampling(
			cfg.Providers.LLM.FloatOption("temperature", 0),
			cfg.Providers.LLM.IntOption("max_tokens", 0),
		),
		reply.WithMetrics(m),
	)
	return h, nil
}

// sessionOptions maps the session section onto component options. Zero
// values keep the component defaults.
func sessionOptions(cfg *config.Config, m *observe.Metrics) []session.Option {
	sc := cfg.Session

	segOpts := []segment.Option{
		segment.WithMinLength(sc.Segmenter.MinLength),
		segment.WithOverflow(sc.Segmenter.OverflowThreshold, sc.Segmenter.ForceSplitAt),
		segment.WithStaleness(sc.Segmenter.StaleAfter, sc.Segmenter.StaleMinLength),
	}
	if sc.Segmenter.SecondaryBoundaries != nil {
		segOpts = append(segOpts, segment.WithSecondaryBoundaries(*sc.Segmenter.SecondaryBoundaries))
	}

	capOpts := []capture.Option{
		capture.WithMaxErrors(sc.Capture.MaxErrors),
		capture.WithBackoff(sc.Capture.BackoffStep, sc.Capture.MaxBackoff),
	}
	if sc.Capture.RestartDelay > 0 {
		capOpts = append(capOpts, capture.WithRestartDelay(sc.Capture.RestartDelay))
	}

	return []session.Option{
		session.WithMetrics(m),
		session.WithSegmenterOptions(segOpts...),
		session.WithCaptureOptions(capOpts...),
		session.WithPlaybackOptions(playback.WithMaxConcurrentSynthesis(sc.Playback.MaxConcurrentSynthesis)),
	}
}

// run starts the session and blocks until ctx is done or the session fails.
// The session is released on return.
func (h *host) run(ctx context.Context) error {
	defer h.close()

	if err := h.session.StartSession(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	slog.Info("murmur: listening")

	select {
	case <-ctx.Done():
		return nil
	case err := <-h.fatal:
		if errors.Is(err, capture.ErrContextDone) {
			return nil
		}
		return fmt.Errorf("session ended: %w", err)
	}
}

func (h *host) close() {
	h.responder.Close()
	if err := h.session.Close(); err != nil {
		slog.Warn("murmur: session close", "err", err)
	}
}

// checkers reports the session and every provider failover group to /readyz.
func (h *host) checkers() []health.Checker {
	cs := []health.Checker{
		health.RunningCheck("session", func() bool {
			return h.session.Status().State != session.StateOff
		}),
		health.BreakerCheck("tts", h.synth.Breakers()...),
	}
	if h.llm != nil {
		cs = append(cs, health.BreakerCheck("llm", h.llm.Breakers()...))
	}
	return cs
}

// applyConfig takes over the settings that can change while running.
func (h *host) applyConfig(_, _ *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged {
		h.level.Set(diff.NewLogLevel.Level())
		slog.Info("murmur: log level changed", "level", diff.NewLogLevel)
	}
	if diff.SystemPromptChanged {
		h.responder.SetSystemPrompt(diff.NewSystemPrompt)
		slog.Info("murmur: system prompt updated")
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("murmur: config change needs a restart", "sections", diff.RestartRequired)
	}
}
