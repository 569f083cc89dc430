// Command murmur runs a hands-free voice conversation on the local sound
// card: it listens continuously, streams each utterance to a language model
// and speaks the reply, stopping as soon as the user talks over it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/device"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "murmur.yaml", "path to the YAML configuration file")
	listVoices := flag.Bool("list-voices", false, "print the voices of the configured synthesizers and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "murmur: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("murmur: starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tel, err := observe.Setup(observe.TelemetryConfig{
		Version:    version,
		Registerer: promReg,
	})
	if err != nil {
		slog.Error("murmur: telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("murmur: telemetry shutdown", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	if *listVoices {
		return printVoices(ctx, cfg, reg, metrics)
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	dev, err := device.Open(
		device.WithInputFormat(audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}),
		device.WithOutputFormat(audio.Format{SampleRate: cfg.Audio.OutputSampleRate, Channels: cfg.Audio.Channels}),
	)
	if err != nil {
		slog.Error("murmur: failed to open audio devices", "err", err)
		return 1
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("murmur: audio device close", "err", err)
		}
	}()

	h, err := newHost(ctx, cfg, reg, dev.Input(), dev.Output(), level, metrics)
	if err != nil {
		slog.Error("murmur: failed to build session", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, h.applyConfig)
	if err != nil {
		slog.Warn("murmur: config watcher disabled", "err", err)
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopAll := context.WithCancel(gctx)
	g.Go(func() error {
		// The session ending stops the watcher and admin server too.
		defer stopAll()
		return h.run(runCtx)
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(runCtx) })
	}

	if cfg.Server.ListenAddr != "" {
		srv := newAdminServer(cfg.Server.ListenAddr, promReg, metrics, h)
		g.Go(func() error {
			slog.Info("murmur: admin server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("murmur: stopped with error", "err", err)
		return 1
	}
	slog.Info("murmur: goodbye")
	return 0
}

// newAdminServer serves /metrics, /healthz and /readyz.
func newAdminServer(addr string, gatherer prometheus.Gatherer, m *observe.Metrics, h *host) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	health.New(h.checkers()...).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// printVoices lists the voices of the synthesis failover group on stdout.
func printVoices(ctx context.Context, cfg *config.Config, reg *config.Registry, m *observe.Metrics) int {
	synth, err := buildSynth(cfg, reg, m)
	if err != nil {
		slog.Error("murmur: failed to build synthesizer", "err", err)
		return 1
	}
	voices, err := synth.ListVoices(ctx)
	if err != nil {
		slog.Error("murmur: failed to list voices", "err", err)
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tID\tNAME")
	for _, v := range voices {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Provider, v.ID, v.Name)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}
