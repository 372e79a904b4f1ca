// Command ndisrc receives live network audio streams and records or discards
// them while serving metrics and health endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/ndisrc/internal/app"
	"github.com/MrWong99/ndisrc/internal/config"
	"github.com/MrWong99/ndisrc/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "ndisrc.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config file poll interval for hot reload; 0 disables")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ndisrc: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ndisrc: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level))

	slog.Info("ndisrc starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "ndisrc",
		ServiceVersion: version,
		ReceiverType:   cfg.ReceiverType(),
		SourceCount:    len(cfg.Sources),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
			if err := application.ApplyConfig(ctx, next); err != nil {
				slog.Error("failed to apply reloaded config", "err", err)
			}
		}, config.WithInterval(*watch))
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
	}

	slog.Info("ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          ndisrc startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Receiver", cfg.ReceiverType())
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	printRow("Sources", fmt.Sprintf("%d", len(cfg.Sources)))
	for _, sc := range cfg.Sources {
		sink := string(sc.Sink.Type)
		if sink == "" {
			sink = string(config.SinkDiscard)
		}
		printRow("  "+sc.Name, sc.StreamName+" → "+sink)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len([]rune(key)) > 15 {
		key = string([]rune(key)[:14]) + "…"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds a text logger whose level follows lv, so that hot reload
// can change it. The initial level is set by the application from config.
func newLogger(lv *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
