// Command parrot runs the Parrot voice-cloning core: it manages the local
// synthesis model process, talks to local or remote synthesis servers, and
// keeps the role and history database.
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

	"github.com/joho/godotenv"

	"github.com/HG-ha/Parrot/internal/acquire"
	"github.com/HG-ha/Parrot/internal/app"
	"github.com/HG-ha/Parrot/internal/config"
	"github.com/HG-ha/Parrot/internal/gateway"
	"github.com/HG-ha/Parrot/internal/observe"
	"github.com/HG-ha/Parrot/internal/store"
	"github.com/HG-ha/Parrot/internal/supervisor"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	dataDir := flag.String("data", "", "application data directory (default: current directory)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	downloadModel := flag.Bool("download-model", false, "download and unpack the model bundle, then continue")
	flag.Parse()

	// ── Environment overrides ─────────────────────────────────────────────────
	// A .env next to the binary is a convenience for development setups; its
	// absence is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parrot: load .env: %v\n", err)
		return 1
	}
	root := *dataDir
	if root == "" {
		root = os.Getenv("PARROT_DATA_DIR")
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "parrot: resolve working directory: %v\n", err)
			return 1
		}
		root = wd
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	// ── Load settings ─────────────────────────────────────────────────────────
	bootstrap := config.NewPaths(root, nil)
	settings, err := config.Load(bootstrap.SettingsFile, root)
	if err != nil {
		slog.Error("loading settings", "err", err)
		return 1
	}
	if apiURL := os.Getenv("PARROT_API_URL"); apiURL != "" {
		settings.APIURL = apiURL
	}

	paths := config.NewPaths(root, settings.Paths)
	if err := paths.EnsureDirs(); err != nil {
		slog.Error("preparing data directories", "err", err)
		return 1
	}

	slog.Info("parrot starting",
		"version", version,
		"data", root,
		"api_url", settings.APIURL,
		"auto_load_model", settings.AutoLoadModel,
	)

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "parrot",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("initialising metrics", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Store ─────────────────────────────────────────────────────────────────
	st, err := store.Open(paths.DatabaseFile, store.WithMetrics(metrics))
	if err != nil {
		slog.Error("opening database", "err", err)
		return 1
	}
	st.MigrateLegacy(paths.RolesFile, paths.HistoryFile)

	// ── Controller ────────────────────────────────────────────────────────────
	ctrl := app.New(&settings, paths, st,
		supervisor.New(paths.ModelDir, supervisor.WithMetrics(metrics)),
		acquire.New(paths.ArchivePath(), paths.ModelDir, acquire.WithMetrics(metrics)),
		app.WithMetrics(metrics),
		app.WithClientFactory(func(baseURL string) (*gateway.Client, error) {
			return gateway.New(baseURL, gateway.WithMetrics(metrics))
		}),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Model acquisition (optional) ──────────────────────────────────────────
	if *downloadModel {
		if err := ctrl.EnsureModel(ctx, logAcquisitionProgress()); err != nil {
			slog.Error("acquiring model", "err", err)
			return 1
		}
	}

	// ── Local model autostart (optional) ──────────────────────────────────────
	if settings.AutoLoadModel {
		if !ctrl.ModelInstalled() {
			slog.Warn("auto_load_model is set but the model is not installed; run with -download-model")
		} else {
			err := ctrl.StartModel(nil, func(st supervisor.Status) {
				slog.Info("model status changed", "status", st)
			})
			if err != nil {
				slog.Error("starting local model", "err", err)
				return 1
			}
		}
	}

	slog.Info("parrot ready — press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := ctrl.Shutdown(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// logAcquisitionProgress returns a progress callback that logs phase changes
// and coarse byte progress without flooding the log.
func logAcquisitionProgress() acquire.ProgressFunc {
	var lastPercent int = -1
	return func(current, total int64, msg string) {
		if current < 0 {
			slog.Info(msg)
			return
		}
		if total <= 0 {
			return
		}
		percent := int(current * 100 / total)
		if percent/5 != lastPercent/5 {
			lastPercent = percent
			slog.Info("model acquisition progress", "percent", percent)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
