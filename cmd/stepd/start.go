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

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/stepd/internal/api"
	"github.com/mattjoyce/stepd/internal/config"
	"github.com/mattjoyce/stepd/internal/dispatch"
	"github.com/mattjoyce/stepd/internal/events"
	"github.com/mattjoyce/stepd/internal/interconnect"
	"github.com/mattjoyce/stepd/internal/lock"
	"github.com/mattjoyce/stepd/internal/log"
	"github.com/mattjoyce/stepd/internal/report"
	"github.com/mattjoyce/stepd/internal/script"
	"github.com/mattjoyce/stepd/internal/steplog"
	"github.com/mattjoyce/stepd/internal/storage"
	"github.com/mattjoyce/stepd/internal/taskexec"
)

const pruneInterval = time.Hour

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := resolveConfigPath(*configPath)

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := log.Configure(log.Options{
		Level:  cfg.Daemon.LogLevel,
		Format: cfg.Daemon.LogFormat,
		File:   cfg.Daemon.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		return 1
	}
	logger := log.WithComponent("main")
	logger.Info("stepd starting", "version", version, "config", path, "node", cfg.Node.Name)

	if uid := os.Geteuid(); uint32(uid) != cfg.Daemon.UserID {
		logger.Warn("daemon uid differs from daemon.user_id", "uid", uid, "user_id", cfg.Daemon.UserID)
	}

	pidLock, err := lock.AcquirePIDLock(cfg.Daemon.PIDFile)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Error("another stepd is already running on this node", "path", cfg.Daemon.PIDFile, "error", err)
		} else {
			logger.Error("failed to acquire PID lock", "path", cfg.Daemon.PIDFile, "error", err)
		}
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	if err := storage.BootstrapSQLite(ctx, db); err != nil {
		logger.Error("failed to bootstrap database", "error", err)
		return 1
	}
	store := steplog.New(db)

	if err := os.MkdirAll(cfg.Node.SpoolDir, 0o755); err != nil {
		logger.Error("failed to create spool directory", "path", cfg.Node.SpoolDir, "error", err)
		return 1
	}

	adapter, err := interconnect.New(cfg.Interconnect)
	if err != nil {
		logger.Error("failed to set up interconnect", "error", err)
		return 1
	}

	hub := events.NewHub(256)
	disp, err := dispatch.New(dispatch.Options{
		Config:   cfg,
		Adapter:  adapter,
		Scripts:  script.NewRunner(cfg.Scripts.KillWait),
		Launcher: taskexec.NewProcLauncher(cfg.Tasks.ExecHelper),
		Reporter: report.Multi{
			store,
			report.NewHTTPCallback(cfg.Report.CallbackTimeout, cfg.Report.CallbackSecret),
		},
		Hub: hub,
	})
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pruneLoop(gctx, store, cfg.State.Retention, log.WithComponent("steplog"))
		return nil
	})

	if cfg.API.Enabled {
		server := api.New(api.Config{
			Listen:   cfg.API.Listen,
			Token:    cfg.API.Token,
			NodeName: cfg.Node.Name,
		}, disp, store, hub, log.WithComponent("api"))
		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	} else {
		logger.Warn("api disabled; no requests will be accepted")
	}

	logger.Info("stepd running", "spool", cfg.Node.SpoolDir, "interconnect", cfg.Interconnect.Type)
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("stepd stopped")
	return 0
}

// pruneLoop drops step log entries older than retention until ctx ends.
// A zero retention keeps everything.
func pruneLoop(ctx context.Context, store *steplog.Store, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		pruneOnce(ctx, store, retention, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneOnce(ctx context.Context, store *steplog.Store, retention time.Duration, logger *slog.Logger) int64 {
	n, err := store.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("step log prune failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		logger.Info("pruned step log", "removed", n, "retention", retention)
	}
	return n
}
