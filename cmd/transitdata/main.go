package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"transitdata/internal/config"
	"transitdata/internal/gtfs"
	"transitdata/internal/handler"
	"transitdata/internal/publish"
	"transitdata/internal/realtime"
	"transitdata/internal/scheduler"
	"transitdata/internal/server"
	"transitdata/internal/storage"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run wires and runs the service, returning the process exit code. Deferred
// cleanup has finished by the time it returns.
func run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// CLI flags
	fs := flag.NewFlagSet("transitdata", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for static and realtime artifacts")
	fs.BoolVar(&cfg.StaticOnly, "static-only", false, "Refresh static data, then exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	if cfg.Sanitize() {
		logger.Warn("realtime fetch budget exceeds one cycle, using defaults",
			"freq", cfg.RealtimeFreq,
			"timeout", cfg.RealtimeTimeout,
			"max_attempts", cfg.MaxAttempts,
		)
	}

	for _, dir := range []string{cfg.StaticDir(), filepath.Dir(cfg.StaticJSONPath()), cfg.RealtimeDir()} {
		if err := ensureWritable(dir); err != nil {
			logger.Error("data directory not writable", "dir", dir, "error", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open database
	db, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer db.Close()

	store := publish.New(cfg.RedisAddr(), cfg.DataDictCap, logger)
	defer store.Close()

	downloader := gtfs.NewDownloader(cfg.StaticURL, cfg.StaticDir(), logger)
	refresher := gtfs.NewRefresher(downloader, db, store, gtfs.RefresherOptions{
		Name:         cfg.SystemName,
		RouteAliases: cfg.RouteAliases,
		StationsURL:  cfg.StationsURL,
		JSONPath:     cfg.StaticJSONPath(),
	}, logger)

	if cfg.StaticOnly {
		logger.Info("refreshing static data")
		if err := refresher.Load(ctx); err != nil {
			logger.Error("static load failed", "error", err)
			return 1
		}
		if err := refresher.Update(ctx); err != nil {
			logger.Error("static refresh failed", "error", err)
			return 1
		}
		logger.Info("static refresh complete")
		return 0
	}

	// Serve health while static data loads; payload routes answer 503 until ready.
	status := realtime.NewStore()
	srv := server.New(cfg.Port, handler.New(store, status, logger), logger)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	if err := refresher.Load(ctx); err != nil {
		logger.Error("failed to load static data", "error", err)
		return 1
	}
	srv.SetReady()

	manager := realtime.NewManager(realtime.ManagerOptions{
		Endpoints:    cfg.Endpoints(),
		Timeout:      cfg.RealtimeTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RingCapacity: realtime.DefaultRingCapacity,
		SnapshotPath: filepath.Join(cfg.RealtimeDir(), "realtime.json"),
	}, refresher, store, store, status, logger)
	if err := manager.Restore(ctx); err != nil {
		logger.Warn("could not restore cached feeds", "error", err)
	}

	sched := scheduler.New(refresher, manager, store, scheduler.Options{
		RealtimeFreq:       cfg.RealtimeFreq,
		StaticInterval:     cfg.StaticInterval,
		MaxInitialAttempts: cfg.MaxInitialAttempts,
	}, logger)

	if err := sched.Run(ctx); err != nil {
		logger.Error("scheduler stopped", "error", err)
		return 1
	}
	logger.Info("shutting down")
	return 0
}

// ensureWritable creates dir if needed and proves a file can be written there.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
