package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/seantiz/pneumoscan/internal/api"
	"github.com/seantiz/pneumoscan/internal/asset"
	"github.com/seantiz/pneumoscan/internal/config"
	"github.com/seantiz/pneumoscan/internal/engine"
	"github.com/seantiz/pneumoscan/internal/store"
	"github.com/seantiz/pneumoscan/internal/worker"
)

// interruptedReason is recorded on jobs a previous process left unfinished.
const interruptedReason = "interrupted"

func main() {
	if err := run(); err != nil {
		log.Fatalf("pneumoscan: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	logger.Info("pneumoscan: starting",
		"listen_addr", cfg.Addr(),
		"db_path", cfg.DBPath,
		"upload_dir", cfg.UploadDir,
		"worker", cfg.WorkerCommand(),
		"worker_timeout", cfg.WorkerTimeout.String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Nothing is in flight yet, so every unfinished job belongs to a process
	// that died mid-prediction.
	if n, err := db.FailUnfinishedJobs(context.Background(), interruptedReason); err != nil {
		logger.Warn("failed to finalize interrupted jobs", "error", err)
	} else if n > 0 {
		logger.Info("finalized interrupted jobs", "count", n)
	}

	assets, err := asset.NewStore(cfg.UploadDir, logger)
	if err != nil {
		return fmt.Errorf("prepare upload directory: %w", err)
	}
	if cfg.UploadSweepAge > 0 {
		removed, err := assets.Sweep(cfg.UploadSweepAge)
		if err != nil {
			logger.Warn("upload sweep failed", "error", err)
		} else if removed > 0 {
			logger.Info("removed stale uploads", "count", removed)
		}
	}

	inv, err := worker.NewInvoker(worker.Options{
		Command:       cfg.WorkerCommand(),
		Timeout:       cfg.WorkerTimeout,
		MaxConcurrent: cfg.MaxConcurrentWorkers,
		KillOnCancel:  cfg.CancelOnDisconnect,
	}, logger)
	if err != nil {
		return fmt.Errorf("configure worker: %w", err)
	}

	eng := engine.NewEngine(assets, inv, db, logger)
	srv := api.NewServer(api.Options{
		Addr:          cfg.Addr(),
		UploadLimit:   cfg.MaxUploadBytes,
		WorkerTimeout: cfg.WorkerTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
	}, db, eng, logger)

	if err := srv.Run(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
