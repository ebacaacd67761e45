package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"treepot/internal/config"
	"treepot/internal/game"
	"treepot/internal/logger"
	"treepot/internal/storage"
	"treepot/internal/worker"

	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LoadDotEnv()
	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	once := pflag.Bool("once", false, "run a single allocation pass and exit")
	every := pflag.Duration("interval", cfg.WorkerEvery, "time between allocation passes")
	batch := pflag.Int("batch", cfg.WorkerBatch, "dirty branches allocated per transaction batch")
	pflag.Parse()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if cfg.Store == config.StoreBolt && !*once {
		log.Error("bolt store is single-process; the api runs the allocator itself")
		os.Exit(1)
	}

	store, closeStore, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Error("store open failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	svc := game.NewService(store, log, game.Options{
		HouseAccount:  cfg.HouseAccount,
		HouseSharePct: cfg.HouseSharePct,
	})
	alloc := worker.NewAllocator(svc, log, nil, *every, *batch)

	if *once {
		n, err := alloc.RunOnce(ctx)
		if err != nil {
			log.Error("allocation pass failed", "allocated", n, "err", err)
			os.Exit(1)
		}
		log.Info("worker run-once completed", "allocated", n)
		return
	}
	alloc.Run(ctx)
}
