package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"treepot/internal/api"
	"treepot/internal/auth"
	"treepot/internal/config"
	"treepot/internal/game"
	"treepot/internal/logger"
	"treepot/internal/storage"
	"treepot/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LoadDotEnv()
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	store, closeStore, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Error("store open failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	gameSvc := game.NewService(store, log, game.Options{
		HouseAccount:  cfg.HouseAccount,
		HouseSharePct: cfg.HouseSharePct,
	})

	var houseHash []byte
	if cfg.HouseSecret != "" {
		houseHash, err = auth.HashSecret(cfg.HouseSecret)
		if err != nil {
			log.Error("house secret rejected", "err", err)
			os.Exit(1)
		}
	}
	if err := gameSvc.EnsureHouse(ctx, houseHash); err != nil {
		log.Error("house init failed", "err", err)
		os.Exit(1)
	}

	// bbolt holds an exclusive file lock, so the allocator runs in-process.
	if cfg.Store == config.StoreBolt {
		go worker.NewAllocator(gameSvc, log, nil, cfg.WorkerEvery, cfg.WorkerBatch).Run(ctx)
	}

	tokens := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL, nil)
	server := api.New(cfg, log, tokens, gameSvc)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("treepot api listening", "addr", cfg.Addr, "store", cfg.Store, "house", gameSvc.House())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}
