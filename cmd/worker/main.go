package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/listingboost/lb_server/internal/bootstrap"
	"github.com/listingboost/lb_server/internal/pkg/cron"
	"github.com/listingboost/lb_server/internal/pkg/queue"
	"github.com/listingboost/lb_server/internal/worker"
)

func main() {
	configPath := bootstrap.ConfigPath(flag.CommandLine)
	flag.Parse()

	deps, err := bootstrap.Open(*configPath)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer deps.Close()
	cfg, logger := deps.Cfg, deps.Log

	if deps.Redis == nil {
		logger.Error("worker requires redis for wakeups; use queue.mode=inprocess without it")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor := worker.NewProcessor(deps.Jobs, deps.Runner(ctx, "async"), deps.Publisher(), cfg, logger)
	wakeups := queue.NewQueue(deps.Redis, cfg.Queue.WakeupQueue)

	cronService := cron.NewService(deps.Jobs, cfg.Queue.CleanupSchedule, logger)
	if err := cronService.Start(); err != nil {
		logger.Error("cron start failed", "error", err)
		os.Exit(1)
	}

	logger.Info("worker started", "queue", cfg.Queue.WakeupQueue, "poll_interval", cfg.Queue.PollInterval)
	err = processor.RunQueueLoop(ctx, wakeups, cfg.Queue.PollInterval)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("queue loop stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cronService.Stop(shutdownCtx)
	logger.Info("worker shut down")
}
