package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/listingboost/lb_server/internal/api"
	"github.com/listingboost/lb_server/internal/api/handler"
	"github.com/listingboost/lb_server/internal/bootstrap"
	"github.com/listingboost/lb_server/internal/pkg/cache"
	"github.com/listingboost/lb_server/internal/pkg/cron"
	"github.com/listingboost/lb_server/internal/pkg/pubsub"
	"github.com/listingboost/lb_server/internal/pkg/queue"
	"github.com/listingboost/lb_server/internal/pkg/ws"
	"github.com/listingboost/lb_server/internal/repository"
	"github.com/listingboost/lb_server/internal/service"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// WebSocket 推送：有 Redis 时经订阅转发，支持独立 worker 进程
	hub := ws.NewHub(logger)
	var publisher pubsub.ProgressPublisher = hub
	if deps.Redis != nil {
		publisher = pubsub.NewPublisher(deps.Redis)
		go func() {
			if err := hub.Forward(ctx, pubsub.NewSubscriber(deps.Redis)); err != nil && ctx.Err() == nil {
				logger.Error("progress forwarding stopped", "error", err)
			}
		}()
	}

	processor := worker.NewProcessor(deps.Jobs, deps.Runner(ctx, "async"), publisher, cfg, logger)

	var (
		dispatcher   worker.Dispatcher
		dispatchDone <-chan struct{}
		cronService  *cron.Service
	)
	switch cfg.Queue.Mode {
	case "redis":
		if deps.Redis == nil {
			logger.Error("queue.mode=redis requires redis to be configured")
			os.Exit(1)
		}
		dispatcher = queue.NewQueue(deps.Redis, cfg.Queue.WakeupQueue)
		logger.Info("dispatching to redis queue", "queue", cfg.Queue.WakeupQueue)
	default:
		local := worker.NewLocalDispatcher(processor, cfg.Queue.PollInterval, logger)
		dispatchDone = local.Start(ctx)
		dispatcher = local

		// 独立 worker 模式下由 worker 负责清理
		cronService = cron.NewService(deps.Jobs, cfg.Queue.CleanupSchedule, logger)
		if err := cronService.Start(); err != nil {
			logger.Error("cron start failed", "error", err)
			os.Exit(1)
		}
		logger.Info("processing jobs in-process", "poll_interval", cfg.Queue.PollInterval)
	}

	var freemiumCache cache.Cache = cache.NewMemoryCache()
	if cfg.Cache.Backend == "redis" && deps.Redis != nil {
		freemiumCache = cache.NewRedisCache(deps.Redis)
	}
	freemiumService := service.NewFreemiumService(
		deps.Runner(ctx, "freemium"),
		repository.NewListingAnalysisRepository(deps.DB),
		freemiumCache,
		cfg,
		logger,
	)

	exposeDetail := !cfg.Server.IsRelease()
	router := api.NewRouter(
		handler.NewJobHandler(deps.Jobs, dispatcher, cfg, logger),
		handler.NewWorkerHandler(processor, cfg.Queue.BatchBudget, exposeDetail, logger),
		handler.NewFreemiumHandler(freemiumService, exposeDetail),
		handler.NewWebSocketHandler(hub, cfg.CORS.AllowedOrigins, logger),
		handler.NewHealthHandler(deps.DB, deps.Redis),
		cfg,
		logger,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server started", "addr", srv.Addr, "queue_mode", cfg.Queue.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if cronService != nil {
		cronService.Stop(shutdownCtx)
	}
	if dispatchDone != nil {
		select {
		case <-dispatchDone:
		case <-shutdownCtx.Done():
			logger.Warn("dispatcher did not stop in time")
		}
	}
	logger.Info("server shut down")
}
