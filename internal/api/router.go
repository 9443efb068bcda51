package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sloggin "github.com/samber/slog-gin"

	"github.com/listingboost/lb_server/config"
	"github.com/listingboost/lb_server/internal/api/handler"
	"github.com/listingboost/lb_server/internal/api/middleware"
)

type Router struct {
	jobHandler       *handler.JobHandler
	workerHandler    *handler.WorkerHandler
	freemiumHandler  *handler.FreemiumHandler
	websocketHandler *handler.WebSocketHandler
	healthHandler    *handler.HealthHandler
	cfg              *config.Config
	log              *slog.Logger
}

func NewRouter(
	jobHandler *handler.JobHandler,
	workerHandler *handler.WorkerHandler,
	freemiumHandler *handler.FreemiumHandler,
	websocketHandler *handler.WebSocketHandler,
	healthHandler *handler.HealthHandler,
	cfg *config.Config,
	log *slog.Logger,
) *Router {
	return &Router{
		jobHandler:       jobHandler,
		workerHandler:    workerHandler,
		freemiumHandler:  freemiumHandler,
		websocketHandler: websocketHandler,
		healthHandler:    healthHandler,
		cfg:              cfg,
		log:              log,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.IsRelease() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(sloggin.NewWithFilters(r.log, sloggin.IgnorePath("/health", "/metrics")))
	engine.Use(middleware.Metrics())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/health", r.healthHandler.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	workerAuth := middleware.WorkerAuth(r.cfg.Auth.WorkerSecret)

	api := engine.Group("/api/v1")
	{
		// WebSocket
		api.GET("/ws", r.websocketHandler.Handle)

		// 分析任务（可选登录，登录后关联 userId）
		jobs := api.Group("/jobs")
		jobs.Use(middleware.OptionalAuth(r.cfg.Auth.JWTSecret))
		{
			jobs.POST("", r.jobHandler.Create)
			jobs.GET("", r.jobHandler.List)
			jobs.GET("/:id/status", r.jobHandler.Status)
			jobs.DELETE("/:id", r.jobHandler.Cancel)
		}

		// 批处理入口，供 cron 调用
		api.POST("/jobs/process", workerAuth, r.workerHandler.ProcessBatch)
		api.GET("/jobs/process", r.workerHandler.QueueStatus)
		api.POST("/worker/trigger", workerAuth, r.workerHandler.Trigger)

		// 免费版同步分析
		api.POST("/freemium/analyze", r.freemiumHandler.Analyze)
		api.GET("/freemium/analyses", r.freemiumHandler.List)
		api.GET("/freemium/analyses/:id", r.freemiumHandler.Get)
	}

	return engine
}
