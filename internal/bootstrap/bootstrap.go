// Package bootstrap 组装 server、worker、cleanup 共用的依赖。
package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"github.com/listingboost/lb_server/config"
	"github.com/listingboost/lb_server/internal/database"
	"github.com/listingboost/lb_server/internal/metrics"
	"github.com/listingboost/lb_server/internal/pipeline"
	"github.com/listingboost/lb_server/internal/pkg/apify"
	"github.com/listingboost/lb_server/internal/pkg/gemini"
	"github.com/listingboost/lb_server/internal/pkg/logger"
	"github.com/listingboost/lb_server/internal/pkg/oss"
	"github.com/listingboost/lb_server/internal/pkg/pubsub"
	"github.com/listingboost/lb_server/internal/repository"
	"github.com/listingboost/lb_server/internal/service"
)

// ConfigPath -config 参数优先，其次 CONFIG_PATH 环境变量
func ConfigPath(fs *flag.FlagSet) *string {
	def := os.Getenv("CONFIG_PATH")
	if def == "" {
		def = "config.yaml"
	}
	return fs.String("config", def, "path to config file")
}

// Deps 各进程共用的基础设施，Redis 可为 nil
type Deps struct {
	Cfg   *config.Config
	Log   *slog.Logger
	DB    *gorm.DB
	Redis *redis.Client
	Jobs  *service.JobService
}

// Open 加载配置、初始化日志与存储
func Open(configPath string) (*Deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(log)
	metrics.Register()

	db, err := database.NewDB(&cfg.Database, cfg.Server.Mode == "debug")
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	log.Info("database connected", "driver", cfg.Database.Driver)

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = database.NewRedis(&cfg.Redis)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info("redis connected", "host", cfg.Redis.Host)
	}

	jobs := service.NewJobService(repository.NewJobRepository(db, cfg.Jobs.TTL), cfg, log)

	// OSS 可选：过期任务删除前归档
	if cfg.OSS.Enabled() {
		ossClient, err := oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Warn("oss client init failed, archiving disabled", "error", err)
		} else {
			jobs.SetArchiver(ossClient)
			log.Info("oss archiving enabled", "bucket", cfg.OSS.BucketName)
		}
	}

	return &Deps{Cfg: cfg, Log: log, DB: db, Redis: rdb, Jobs: jobs}, nil
}

// Close 释放连接
func (d *Deps) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if sqlDB, err := d.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Runner path 为 async 或 freemium，用作指标标签
func (d *Deps) Runner(ctx context.Context, path string) *pipeline.Runner {
	opts := []pipeline.Option{pipeline.WithPath(path)}

	if d.Cfg.LLM.GoogleAPIKey != "" {
		g, err := gemini.NewInsightsGenerator(ctx, &d.Cfg.LLM, d.Log)
		if err != nil {
			d.Log.Warn("gemini insights disabled", "error", err)
		} else {
			opts = append(opts, pipeline.WithInsights(g, d.Cfg.LLM.Timeout))
		}
	}

	// 未配置 token 时 scraper 为 nil，抓取直接走合成数据
	var scraper pipeline.Scraper
	if d.Cfg.Scraper.APIToken != "" {
		scraper = apify.NewClient(d.Cfg.Scraper.APIToken, d.Cfg.Scraper.ActorID,
			apify.WithBaseURL(d.Cfg.Scraper.BaseURL),
			apify.WithRateLimit(d.Cfg.Scraper.RateLimit),
			apify.WithLogger(d.Log),
		)
	} else {
		d.Log.Warn("scraper api token not set, using synthetic listings")
	}

	return pipeline.NewRunner(scraper, d.Log, opts...)
}

// Publisher 有 Redis 时推送进度，否则丢弃
func (d *Deps) Publisher() pubsub.ProgressPublisher {
	if d.Redis == nil {
		return pubsub.NopPublisher{}
	}
	return pubsub.NewPublisher(d.Redis)
}
