package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/listingboost/lb_server/internal/bootstrap"
	"github.com/listingboost/lb_server/internal/repository"
)

var (
	dryRun  = flag.Bool("dry-run", true, "List expired jobs without deleting them")
	limit   = flag.Int("limit", 100, "Max expired jobs listed in dry-run mode")
	timeout = flag.Duration("timeout", 5*time.Minute, "Overall cleanup timeout")
)

func main() {
	configPath := bootstrap.ConfigPath(flag.CommandLine)
	flag.Parse()

	deps, err := bootstrap.Open(*configPath)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer deps.Close()
	logger := deps.Log.With("component", "cleanup")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger.Info("starting cleanup", "dry_run", *dryRun)

	if *dryRun {
		repo := repository.NewJobRepository(deps.DB, deps.Cfg.Jobs.TTL)
		jobs, err := repo.FindExpired(ctx, time.Now(), *limit)
		if err != nil {
			logger.Error("find expired jobs failed", "error", err)
			return
		}
		for _, job := range jobs {
			logger.Info("expired job",
				"job_id", job.ID,
				"status", job.Status,
				"expires_at", job.ExpiresAt,
				"url", job.URL,
			)
		}
		logger.Info("dry run finished, nothing deleted", "expired", len(jobs), "limit", *limit)
		logger.Info("run with -dry-run=false to delete")
		return
	}

	start := time.Now()
	recovered, err := deps.Jobs.RecoverStaleJobs(ctx)
	if err != nil {
		logger.Error("stale job recovery failed", "error", err)
		return
	}
	logger.Info("stale jobs recovered", "count", recovered)

	n, err := deps.Jobs.CleanupExpiredJobs(ctx)
	if err != nil {
		logger.Error("cleanup failed", "error", err, "deleted", n)
		return
	}
	logger.Info("cleanup completed", "deleted", n, "archived", deps.Cfg.OSS.Enabled(), "took", time.Since(start))
}
