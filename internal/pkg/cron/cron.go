package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cleaner 失联任务回收与过期任务清理
type Cleaner interface {
	RecoverStaleJobs(ctx context.Context) (int64, error)
	CleanupExpiredJobs(ctx context.Context) (int64, error)
}

// Service 定时任务：按 schedule 回收失联任务并清理过期任务
type Service struct {
	cron     *cron.Cron
	cleaner  Cleaner
	schedule string
	timeout  time.Duration
	log      *slog.Logger
}

func NewService(cleaner Cleaner, schedule string, log *slog.Logger) *Service {
	if schedule == "" {
		schedule = "@every 1h"
	}
	log = log.With("component", "cron")
	cl := cronLogger{log: log}

	return &Service{
		// 上一次清理未结束时跳过本次；Recover 必须在内层，否则 panic 后跳过标记不会释放
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cl),
			cron.Recover(cl),
		)),
		cleaner:  cleaner,
		schedule: schedule,
		timeout:  5 * time.Minute,
		log:      log,
	}
}

// Start 注册并启动定时任务
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RunNow); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.Info("cron service started", "schedule", s.schedule)
	return nil
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Service) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info("cron service stopped")
}

// RunNow 立即执行一次回收与清理
func (s *Service) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if n, err := s.cleaner.RecoverStaleJobs(ctx); err != nil {
		s.log.Error("stale job recovery failed", "error", err)
	} else if n > 0 {
		s.log.Info("stale jobs recovered", "count", n)
	}

	n, err := s.cleaner.CleanupExpiredJobs(ctx)
	if err != nil {
		s.log.Error("expired job cleanup failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("expired jobs cleaned", "count", n, "took", time.Since(start))
	}
}

// cronLogger 将 cron 日志接到 slog
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
