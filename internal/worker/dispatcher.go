package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/listingboost/lb_server/internal/model/dto"
	"github.com/listingboost/lb_server/internal/pkg/queue"
)

// Dispatcher 创建任务后唤醒 worker，不等待执行
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// WakeupSource 阻塞等待唤醒消息，超时返回 nil
type WakeupSource interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.WakeupMessage, error)
}

// Drain 连续处理直到队列为空、处理器忙或出错，返回处理的任务数
func (p *Processor) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		res, err := p.ProcessNext(ctx)
		if err != nil {
			if !errors.Is(err, ErrProcessorBusy) {
				p.log.ErrorContext(ctx, "process next failed", "error", err)
			}
			return n
		}
		if res.Outcome == OutcomeIdle {
			return n
		}
		n++
	}
	return n
}

// RunBatch 先回收失联任务，在预算时间内循环处理，随后清理过期任务
func (p *Processor) RunBatch(ctx context.Context, budget time.Duration) (*dto.ProcessSummary, error) {
	start := time.Now()
	deadline := start.Add(budget)
	summary := &dto.ProcessSummary{}

	recovered, err := p.jobs.RecoverStaleJobs(ctx)
	if err != nil {
		p.log.WarnContext(ctx, "stale job recovery failed", "error", err)
	}
	summary.Recovered = recovered

	var runErr error
	for ctx.Err() == nil && time.Now().Before(deadline) {
		res, err := p.ProcessNext(ctx)
		if err != nil {
			if errors.Is(err, ErrProcessorBusy) && summary.Processed == 0 {
				return nil, err
			}
			if !errors.Is(err, ErrProcessorBusy) {
				runErr = err
			}
			break
		}
		if res.Outcome == OutcomeIdle {
			break
		}

		summary.Processed++
		switch res.Outcome {
		case OutcomeCompleted:
			summary.Succeeded++
		case OutcomeFailed, OutcomeRequeued:
			summary.Failed++
		}
	}

	cleaned, err := p.jobs.CleanupExpiredJobs(ctx)
	if err != nil {
		p.log.WarnContext(ctx, "cleanup after batch failed", "error", err)
	}
	summary.Cleaned = cleaned
	summary.DurationMs = time.Since(start).Milliseconds()

	p.log.InfoContext(ctx, "batch finished",
		"recovered", summary.Recovered,
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"cleaned", summary.Cleaned,
	)
	return summary, runErr
}

// RunQueueLoop worker 守护进程主循环：收到唤醒或等待超时都会尝试处理，
// 超时即轮询兜底，丢失的唤醒不会让任务滞留。
func (p *Processor) RunQueueLoop(ctx context.Context, src WakeupSource, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	p.log.InfoContext(ctx, "queue loop started", "poll_interval", pollInterval)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := src.Pop(ctx, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.WarnContext(ctx, "wakeup pop failed", "error", err)
			// 队列不可用时退化为轮询
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		} else if msg != nil {
			p.log.DebugContext(ctx, "wakeup received", "job_id", msg.JobID)
		}

		p.Drain(ctx)
	}
}

// LocalDispatcher 进程内派发：缓冲通道 + 受监督的后台 goroutine
type LocalDispatcher struct {
	proc         *Processor
	wake         chan string
	pollInterval time.Duration
	log          *slog.Logger
}

func NewLocalDispatcher(proc *Processor, pollInterval time.Duration, log *slog.Logger) *LocalDispatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &LocalDispatcher{
		proc:         proc,
		wake:         make(chan string, 64),
		pollInterval: pollInterval,
		log:          log.With("component", "local_dispatcher"),
	}
}

// Dispatch 非阻塞；缓冲区满时丢弃，轮询会兜底
func (d *LocalDispatcher) Dispatch(_ context.Context, jobID string) error {
	select {
	case d.wake <- jobID:
	default:
		d.log.Debug("wakeup buffer full, relying on poll", "job_id", jobID)
	}
	return nil
}

// Start 启动后台处理；goroutine 异常退出后自动重启，直到 ctx 结束
func (d *LocalDispatcher) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			if err := d.supervise(ctx); err != nil {
				d.log.Error("dispatcher loop crashed, restarting", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	}()
	return done
}

func (d *LocalDispatcher) supervise(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	d.loop(ctx)
	return nil
}

func (d *LocalDispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.proc.Drain(ctx)
	}
}
