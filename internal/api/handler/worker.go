package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/listingboost/lb_server/internal/model/dto"
	"github.com/listingboost/lb_server/internal/pkg/response"
	"github.com/listingboost/lb_server/internal/worker"
)

const reasonBusy = "busy"

// WorkerHandler cron / 外部触发入口
type WorkerHandler struct {
	proc         *worker.Processor
	budget       time.Duration
	exposeDetail bool
	log          *slog.Logger
}

func NewWorkerHandler(proc *worker.Processor, budget time.Duration, exposeDetail bool, log *slog.Logger) *WorkerHandler {
	if budget <= 0 {
		budget = 60 * time.Second
	}
	return &WorkerHandler{
		proc:         proc,
		budget:       budget,
		exposeDetail: exposeDetail,
		log:          log.With("component", "worker_handler"),
	}
}

// ProcessBatch 在预算时间内处理任务并清理过期任务
// POST /api/v1/jobs/process
func (h *WorkerHandler) ProcessBatch(c *gin.Context) {
	// 调用方断开不应打断正在执行的任务
	ctx := context.WithoutCancel(c.Request.Context())

	summary, err := h.proc.RunBatch(ctx, h.budget)
	if errors.Is(err, worker.ErrProcessorBusy) {
		response.OK(c, dto.TriggerResponse{Triggered: false, Reason: reasonBusy})
		return
	}
	if err != nil {
		h.log.ErrorContext(ctx, "batch run failed", "error", err)
		if summary == nil {
			writeError(c, err, h.exposeDetail)
			return
		}
	}
	response.OK(c, summary)
}

// QueueStatus 队列统计与处理器状态
// GET /api/v1/jobs/process
func (h *WorkerHandler) QueueStatus(c *gin.Context) {
	stats, err := h.proc.GetQueueStats(c.Request.Context())
	if err != nil {
		writeError(c, err, h.exposeDetail)
		return
	}
	response.OK(c, dto.QueueStatusResponse{
		Queue:     stats,
		Processor: h.proc.Status(),
	})
}

// Trigger 执行一个任务，处理器忙时直接返回
// POST /api/v1/worker/trigger
func (h *WorkerHandler) Trigger(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())

	res, err := h.proc.ProcessNext(ctx)
	if errors.Is(err, worker.ErrProcessorBusy) {
		response.OK(c, dto.TriggerResponse{Triggered: false, Reason: reasonBusy})
		return
	}
	if err != nil && res == nil {
		writeError(c, err, h.exposeDetail)
		return
	}
	if err != nil {
		h.log.ErrorContext(ctx, "trigger finished with error", "job_id", res.JobID, "error", err)
	}

	if res.Outcome == worker.OutcomeIdle {
		response.OK(c, dto.TriggerResponse{Triggered: false, Reason: "no pending jobs"})
		return
	}
	response.OK(c, dto.TriggerResponse{
		Triggered: true,
		JobID:     res.JobID,
		Status:    string(res.Outcome),
	})
}
