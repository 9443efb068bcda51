package handler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/listingboost/lb_server/config"
	"github.com/listingboost/lb_server/internal/api/middleware"
	"github.com/listingboost/lb_server/internal/model/dto"
	"github.com/listingboost/lb_server/internal/pkg/response"
	"github.com/listingboost/lb_server/internal/service"
	"github.com/listingboost/lb_server/internal/worker"
)

const dispatchTimeout = 2 * time.Second

type JobHandler struct {
	jobs       *service.JobService
	dispatcher worker.Dispatcher
	cfg        *config.Config
	log        *slog.Logger
}

func NewJobHandler(jobs *service.JobService, dispatcher worker.Dispatcher, cfg *config.Config, log *slog.Logger) *JobHandler {
	return &JobHandler{
		jobs:       jobs,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.With("component", "job_handler"),
	}
}

// Create 创建分析任务并唤醒 worker
// POST /api/v1/jobs
func (h *JobHandler) Create(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, response.MsgParamError, []string{err.Error()})
		return
	}

	userID := req.UserID
	if id, ok := middleware.GetUserID(c); ok {
		userID = &id
	}

	ctx := c.Request.Context()
	job, reused, err := h.jobs.CreateJob(ctx, service.CreateJobInput{
		Token:  req.Token,
		URL:    req.URL,
		UserID: userID,
	})
	if err != nil {
		writeError(c, err, !h.cfg.Server.IsRelease())
		return
	}

	if job.Status.IsActive() {
		h.dispatch(ctx, job.ID)
	}

	resp := dto.CreateJobResponse{
		JobID:                job.ID,
		EstimatedTimeSeconds: h.cfg.Jobs.EstimatedSeconds,
		PollURL:              h.pollURL(job.ID),
		Status:               job.Status,
		Reused:               reused,
	}
	if reused {
		response.OK(c, resp)
		return
	}
	response.Created(c, resp)
}

// dispatch 失败只记日志，任务会被轮询或下一次触发捡起
func (h *JobHandler) dispatch(ctx context.Context, jobID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	if err := h.dispatcher.Dispatch(ctx, jobID); err != nil {
		h.log.WarnContext(ctx, "dispatch failed, job left for polling", "job_id", jobID, "error", err)
	}
}

func (h *JobHandler) pollURL(jobID string) string {
	path := "/api/v1/jobs/" + jobID + "/status"
	return strings.TrimRight(h.cfg.Server.PublicBaseURL, "/") + path
}

// List 按 token 或 userId 列出任务
// GET /api/v1/jobs?token=xxx
func (h *JobHandler) List(c *gin.Context) {
	token := c.Query("token")
	userID := c.Query("userId")
	if token == "" && userID == "" {
		userID, _ = middleware.GetUserID(c)
	}

	items, err := h.jobs.ListJobs(c.Request.Context(), token, userID)
	if err != nil {
		writeError(c, err, !h.cfg.Server.IsRelease())
		return
	}
	response.OK(c, items)
}

// Status 轮询任务状态
// GET /api/v1/jobs/:id/status
func (h *JobHandler) Status(c *gin.Context) {
	view, err := h.jobs.GetJobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Header("Cache-Control", "no-store")
		writeError(c, err, !h.cfg.Server.IsRelease())
		return
	}

	if view.Status.IsTerminal() {
		c.Header("Cache-Control", "public, max-age=3600")
	} else {
		c.Header("Cache-Control", "no-store")
	}
	response.OK(c, view)
}

// Cancel 取消任务
// DELETE /api/v1/jobs/:id
func (h *JobHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.jobs.CancelJob(c.Request.Context(), id); err != nil {
		writeError(c, err, !h.cfg.Server.IsRelease())
		return
	}

	view, err := h.jobs.GetJobStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, !h.cfg.Server.IsRelease())
		return
	}
	response.OK(c, view)
}
