package dto

import (
	"time"

	"github.com/listingboost/lb_server/internal/model"
)

// CreateJobRequest 创建分析任务请求
type CreateJobRequest struct {
	URL    string  `json:"url"`
	Token  string  `json:"token"`
	UserID *string `json:"userId,omitempty"`
}

// CreateJobResponse 创建分析任务响应
type CreateJobResponse struct {
	JobID                string          `json:"jobId"`
	EstimatedTimeSeconds int             `json:"estimatedTimeSeconds"`
	PollURL              string          `json:"pollUrl"`
	Status               model.JobStatus `json:"status"`
	Reused               bool            `json:"reused,omitempty"`
}

// JobTiming 轮询用的耗时估算
type JobTiming struct {
	ElapsedMs                int64  `json:"elapsedMs"`
	EstimatedTimeRemainingMs *int64 `json:"estimatedTimeRemainingMs,omitempty"`
	IsExpired                bool   `json:"isExpired"`
}

type JobResultsView struct {
	Listing         *model.ListingData     `json:"listing,omitempty"`
	Analysis        *model.Analysis        `json:"analysis,omitempty"`
	Recommendations []model.Recommendation `json:"recommendations,omitempty"`
	Insights        *model.Insights        `json:"insights,omitempty"`
	IsRealData      bool                   `json:"isRealData"`
}

type JobErrorView struct {
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RetryCount int            `json:"retryCount"`
	MaxRetries int            `json:"maxRetries"`
}

// JobStatusView 对外暴露的任务状态
type JobStatusView struct {
	JobID           string          `json:"jobId"`
	Token           string          `json:"token"`
	URL             string          `json:"url"`
	Status          model.JobStatus `json:"status"`
	Progress        int             `json:"progress"`
	CurrentStep     model.JobStep   `json:"currentStep"`
	StepDescription string          `json:"stepDescription"`
	Timing          JobTiming       `json:"timing"`
	Results         *JobResultsView `json:"results,omitempty"`
	Error           *JobErrorView   `json:"error,omitempty"`
	NextPollDelayMs int             `json:"nextPollDelayMs"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// JobListItem 任务列表项
type JobListItem struct {
	JobID       string          `json:"jobId"`
	URL         string          `json:"url"`
	Status      model.JobStatus `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep model.JobStep   `json:"currentStep"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

type QueueStats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

type ProcessorStatus struct {
	IsProcessing bool       `json:"isProcessing"`
	CurrentJob   string     `json:"currentJob,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
}

// ProcessSummary 批量处理结果
type ProcessSummary struct {
	Recovered  int64 `json:"recovered"`
	Processed  int   `json:"processed"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	Cleaned    int64 `json:"cleaned"`
	DurationMs int64 `json:"durationMs"`
}

type QueueStatusResponse struct {
	Queue     *QueueStats     `json:"queue"`
	Processor ProcessorStatus `json:"processor"`
}

type TriggerResponse struct {
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason,omitempty"`
	JobID     string `json:"jobId,omitempty"`
	Status    string `json:"status,omitempty"`
}
