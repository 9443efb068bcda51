package poller

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CreatedJob POST /api/v1/jobs 的返回
type CreatedJob struct {
	JobID                string    `json:"jobId"`
	EstimatedTimeSeconds int       `json:"estimatedTimeSeconds"`
	PollURL              string    `json:"pollUrl"`
	Status               JobStatus `json:"status"`
	Reused               bool      `json:"reused,omitempty"`
}

type Timing struct {
	ElapsedMs                int64  `json:"elapsedMs"`
	EstimatedTimeRemainingMs *int64 `json:"estimatedTimeRemainingMs,omitempty"`
	IsExpired                bool   `json:"isExpired"`
}

type JobError struct {
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RetryCount int                    `json:"retryCount"`
	MaxRetries int                    `json:"maxRetries"`
}

// StatusView GET /api/v1/jobs/:id/status 的返回，results 保持原始 JSON
type StatusView struct {
	JobID           string          `json:"jobId"`
	Status          JobStatus       `json:"status"`
	Progress        int             `json:"progress"`
	CurrentStep     string          `json:"currentStep"`
	StepDescription string          `json:"stepDescription"`
	Timing          Timing          `json:"timing"`
	Results         json.RawMessage `json:"results,omitempty"`
	Error           *JobError       `json:"error,omitempty"`
	NextPollDelayMs int             `json:"nextPollDelayMs"`
}

var (
	ErrClosed      = errors.New("poller is closed")
	ErrJobNotFound = errors.New("job not found")
)

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
	Details    []string
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("api error %d: %s (%s)", e.StatusCode, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// JobFailedError 任务以 failed 结束
type JobFailedError struct {
	JobID   string
	Message string
	Reason  string
}

func (e *JobFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("job %s failed (%s): %s", e.JobID, e.Reason, e.Message)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// Cancelled reports whether the job was cancelled by the user rather than failing.
func (e *JobFailedError) Cancelled() bool {
	return e.Reason == "user_cancellation"
}

// State 轮询状态快照
type State struct {
	JobID                  string
	Status                 JobStatus
	Progress               int
	CurrentStep            string
	StepDescription        string
	EstimatedTimeRemaining *time.Duration
	Results                json.RawMessage
	Err                    error
	UpdatedAt              time.Time
}

func (s State) IsPending() bool   { return s.Status == StatusPending }
func (s State) IsRunning() bool   { return s.Status == StatusRunning }
func (s State) IsCompleted() bool { return s.Status == StatusCompleted }
func (s State) IsFailed() bool    { return s.Status == StatusFailed }

// IsActive reports whether polling is still expected to continue.
func (s State) IsActive() bool {
	return s.JobID != "" && !s.Status.IsTerminal() && s.Err == nil
}
