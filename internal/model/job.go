package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further mutation is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive reports whether the job still occupies its (token, url) slot.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// CanTransition 任务状态机，终态不可回退
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusPending || to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

type JobStep string

const (
	StepInitializing              JobStep = "initializing"
	StepScraping                  JobStep = "scraping"
	StepAnalyzing                 JobStep = "analyzing"
	StepGeneratingRecommendations JobStep = "generating_recommendations"
	StepFinalizing                JobStep = "finalizing"
	StepCompleted                 JobStep = "completed"
	StepFailed                    JobStep = "failed"
)

// ProgressRange is the inclusive progress window owned by a step.
type ProgressRange struct {
	Min int
	Max int
}

func (r ProgressRange) Contains(progress int) bool {
	return progress >= r.Min && progress <= r.Max
}

// StepRanges 各阶段对应的进度区间
var StepRanges = map[JobStep]ProgressRange{
	StepInitializing:              {Min: 0, Max: 10},
	StepScraping:                  {Min: 10, Max: 60},
	StepAnalyzing:                 {Min: 60, Max: 85},
	StepGeneratingRecommendations: {Min: 85, Max: 95},
	StepFinalizing:                {Min: 95, Max: 100},
	StepCompleted:                 {Min: 100, Max: 100},
	StepFailed:                    {Min: 0, Max: 100},
}

// stepOrder 执行顺序，不含终态
var stepOrder = []JobStep{
	StepInitializing,
	StepScraping,
	StepAnalyzing,
	StepGeneratingRecommendations,
	StepFinalizing,
}

// StepsThrough returns the non-terminal steps that run no later than s.
func StepsThrough(s JobStep) []JobStep {
	for i, step := range stepOrder {
		if step == s {
			return stepOrder[: i+1 : i+1]
		}
	}
	return nil
}

// StepDescriptions 阶段的可读描述，用于状态轮询
var StepDescriptions = map[JobStep]string{
	StepInitializing:              "Preparing analysis",
	StepScraping:                  "Fetching listing data",
	StepAnalyzing:                 "Scoring listing quality",
	StepGeneratingRecommendations: "Generating recommendations",
	StepFinalizing:                "Saving results",
	StepCompleted:                 "Analysis complete",
	StepFailed:                    "Analysis failed",
}

// Valid reports whether the step is part of the fixed enumeration.
func (s JobStep) Valid() bool {
	_, ok := StepRanges[s]
	return ok
}

// DefaultMaxRetries applies when the caller does not set MaxRetries.
const DefaultMaxRetries = 3

// AnalysisJob tracks one listing analysis request end-to-end.
type AnalysisJob struct {
	ID     string    `gorm:"primaryKey;size:36" json:"id"`
	Token  string    `gorm:"size:128;not null;index:idx_jobs_token_url" json:"token"`
	URL    string    `gorm:"size:500;not null;index:idx_jobs_token_url" json:"url"`
	UserID *string   `gorm:"size:64;index" json:"user_id,omitempty"`
	Status JobStatus `gorm:"size:20;not null;default:pending;index:idx_jobs_status_created" json:"status"`

	Progress    int     `gorm:"not null;default:0" json:"progress"`
	CurrentStep JobStep `gorm:"size:40;not null;default:initializing" json:"current_step"`

	ListingData         datatypes.JSON `json:"listing_data,omitempty"`
	AnalysisData        datatypes.JSON `json:"analysis_data,omitempty"`
	RecommendationsData datatypes.JSON `json:"recommendations_data,omitempty"`
	InsightsData        datatypes.JSON `json:"insights_data,omitempty"`
	IsRealData          *bool          `json:"is_real_data,omitempty"`

	ErrorMessage string            `gorm:"type:text" json:"error_message,omitempty"`
	ErrorDetails datatypes.JSONMap `json:"error_details,omitempty"`
	RetryCount   int               `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int               `gorm:"not null" json:"max_retries"`

	CreatedAt   time.Time  `gorm:"index:idx_jobs_status_created" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `gorm:"index" json:"expires_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	ScrapingDurationMs *int64 `json:"scraping_duration_ms,omitempty"`
	AnalysisDurationMs *int64 `json:"analysis_duration_ms,omitempty"`
	TotalDurationMs    *int64 `json:"total_duration_ms,omitempty"`

	Metadata datatypes.JSONMap `json:"metadata,omitempty"`
}

func (AnalysisJob) TableName() string {
	return "analysis_jobs"
}

func (j *AnalysisJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// JobResults are written once, on completion.
type JobResults struct {
	Listing         *ListingData
	Analysis        *Analysis
	Recommendations []Recommendation
	Insights        *Insights
}

// JobPerformance 耗时统计
type JobPerformance struct {
	ScrapingDuration time.Duration
	AnalysisDuration time.Duration
	TotalDuration    time.Duration
}

// FailResult describes what Fail did to the row.
type FailResult int

const (
	FailNoop FailResult = iota
	FailRequeued
	FailTerminal
)

// Failure reasons stored under ErrorDetails["reason"].
const (
	ReasonUserCancellation = "user_cancellation"
	ReasonPipelineError    = "pipeline_error"
	ReasonTransientError   = "transient_error"
	ReasonStaleWorker      = "stale_worker"
)
