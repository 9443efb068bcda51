package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/listingboost/lb_server/config"
	"github.com/listingboost/lb_server/internal/metrics"
	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/model/dto"
	"github.com/listingboost/lb_server/internal/repository"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobAlreadyTerminal = errors.New("job already completed or failed")
	// ErrStoreUnavailable marks store connectivity problems; callers treat it as transient.
	ErrStoreUnavailable = errors.New("job store unavailable")
)

// Archiver stores expired jobs before they are deleted.
type Archiver interface {
	ArchiveJobs(ctx context.Context, jobs []*model.AnalysisJob) error
}

// DefaultStaleAfter applies when jobs.stale_after is unset.
const DefaultStaleAfter = 10 * time.Minute

type CreateJobInput struct {
	Token      string
	URL        string
	UserID     *string
	MaxRetries *int
}

type FailJobInput struct {
	JobID       string
	Message     string
	Details     map[string]interface{}
	IsRetryable bool
}

type JobService struct {
	jobRepo  *repository.JobRepository
	archiver Archiver
	cfg      config.JobsConfig
	log      *slog.Logger

	// 同进程内串行化 (token,url) 的查重与创建
	createMu sync.Mutex
}

func NewJobService(jobRepo *repository.JobRepository, cfg *config.Config, log *slog.Logger) *JobService {
	return &JobService{
		jobRepo: jobRepo,
		cfg:     cfg.Jobs,
		log:     log.With("component", "job_service"),
	}
}

// SetArchiver enables archive-before-delete in CleanupExpiredJobs.
func (s *JobService) SetArchiver(a Archiver) {
	s.archiver = a
}

func (s *JobService) minTokenLength() int {
	if s.cfg.MinTokenLength > 0 {
		return s.cfg.MinTokenLength
	}
	return DefaultMinTokenLength
}

// Validate 使用配置的 token 最小长度
func (s *JobService) Validate(rawURL, token string) ValidationResult {
	return validateJobData(rawURL, token, s.minTokenLength())
}

// CreateJob returns the active job for (token, url) when one exists, with reused=true.
func (s *JobService) CreateJob(ctx context.Context, in CreateJobInput) (*model.AnalysisJob, bool, error) {
	if err := s.Validate(in.URL, in.Token).Err(); err != nil {
		return nil, false, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	existing, err := s.jobRepo.ListByToken(ctx, in.Token)
	if err != nil {
		return nil, false, storeErr(err)
	}
	now := time.Now()
	for _, job := range existing {
		// 已过期的活动任务不再占用该 URL，交给清理与失联回收处理
		if job.URL == in.URL && job.Status.IsActive() && now.Before(job.ExpiresAt) {
			s.log.InfoContext(ctx, "reusing active job", "job_id", job.ID, "status", job.Status)
			metrics.JobsCreatedTotal.WithLabelValues("true").Inc()
			return job, true, nil
		}
	}

	maxRetries := s.cfg.MaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}

	job := &model.AnalysisJob{
		Token:      in.Token,
		URL:        in.URL,
		UserID:     in.UserID,
		MaxRetries: maxRetries,
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, false, storeErr(err)
	}

	s.log.InfoContext(ctx, "job created", "job_id", job.ID, "url", job.URL)
	metrics.JobsCreatedTotal.WithLabelValues("false").Inc()
	return job, false, nil
}

func (s *JobService) GetJob(ctx context.Context, id string) (*model.AnalysisJob, error) {
	job, err := s.jobRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, storeErr(err)
	}
	return job, nil
}

func (s *JobService) GetJobStatus(ctx context.Context, id string) (*dto.JobStatusView, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return BuildStatusView(job, time.Now()), nil
}

// ListJobs 优先按 token 查询，其次按 userID
func (s *JobService) ListJobs(ctx context.Context, token, userID string) ([]dto.JobListItem, error) {
	var (
		jobs []*model.AnalysisJob
		err  error
	)
	switch {
	case token != "":
		jobs, err = s.jobRepo.ListByToken(ctx, token)
	case userID != "":
		jobs, err = s.jobRepo.ListByUserID(ctx, userID, 50)
	default:
		return nil, &ValidationError{Errors: []FieldError{{Field: "token", Message: "token or userId is required"}}}
	}
	if err != nil {
		return nil, storeErr(err)
	}

	items := make([]dto.JobListItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, dto.JobListItem{
			JobID:       job.ID,
			URL:         job.URL,
			Status:      job.Status,
			Progress:    job.Progress,
			CurrentStep: job.CurrentStep,
			CreatedAt:   job.CreatedAt,
			CompletedAt: job.CompletedAt,
		})
	}
	return items, nil
}

// GetNextPendingJob claims the oldest pending job, nil when the queue is empty.
func (s *JobService) GetNextPendingJob(ctx context.Context) (*model.AnalysisJob, error) {
	job, err := s.jobRepo.ClaimNextPending(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	if job != nil {
		metrics.JobsClaimedTotal.Inc()
		metrics.JobPickupLatency.Observe(time.Since(job.CreatedAt).Seconds())
	}
	return job, nil
}

func (s *JobService) UpdateProgress(ctx context.Context, id string, progress int, step model.JobStep) (bool, error) {
	ok, err := s.jobRepo.UpdateProgress(ctx, id, progress, step)
	if err != nil {
		if errors.Is(err, repository.ErrProgressOutOfRange) || errors.Is(err, repository.ErrInvalidStep) {
			return false, err
		}
		return false, storeErr(err)
	}
	return ok, nil
}

func (s *JobService) CompleteJob(ctx context.Context, id string, results model.JobResults, perf model.JobPerformance) (bool, error) {
	ok, err := s.jobRepo.Complete(ctx, id, results, perf)
	if err != nil {
		return false, storeErr(err)
	}
	if ok {
		s.log.InfoContext(ctx, "job completed", "job_id", id, "real_data", results.Listing.IsReal(), "total_ms", perf.TotalDuration.Milliseconds())
	}
	return ok, nil
}

// FailJob reports whether the job row changed.
func (s *JobService) FailJob(ctx context.Context, in FailJobInput) (bool, error) {
	res, err := s.RecordFailure(ctx, in)
	if err != nil {
		return false, err
	}
	return res != model.FailNoop, nil
}

// RecordFailure is FailJob with the requeue/terminal distinction kept.
func (s *JobService) RecordFailure(ctx context.Context, in FailJobInput) (model.FailResult, error) {
	res, err := s.jobRepo.Fail(ctx, in.JobID, in.Message, in.Details, in.IsRetryable)
	if err != nil {
		return model.FailNoop, storeErr(err)
	}

	switch res {
	case model.FailRequeued:
		s.log.WarnContext(ctx, "job requeued for retry", "job_id", in.JobID, "error", in.Message)
	case model.FailTerminal:
		s.log.WarnContext(ctx, "job failed", "job_id", in.JobID, "error", in.Message, "retryable", in.IsRetryable)
	}
	return res, nil
}

// CancelJob fails a pending or running job with reason user_cancellation.
func (s *JobService) CancelJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !model.CanTransition(job.Status, model.JobStatusFailed) {
		return ErrJobAlreadyTerminal
	}

	res, err := s.RecordFailure(ctx, FailJobInput{
		JobID:   id,
		Message: "Analysis cancelled by user",
		Details: map[string]interface{}{
			"reason":       model.ReasonUserCancellation,
			"cancelled_at": time.Now().UTC().Format(time.RFC3339),
		},
		IsRetryable: false,
	})
	if err != nil {
		return err
	}
	if res == model.FailNoop {
		return ErrJobAlreadyTerminal
	}
	metrics.JobsFinishedTotal.WithLabelValues("cancelled").Inc()
	return nil
}

func (s *JobService) GetQueueStats(ctx context.Context) (*dto.QueueStats, error) {
	stats, err := s.jobRepo.QueueStats(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	s.log.DebugContext(ctx, "queue stats", "pending", stats.Pending, "running", stats.Running, "total", stats.Total)
	return stats, nil
}

// CleanupExpiredJobs 删除过期任务，配置了 Archiver 时先归档
func (s *JobService) CleanupExpiredJobs(ctx context.Context) (int64, error) {
	var archive func([]*model.AnalysisJob) error
	if s.archiver != nil {
		archive = func(jobs []*model.AnalysisJob) error {
			return s.archiver.ArchiveJobs(ctx, jobs)
		}
	}

	removed, err := s.jobRepo.CleanupExpired(ctx, time.Now(), archive)
	if removed > 0 {
		metrics.ExpiredJobsCleanedTotal.Add(float64(removed))
	}
	if err != nil {
		s.log.ErrorContext(ctx, "cleanup expired jobs failed", "removed", removed, "error", err)
		return removed, storeErr(err)
	}
	s.log.InfoContext(ctx, "expired jobs cleaned", "removed", removed)
	return removed, nil
}

func (s *JobService) staleAfter() time.Duration {
	if s.cfg.StaleAfter > 0 {
		return s.cfg.StaleAfter
	}
	return DefaultStaleAfter
}

// RecoverStaleJobs handles running jobs whose worker stopped writing progress
// (killed process, lost host). Each one goes through Fail as a retryable
// error, so it is requeued while retries remain and failed otherwise.
func (s *JobService) RecoverStaleJobs(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.staleAfter())
	stale, err := s.jobRepo.FindStaleRunning(ctx, cutoff, 0)
	if err != nil {
		return 0, storeErr(err)
	}

	var recovered int64
	for _, job := range stale {
		res, err := s.RecordFailure(ctx, FailJobInput{
			JobID:   job.ID,
			Message: "worker stopped reporting progress",
			Details: map[string]interface{}{
				"reason":      model.ReasonStaleWorker,
				"step":        string(job.CurrentStep),
				"last_update": job.UpdatedAt.UTC().Format(time.RFC3339),
				"stale_after": s.staleAfter().String(),
			},
			IsRetryable: true,
		})
		if err != nil {
			return recovered, err
		}
		if res != model.FailNoop {
			recovered++
		}
	}
	if recovered > 0 {
		metrics.StaleJobsRecoveredTotal.Add(float64(recovered))
		s.log.WarnContext(ctx, "stale running jobs recovered", "count", recovered, "stale_after", s.staleAfter())
	}
	return recovered, nil
}

// NextPollDelayMs is the client polling hint for a status response.
func NextPollDelayMs(status model.JobStatus, progress int) int {
	switch {
	case status.IsTerminal():
		return 0
	case status == model.JobStatusPending:
		return 3000
	case progress < 50:
		return 2000
	default:
		return 1500
	}
}

// BuildStatusView maps a job row to the polling response.
func BuildStatusView(job *model.AnalysisJob, now time.Time) *dto.JobStatusView {
	view := &dto.JobStatusView{
		JobID:           job.ID,
		Token:           job.Token,
		URL:             job.URL,
		Status:          job.Status,
		Progress:        job.Progress,
		CurrentStep:     job.CurrentStep,
		StepDescription: model.StepDescriptions[job.CurrentStep],
		Timing:          buildTiming(job, now),
		NextPollDelayMs: NextPollDelayMs(job.Status, job.Progress),
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}

	switch job.Status {
	case model.JobStatusCompleted:
		view.Results = buildResults(job)
	case model.JobStatusFailed:
		view.Error = &dto.JobErrorView{
			Message:    job.ErrorMessage,
			Details:    job.ErrorDetails,
			RetryCount: job.RetryCount,
			MaxRetries: job.MaxRetries,
		}
	}
	return view
}

func buildTiming(job *model.AnalysisJob, now time.Time) dto.JobTiming {
	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	end := now
	if job.Status.IsTerminal() && job.CompletedAt != nil {
		end = *job.CompletedAt
	}

	elapsed := end.Sub(start).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}

	timing := dto.JobTiming{
		ElapsedMs: elapsed,
		IsExpired: now.After(job.ExpiresAt),
	}

	switch {
	case job.Status == model.JobStatusCompleted:
		zero := int64(0)
		timing.EstimatedTimeRemainingMs = &zero
	case job.Status == model.JobStatusFailed, job.Progress <= 0:
		// 无法估算
	default:
		total := elapsed * 100 / int64(job.Progress)
		remaining := total - elapsed
		if remaining < 0 {
			remaining = 0
		}
		timing.EstimatedTimeRemainingMs = &remaining
	}
	return timing
}

func buildResults(job *model.AnalysisJob) *dto.JobResultsView {
	results := &dto.JobResultsView{}
	if job.IsRealData != nil {
		results.IsRealData = *job.IsRealData
	}
	payloads := []struct {
		column string
		raw    []byte
		dst    interface{}
	}{
		{"listing_data", job.ListingData, &results.Listing},
		{"analysis_data", job.AnalysisData, &results.Analysis},
		{"recommendations_data", job.RecommendationsData, &results.Recommendations},
		{"insights_data", job.InsightsData, &results.Insights},
	}
	for _, p := range payloads {
		// 单列损坏不影响其余结果
		if err := decodeJSON(p.raw, p.dst); err != nil {
			slog.Warn("decode job results failed", "job_id", job.ID, "column", p.column, "error", err)
		}
	}
	return results
}

func decodeJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
