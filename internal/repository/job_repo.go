package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/model/dto"
)

var (
	ErrProgressOutOfRange = errors.New("progress outside of step range")
	ErrInvalidStep        = errors.New("invalid progress step")
)

const (
	defaultJobTTL      = 24 * time.Hour
	claimAttempts      = 5
	cleanupBatchSize   = 200
	maxErrorMessageLen = 2000
)

type JobRepository struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewJobRepository(db *gorm.DB, ttl time.Duration) *JobRepository {
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	return &JobRepository{db: db, ttl: ttl}
}

// Create 插入新任务，状态与进度由仓库统一初始化
func (r *JobRepository) Create(ctx context.Context, job *model.AnalysisJob) error {
	now := time.Now()
	job.Status = model.JobStatusPending
	job.Progress = 0
	job.CurrentStep = model.StepInitializing
	job.RetryCount = 0
	if job.MaxRetries < 0 {
		job.MaxRetries = 0
	}
	job.CreatedAt = now
	job.ExpiresAt = now.Add(r.ttl)
	job.StartedAt = nil
	job.CompletedAt = nil

	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.AnalysisJob, error) {
	var job model.AnalysisJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByToken 按创建时间倒序
func (r *JobRepository) ListByToken(ctx context.Context, token string) ([]*model.AnalysisJob, error) {
	var jobs []*model.AnalysisJob
	err := r.db.WithContext(ctx).
		Where("token = ?", token).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs by token: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.AnalysisJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []*model.AnalysisJob
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs by user: %w", err)
	}
	return jobs, nil
}

// ClaimNextPending moves the oldest pending job to running and returns it.
// It returns nil, nil when nothing is pending. Two callers never receive the
// same job: the UPDATE is guarded by status = 'pending' and a lost race is retried.
func (r *JobRepository) ClaimNextPending(ctx context.Context) (*model.AnalysisJob, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		job, raced, err := r.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if !raced {
			return job, nil
		}
	}
	return nil, nil
}

func (r *JobRepository) tryClaim(ctx context.Context) (*model.AnalysisJob, bool, error) {
	var claimed *model.AnalysisJob
	raced := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ?", model.JobStatusPending).Order("created_at ASC, id ASC")
		if r.supportsSkipLocked() {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidate model.AnalysisJob
		if err := query.Take(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		now := time.Now()
		res := tx.Model(&model.AnalysisJob{}).
			Where("id = ? AND status = ?", candidate.ID, model.JobStatusPending).
			Updates(map[string]interface{}{
				"status":     model.JobStatusRunning,
				"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			raced = true
			return nil
		}

		var job model.AnalysisJob
		if err := tx.Where("id = ?", candidate.ID).First(&job).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("claim next pending job: %w", err)
	}
	return claimed, raced, nil
}

func (r *JobRepository) supportsSkipLocked() bool {
	switch r.db.Dialector.Name() {
	case "mysql", "postgres":
		return true
	default:
		return false
	}
}

// UpdateProgress returns false when the job is not running or when progress
// or step would move backwards.
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, progress int, step model.JobStep) (bool, error) {
	if !step.Valid() || step == model.StepCompleted || step == model.StepFailed {
		return false, fmt.Errorf("%w: %q", ErrInvalidStep, step)
	}
	if !model.StepRanges[step].Contains(progress) {
		return false, fmt.Errorf("%w: %d not in %s", ErrProgressOutOfRange, progress, step)
	}

	res := r.db.WithContext(ctx).Model(&model.AnalysisJob{}).
		Where("id = ? AND status = ? AND progress <= ?", id, model.JobStatusRunning, progress).
		Where("current_step IN ?", model.StepsThrough(step)).
		Updates(map[string]interface{}{
			"progress":     progress,
			"current_step": step,
		})
	if res.Error != nil {
		return false, fmt.Errorf("update progress: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete 只允许从 running 进入 completed
func (r *JobRepository) Complete(ctx context.Context, id string, results model.JobResults, perf model.JobPerformance) (bool, error) {
	fields := map[string]interface{}{
		"status":               model.JobStatusCompleted,
		"progress":             100,
		"current_step":         model.StepCompleted,
		"completed_at":         time.Now(),
		"is_real_data":         results.Listing.IsReal(),
		"scraping_duration_ms": perf.ScrapingDuration.Milliseconds(),
		"analysis_duration_ms": perf.AnalysisDuration.Milliseconds(),
		"total_duration_ms":    perf.TotalDuration.Milliseconds(),
	}

	payloads := map[string]interface{}{
		"listing_data":         results.Listing,
		"analysis_data":        results.Analysis,
		"recommendations_data": results.Recommendations,
		"insights_data":        results.Insights,
	}
	for column, v := range payloads {
		raw, err := marshalJSON(v)
		if err != nil {
			return false, fmt.Errorf("encode %s: %w", column, err)
		}
		fields[column] = raw
	}

	res := r.db.WithContext(ctx).Model(&model.AnalysisJob{}).
		Where("id = ? AND status = ?", id, model.JobStatusRunning).
		Updates(fields)
	if res.Error != nil {
		return false, fmt.Errorf("complete job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Fail requeues a running job when the error is retryable and retries remain,
// otherwise marks it failed. Terminal or missing jobs are left untouched.
func (r *JobRepository) Fail(ctx context.Context, id, message string, details map[string]interface{}, retryable bool) (model.FailResult, error) {
	result := model.FailNoop

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.AnalysisJob
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if !model.CanTransition(job.Status, model.JobStatusFailed) {
			return nil
		}

		errDetails := datatypes.JSONMap{}
		for k, v := range details {
			errDetails[k] = v
		}
		errDetails["retryable"] = retryable
		errDetails["attempt"] = job.RetryCount + 1
		msg := truncate(message, maxErrorMessageLen)

		if retryable {
			if !model.CanTransition(job.Status, model.JobStatusPending) {
				// 仍在队列中，无需重新入队
				return nil
			}
			if job.RetryCount < job.MaxRetries {
				res := tx.Model(&model.AnalysisJob{}).
					Where("id = ? AND status = ?", id, model.JobStatusRunning).
					Updates(map[string]interface{}{
						"status":        model.JobStatusPending,
						"retry_count":   gorm.Expr("retry_count + 1"),
						"error_message": msg,
						"error_details": errDetails,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 1 {
					result = model.FailRequeued
				}
				return nil
			}
			errDetails["retries_exhausted"] = true
		}

		res := tx.Model(&model.AnalysisJob{}).
			Where("id = ? AND status IN ?", id, []model.JobStatus{model.JobStatusPending, model.JobStatusRunning}).
			Updates(map[string]interface{}{
				"status":        model.JobStatusFailed,
				"current_step":  model.StepFailed,
				"error_message": msg,
				"error_details": errDetails,
				"completed_at":  time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			result = model.FailTerminal
		}
		return nil
	})
	if err != nil {
		return model.FailNoop, fmt.Errorf("fail job: %w", err)
	}
	return result, nil
}

func (r *JobRepository) expiredQuery(ctx context.Context, now time.Time) *gorm.DB {
	return r.db.WithContext(ctx).
		Where("expires_at < ? AND status IN ?", now, []model.JobStatus{
			model.JobStatusCompleted,
			model.JobStatusFailed,
			model.JobStatusPending,
		})
}

// FindStaleRunning lists running jobs with no write since before, oldest first.
// A live worker touches updated_at on every progress checkpoint.
func (r *JobRepository) FindStaleRunning(ctx context.Context, before time.Time, limit int) ([]*model.AnalysisJob, error) {
	if limit <= 0 {
		limit = cleanupBatchSize
	}
	var jobs []*model.AnalysisJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.JobStatusRunning, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("find stale running jobs: %w", err)
	}
	return jobs, nil
}

// FindExpired 列出可清理的任务（dry-run 使用）
func (r *JobRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*model.AnalysisJob, error) {
	var jobs []*model.AnalysisJob
	query := r.expiredQuery(ctx, now).Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("find expired jobs: %w", err)
	}
	return jobs, nil
}

// CleanupExpired deletes terminal and stale pending jobs whose expiresAt has
// passed. When archive is set each batch is archived first; an archive error
// stops the sweep before that batch is deleted.
func (r *JobRepository) CleanupExpired(ctx context.Context, now time.Time, archive func([]*model.AnalysisJob) error) (int64, error) {
	var removed int64
	for {
		var batch []*model.AnalysisJob
		if err := r.expiredQuery(ctx, now).Order("expires_at ASC").Limit(cleanupBatchSize).Find(&batch).Error; err != nil {
			return removed, fmt.Errorf("find expired jobs: %w", err)
		}
		if len(batch) == 0 {
			return removed, nil
		}

		if archive != nil {
			if err := archive(batch); err != nil {
				return removed, fmt.Errorf("archive expired jobs: %w", err)
			}
		}

		ids := make([]string, 0, len(batch))
		for _, job := range batch {
			ids = append(ids, job.ID)
		}
		// 重新带上过期条件，防止期间被 claim 的任务被删
		res := r.expiredQuery(ctx, now).Where("id IN ?", ids).Delete(&model.AnalysisJob{})
		if res.Error != nil {
			return removed, fmt.Errorf("delete expired jobs: %w", res.Error)
		}
		removed += res.RowsAffected

		if len(batch) < cleanupBatchSize {
			return removed, nil
		}
	}
}

func (r *JobRepository) QueueStats(ctx context.Context) (*dto.QueueStats, error) {
	var rows []struct {
		Status model.JobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.AnalysisJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	stats := &dto.QueueStats{}
	for _, row := range rows {
		switch row.Status {
		case model.JobStatusPending:
			stats.Pending = row.Count
		case model.JobStatusRunning:
			stats.Running = row.Count
		case model.JobStatusCompleted:
			stats.Completed = row.Count
		case model.JobStatusFailed:
			stats.Failed = row.Count
		}
		stats.Total += row.Count
	}
	return stats, nil
}

func marshalJSON(v interface{}) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// truncate 按字节截断，不切开多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
