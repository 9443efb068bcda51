package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/listingboost/lb_server/config"
	"github.com/listingboost/lb_server/internal/metrics"
	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/model/dto"
	"github.com/listingboost/lb_server/internal/pipeline"
	"github.com/listingboost/lb_server/internal/pkg/pubsub"
	"github.com/listingboost/lb_server/internal/service"
)

var ErrProcessorBusy = errors.New("processor is busy")

// errNotRunning 进度写入被拒绝：任务已被取消或不再处于 running
var errNotRunning = errors.New("job is no longer running")

type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeCompleted Outcome = "completed"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ProcessResult 单次 ProcessNext 的结果
type ProcessResult struct {
	JobID      string
	Outcome    Outcome
	IsRealData bool
	Err        error
	Duration   time.Duration
}

// checkpoint 步骤内的进度写入点
type checkpoint struct {
	progress int
	step     model.JobStep
}

var (
	cpInit      = checkpoint{5, model.StepInitializing}
	cpScrape    = checkpoint{15, model.StepScraping}
	cpScraped   = checkpoint{55, model.StepScraping}
	cpAnalyze   = checkpoint{65, model.StepAnalyzing}
	cpAnalyzed  = checkpoint{80, model.StepAnalyzing}
	cpRecommend = checkpoint{90, model.StepGeneratingRecommendations}
	cpFinalize  = checkpoint{97, model.StepFinalizing}
)

// Processor 任务处理器，同一实例同时只处理一个任务
type Processor struct {
	jobs       *service.JobService
	runner     *pipeline.Runner
	publisher  pubsub.ProgressPublisher
	scrapeOpts pipeline.ScrapeOptions
	log        *slog.Logger

	mu         sync.Mutex
	processing bool
	currentJob string
	startedAt  time.Time
}

// NewProcessor 创建任务处理器，publisher 可为 nil
func NewProcessor(
	jobs *service.JobService,
	runner *pipeline.Runner,
	publisher pubsub.ProgressPublisher,
	cfg *config.Config,
	log *slog.Logger,
) *Processor {
	if publisher == nil {
		publisher = pubsub.NopPublisher{}
	}
	return &Processor{
		jobs:      jobs,
		runner:    runner,
		publisher: publisher,
		scrapeOpts: pipeline.ScrapeOptions{
			Timeout:  cfg.Scraper.Timeout,
			MemoryMB: cfg.Scraper.MemoryMB,
		},
		log: log.With("component", "processor"),
	}
}

// ValidateJobData 校验 URL 与 token，与创建任务时的规则一致
func ValidateJobData(url, token string) service.ValidationResult {
	return service.ValidateJobData(url, token)
}

func (p *Processor) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processing {
		return false
	}
	p.processing = true
	p.startedAt = time.Now()
	return true
}

func (p *Processor) release() {
	p.mu.Lock()
	p.processing = false
	p.currentJob = ""
	p.startedAt = time.Time{}
	p.mu.Unlock()
}

func (p *Processor) setCurrent(jobID string) {
	p.mu.Lock()
	p.currentJob = jobID
	p.mu.Unlock()
}

// Status 当前处理状态
func (p *Processor) Status() dto.ProcessorStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := dto.ProcessorStatus{IsProcessing: p.processing, CurrentJob: p.currentJob}
	if p.processing {
		started := p.startedAt
		st.StartedAt = &started
	}
	return st
}

func (p *Processor) GetQueueStats(ctx context.Context) (*dto.QueueStats, error) {
	return p.jobs.GetQueueStats(ctx)
}

// ProcessNext 认领并执行一个任务。返回的 error 只表示基础设施故障，
// 任务本身的失败记录在 ProcessResult 中。
func (p *Processor) ProcessNext(ctx context.Context) (*ProcessResult, error) {
	if !p.acquire() {
		return nil, ErrProcessorBusy
	}
	defer p.release()

	job, err := p.jobs.GetNextPendingJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		return &ProcessResult{Outcome: OutcomeIdle}, nil
	}

	p.setCurrent(job.ID)
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	log := p.log.With("job_id", job.ID, "attempt", job.RetryCount+1)
	log.InfoContext(ctx, "job claimed", "url", job.URL, "resume_from", job.Progress)

	start := time.Now()
	run, step, runErr := p.execute(ctx, job)
	result := &ProcessResult{JobID: job.ID, Duration: time.Since(start)}

	var failErr error
	switch {
	case runErr == nil:
		result.Outcome = OutcomeCompleted
		result.IsRealData = run.Listing.IsReal()
		isReal := result.IsRealData
		p.publish(ctx, job, model.JobStatusCompleted, model.StepCompleted, 100, "", &isReal)
		log.InfoContext(ctx, "job completed", "real_data", isReal, "took", result.Duration)

	case errors.Is(runErr, errNotRunning):
		result.Outcome = OutcomeCancelled
		log.InfoContext(ctx, "job stopped, no longer running", "step", step)

	default:
		result.Err = runErr
		result.Outcome, failErr = p.fail(ctx, job, step, runErr)
	}

	metrics.JobsFinishedTotal.WithLabelValues(string(result.Outcome)).Inc()
	metrics.JobExecutionDuration.WithLabelValues(string(result.Outcome)).Observe(result.Duration.Seconds())

	if failErr != nil {
		return result, fmt.Errorf("record failure for job %s: %w", job.ID, failErr)
	}
	return result, nil
}

// execute 按步骤执行；重试时跳过低于已记录进度的检查点，保证进度单调
func (p *Processor) execute(ctx context.Context, job *model.AnalysisJob) (run *pipeline.Result, step model.JobStep, err error) {
	step = model.StepInitializing
	defer func() {
		if r := recover(); r != nil {
			err = &pipeline.PanicError{Step: string(step), Value: r}
		}
	}()

	floor := job.Progress
	mark := func(cp checkpoint) error {
		step = cp.step
		if cp.progress < floor {
			return nil
		}
		ok, err := p.jobs.UpdateProgress(ctx, job.ID, cp.progress, cp.step)
		if err != nil {
			return err
		}
		if !ok {
			return errNotRunning
		}
		job.Progress, job.CurrentStep = cp.progress, cp.step
		p.publish(ctx, job, model.JobStatusRunning, cp.step, cp.progress, "", nil)
		return nil
	}

	start := time.Now()
	if err := mark(cpInit); err != nil {
		return nil, step, err
	}

	// 抓取
	if err := mark(cpScrape); err != nil {
		return nil, step, err
	}
	listing, err := p.runner.FetchListing(ctx, job.URL, p.scrapeOpts)
	if err != nil {
		return nil, step, err
	}
	scraped := time.Now()
	if err := mark(cpScraped); err != nil {
		return nil, step, err
	}

	// 评分
	if err := mark(cpAnalyze); err != nil {
		return nil, step, err
	}
	analysis, err := pipeline.Analyze(listing)
	if err != nil {
		return nil, step, err
	}
	if err := mark(cpAnalyzed); err != nil {
		return nil, step, err
	}

	// 建议
	if err := mark(cpRecommend); err != nil {
		return nil, step, err
	}
	recs, err := pipeline.Recommend(analysis)
	if err != nil {
		return nil, step, err
	}
	insights := p.runner.GenerateInsights(ctx, listing)
	analyzed := time.Now()

	if err := mark(cpFinalize); err != nil {
		return nil, step, err
	}

	run = &pipeline.Result{
		Listing:         listing,
		Analysis:        analysis,
		Recommendations: recs,
		Insights:        insights,
		Performance: model.JobPerformance{
			ScrapingDuration: scraped.Sub(start),
			AnalysisDuration: analyzed.Sub(scraped),
			TotalDuration:    time.Since(start),
		},
	}

	ok, err := p.jobs.CompleteJob(ctx, job.ID, model.JobResults{
		Listing:         run.Listing,
		Analysis:        run.Analysis,
		Recommendations: run.Recommendations,
		Insights:        run.Insights,
	}, run.Performance)
	if err != nil {
		return nil, step, err
	}
	if !ok {
		return nil, step, errNotRunning
	}
	return run, model.StepCompleted, nil
}

// fail 分类错误并写入失败；ctx 已取消时仍然需要落库
func (p *Processor) fail(ctx context.Context, job *model.AnalysisJob, step model.JobStep, runErr error) (Outcome, error) {
	retryable := isRetryable(runErr)
	reason := model.ReasonPipelineError
	if retryable {
		reason = model.ReasonTransientError
	}

	writeCtx := context.WithoutCancel(ctx)
	res, err := p.jobs.RecordFailure(writeCtx, service.FailJobInput{
		JobID:   job.ID,
		Message: runErr.Error(),
		Details: map[string]interface{}{
			"reason":     reason,
			"step":       string(step),
			"error_type": fmt.Sprintf("%T", runErr),
		},
		IsRetryable: retryable,
	})
	if err != nil {
		p.log.ErrorContext(ctx, "record failure failed", "job_id", job.ID, "error", err, "cause", runErr)
		return OutcomeFailed, err
	}

	switch res {
	case model.FailRequeued:
		p.publish(writeCtx, job, model.JobStatusPending, step, -1, runErr.Error(), nil)
		return OutcomeRequeued, nil
	case model.FailTerminal:
		p.publish(writeCtx, job, model.JobStatusFailed, model.StepFailed, -1, runErr.Error(), nil)
		return OutcomeFailed, nil
	default:
		return OutcomeCancelled, nil
	}
}

func isRetryable(err error) bool {
	return pipeline.IsRetryable(err) || errors.Is(err, service.ErrStoreUnavailable)
}

// publish 推送失败不影响任务；progress < 0 表示沿用上一次进度
func (p *Processor) publish(ctx context.Context, job *model.AnalysisJob, status model.JobStatus, step model.JobStep, progress int, errMsg string, isReal *bool) {
	if progress < 0 {
		progress = job.Progress
	}
	err := p.publisher.PublishProgress(ctx, &pubsub.ProgressMessage{
		Token:      job.Token,
		JobID:      job.ID,
		Status:     status,
		Step:       step,
		Progress:   progress,
		Error:      errMsg,
		IsRealData: isReal,
	})
	if err != nil {
		p.log.WarnContext(ctx, "publish progress failed", "job_id", job.ID, "error", err)
	}
}
