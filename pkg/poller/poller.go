// Package poller 客户端轮询：创建分析任务后按固定间隔查询状态直到结束。
package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const DefaultInterval = 2 * time.Second

// Transport 任务接口；HTTPTransport 是默认实现
type Transport interface {
	CreateJob(ctx context.Context, listingURL, token string) (*CreatedJob, error)
	GetStatus(ctx context.Context, jobID string) (*StatusView, error)
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Poller) {
		if log != nil {
			p.log = log
		}
	}
}

// OnComplete 任务完成时回调，每次 Start 至多一次
func OnComplete(fn func(State)) Option {
	return func(p *Poller) {
		p.onComplete = fn
	}
}

// OnError 创建失败、任务失败或任务丢失时回调，每次 Start 至多一次
func OnError(fn func(error)) Option {
	return func(p *Poller) {
		p.onError = fn
	}
}

// Poller 同一时间只跟踪一个任务。回调在轮询 goroutine 中执行，
// 回调内可以调用 Reset/Close，但不应再调用 Start。
type Poller struct {
	transport Transport
	interval  time.Duration
	log       *slog.Logger

	onComplete func(State)
	onError    func(error)

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	fired  bool
	closed bool
}

func New(transport Transport, opts ...Option) *Poller {
	p := &Poller{
		transport: transport,
		interval:  DefaultInterval,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 创建任务并开始轮询，ctx 结束时轮询也随之停止。之前的跟踪会先被重置。
// 创建失败直接返回错误，同时触发 OnError。
func (p *Poller) Start(ctx context.Context, listingURL, token string) error {
	runCtx, gen, err := p.begin(ctx)
	if err != nil {
		return err
	}

	created, err := p.transport.CreateJob(runCtx, listingURL, token)
	if err != nil {
		if runCtx.Err() != nil {
			// 被 Reset/Close 打断，不算失败
			return runCtx.Err()
		}
		p.finish(gen, func(s *State) { s.Err = err }, err, false)
		return err
	}

	if !p.update(gen, func(s *State) {
		s.JobID = created.JobID
		s.Status = created.Status
		if s.Status == "" {
			s.Status = StatusPending
		}
		if created.EstimatedTimeSeconds > 0 {
			eta := time.Duration(created.EstimatedTimeSeconds) * time.Second
			s.EstimatedTimeRemaining = &eta
		}
	}) {
		return context.Canceled
	}

	p.log.Debug("job created", "job_id", created.JobID, "reused", created.Reused)
	p.spawn(runCtx, gen, created.JobID)
	return nil
}

// Watch 跟踪已存在的任务，不创建新任务
func (p *Poller) Watch(ctx context.Context, jobID string) error {
	runCtx, gen, err := p.begin(ctx)
	if err != nil {
		return err
	}
	p.update(gen, func(s *State) { s.JobID = jobID })
	p.spawn(runCtx, gen, jobID)
	return nil
}

// State 返回当前状态的副本
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done 当前轮询结束时关闭；没有轮询时返回已关闭的通道
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Reset 取消进行中的请求并停止计时，状态回到初始值
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

// Close 重置并拒绝后续 Start/Watch
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.closed = true
}

func (p *Poller) resetLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	p.state = State{}
	p.fired = false
}

func (p *Poller) begin(ctx context.Context) (context.Context, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, 0, ErrClosed
	}
	p.resetLocked()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = nil
	return runCtx, p.gen, nil
}

func (p *Poller) spawn(ctx context.Context, gen uint64, jobID string) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.loop(ctx, gen, jobID)
	}()
}

// update 仅在 gen 未过期时写入状态
func (p *Poller) update(gen uint64, fn func(*State)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return false
	}
	fn(&p.state)
	p.state.UpdatedAt = time.Now()
	return true
}

// finish 写入终态并触发回调，同一 gen 只触发一次
func (p *Poller) finish(gen uint64, fn func(*State), err error, completed bool) {
	p.mu.Lock()
	if gen != p.gen || p.fired {
		p.mu.Unlock()
		return
	}
	fn(&p.state)
	p.state.UpdatedAt = time.Now()
	p.fired = true
	snapshot := p.state
	p.mu.Unlock()

	if completed {
		if p.onComplete != nil {
			p.onComplete(snapshot)
		}
		return
	}
	if p.onError != nil {
		p.onError(err)
	}
}

func (p *Poller) loop(ctx context.Context, gen uint64, jobID string) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if p.poll(ctx, gen, jobID) {
			return
		}
		timer.Reset(p.interval)
	}
}

// poll 返回 true 表示停止轮询
func (p *Poller) poll(ctx context.Context, gen uint64, jobID string) bool {
	view, err := p.transport.GetStatus(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		if errors.Is(err, ErrJobNotFound) {
			p.finish(gen, func(s *State) { s.Err = err }, err, false)
			return true
		}
		// 临时错误忽略，下一轮再试
		p.log.Debug("poll failed, retrying", "job_id", jobID, "error", err)
		return false
	}

	apply := func(s *State) {
		s.JobID = view.JobID
		if s.JobID == "" {
			s.JobID = jobID
		}
		s.Status = view.Status
		s.Progress = view.Progress
		s.CurrentStep = view.CurrentStep
		s.StepDescription = view.StepDescription
		s.EstimatedTimeRemaining = nil
		if ms := view.Timing.EstimatedTimeRemainingMs; ms != nil {
			eta := time.Duration(*ms) * time.Millisecond
			s.EstimatedTimeRemaining = &eta
		}
		if len(view.Results) > 0 {
			s.Results = view.Results
		}
	}

	switch view.Status {
	case StatusCompleted:
		p.finish(gen, apply, nil, true)
		return true
	case StatusFailed:
		failErr := failure(jobID, view.Error)
		p.finish(gen, func(s *State) {
			apply(s)
			s.Err = failErr
		}, failErr, false)
		return true
	default:
		return !p.update(gen, apply)
	}
}

func failure(jobID string, je *JobError) *JobFailedError {
	err := &JobFailedError{JobID: jobID, Message: "analysis failed"}
	if je == nil {
		return err
	}
	if je.Message != "" {
		err.Message = je.Message
	}
	if reason, ok := je.Details["reason"].(string); ok {
		err.Reason = reason
	}
	return err
}
