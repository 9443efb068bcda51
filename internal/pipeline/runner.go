package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/listingboost/lb_server/internal/metrics"
	"github.com/listingboost/lb_server/internal/model"
)

// ScrapeOptions bounds one scrape call.
type ScrapeOptions struct {
	Timeout  time.Duration
	MemoryMB int
}

// Scraper fetches live listing data for a URL.
type Scraper interface {
	Scrape(ctx context.Context, url string, opts ScrapeOptions) (*model.ListingData, error)
}

// InsightsGenerator produces optional commentary for a listing.
type InsightsGenerator interface {
	GenerateInsights(ctx context.Context, listing *model.ListingData) (*model.Insights, error)
}

const (
	defaultInsightsTimeout = 20 * time.Second
	// 抓取方按 Timeout 运行，调用方多等一段网络余量
	defaultScrapeGrace = 5 * time.Second
)

// Runner 抓取 → 评分 → 建议，异步 worker 与同步免费通道共用
type Runner struct {
	scraper         Scraper
	insights        InsightsGenerator
	insightsTimeout time.Duration
	scrapeGrace     time.Duration
	path            string
	log             *slog.Logger
}

type Option func(*Runner)

// WithInsights enables best-effort LLM insights.
func WithInsights(g InsightsGenerator, timeout time.Duration) Option {
	return func(r *Runner) {
		r.insights = g
		if timeout > 0 {
			r.insightsTimeout = timeout
		}
	}
}

// WithScrapeGrace sets how long past ScrapeOptions.Timeout the runner waits
// for a scrape before falling back.
func WithScrapeGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.scrapeGrace = d
		}
	}
}

// WithPath sets the metrics label, e.g. "async" or "freemium".
func WithPath(path string) Option {
	return func(r *Runner) {
		r.path = path
	}
}

func NewRunner(scraper Scraper, log *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		scraper:         scraper,
		insightsTimeout: defaultInsightsTimeout,
		scrapeGrace:     defaultScrapeGrace,
		path:            "async",
		log:             log,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "pipeline", "path", r.path)
	return r
}

// FetchListing never fails because of the scraper: any scrape error or
// timeout yields synthetic data. It only returns an error when ctx itself
// is done.
func (r *Runner) FetchListing(ctx context.Context, url string, opts ScrapeOptions) (*model.ListingData, error) {
	reason := "scraper not configured"
	if r.scraper != nil {
		scrapeCtx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			scrapeCtx, cancel = context.WithTimeout(ctx, opts.Timeout+r.scrapeGrace)
			defer cancel()
		}

		listing, err := r.scraper.Scrape(scrapeCtx, url, opts)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil && listing != nil {
			return listing, nil
		}
		if err != nil {
			reason = err.Error()
		} else {
			reason = "scraper returned no data"
		}
	}

	r.log.WarnContext(ctx, "scrape failed, using synthetic listing", "url", url, "reason", reason)
	metrics.ScrapeFallbackTotal.WithLabelValues(r.path).Inc()
	return SyntheticListing(url, reason), nil
}

// GenerateInsights is best-effort and returns nil on any failure.
func (r *Runner) GenerateInsights(ctx context.Context, listing *model.ListingData) *model.Insights {
	if r.insights == nil || listing == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.insightsTimeout)
	defer cancel()

	insights, err := r.insights.GenerateInsights(ctx, listing)
	if err != nil {
		r.log.WarnContext(ctx, "insights generation failed", "error", err)
		return nil
	}
	return insights
}

// Result is the output of a full single-shot run.
type Result struct {
	Listing         *model.ListingData
	Analysis        *model.Analysis
	Recommendations []model.Recommendation
	Insights        *model.Insights
	Performance     model.JobPerformance
}

// Run executes every step without progress reporting.
func (r *Runner) Run(ctx context.Context, url string, opts ScrapeOptions) (*Result, error) {
	start := time.Now()

	listing, err := r.FetchListing(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	scraped := time.Now()

	analysis, err := Analyze(listing)
	if err != nil {
		return nil, err
	}
	recs, err := Recommend(analysis)
	if err != nil {
		return nil, err
	}
	insights := r.GenerateInsights(ctx, listing)
	done := time.Now()

	return &Result{
		Listing:         listing,
		Analysis:        analysis,
		Recommendations: recs,
		Insights:        insights,
		Performance: model.JobPerformance{
			ScrapingDuration: scraped.Sub(start),
			AnalysisDuration: done.Sub(scraped),
			TotalDuration:    done.Sub(start),
		},
	}, nil
}
