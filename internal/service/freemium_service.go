package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/listingboost/lb_server/config"
	"github.com/listingboost/lb_server/internal/metrics"
	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/model/dto"
	"github.com/listingboost/lb_server/internal/pipeline"
	"github.com/listingboost/lb_server/internal/pkg/cache"
	"github.com/listingboost/lb_server/internal/repository"
)

const freemiumSource = "freemium"

var ErrAnalysisNotFound = errors.New("analysis not found")

// FreemiumService 同步分析通道：缓存 → 同 key 单飞 → 数据库复用 → 全流程
type FreemiumService struct {
	runner       *pipeline.Runner
	analysisRepo *repository.ListingAnalysisRepository
	cache        cache.Cache
	group        singleflight.Group

	ttl            time.Duration
	prefix         string
	scrapeOpts     pipeline.ScrapeOptions
	minTokenLength int
	log            *slog.Logger
}

func NewFreemiumService(
	runner *pipeline.Runner,
	analysisRepo *repository.ListingAnalysisRepository,
	c cache.Cache,
	cfg *config.Config,
	log *slog.Logger,
) *FreemiumService {
	ttl := cfg.Cache.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	minLen := cfg.Jobs.MinTokenLength
	if minLen <= 0 {
		minLen = DefaultMinTokenLength
	}
	return &FreemiumService{
		runner:       runner,
		analysisRepo: analysisRepo,
		cache:        c,
		ttl:          ttl,
		prefix:       cfg.Cache.Prefix,
		scrapeOpts: pipeline.ScrapeOptions{
			Timeout:  cfg.Scraper.FreemiumTimeout,
			MemoryMB: cfg.Scraper.FreemiumMemory,
		},
		minTokenLength: minLen,
		log:            log.With("component", "freemium"),
	}
}

// Analyze returns a full result in one call. Concurrent calls for the same
// (token, url) share one build.
func (s *FreemiumService) Analyze(ctx context.Context, token, url string) (*dto.FreemiumResult, error) {
	if err := validateJobData(url, token, s.minTokenLength).Err(); err != nil {
		return nil, err
	}

	key := cache.Key(s.prefix, token, url)

	var cached dto.FreemiumResult
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.log.WarnContext(ctx, "cache lookup failed", "error", err)
	} else if found {
		metrics.FreemiumRequestsTotal.WithLabelValues("cache").Inc()
		cached.FromCache = true
		return &cached, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		// 共享调用不受单个请求取消影响，抓取有自己的超时
		return s.build(context.WithoutCancel(ctx), token, url, key)
	})
	if err != nil {
		return nil, err
	}

	result := *v.(*dto.FreemiumResult)
	return &result, nil
}

func (s *FreemiumService) build(ctx context.Context, token, url, key string) (*dto.FreemiumResult, error) {
	if result := s.reuseStored(ctx, token, url); result != nil {
		metrics.FreemiumRequestsTotal.WithLabelValues("db").Inc()
		s.store(ctx, key, result)
		return result, nil
	}

	run, err := s.runner.Run(ctx, url, s.scrapeOpts)
	if err != nil {
		return nil, fmt.Errorf("freemium analysis: %w", err)
	}
	metrics.FreemiumRequestsTotal.WithLabelValues("fresh").Inc()

	result := &dto.FreemiumResult{
		Token:           token,
		URL:             url,
		Listing:         run.Listing,
		Analysis:        run.Analysis,
		Recommendations: run.Recommendations,
		Insights:        run.Insights,
		IsRealData:      run.Listing.IsReal(),
		CreatedAt:       time.Now(),
	}

	if id, err := s.persist(ctx, token, result); err != nil {
		s.log.WarnContext(ctx, "persist freemium analysis failed", "url", url, "error", err)
	} else {
		result.AnalysisID = id
	}

	s.store(ctx, key, result)
	s.log.InfoContext(ctx, "freemium analysis built",
		"url", url,
		"real_data", result.IsRealData,
		"score", result.Analysis.OverallScore,
		"total_ms", run.Performance.TotalDuration.Milliseconds(),
	)
	return result, nil
}

func (s *FreemiumService) reuseStored(ctx context.Context, token, url string) *dto.FreemiumResult {
	rec, err := s.analysisRepo.FindRecent(ctx, token, url, time.Now().Add(-s.ttl))
	if err != nil {
		s.log.WarnContext(ctx, "lookup stored analysis failed", "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}

	result := s.fromRecord(rec)
	if result.Listing == nil || result.Analysis == nil {
		return nil
	}
	result.Token = token
	result.FromCache = true
	return result
}

// GetAnalysis 按 ID 读取已保存的分析，token 不匹配时按不存在处理
func (s *FreemiumService) GetAnalysis(ctx context.Context, id, token string) (*dto.FreemiumResult, error) {
	rec, err := s.analysisRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAnalysisNotFound
		}
		return nil, storeErr(err)
	}
	result := s.fromRecord(rec)
	if token == "" || result.Token != token {
		return nil, ErrAnalysisNotFound
	}
	return result, nil
}

// ListAnalyses token 名下已保存的分析摘要，新的在前
func (s *FreemiumService) ListAnalyses(ctx context.Context, token string, limit int) ([]dto.FreemiumAnalysisItem, error) {
	if len(token) < s.minTokenLength {
		return nil, &ValidationError{Errors: []FieldError{{Field: "token", Message: "token is required"}}}
	}

	recs, err := s.analysisRepo.ListByToken(ctx, token, limit)
	if err != nil {
		return nil, storeErr(err)
	}

	items := make([]dto.FreemiumAnalysisItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, dto.FreemiumAnalysisItem{
			AnalysisID:   rec.ID,
			URL:          rec.URL,
			OverallScore: rec.OverallScore,
			IsRealData:   rec.IsRealData,
			CreatedAt:    rec.CreatedAt,
		})
	}
	return items, nil
}

func (s *FreemiumService) fromRecord(rec *model.ListingAnalysis) *dto.FreemiumResult {
	result := &dto.FreemiumResult{
		AnalysisID: rec.ID,
		URL:        rec.URL,
		IsRealData: rec.IsRealData,
		CreatedAt:  rec.CreatedAt,
	}
	var meta model.AnalysisMetadata
	s.decode(rec.ID, "metadata", rec.Metadata, &meta)
	result.Token = meta.Token

	s.decode(rec.ID, "listing_data", rec.ListingData, &result.Listing)
	s.decode(rec.ID, "analysis_data", rec.AnalysisData, &result.Analysis)
	s.decode(rec.ID, "recommendations_data", rec.RecommendationsData, &result.Recommendations)
	s.decode(rec.ID, "insights_data", rec.InsightsData, &result.Insights)
	return result
}

func (s *FreemiumService) decode(id, column string, raw []byte, dst interface{}) {
	if err := decodeJSON(raw, dst); err != nil {
		s.log.Warn("decode stored analysis failed", "analysis_id", id, "column", column, "error", err)
	}
}

func (s *FreemiumService) persist(ctx context.Context, token string, result *dto.FreemiumResult) (string, error) {
	meta, err := json.Marshal(model.AnalysisMetadata{Token: token, Source: freemiumSource})
	if err != nil {
		return "", err
	}
	listing, err := json.Marshal(result.Listing)
	if err != nil {
		return "", err
	}
	analysis, err := json.Marshal(result.Analysis)
	if err != nil {
		return "", err
	}
	recs, err := json.Marshal(result.Recommendations)
	if err != nil {
		return "", err
	}
	insights, err := json.Marshal(result.Insights)
	if err != nil {
		return "", err
	}

	rec := &model.ListingAnalysis{
		URL:                 result.URL,
		OverallScore:        result.Analysis.OverallScore,
		IsRealData:          result.IsRealData,
		ListingData:         datatypes.JSON(listing),
		AnalysisData:        datatypes.JSON(analysis),
		RecommendationsData: datatypes.JSON(recs),
		InsightsData:        datatypes.JSON(insights),
		Metadata:            datatypes.JSON(meta),
		CreatedAt:           result.CreatedAt,
	}
	if err := s.analysisRepo.Create(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *FreemiumService) store(ctx context.Context, key string, result *dto.FreemiumResult) {
	entry := *result
	entry.FromCache = false
	if err := s.cache.Set(ctx, key, &entry, s.ttl); err != nil {
		s.log.WarnContext(ctx, "cache store failed", "error", err)
	}
}
