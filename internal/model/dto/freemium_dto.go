package dto

import (
	"time"

	"github.com/listingboost/lb_server/internal/model"
)

// FreemiumAnalyzeRequest 免费版同步分析请求
type FreemiumAnalyzeRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// FreemiumResult 同步分析的完整结果，也是缓存内容
type FreemiumResult struct {
	AnalysisID      string                 `json:"analysisId,omitempty"`
	Token           string                 `json:"token"`
	URL             string                 `json:"url"`
	Listing         *model.ListingData     `json:"listing"`
	Analysis        *model.Analysis        `json:"analysis"`
	Recommendations []model.Recommendation `json:"recommendations"`
	Insights        *model.Insights        `json:"insights,omitempty"`
	IsRealData      bool                   `json:"isRealData"`
	FromCache       bool                   `json:"fromCache"`
	CreatedAt       time.Time              `json:"createdAt"`
}

// FreemiumAnalysisItem 已保存分析的摘要
type FreemiumAnalysisItem struct {
	AnalysisID   string    `json:"analysisId"`
	URL          string    `json:"url"`
	OverallScore int       `json:"overallScore"`
	IsRealData   bool      `json:"isRealData"`
	CreatedAt    time.Time `json:"createdAt"`
}
