package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ListingAnalysis 免费版同步分析结果，供同 token 重复请求复用
type ListingAnalysis struct {
	ID           string `gorm:"primaryKey;size:36" json:"id"`
	URL          string `gorm:"size:500;not null;index" json:"url"`
	OverallScore int    `json:"overall_score"`
	IsRealData   bool   `json:"is_real_data"`

	ListingData         datatypes.JSON `json:"listing_data"`
	AnalysisData        datatypes.JSON `json:"analysis_data"`
	RecommendationsData datatypes.JSON `json:"recommendations_data"`
	InsightsData        datatypes.JSON `json:"insights_data,omitempty"`

	// Metadata 形如 {"token":"...","source":"freemium"}，token 只存在这里
	Metadata datatypes.JSON `json:"metadata"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (ListingAnalysis) TableName() string {
	return "listing_analyses"
}

func (a *ListingAnalysis) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// AnalysisMetadata is the shape stored in ListingAnalysis.Metadata.
type AnalysisMetadata struct {
	Token  string `json:"token"`
	Source string `json:"source"`
}
