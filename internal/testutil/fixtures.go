package testutil

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/listingboost/lb_server/internal/model"
)

const (
	TestToken = "freemium_test123456789"
	TestURL   = "https://www.airbnb.com/rooms/42"
)

// TestJob 创建测试任务，默认 pending
func TestJob(t *testing.T, db *gorm.DB, opts ...func(*model.AnalysisJob)) *model.AnalysisJob {
	t.Helper()

	now := time.Now()
	job := &model.AnalysisJob{
		Token:       TestToken,
		URL:         fmt.Sprintf("https://www.airbnb.com/rooms/%d", now.UnixNano()%1000000),
		Status:      model.JobStatusPending,
		CurrentStep: model.StepInitializing,
		MaxRetries:  model.DefaultMaxRetries,
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}

	for _, opt := range opts {
		opt(job)
	}

	if err := db.Create(job).Error; err != nil {
		t.Fatalf("Failed to create test job: %v", err)
	}

	return job
}

// WithToken 设置 token
func WithToken(token string) func(*model.AnalysisJob) {
	return func(j *model.AnalysisJob) {
		j.Token = token
	}
}

// WithURL 设置房源 URL
func WithURL(url string) func(*model.AnalysisJob) {
	return func(j *model.AnalysisJob) {
		j.URL = url
	}
}

// WithStatus 设置状态
func WithStatus(status model.JobStatus) func(*model.AnalysisJob) {
	return func(j *model.AnalysisJob) {
		j.Status = status
		switch status {
		case model.JobStatusRunning:
			now := time.Now()
			j.StartedAt = &now
		case model.JobStatusCompleted:
			now := time.Now()
			j.StartedAt = &now
			j.CompletedAt = &now
			j.Progress = 100
			j.CurrentStep = model.StepCompleted
		case model.JobStatusFailed:
			now := time.Now()
			j.CompletedAt = &now
			j.CurrentStep = model.StepFailed
		}
	}
}

// WithProgress 设置进度与阶段
func WithProgress(progress int, step model.JobStep) func(*model.AnalysisJob) {
	return func(j *model.AnalysisJob) {
		j.Progress = progress
		j.CurrentStep = step
	}
}

// WithRetries 设置重试次数
func WithRetries(count, maxRetries int) func(*model.AnalysisJob) {
	return func(j *model.AnalysisJob) {
		j.RetryCount = count
		j.MaxRetries = maxRetries
	}
}

// WithCreatedAt 设置创建时间，过期时间随之平移
func WithCreatedAt(createdAt time.Time) func(*model.AnalysisJob) {
	return func(j *model.AnalysisJob) {
		j.CreatedAt = createdAt
		j.ExpiresAt = createdAt.Add(24 * time.Hour)
	}
}

// WithExpiresAt 设置过期时间
func WithExpiresAt(expiresAt time.Time) func(*model.AnalysisJob) {
	return func(j *model.AnalysisJob) {
		j.ExpiresAt = expiresAt
	}
}

// WithUserID 设置所属用户
func WithUserID(userID string) func(*model.AnalysisJob) {
	return func(j *model.AnalysisJob) {
		j.UserID = &userID
	}
}

// SampleListing 构造一份真实来源的房源数据
func SampleListing(url string) *model.ListingData {
	return model.NewRealListingData(&model.RealListing{
		ListingSummary: model.ListingSummary{
			URL:           url,
			RoomID:        "42",
			Title:         "Sunny loft with balcony near the old town",
			Description:   "Bright two-room loft with a balcony, fast wifi, a fully equipped kitchen and self check-in. Walking distance to cafes, museums and the river.",
			PropertyType:  "Entire loft",
			Location:      "Berlin, Germany",
			PricePerNight: 120,
			Currency:      "EUR",
			Rating:        4.85,
			ReviewCount:   132,
			PhotoCount:    24,
			Guests:        4,
			Bedrooms:      2,
			Bathrooms:     1,
			Amenities:     []string{"Wifi", "Kitchen", "Washer", "Self check-in", "Workspace", "Balcony", "Heating", "Coffee maker"},
			IsSuperhost:   true,
		},
		Coordinates: &model.Coordinates{Latitude: 52.52, Longitude: 13.40},
		HostName:    "Anna",
		ScrapedAt:   time.Now(),
	})
}

// TestListingAnalysis 创建已持久化的免费版分析结果
func TestListingAnalysis(t *testing.T, db *gorm.DB, token, url string, createdAt time.Time) *model.ListingAnalysis {
	t.Helper()

	listing, _ := json.Marshal(SampleListing(url))
	meta, _ := json.Marshal(model.AnalysisMetadata{Token: token, Source: "freemium"})
	analysis := &model.ListingAnalysis{
		URL:                 url,
		OverallScore:        80,
		IsRealData:          true,
		ListingData:         datatypes.JSON(listing),
		AnalysisData:        datatypes.JSON(`{"overall_score":80,"grade":"B","categories":[]}`),
		RecommendationsData: datatypes.JSON(`[]`),
		Metadata:            datatypes.JSON(meta),
		CreatedAt:           createdAt,
	}

	if err := db.Create(analysis).Error; err != nil {
		t.Fatalf("Failed to create test listing analysis: %v", err)
	}

	return analysis
}
