package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/listingboost/lb_server/internal/model"
)

type ListingAnalysisRepository struct {
	db *gorm.DB
}

func NewListingAnalysisRepository(db *gorm.DB) *ListingAnalysisRepository {
	return &ListingAnalysisRepository{db: db}
}

func (r *ListingAnalysisRepository) Create(ctx context.Context, analysis *model.ListingAnalysis) error {
	if err := r.db.WithContext(ctx).Create(analysis).Error; err != nil {
		return fmt.Errorf("create listing analysis: %w", err)
	}
	return nil
}

func (r *ListingAnalysisRepository) GetByID(ctx context.Context, id string) (*model.ListingAnalysis, error) {
	var analysis model.ListingAnalysis
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&analysis).Error; err != nil {
		return nil, err
	}
	return &analysis, nil
}

// FindRecent 按 metadata 中的 token 查找 since 之后的最新结果，没有时返回 nil, nil
func (r *ListingAnalysisRepository) FindRecent(ctx context.Context, token, url string, since time.Time) (*model.ListingAnalysis, error) {
	var analysis model.ListingAnalysis
	err := r.db.WithContext(ctx).
		Where(datatypes.JSONQuery("metadata").Equals(token, "token")).
		Where("url = ? AND created_at >= ?", url, since).
		Order("created_at DESC").
		First(&analysis).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find recent analysis: %w", err)
	}
	return &analysis, nil
}

// ListByToken returns every stored analysis for a token, newest first.
func (r *ListingAnalysisRepository) ListByToken(ctx context.Context, token string, limit int) ([]*model.ListingAnalysis, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	var analyses []*model.ListingAnalysis
	err := r.db.WithContext(ctx).
		Where(datatypes.JSONQuery("metadata").Equals(token, "token")).
		Order("created_at DESC").
		Limit(limit).
		Find(&analyses).Error
	if err != nil {
		return nil, fmt.Errorf("list analyses by token: %w", err)
	}
	return analyses, nil
}
