package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/testutil"
)

func TestListingAnalysisRepository_Create(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewListingAnalysisRepository(db)
	meta, _ := json.Marshal(model.AnalysisMetadata{Token: testutil.TestToken, Source: "freemium"})

	analysis := &model.ListingAnalysis{
		URL:          testutil.TestURL,
		OverallScore: 72,
		Metadata:     datatypes.JSON(meta),
	}
	require.NoError(t, repo.Create(context.Background(), analysis))
	assert.NotEmpty(t, analysis.ID)

	found, err := repo.GetByID(context.Background(), analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, 72, found.OverallScore)
}

func TestListingAnalysisRepository_FindRecent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewListingAnalysisRepository(db)
	ctx := context.Background()
	now := time.Now()

	testutil.TestListingAnalysis(t, db, testutil.TestToken, testutil.TestURL, now.Add(-30*time.Minute))
	latest := testutil.TestListingAnalysis(t, db, testutil.TestToken, testutil.TestURL, now.Add(-10*time.Minute))
	testutil.TestListingAnalysis(t, db, "other_token_1234567", testutil.TestURL, now)

	found, err := repo.FindRecent(ctx, testutil.TestToken, testutil.TestURL, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, latest.ID, found.ID)
}

func TestListingAnalysisRepository_FindRecent_Miss(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewListingAnalysisRepository(db)
	ctx := context.Background()
	now := time.Now()

	testutil.TestListingAnalysis(t, db, testutil.TestToken, testutil.TestURL, now.Add(-2*time.Hour))

	t.Run("too old", func(t *testing.T) {
		found, err := repo.FindRecent(ctx, testutil.TestToken, testutil.TestURL, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("other url", func(t *testing.T) {
		found, err := repo.FindRecent(ctx, testutil.TestToken, "https://www.airbnb.com/rooms/7", now.Add(-3*time.Hour))
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("token prefix does not match", func(t *testing.T) {
		found, err := repo.FindRecent(ctx, "freemium_test", testutil.TestURL, now.Add(-3*time.Hour))
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestListingAnalysisRepository_ListByToken(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewListingAnalysisRepository(db)
	now := time.Now()
	testutil.TestListingAnalysis(t, db, testutil.TestToken, testutil.TestURL, now)
	testutil.TestListingAnalysis(t, db, testutil.TestToken, "https://www.airbnb.com/rooms/7", now)
	testutil.TestListingAnalysis(t, db, "other_token_1234567", testutil.TestURL, now)

	analyses, err := repo.ListByToken(context.Background(), testutil.TestToken, 0)
	require.NoError(t, err)
	assert.Len(t, analyses, 2)
}
