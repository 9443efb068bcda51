package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/pkg/logger"
)

type stubScraper struct {
	listing *model.ListingData
	err     error
	delay   time.Duration
	calls   int
}

func (s *stubScraper) Scrape(ctx context.Context, url string, _ ScrapeOptions) (*model.ListingData, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.listing, s.err
}

type stubInsights struct {
	err error
}

func (s stubInsights) GenerateInsights(context.Context, *model.ListingData) (*model.Insights, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.Insights{Summary: "Great location", Model: "stub"}, nil
}

func realListing() *model.ListingData {
	return model.NewRealListingData(&model.RealListing{
		ListingSummary: model.ListingSummary{
			URL:           "https://www.airbnb.com/rooms/1",
			Title:         "Quiet studio with garden view in Kreuzberg",
			Description:   "A short description",
			PhotoCount:    25,
			Rating:        4.9,
			ReviewCount:   140,
			PricePerNight: 90,
			Guests:        2,
			Bedrooms:      1,
			IsSuperhost:   true,
			Amenities:     []string{"Wifi", "Kitchen"},
		},
		Coordinates: &model.Coordinates{Latitude: 1, Longitude: 2},
	})
}

func TestFetchListing_Real(t *testing.T) {
	scraper := &stubScraper{listing: realListing()}
	r := NewRunner(scraper, logger.Discard())

	listing, err := r.FetchListing(context.Background(), "https://www.airbnb.com/rooms/1", ScrapeOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, listing.IsReal())
}

func TestFetchListing_FallbackOnError(t *testing.T) {
	scraper := &stubScraper{err: errors.New("actor failed")}
	r := NewRunner(scraper, logger.Discard())

	listing, err := r.FetchListing(context.Background(), "https://www.airbnb.com/rooms/55", ScrapeOptions{})
	require.NoError(t, err)
	assert.False(t, listing.IsReal())
	require.NotNil(t, listing.Synthetic)
	assert.Equal(t, model.ListingSourceSynthetic, listing.Source)
	assert.Equal(t, "55", listing.Common().RoomID)
	assert.Contains(t, listing.Synthetic.Reason, "actor failed")
}

func TestFetchListing_FallbackOnTimeout(t *testing.T) {
	scraper := &stubScraper{listing: realListing(), delay: time.Second}
	r := NewRunner(scraper, logger.Discard(), WithScrapeGrace(0))

	start := time.Now()
	listing, err := r.FetchListing(context.Background(), "https://www.airbnb.com/rooms/9", ScrapeOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, listing.IsReal())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// 抓取方用满 Timeout 时仍在余量内返回
func TestFetchListing_GraceCoversFullScrape(t *testing.T) {
	scraper := &stubScraper{listing: realListing(), delay: 60 * time.Millisecond}
	r := NewRunner(scraper, logger.Discard(), WithScrapeGrace(500*time.Millisecond))

	listing, err := r.FetchListing(context.Background(), "https://www.airbnb.com/rooms/9", ScrapeOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, listing.IsReal())
}

func TestFetchListing_ParentCancelled(t *testing.T) {
	scraper := &stubScraper{listing: realListing(), delay: time.Second}
	r := NewRunner(scraper, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.FetchListing(ctx, "https://www.airbnb.com/rooms/9", ScrapeOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchListing_NoScraper(t *testing.T) {
	r := NewRunner(nil, logger.Discard())

	listing, err := r.FetchListing(context.Background(), "https://www.airbnb.com/rooms/3", ScrapeOptions{})
	require.NoError(t, err)
	assert.False(t, listing.IsReal())
}

func TestSyntheticListing_Deterministic(t *testing.T) {
	a := SyntheticListing("https://www.airbnb.com/rooms/123", "x").Common()
	b := SyntheticListing("https://www.airbnb.com/rooms/123", "y").Common()
	assert.Equal(t, a, b)
}

func TestAnalyze(t *testing.T) {
	analysis, err := Analyze(realListing())
	require.NoError(t, err)
	require.Len(t, analysis.Categories, 5)

	sum := 0
	for _, c := range analysis.Categories {
		assert.LessOrEqual(t, c.Score, c.MaxScore)
		assert.GreaterOrEqual(t, c.Score, 0)
		sum += c.Score
	}
	assert.Equal(t, sum, analysis.OverallScore)
	assert.NotEmpty(t, analysis.Grade)

	_, err = Analyze(nil)
	assert.ErrorIs(t, err, ErrNoListing)
}

func TestRecommend(t *testing.T) {
	analysis, err := Analyze(realListing())
	require.NoError(t, err)

	recs, err := Recommend(analysis)
	require.NoError(t, err)
	require.NotEmpty(t, recs)

	categories := map[string]bool{}
	for i, rec := range recs {
		categories[rec.Category] = true
		if i > 0 {
			assert.GreaterOrEqual(t, recs[i-1].Impact, rec.Impact)
		}
	}
	// 短描述和设施不足
	assert.True(t, categories[CategoryDescription])
	assert.True(t, categories[CategoryAmenities])
	assert.False(t, categories[CategoryPhotos])

	_, err = Recommend(nil)
	assert.ErrorIs(t, err, ErrNoAnalysis)
}

func TestRun(t *testing.T) {
	r := NewRunner(&stubScraper{listing: realListing()}, logger.Discard(), WithInsights(stubInsights{}, time.Second), WithPath("freemium"))

	res, err := r.Run(context.Background(), "https://www.airbnb.com/rooms/1", ScrapeOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, res.Listing.IsReal())
	assert.NotNil(t, res.Analysis)
	require.NotNil(t, res.Insights)
	assert.Equal(t, "stub", res.Insights.Model)
	assert.GreaterOrEqual(t, res.Performance.TotalDuration, res.Performance.ScrapingDuration)
}

func TestRun_InsightsFailureIgnored(t *testing.T) {
	r := NewRunner(&stubScraper{listing: realListing()}, logger.Discard(), WithInsights(stubInsights{err: errors.New("quota")}, time.Second))

	res, err := r.Run(context.Background(), "https://www.airbnb.com/rooms/1", ScrapeOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Insights)
	assert.NotNil(t, res.Analysis)
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

var _ net.Error = timeoutNetErr{}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad input"), false},
		{"transient", NewTransientError("scrape", errors.New("502")), true},
		{"wrapped transient", fmt.Errorf("step: %w", NewTransientError("scrape", errors.New("502"))), true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"net error", timeoutNetErr{}, true},
		{"panic", &PanicError{Step: "analyzing", Value: "nil map"}, false},
		{"no listing", ErrNoListing, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
