package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/listingboost/lb_server/internal/model"
)

const categoryMax = 20

// 评分类别
const (
	CategoryPhotos      = "photos"
	CategoryDescription = "description"
	CategoryAmenities   = "amenities"
	CategoryReviews     = "reviews"
	CategoryHost        = "host"
)

// Analyze scores a listing on five categories of 20 points each.
func Analyze(listing *model.ListingData) (*model.Analysis, error) {
	if listing == nil {
		return nil, ErrNoListing
	}
	l := listing.Common()

	categories := []model.CategoryScore{
		scorePhotos(l),
		scoreDescription(l),
		scoreAmenities(l),
		scoreReviews(l),
		scoreHost(l),
	}

	total := 0
	for _, c := range categories {
		total += c.Score
	}

	return &model.Analysis{
		OverallScore: total,
		Grade:        grade(total),
		Categories:   categories,
		AnalyzedAt:   time.Now().UTC(),
	}, nil
}

func scorePhotos(l model.ListingSummary) model.CategoryScore {
	c := model.CategoryScore{Name: CategoryPhotos, MaxScore: categoryMax}
	switch {
	case l.PhotoCount >= 20:
		c.Score = 20
	case l.PhotoCount >= 12:
		c.Score = 15
		c.Notes = append(c.Notes, "fewer than 20 photos")
	case l.PhotoCount >= 5:
		c.Score = 8
		c.Notes = append(c.Notes, "fewer than 12 photos")
	default:
		c.Score = 2
		c.Notes = append(c.Notes, "almost no photos")
	}
	return c
}

func scoreDescription(l model.ListingSummary) model.CategoryScore {
	c := model.CategoryScore{Name: CategoryDescription, MaxScore: categoryMax}

	titleLen := len([]rune(strings.TrimSpace(l.Title)))
	switch {
	case titleLen >= 30 && titleLen <= 50:
		c.Score += 8
	case titleLen >= 15:
		c.Score += 5
		c.Notes = append(c.Notes, "title length outside 30-50 characters")
	case titleLen > 0:
		c.Score += 2
		c.Notes = append(c.Notes, "title is very short")
	default:
		c.Notes = append(c.Notes, "missing title")
	}

	descLen := len([]rune(strings.TrimSpace(l.Description)))
	switch {
	case descLen >= 400:
		c.Score += 12
	case descLen >= 150:
		c.Score += 8
		c.Notes = append(c.Notes, "description could be more detailed")
	case descLen > 0:
		c.Score += 3
		c.Notes = append(c.Notes, "description is very short")
	default:
		c.Notes = append(c.Notes, "missing description")
	}
	return c
}

// 高价值设施
var keyAmenities = []string{"wifi", "kitchen", "washer", "air conditioning", "heating", "self check-in", "workspace", "parking"}

func scoreAmenities(l model.ListingSummary) model.CategoryScore {
	c := model.CategoryScore{Name: CategoryAmenities, MaxScore: categoryMax}

	have := make(map[string]bool, len(l.Amenities))
	for _, a := range l.Amenities {
		have[strings.ToLower(strings.TrimSpace(a))] = true
	}

	var missing []string
	matched := 0
	for _, a := range keyAmenities {
		if have[a] {
			matched++
		} else {
			missing = append(missing, a)
		}
	}

	c.Score = matched * 2
	if len(l.Amenities) >= 20 {
		c.Score += 4
	} else if len(l.Amenities) >= 10 {
		c.Score += 2
	}
	if c.Score > categoryMax {
		c.Score = categoryMax
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		c.Notes = append(c.Notes, "missing: "+strings.Join(missing, ", "))
	}
	return c
}

func scoreReviews(l model.ListingSummary) model.CategoryScore {
	c := model.CategoryScore{Name: CategoryReviews, MaxScore: categoryMax}

	switch {
	case l.Rating >= 4.8:
		c.Score += 12
	case l.Rating >= 4.5:
		c.Score += 9
	case l.Rating >= 4.0:
		c.Score += 5
		c.Notes = append(c.Notes, "rating below 4.5")
	case l.Rating > 0:
		c.Score += 2
		c.Notes = append(c.Notes, "rating below 4.0")
	default:
		c.Notes = append(c.Notes, "no rating yet")
	}

	switch {
	case l.ReviewCount >= 100:
		c.Score += 8
	case l.ReviewCount >= 25:
		c.Score += 5
	case l.ReviewCount > 0:
		c.Score += 2
		c.Notes = append(c.Notes, "few reviews")
	default:
		c.Notes = append(c.Notes, "no reviews")
	}
	return c
}

func scoreHost(l model.ListingSummary) model.CategoryScore {
	c := model.CategoryScore{Name: CategoryHost, MaxScore: categoryMax}
	if l.IsSuperhost {
		c.Score += 12
	} else {
		c.Notes = append(c.Notes, "not a superhost")
	}
	if l.PricePerNight > 0 {
		c.Score += 4
	} else {
		c.Notes = append(c.Notes, "no visible price")
	}
	if l.Guests > 0 && l.Bedrooms > 0 {
		c.Score += 4
	} else {
		c.Notes = append(c.Notes, "capacity details incomplete")
	}
	return c
}

func grade(score int) string {
	switch {
	case score >= 90:
		return "A+"
	case score >= 80:
		return "A"
	case score >= 70:
		return "B"
	case score >= 55:
		return "C"
	case score >= 40:
		return "D"
	default:
		return "E"
	}
}

var recommendationText = map[string]struct {
	title string
	body  string
}{
	CategoryPhotos:      {"Add more high-quality photos", "Listings with 20+ bright, well-composed photos convert noticeably better. Cover every room and the view."},
	CategoryDescription: {"Rework title and description", "Use a 30-50 character title with the strongest selling point and a description of at least 400 characters."},
	CategoryAmenities:   {"Highlight key amenities", "Guests filter by wifi, kitchen, workspace and self check-in. List every amenity you actually offer."},
	CategoryReviews:     {"Grow your review base", "Ask satisfied guests for reviews and respond to every review to lift rating and trust."},
	CategoryHost:        {"Work towards Superhost status", "Fast responses, few cancellations and consistent 4.8+ ratings qualify you for the Superhost badge."},
}

// Recommend derives recommendations from categories that scored below 80%.
func Recommend(analysis *model.Analysis) ([]model.Recommendation, error) {
	if analysis == nil {
		return nil, ErrNoAnalysis
	}

	recs := make([]model.Recommendation, 0, len(analysis.Categories))
	for _, c := range analysis.Categories {
		if c.MaxScore <= 0 {
			return nil, fmt.Errorf("category %q has no max score", c.Name)
		}
		ratio := float64(c.Score) / float64(c.MaxScore)
		if ratio >= 0.8 {
			continue
		}

		text, ok := recommendationText[c.Name]
		if !ok {
			continue
		}
		priority := "low"
		switch {
		case ratio < 0.4:
			priority = "high"
		case ratio < 0.6:
			priority = "medium"
		}
		recs = append(recs, model.Recommendation{
			Category:    c.Name,
			Priority:    priority,
			Title:       text.title,
			Description: text.body,
			Impact:      c.MaxScore - c.Score,
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Impact > recs[j].Impact
	})
	return recs, nil
}
