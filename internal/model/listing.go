package model

import "time"

type ListingSource string

const (
	ListingSourceReal      ListingSource = "real"
	ListingSourceSynthetic ListingSource = "synthetic"
)

// ListingSummary holds the fields the scorer needs, whatever the data source.
type ListingSummary struct {
	URL           string   `json:"url"`
	RoomID        string   `json:"room_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	PropertyType  string   `json:"property_type,omitempty"`
	Location      string   `json:"location,omitempty"`
	PricePerNight float64  `json:"price_per_night"`
	Currency      string   `json:"currency,omitempty"`
	Rating        float64  `json:"rating"`
	ReviewCount   int      `json:"review_count"`
	PhotoCount    int      `json:"photo_count"`
	Guests        int      `json:"guests"`
	Bedrooms      int      `json:"bedrooms"`
	Bathrooms     float64  `json:"bathrooms"`
	Amenities     []string `json:"amenities"`
	IsSuperhost   bool     `json:"is_superhost"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RealListing is live data returned by the scraper.
type RealListing struct {
	ListingSummary
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	HostName    string       `json:"host_name,omitempty"`
	ScrapedAt   time.Time    `json:"scraped_at"`
}

// SyntheticListing is a placeholder generated when scraping fails.
type SyntheticListing struct {
	ListingSummary
	Reason      string    `json:"reason"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ListingData is either Real or Synthetic, discriminated by Source.
type ListingData struct {
	Source    ListingSource     `json:"source"`
	Real      *RealListing      `json:"real,omitempty"`
	Synthetic *SyntheticListing `json:"synthetic,omitempty"`
}

func NewRealListingData(l *RealListing) *ListingData {
	return &ListingData{Source: ListingSourceReal, Real: l}
}

func NewSyntheticListingData(l *SyntheticListing) *ListingData {
	return &ListingData{Source: ListingSourceSynthetic, Synthetic: l}
}

func (d *ListingData) IsReal() bool {
	return d != nil && d.Source == ListingSourceReal && d.Real != nil
}

// Common returns the source-independent projection used by the scorer.
func (d *ListingData) Common() ListingSummary {
	switch {
	case d == nil:
		return ListingSummary{}
	case d.Source == ListingSourceReal && d.Real != nil:
		return d.Real.ListingSummary
	case d.Source == ListingSourceSynthetic && d.Synthetic != nil:
		return d.Synthetic.ListingSummary
	default:
		return ListingSummary{}
	}
}

type CategoryScore struct {
	Name     string   `json:"name"`
	Score    int      `json:"score"`
	MaxScore int      `json:"max_score"`
	Notes    []string `json:"notes,omitempty"`
}

// Analysis is the scoring output for one listing.
type Analysis struct {
	OverallScore int             `json:"overall_score"`
	Grade        string          `json:"grade"`
	Categories   []CategoryScore `json:"categories"`
	AnalyzedAt   time.Time       `json:"analyzed_at"`
}

type Recommendation struct {
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Impact      int    `json:"impact"`
}

// Insights is the optional LLM commentary.
type Insights struct {
	Summary      string   `json:"summary"`
	Strengths    []string `json:"strengths,omitempty"`
	Improvements []string `json:"improvements,omitempty"`
	Model        string   `json:"model,omitempty"`
}
