package apify

import (
	"fmt"
	"strings"
	"time"

	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/pipeline"
)

// datasetItem 只声明用到的字段，其余忽略
type datasetItem struct {
	URL            string      `json:"url"`
	ID             interface{} `json:"id"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	PropertyType   string      `json:"propertyType"`
	RoomType       string      `json:"roomType"`
	Location       string      `json:"location"`
	PersonCapacity int         `json:"personCapacity"`
	Bedrooms       int         `json:"bedrooms"`
	Bathrooms      float64     `json:"bathrooms"`

	Price *struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	} `json:"price"`

	Rating *struct {
		GuestSatisfaction float64 `json:"guestSatisfaction"`
		ReviewsCount      int     `json:"reviewsCount"`
	} `json:"rating"`

	Images []struct {
		ImageURL string `json:"imageUrl"`
	} `json:"images"`

	Amenities []struct {
		Title  string `json:"title"`
		Values []struct {
			Title     string `json:"title"`
			Available bool   `json:"available"`
		} `json:"values"`
	} `json:"amenities"`

	Host *struct {
		Name        string `json:"name"`
		IsSuperHost bool   `json:"isSuperHost"`
	} `json:"host"`

	Coordinates *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"coordinates"`
}

func (it *datasetItem) toListing(requestURL string, now time.Time) *model.RealListing {
	l := &model.RealListing{
		ListingSummary: model.ListingSummary{
			URL:          requestURL,
			RoomID:       it.roomID(requestURL),
			Title:        strings.TrimSpace(it.Title),
			Description:  strings.TrimSpace(it.Description),
			PropertyType: firstNonEmpty(it.PropertyType, it.RoomType),
			Location:     it.Location,
			Guests:       it.PersonCapacity,
			Bedrooms:     it.Bedrooms,
			Bathrooms:    it.Bathrooms,
			PhotoCount:   len(it.Images),
		},
		ScrapedAt: now,
	}

	if it.Price != nil {
		l.PricePerNight = it.Price.Amount
		l.Currency = it.Price.Currency
	}
	if it.Rating != nil {
		l.Rating = it.Rating.GuestSatisfaction
		l.ReviewCount = it.Rating.ReviewsCount
	}
	if it.Host != nil {
		l.HostName = it.Host.Name
		l.IsSuperhost = it.Host.IsSuperHost
	}
	if it.Coordinates != nil {
		l.Coordinates = &model.Coordinates{Latitude: it.Coordinates.Latitude, Longitude: it.Coordinates.Longitude}
	}

	// 只保留可用的设施
	for _, group := range it.Amenities {
		for _, v := range group.Values {
			if v.Available && v.Title != "" {
				l.Amenities = append(l.Amenities, v.Title)
			}
		}
	}

	return l
}

func (it *datasetItem) roomID(requestURL string) string {
	switch v := it.ID.(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return pipeline.RoomID(requestURL)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
