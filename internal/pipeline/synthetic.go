package pipeline

import (
	"hash/fnv"
	"regexp"
	"time"

	"github.com/listingboost/lb_server/internal/model"
)

var roomIDPattern = regexp.MustCompile(`/rooms/(?:plus/)?(\d+)`)

// RoomID extracts the numeric listing id from a listing URL.
func RoomID(url string) string {
	m := roomIDPattern.FindStringSubmatch(url)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// SyntheticListing 抓取失败时的占位数据，同一 URL 结果稳定
func SyntheticListing(url, reason string) *model.ListingData {
	h := fnv.New32a()
	h.Write([]byte(url))
	seed := int(h.Sum32())

	pick := func(n int) int { v := seed % n; seed /= n; return v }

	amenities := []string{"Wifi", "Kitchen", "Heating", "Washer", "Essentials", "Hair dryer", "Workspace", "Self check-in"}
	amenities = amenities[:4+pick(5)]

	return model.NewSyntheticListingData(&model.SyntheticListing{
		ListingSummary: model.ListingSummary{
			URL:           url,
			RoomID:        RoomID(url),
			Title:         "Cozy apartment in a central location",
			Description:   "Comfortable apartment with everything you need for a relaxing stay. Close to public transport, restaurants and local sights.",
			PropertyType:  "Entire rental unit",
			PricePerNight: float64(60 + pick(120)),
			Currency:      "EUR",
			Rating:        4.3 + float64(pick(6))/10,
			ReviewCount:   5 + pick(80),
			PhotoCount:    8 + pick(15),
			Guests:        2 + pick(4),
			Bedrooms:      1 + pick(2),
			Bathrooms:     1,
			Amenities:     amenities,
			IsSuperhost:   pick(2) == 1,
		},
		Reason:      reason,
		GeneratedAt: time.Now().UTC(),
	})
}
