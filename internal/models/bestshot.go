package models

import (
	"time"

	"github.com/google/uuid"
)

// Category is a best-shot bucket.
type Category string

const (
	CategoryOverall     Category = "overall"
	CategoryPortrait    Category = "portrait"
	CategoryGroup       Category = "group"
	CategoryAction      Category = "action"
	CategoryComposition Category = "composition"
	CategoryLighting    Category = "lighting"

	CategoryBlurry       Category = "blurry"
	CategoryUnderexposed Category = "underexposed"
	CategoryOverexposed  Category = "overexposed"
	CategoryAccidental   Category = "accidental"
)

// AllCategories lists every category in display order.
var AllCategories = []Category{
	CategoryOverall,
	CategoryPortrait,
	CategoryGroup,
	CategoryAction,
	CategoryComposition,
	CategoryLighting,
	CategoryBlurry,
	CategoryUnderexposed,
	CategoryOverexposed,
	CategoryAccidental,
}

// IsProblem reports whether the category collects defective photos.
func (c Category) IsProblem() bool {
	switch c {
	case CategoryBlurry, CategoryUnderexposed, CategoryOverexposed, CategoryAccidental:
		return true
	}
	return false
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range AllCategories {
		if k == c {
			return true
		}
	}
	return false
}

// DefaultLimit returns K for the category: 10 for overall, 3 for problem
// categories and 5 for the rest.
func (c Category) DefaultLimit() int {
	switch {
	case c == CategoryOverall:
		return 10
	case c.IsProblem():
		return 3
	default:
		return 5
	}
}

// BestShotEntry is one member of a bounded (event, category) ranking.
type BestShotEntry struct {
	ID        uuid.UUID `json:"id"`
	EventID   int64     `json:"event_id"`
	Category  Category  `json:"category"`
	PhotoID   int64     `json:"photo_id"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ranks reports whether an entry with (score, photoID) outranks other.
// Higher score wins; equal scores go to the more recent (higher) photo id.
func Ranks(score float64, photoID int64, other BestShotEntry) bool {
	if score != other.Score {
		return score > other.Score
	}
	return photoID > other.PhotoID
}
