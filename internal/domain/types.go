// Package domain defines the business logic for the reward ledger service.
package domain

import "time"

// Intensity is one of the three fixed effort levels a parameterized activity
// can be claimed at.
type Intensity int

const (
	IntensityEasy Intensity = iota
	IntensityModerate
	IntensityIntense
)

// String returns the catalog-facing name of the intensity level.
func (i Intensity) String() string {
	switch i {
	case IntensityEasy:
		return "Easy"
	case IntensityModerate:
		return "Moderate"
	case IntensityIntense:
		return "Intense"
	default:
		return ""
	}
}

// ParseIntensity accepts either the level name or its ordinal ("0".."2").
func ParseIntensity(value string) (Intensity, bool) {
	switch value {
	case "Easy", "easy", "0":
		return IntensityEasy, true
	case "Moderate", "moderate", "1":
		return IntensityModerate, true
	case "Intense", "intense", "2":
		return IntensityIntense, true
	default:
		return Intensity(-1), false
	}
}

// UnitPoints maps a selectable quantity (minutes, miles, laps) to a base point
// value. Quantities are kept as strings because the catalog contains
// fractional keys such as "8.5"; lookups are exact, never interpolated.
type UnitPoints map[string]int64

// IntensityTable maps an intensity level name to a multiplicative factor.
type IntensityTable map[string]float64

// ActivityPreset is a catalog-defined template for a recurring earn action.
type ActivityPreset struct {
	ID                string
	Name              string
	Unit              string
	PointValue        int64 // flat value for non-parameterized presets
	PointsByUnit      UnitPoints
	IntensityModifier IntensityTable
	Outdoors          bool
	Tags              []string
	TimesUsed         int
	LastUsed          *time.Time
}

// RewardPreset is a catalog-defined template for a recurring redeem action.
type RewardPreset struct {
	ID         string
	Name       string
	PointValue int64
	Tags       []string
	TimesUsed  int
	LastUsed   *time.Time
}

// UserAccount holds the authoritative running balance for a user.
type UserAccount struct {
	UserID       string
	CurrentTotal int64
	Email        string
	DisplayName  string
	CreatedAt    time.Time
}

// HistoryRecord is the immutable audit entry written for every balance change.
type HistoryRecord struct {
	RecordID    string
	UserID      string
	PointsAdded int64
	HeaderTotal int64 // balance snapshot after applying the delta
	Memo        string
	RecordedAt  time.Time
}

// Cursor models the pagination token for history listings.
type Cursor struct {
	RecordedAt time.Time
	ID         string
}
