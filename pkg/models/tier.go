// Package models defines the core domain types shared across Trunkline.
package models

// Tier represents a change-size bucket that controls which quality agents run.
type Tier string

const (
	// TierSmall is for small changes (few files, few lines).
	TierSmall Tier = "small"
	// TierMedium is for mid-sized changes.
	TierMedium Tier = "medium"
	// TierLarge is for large changes; its thresholds are unbounded.
	TierLarge Tier = "large"
)

// Valid returns true if the tier is one of the known buckets.
func (t Tier) Valid() bool {
	switch t {
	case TierSmall, TierMedium, TierLarge:
		return true
	}
	return false
}

// TierOrder returns tiers from smallest to largest. Classification picks the
// first tier whose thresholds bound the change.
func TierOrder() []Tier {
	return []Tier{TierSmall, TierMedium, TierLarge}
}

// TierThresholds holds the inclusive upper bounds for a tier.
type TierThresholds struct {
	// MaxFiles is the inclusive upper bound on changed files. 0 means unbounded.
	MaxFiles int
	// MaxLines is the inclusive upper bound on added+deleted lines. 0 means unbounded.
	MaxLines int
	// Agents is the default agent list for the tier.
	Agents []string
}

// Bounds returns true if the given diff size fits inside the tier's
// thresholds. Bounds are inclusive; a zero threshold is unbounded.
func (t TierThresholds) Bounds(files, lines int) bool {
	if t.MaxFiles > 0 && files > t.MaxFiles {
		return false
	}
	if t.MaxLines > 0 && lines > t.MaxLines {
		return false
	}
	return true
}
