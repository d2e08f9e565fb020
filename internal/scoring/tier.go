package scoring

import "github.com/charcoalwatch/charcoal/pkg/models"

// Tier classifies a threat score into one of the four tiers. Mirrors the
// teacher's classifySeverity cascade: a descending chain of threshold
// comparisons. NaN fails every comparison below and falls through to Low.
func Tier(score float64) models.ThreatTier {
	switch {
	case score >= 76:
		return models.TierHigh
	case score >= 51:
		return models.TierElevated
	case score >= 26:
		return models.TierWatch
	default:
		return models.TierLow
	}
}
