package backfill

import (
	"math"
	"strings"
)

// UnrankedTier marks participants whose solo rank could not be found, so they
// are not fetched again and are excluded from match averages.
const UnrankedTier = "UNRANKED"

// TierOrder lists ranked tiers from lowest to highest.
var TierOrder = []string{
	"IRON", "BRONZE", "SILVER", "GOLD", "PLATINUM", "EMERALD",
	"DIAMOND", "MASTER", "GRANDMASTER", "CHALLENGER",
}

var divisionOrder = []string{"IV", "III", "II", "I"}

const masterTierIndex = 7

func indexOf(list []string, s string) int {
	s = strings.ToUpper(s)
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// RankScore maps a tier, division and league points onto a number that grows
// with rank. Master and above have no divisions.
func RankScore(tier, division string, lp int) float64 {
	t := max(indexOf(TierOrder, tier), 0)
	d := max(indexOf(divisionOrder, division), 0)
	if t >= masterTierIndex {
		d = 0
	}
	return float64(t*4+d) + float64(lp)/100
}

// RankLabel is the inverse of RankScore rounded down to a division, e.g. "GOLD_II".
func RankLabel(score float64) string {
	if score <= 0 {
		return TierOrder[0] + "_" + divisionOrder[0]
	}

	t := min(int(math.Floor(score/4)), len(TierOrder)-1)
	tier := TierOrder[t]
	if t >= masterTierIndex {
		return tier
	}

	d := min(int(math.Floor(score-float64(t*4))), len(divisionOrder)-1)
	return tier + "_" + divisionOrder[d]
}

// IsRankedTier reports whether tier is one of TierOrder.
func IsRankedTier(tier string) bool {
	return indexOf(TierOrder, tier) >= 0
}
