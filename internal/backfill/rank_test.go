package backfill

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRankScore(t *testing.T) {
	tests := []struct {
		tier     string
		division string
		lp       int
		want     float64
	}{
		{"IRON", "IV", 0, 0},
		{"IRON", "I", 50, 3.5},
		{"gold", "ii", 57, 14.57},
		{"MASTER", "I", 120, 29.2},
		{"CHALLENGER", "", 0, 36},
		{"WOOD", "V", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.tier+"_"+tt.division, func(t *testing.T) {
			assert.InDelta(t, tt.want, RankScore(tt.tier, tt.division, tt.lp), 1e-9)
		})
	}
}

func TestRankLabel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{-1, "IRON_IV"},
		{0, "IRON_IV"},
		{3.9, "IRON_I"},
		{14.57, "GOLD_II"},
		{28.4, "MASTER"},
		{100, "CHALLENGER"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, RankLabel(tt.score))
		})
	}
}

func TestIsRankedTier(t *testing.T) {
	assert.True(t, IsRankedTier("Diamond"))
	assert.False(t, IsRankedTier(UnrankedTier))
}
