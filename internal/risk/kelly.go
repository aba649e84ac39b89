package risk

import (
	"math"

	"github.com/rs/zerolog/log"
)

const (
	kellyFractionMin = 0.40
	kellyFractionMax = 0.65
	kellyRiskFloor   = 0.005
	kellyRiskCeil    = 0.035
)

// kellyFraction computes the adaptive fractional Kelly risk percentage once
// enough outcomes have accumulated. Returns false while history is thin or
// the edge is non-positive.
func (m *Manager) kellyFraction() (float64, bool) {
	m.mu.Lock()
	stats := m.outcomes.stats()
	m.mu.Unlock()

	if stats.count < kellyMinOutcomes || stats.avgLoss <= 0 {
		return 0, false
	}

	p := stats.winRate
	w := stats.avgWin
	l := stats.avgLoss
	k := (p*w - (1-p)*l) / l
	if k <= 0 {
		return 0, false
	}

	// Scale the fractional coefficient by how consistent recent performance
	// is with the full history; erratic runs get the conservative end.
	divergence := math.Abs(stats.winRate - stats.recentRate)
	consistency := 1 - math.Min(divergence/0.25, 1)
	fraction := kellyFractionMin + (kellyFractionMax-kellyFractionMin)*consistency

	risk := k * fraction
	if stats.lossStreak >= 3 {
		risk *= 0.7
	} else if stats.winStreak >= 5 {
		risk *= 1.1
	}

	risk = math.Min(math.Max(risk, kellyRiskFloor), kellyRiskCeil)
	log.Debug().
		Float64("kelly", k).
		Float64("fraction", fraction).
		Float64("risk", risk).
		Int("outcomes", stats.count).
		Msg("Adaptive Kelly risk applied")
	return risk, true
}
