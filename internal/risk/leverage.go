package risk

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantfunk/perpbot/internal/indicators"
)

const (
	leverageMin = 3
	leverageMax = 20
)

// volTier maps realized volatility (per-day fraction) to a base leverage.
type volTier struct {
	maxVol float64
	base   int
}

// Seven tiers from calm to violent.
var volTiers = []volTier{
	{0.015, 16},
	{0.025, 13},
	{0.040, 11},
	{0.050, 8},
	{0.065, 6},
	{0.080, 4},
	{math.Inf(1), 3},
}

// LeverageInputs carries the per-trade factors; account factors (streaks,
// win rate, drawdown) come from the manager's recorded state.
type LeverageInputs struct {
	Volatility float64 // realized vol, NaN when unavailable
	Confidence float64
	Momentum   float64 // fractional price change
	ADX        float64
	Regime     indicators.Regime
}

// Leverage computes the per-trade leverage from the volatility-tier base and
// eight adjustment factors, clamped to [3, 20].
func (m *Manager) Leverage(in LeverageInputs) int {
	m.mu.Lock()
	stats := m.outcomes.stats()
	drawdown := m.drawdownLocked()
	m.mu.Unlock()

	base := m.cfg.DefaultLeverage
	if !math.IsNaN(in.Volatility) {
		for _, tier := range volTiers {
			if in.Volatility <= tier.maxVol {
				base = tier.base
				break
			}
		}
	}

	lev := float64(base)

	switch {
	case in.Confidence > 0.80:
		lev += 3
	case in.Confidence < 0.62:
		lev -= 3
	}

	switch mom := math.Abs(in.Momentum); {
	case mom > 0.03:
		lev += 2
	case mom < 0.005:
		lev -= 2
	}

	if !math.IsNaN(in.ADX) {
		switch {
		case in.ADX > 30:
			lev += 2
		case in.ADX < 15:
			lev -= 2
		}
	}

	switch in.Regime {
	case indicators.RegimeTrending:
		lev += 2
	case indicators.RegimeRanging:
		lev -= 2
	}

	switch {
	case stats.winStreak >= 5:
		lev += 3
	case stats.winStreak >= 3:
		lev += 1
	}
	switch {
	case stats.lossStreak >= 5:
		lev -= 3
	case stats.lossStreak >= 3:
		lev -= 1
	}

	if stats.count >= 10 {
		switch {
		case stats.recentRate >= 0.70:
			lev += 2
		case stats.recentRate <= 0.30:
			lev -= 2
		}
	}

	switch {
	case drawdown >= 0.20:
		lev -= 10
	case drawdown >= 0.15:
		lev -= 5
	case drawdown >= 0.10:
		lev -= 2
	}

	clamped := int(math.Round(math.Min(math.Max(lev, leverageMin), leverageMax)))
	log.Debug().
		Int("base", base).
		Int("leverage", clamped).
		Float64("confidence", in.Confidence).
		Float64("volatility", in.Volatility).
		Float64("drawdown", drawdown).
		Msg("Leverage computed")
	return clamped
}
