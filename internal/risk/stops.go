package risk

import (
	"math"

	"github.com/quantfunk/perpbot/internal/indicators"
	"github.com/quantfunk/perpbot/internal/signal"
)

const (
	baseStopPct   = 0.008
	minStopPct    = 0.006
	maxStopPct    = 0.015
	minRiskReward = 1.6
	maxRiskReward = 2.0
)

// StopTarget returns the initial stop-loss and take-profit for an entry. The
// stop is a clamped percentage distance; the take-profit tracks a risk/reward
// multiple that widens with confidence.
func StopTarget(action signal.Action, entry, confidence float64) (stop, takeProfit float64) {
	stopPct := math.Min(math.Max(baseStopPct, minStopPct), maxStopPct)
	rr := minRiskReward + (maxRiskReward-minRiskReward)*math.Min(math.Max(confidence, 0), 1)
	tpPct := stopPct * rr

	if action == signal.ActionBuy {
		return entry * (1 - stopPct), entry * (1 + tpPct)
	}
	return entry * (1 + stopPct), entry * (1 - tpPct)
}

// chandelierK picks the ATR multiple by volatility regime: tight in chop,
// roomy in strong trends.
func chandelierK(regime indicators.Regime, realizedVol float64) float64 {
	k := 2.0
	switch regime {
	case indicators.RegimeTrending:
		k = 3.0
	case indicators.RegimeRanging:
		k = 1.5
	}
	if !math.IsNaN(realizedVol) && realizedVol > 0.05 && k < 2.5 {
		k = 2.5
	}
	return math.Min(math.Max(k, 1.5), 3.0)
}

// ChandelierStop anchors the trailing stop to the max favorable excursion
// minus an ATR multiple. extreme is the highest price since entry for longs,
// the lowest for shorts. Returns NaN when ATR is unusable.
func ChandelierStop(action signal.Action, extreme, atr float64, regime indicators.Regime, realizedVol float64) float64 {
	if math.IsNaN(atr) || atr <= 0 {
		return math.NaN()
	}
	k := chandelierK(regime, realizedVol)
	if action == signal.ActionBuy {
		return extreme - k*atr
	}
	return extreme + k*atr
}
