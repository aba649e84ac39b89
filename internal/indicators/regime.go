package indicators

import "math"

// Regime labels market structure for threshold and leverage decisions.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeNeutral  Regime = "neutral"
)

const (
	adxTrendingFloor = 25.0
	adxRangingCeil   = 20.0
	narrowBandWidth  = 0.04
)

// classifyRegime labels the snapshot from trend strength and band width.
// ADX above 25 means directional movement dominates; a weak ADX with tight
// bands means chop.
func classifyRegime(snap *Snapshot) Regime {
	if math.IsNaN(snap.ADX) {
		return RegimeNeutral
	}
	if snap.ADX > adxTrendingFloor {
		return RegimeTrending
	}
	if snap.ADX < adxRangingCeil && !math.IsNaN(snap.BBWidth) && snap.BBWidth < narrowBandWidth {
		return RegimeRanging
	}
	return RegimeNeutral
}

// TrendLabel summarizes EMA and MACD direction for multi-timeframe alignment.
type TrendLabel string

const (
	TrendBullish TrendLabel = "bullish"
	TrendBearish TrendLabel = "bearish"
	TrendMixed   TrendLabel = "mixed"
)

// Trend derives the snapshot's directional label. Both the EMA pair and the
// MACD histogram must agree for a non-mixed label.
func (s *Snapshot) Trend() TrendLabel {
	if math.IsNaN(s.EMAFast) || math.IsNaN(s.EMASlow) || math.IsNaN(s.Hist) {
		return TrendMixed
	}
	switch {
	case s.EMAFast > s.EMASlow && s.Hist > 0:
		return TrendBullish
	case s.EMAFast < s.EMASlow && s.Hist < 0:
		return TrendBearish
	default:
		return TrendMixed
	}
}
