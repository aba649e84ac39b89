package signal

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfunk/perpbot/internal/indicators"
)

// Action is the trade direction a signal recommends.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Indicator family weights for the fusion vote.
const (
	weightTrend     = 1.0
	weightMACD      = 1.0
	weightRSI       = 0.8
	weightStoch     = 0.6
	weightBollinger = 0.6
	weightVolume    = 0.5
)

const (
	rsiOversold      = 30.0
	rsiOverbought    = 70.0
	stochOversold    = 20.0
	stochOverbought  = 80.0
	bandProximityPct = 0.01 // within 1% of a band counts as "near"
	volumeSupport    = 1.5

	// scoreTieEps absorbs float dust when the weighted sides sum to the
	// same score through different vote combinations.
	scoreTieEps = 1e-9
)

// Minimum confidence floors by regime. Conservative until enough outcomes
// accumulate for the adaptive threshold to take over.
const (
	minConfTrending = 0.65
	minConfRanging  = 0.72
	minConfNeutral  = 0.70
)

// Signal is the fused multi-indicator verdict for one symbol.
type Signal struct {
	Symbol     string
	Action     Action
	Confidence float64
	Reason     string

	BuyScore   float64
	SellScore  float64
	BuyVotes   int
	SellVotes  int
	Regime     indicators.Regime
	MTFAligned bool

	// ThresholdScale adjusts the regime confidence floor; 0.7 when a higher
	// timeframe conflicts so the penalty does not double-reject the signal.
	ThresholdScale float64

	Snapshot    *indicators.Snapshot
	GeneratedAt time.Time
}

// MinConfidence returns the regime floor this signal must clear, including
// the multi-timeframe threshold scaling.
func (s *Signal) MinConfidence() float64 {
	floor := minConfNeutral
	switch s.Regime {
	case indicators.RegimeTrending:
		floor = minConfTrending
	case indicators.RegimeRanging:
		floor = minConfRanging
	}
	return floor * s.ThresholdScale
}

// Actionable reports whether the signal clears its confidence floor.
func (s *Signal) Actionable() bool {
	return s.Action != ActionHold && s.Confidence >= s.MinConfidence()
}

// Generate fuses the 1 h snapshot into a signal, with optional 4 h and 1 d
// snapshots for the multi-timeframe adjustment (nil when unavailable).
func Generate(symbol string, h1, h4, d1 *indicators.Snapshot) *Signal {
	sig := &Signal{
		Symbol:         symbol,
		Action:         ActionHold,
		Regime:         h1.Regime,
		ThresholdScale: 1.0,
		Snapshot:       h1,
		GeneratedAt:    time.Now(),
	}

	vote := func(weight, buyCond, sellCond float64) {
		// NaN conditions are dropped entirely, never counted against a side.
		if buyCond > 0 {
			sig.BuyScore += weight
			sig.BuyVotes++
		}
		if sellCond > 0 {
			sig.SellScore += weight
			sig.SellVotes++
		}
	}

	vote(weightTrend, boolCond(trendBuy(h1)), boolCond(trendSell(h1)))
	vote(weightMACD, boolCond(macdBuy(h1)), boolCond(macdSell(h1)))
	vote(weightRSI, boolCond(rsiBuy(h1)), boolCond(rsiSell(h1)))
	vote(weightStoch, boolCond(stochBuy(h1)), boolCond(stochSell(h1)))
	vote(weightBollinger, boolCond(bollingerBuy(h1)), boolCond(bollingerSell(h1)))
	vote(weightVolume, boolCond(volumeBuy(h1)), boolCond(volumeSell(h1)))

	total := sig.BuyScore + sig.SellScore
	diff := sig.BuyScore - sig.SellScore

	switch {
	case sig.BuyVotes == 0 && sig.SellVotes == 0:
		sig.Reason = "no_signals"
		return sig
	case sig.BuyVotes == sig.SellVotes || math.Abs(diff) < scoreTieEps:
		// Balanced books mean no edge, whether the votes or the weighted
		// scores tie; confidence must be zero, not 0.5.
		sig.Reason = "equal_signals: balanced"
		return sig
	}

	sig.Confidence = math.Abs(diff) / total
	if sig.BuyScore > sig.SellScore {
		sig.Action = ActionBuy
		sig.Reason = "buy_consensus"
	} else {
		sig.Action = ActionSell
		sig.Reason = "sell_consensus"
	}

	applyMultiTimeframe(sig, h4, d1)

	log.Debug().
		Str("symbol", symbol).
		Str("action", string(sig.Action)).
		Float64("confidence", sig.Confidence).
		Float64("buy_score", sig.BuyScore).
		Float64("sell_score", sig.SellScore).
		Str("regime", string(sig.Regime)).
		Msg("Signal generated")
	return sig
}

// applyMultiTimeframe boosts confidence when both higher timeframes agree and
// dampens it (together with the acting threshold) when one conflicts.
func applyMultiTimeframe(sig *Signal, h4, d1 *indicators.Snapshot) {
	if h4 == nil || d1 == nil {
		return
	}

	want := indicators.TrendBullish
	conflict := indicators.TrendBearish
	if sig.Action == ActionSell {
		want, conflict = conflict, want
	}

	t4, td := h4.Trend(), d1.Trend()
	switch {
	case t4 == want && td == want:
		sig.MTFAligned = true
		sig.Confidence = math.Min(sig.Confidence*1.20, 1.0)
	case t4 == conflict || td == conflict:
		sig.Confidence *= 0.7
		sig.ThresholdScale = 0.7
	}
}

func boolCond(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func trendBuy(s *indicators.Snapshot) bool {
	if anyNaN(s.EMAFast, s.EMASlow, s.EMAFastPrev, s.EMASlowPrev) {
		return false
	}
	return s.EMAFast > s.EMASlow && s.EMAFast > s.EMAFastPrev && s.EMASlow > s.EMASlowPrev
}

func trendSell(s *indicators.Snapshot) bool {
	if anyNaN(s.EMAFast, s.EMASlow, s.EMAFastPrev, s.EMASlowPrev) {
		return false
	}
	return s.EMAFast < s.EMASlow && s.EMAFast < s.EMAFastPrev && s.EMASlow < s.EMASlowPrev
}

func macdBuy(s *indicators.Snapshot) bool {
	if anyNaN(s.Hist, s.HistPrev) {
		return false
	}
	return s.Hist > 0 && s.Hist > s.HistPrev
}

func macdSell(s *indicators.Snapshot) bool {
	if anyNaN(s.Hist, s.HistPrev) {
		return false
	}
	return s.Hist < 0 && s.Hist < s.HistPrev
}

// rsiBuy fires while RSI is strictly below the oversold line and turning up.
// Exactly 30.0 does not count as oversold.
func rsiBuy(s *indicators.Snapshot) bool {
	if anyNaN(s.RSI, s.RSIPrev) {
		return false
	}
	return s.RSI < rsiOversold && s.RSI > s.RSIPrev
}

func rsiSell(s *indicators.Snapshot) bool {
	if anyNaN(s.RSI, s.RSIPrev) {
		return false
	}
	return s.RSI > rsiOverbought && s.RSI < s.RSIPrev
}

func stochBuy(s *indicators.Snapshot) bool {
	if anyNaN(s.StochK, s.StochD) {
		return false
	}
	return s.StochK < stochOversold && s.StochK > s.StochD
}

func stochSell(s *indicators.Snapshot) bool {
	if anyNaN(s.StochK, s.StochD) {
		return false
	}
	return s.StochK > stochOverbought && s.StochK < s.StochD
}

func bollingerBuy(s *indicators.Snapshot) bool {
	if anyNaN(s.BBLower, s.BBWidth, s.BBWidthPrev, s.LastClose) {
		return false
	}
	return s.LastClose <= s.BBLower*(1+bandProximityPct) && s.BBWidth > s.BBWidthPrev
}

func bollingerSell(s *indicators.Snapshot) bool {
	if anyNaN(s.BBUpper, s.BBWidth, s.BBWidthPrev, s.LastClose) {
		return false
	}
	return s.LastClose >= s.BBUpper*(1-bandProximityPct) && s.BBWidth > s.BBWidthPrev
}

// Volume confirmation follows short-term momentum: an elevated volume ratio
// supports whichever direction price is already moving.
func volumeBuy(s *indicators.Snapshot) bool {
	if anyNaN(s.VolumeRatio, s.Momentum) {
		return false
	}
	return s.VolumeRatio > volumeSupport && s.Momentum > 0
}

func volumeSell(s *indicators.Snapshot) bool {
	if anyNaN(s.VolumeRatio, s.Momentum) {
		return false
	}
	return s.VolumeRatio > volumeSupport && s.Momentum < 0
}

func anyNaN(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
