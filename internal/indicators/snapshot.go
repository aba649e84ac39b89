package indicators

import (
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// Default periods. The fast/slow EMA pair drives the trend vote; the rest
// follow common settings.
const (
	EMAFastPeriod   = 9
	EMASlowPeriod   = 21
	MACDFastPeriod  = 12
	MACDSlowPeriod  = 26
	MACDSignal      = 9
	RSIPeriod       = 14
	StochPeriod     = 14
	StochSmooth     = 3
	BollingerPeriod = 20
	ATRPeriod       = 14
	ADXPeriod       = 14
	VolumeAvgPeriod = 20
	MomentumPeriod  = 10
	RealizedVolBars = 24
)

// Snapshot is the computed indicator state for one symbol and timeframe.
// Underfilled windows are NaN; consumers drop NaN contributions.
type Snapshot struct {
	LastClose float64

	EMAFast     float64
	EMASlow     float64
	EMAFastPrev float64
	EMASlowPrev float64

	MACDLine   float64
	MACDSig    float64
	Hist       float64
	HistPrev   float64

	RSI     float64
	RSIPrev float64

	StochK float64
	StochD float64

	BBUpper     float64
	BBMiddle    float64
	BBLower     float64
	BBWidth     float64
	BBWidthPrev float64

	ATR         float64
	ADX         float64
	VolumeRatio float64
	VWAP        float64
	Momentum    float64 // fractional price change over MomentumPeriod bars
	RealizedVol float64 // stddev of returns over RealizedVolBars, per bar

	Regime Regime
}

// Compute builds a snapshot over the series. It is pure CPU work; the caller
// is responsible for having fetched enough candles (MinCandles for a fully
// populated snapshot).
func Compute(s *Series) *Snapshot {
	snap := &Snapshot{LastClose: s.LastClose()}
	n := s.Len()
	if n == 0 {
		return nanSnapshot(snap)
	}

	snap.EMAFastPrev, snap.EMAFast = emaLastTwo(s.Close, EMAFastPeriod)
	snap.EMASlowPrev, snap.EMASlow = emaLastTwo(s.Close, EMASlowPeriod)

	snap.MACDLine, snap.MACDSig, snap.Hist, snap.HistPrev = macdState(s.Close)
	snap.RSIPrev, snap.RSI = rsiLastTwo(s.Close)
	snap.BBUpper, snap.BBMiddle, snap.BBLower, snap.BBWidth, snap.BBWidthPrev = bollingerState(s.Close)

	snap.StochK, snap.StochD = stochastic(s.High, s.Low, s.Close, StochPeriod, StochSmooth)
	snap.ATR = atr(s.High, s.Low, s.Close, ATRPeriod)
	snap.ADX = adx(s.High, s.Low, s.Close, ADXPeriod)
	snap.VolumeRatio = volumeRatio(s.Volume, VolumeAvgPeriod)
	snap.VWAP = vwap(s.High, s.Low, s.Close, s.Volume, VolumeAvgPeriod)
	snap.Momentum = priceChange(s.Close, MomentumPeriod)
	snap.RealizedVol = realizedVol(s.Close, RealizedVolBars)

	snap.Regime = classifyRegime(snap)
	return snap
}

func nanSnapshot(snap *Snapshot) *Snapshot {
	nan := math.NaN()
	snap.EMAFast, snap.EMASlow, snap.EMAFastPrev, snap.EMASlowPrev = nan, nan, nan, nan
	snap.MACDLine, snap.MACDSig, snap.Hist, snap.HistPrev = nan, nan, nan, nan
	snap.RSI, snap.RSIPrev, snap.StochK, snap.StochD = nan, nan, nan, nan
	snap.BBUpper, snap.BBMiddle, snap.BBLower, snap.BBWidth, snap.BBWidthPrev = nan, nan, nan, nan, nan
	snap.ATR, snap.ADX, snap.VolumeRatio, snap.VWAP = nan, nan, nan, nan
	snap.Momentum, snap.RealizedVol = nan, nan
	snap.Regime = RegimeNeutral
	return snap
}

func emaLastTwo(closes []float64, period int) (prev, last float64) {
	if len(closes) < period {
		return math.NaN(), math.NaN()
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return lastTwo(collect(ema.Compute(feed(closes))))
}

func macdState(closes []float64) (line, sig, hist, histPrev float64) {
	if len(closes) < MACDSlowPeriod+MACDSignal {
		nan := math.NaN()
		return nan, nan, nan, nan
	}
	macd := trend.NewMacdWithPeriod[float64](MACDFastPeriod, MACDSlowPeriod, MACDSignal)
	macdChan, signalChan := macd.Compute(feed(closes))
	drained := collectAll(macdChan, signalChan)
	lines, signals := drained[0], drained[1]

	k := len(lines)
	if len(signals) < k {
		k = len(signals)
	}
	if k == 0 {
		nan := math.NaN()
		return nan, nan, nan, nan
	}
	lines = lines[len(lines)-k:]
	signals = signals[len(signals)-k:]

	line = lines[k-1]
	sig = signals[k-1]
	hist = line - sig
	histPrev = math.NaN()
	if k >= 2 {
		histPrev = lines[k-2] - signals[k-2]
	}
	return line, sig, hist, histPrev
}

func rsiLastTwo(closes []float64) (prev, last float64) {
	if len(closes) < RSIPeriod+1 {
		return math.NaN(), math.NaN()
	}
	rsi := momentum.NewRsiWithPeriod[float64](RSIPeriod)
	return lastTwo(collect(rsi.Compute(feed(closes))))
}

func bollingerState(closes []float64) (upper, middle, lower, width, widthPrev float64) {
	if len(closes) < BollingerPeriod+1 {
		nan := math.NaN()
		return nan, nan, nan, nan, nan
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](BollingerPeriod)
	lowerChan, middleChan, upperChan := bb.Compute(feed(closes))
	drained := collectAll(lowerChan, middleChan, upperChan)
	lowers, middles, uppers := drained[0], drained[1], drained[2]

	k := len(middles)
	if len(lowers) < k {
		k = len(lowers)
	}
	if len(uppers) < k {
		k = len(uppers)
	}
	if k == 0 {
		nan := math.NaN()
		return nan, nan, nan, nan, nan
	}
	lowers = lowers[len(lowers)-k:]
	middles = middles[len(middles)-k:]
	uppers = uppers[len(uppers)-k:]

	upper = uppers[k-1]
	middle = middles[k-1]
	lower = lowers[k-1]
	width = bandWidth(uppers[k-1], lowers[k-1], middles[k-1])
	widthPrev = math.NaN()
	if k >= 2 {
		widthPrev = bandWidth(uppers[k-2], lowers[k-2], middles[k-2])
	}
	return upper, middle, lower, width, widthPrev
}

func bandWidth(upper, lower, middle float64) float64 {
	if middle == 0 {
		return math.NaN()
	}
	return (upper - lower) / middle
}
