package indicators

import "math"

// The indicators in this file are not available in cinar/indicator v2 in the
// form the signal generator needs, so they are computed directly.

// trueRange builds the TR sequence; index 0 is the plain high-low range.
func trueRange(high, low, closes []float64) []float64 {
	n := len(closes)
	tr := make([]float64, n)
	if n == 0 {
		return tr
	}
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-closes[i-1]),
				math.Abs(low[i]-closes[i-1])))
	}
	return tr
}

// smoothWilder applies Wilder's smoothing method.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}

// atr returns the latest Average True Range, NaN when underfilled.
func atr(high, low, closes []float64, period int) float64 {
	n := len(closes)
	if n < period+1 {
		return math.NaN()
	}
	smoothed := smoothWilder(trueRange(high, low, closes), period)
	return smoothed[n-1]
}

// adx returns the latest Average Directional Index, NaN when underfilled.
func adx(high, low, closes []float64, period int) float64 {
	n := len(closes)
	if n < period*2 {
		return math.NaN()
	}

	tr := trueRange(high, low, closes)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if diSum := plusDI + minusDI; diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / diSum
		}
	}

	adxValues := smoothWilder(dx, period)
	v := adxValues[n-1]
	if v == 0 {
		return math.NaN()
	}
	return v
}

// stochastic returns the latest %K and smoothed %D.
func stochastic(high, low, closes []float64, period, smooth int) (k, d float64) {
	n := len(closes)
	if n < period+smooth {
		return math.NaN(), math.NaN()
	}

	kValues := make([]float64, 0, n-period+1)
	for i := period - 1; i < n; i++ {
		hi, lo := high[i], low[i]
		for j := i - period + 1; j < i; j++ {
			hi = math.Max(hi, high[j])
			lo = math.Min(lo, low[j])
		}
		if hi == lo {
			kValues = append(kValues, 50)
			continue
		}
		kValues = append(kValues, 100*(closes[i]-lo)/(hi-lo))
	}

	sum := 0.0
	for _, v := range kValues[len(kValues)-smooth:] {
		sum += v
	}
	return kValues[len(kValues)-1], sum / float64(smooth)
}

// volumeRatio compares the latest volume to the rolling average of the
// preceding bars.
func volumeRatio(volume []float64, period int) float64 {
	n := len(volume)
	if n < period+1 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range volume[n-period-1 : n-1] {
		sum += v
	}
	avg := sum / float64(period)
	if avg == 0 {
		return math.NaN()
	}
	return volume[n-1] / avg
}

// vwap returns the volume-weighted average price over the last period bars,
// using the typical price per bar.
func vwap(high, low, closes, volume []float64, period int) float64 {
	n := len(closes)
	if n < period {
		return math.NaN()
	}
	var pvSum, vSum float64
	for i := n - period; i < n; i++ {
		typical := (high[i] + low[i] + closes[i]) / 3
		pvSum += typical * volume[i]
		vSum += volume[i]
	}
	if vSum == 0 {
		return math.NaN()
	}
	return pvSum / vSum
}

// priceChange returns the fractional close-to-close change over period bars.
func priceChange(closes []float64, period int) float64 {
	n := len(closes)
	if n < period+1 {
		return math.NaN()
	}
	base := closes[n-period-1]
	if base == 0 {
		return math.NaN()
	}
	return (closes[n-1] - base) / base
}

// realizedVol returns the standard deviation of per-bar returns over the
// window.
func realizedVol(closes []float64, bars int) float64 {
	n := len(closes)
	if n < bars+1 {
		return math.NaN()
	}
	returns := make([]float64, 0, bars)
	for i := n - bars; i < n; i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(returns) < 2 {
		return math.NaN()
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}
