package indicators

import (
	"math"
	"sync"
	"time"

	"github.com/quantfunk/perpbot/internal/gateway"
)

// MinCandles is the minimum series length accepted for a full snapshot.
// Shorter series still produce a snapshot but underfilled windows are NaN.
const MinCandles = 50

// Series is the column-oriented OHLCV view the indicator computations run
// over. Computation never calls back into I/O; callers fetch candles first.
type Series struct {
	Times  []time.Time
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// NewSeries converts candle rows into columns.
func NewSeries(candles []gateway.Candle) *Series {
	s := &Series{
		Times:  make([]time.Time, len(candles)),
		Open:   make([]float64, len(candles)),
		High:   make([]float64, len(candles)),
		Low:    make([]float64, len(candles)),
		Close:  make([]float64, len(candles)),
		Volume: make([]float64, len(candles)),
	}
	for i, c := range candles {
		s.Times[i] = c.OpenTime
		s.Open[i] = c.Open
		s.High[i] = c.High
		s.Low[i] = c.Low
		s.Close[i] = c.Close
		s.Volume[i] = c.Volume
	}
	return s
}

// Len returns the number of rows.
func (s *Series) Len() int { return len(s.Close) }

// LastClose returns the most recent close, or NaN for an empty series.
func (s *Series) LastClose() float64 {
	if s.Len() == 0 {
		return math.NaN()
	}
	return s.Close[s.Len()-1]
}

// feed converts a slice into the closed channel form the cinar indicators
// consume.
func feed(values []float64) <-chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

// collect drains an indicator output channel back into a slice.
func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// collectAll drains sibling output channels concurrently. Multi-output
// indicators feed all their channels from one producer goroutine over
// unbuffered pipelines, so draining one channel to completion while a
// sibling sits unread would block the producer forever.
func collectAll(chans ...<-chan float64) [][]float64 {
	out := make([][]float64, len(chans))
	var wg sync.WaitGroup
	for i, ch := range chans {
		wg.Add(1)
		go func(i int, ch <-chan float64) {
			defer wg.Done()
			out[i] = collect(ch)
		}(i, ch)
	}
	wg.Wait()
	return out
}

// lastTwo returns the final two values of a computed sequence, NaN-padding
// when the window never filled.
func lastTwo(values []float64) (prev, last float64) {
	switch len(values) {
	case 0:
		return math.NaN(), math.NaN()
	case 1:
		return math.NaN(), values[0]
	default:
		return values[len(values)-2], values[len(values)-1]
	}
}
