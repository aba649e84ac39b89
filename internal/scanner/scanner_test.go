package scanner

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/indicators"
	"github.com/quantfunk/perpbot/internal/signal"
)

func trendCandles(n int, start, step float64) []gateway.Candle {
	open := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]gateway.Candle, n)
	price := start
	for i := range out {
		next := price + step
		out[i] = gateway.Candle{
			OpenTime: open.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     math.Max(price, next) * 1.001,
			Low:      math.Min(price, next) * 0.999,
			Close:    next,
			Volume:   1000 + float64(i),
		}
		price = next
	}
	return out
}

func newTestScanner(t *testing.T, cfg Config) (*Scanner, *gateway.PaperTransport) {
	t.Helper()
	paper := gateway.NewPaperTransport(100_000, 0)
	gw := gateway.New(paper, gateway.Config{RequestTimeout: 5 * time.Second})
	s, err := New(gw, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, paper
}

func containsSymbol(snap *Snapshot, symbol string) bool {
	for _, opp := range snap.Opportunities {
		if opp.Symbol == symbol {
			return true
		}
	}
	return false
}

func TestScanFiltersAndPublishes(t *testing.T) {
	s, paper := newTestScanner(t, Config{MaxWorkers: 4, BatchTimeout: 10 * time.Second})

	bars := trendCandles(120, 100, 0.5)
	paper.SeedMarkets([]gateway.SymbolMeta{
		{Symbol: "BTC/USDT:USDT"},
		{Symbol: "ILL/USDT:USDT"},  // below the volume floor
		{Symbol: "BARE/USDT:USDT"}, // no candle history
	})
	paper.SeedTicker(&gateway.Ticker{Symbol: "BTC/USDT:USDT", Last: 160, Bid: 159.9, Ask: 160.1, VolumeUSD: 5_000_000})
	paper.SeedTicker(&gateway.Ticker{Symbol: "ILL/USDT:USDT", Last: 2, Bid: 1.99, Ask: 2.01, VolumeUSD: 50_000})
	paper.SeedTicker(&gateway.Ticker{Symbol: "BARE/USDT:USDT", Last: 9, Bid: 8.99, Ask: 9.01, VolumeUSD: 8_000_000})
	for _, tf := range []gateway.Timeframe{gateway.Timeframe1h, gateway.Timeframe4h, gateway.Timeframe1d} {
		paper.SeedCandles("BTC/USDT:USDT", tf, bars)
		paper.SeedCandles("ILL/USDT:USDT", tf, bars)
	}

	require.NoError(t, s.Scan(context.Background()))

	snap, fresh := s.Latest()
	assert.True(t, fresh)
	assert.False(t, snap.UpdatedAt.IsZero())
	assert.False(t, containsSymbol(snap, "ILL/USDT:USDT"), "volume floor must exclude illiquid markets")
	assert.False(t, containsSymbol(snap, "BARE/USDT:USDT"), "missing candles skip the symbol without failing the batch")

	// The scanner publishes exactly what the signal pipeline deems actionable.
	h := indicators.Compute(indicators.NewSeries(bars))
	want := signal.Generate("BTC/USDT:USDT", h, h, h).Actionable()
	assert.Equal(t, want, containsSymbol(snap, "BTC/USDT:USDT"))
}

func TestScanShortHistoryFiltered(t *testing.T) {
	s, paper := newTestScanner(t, Config{BatchTimeout: 10 * time.Second})
	paper.SeedMarkets([]gateway.SymbolMeta{{Symbol: "NEW/USDT:USDT"}})
	paper.SeedTicker(&gateway.Ticker{Symbol: "NEW/USDT:USDT", Last: 5, Bid: 4.99, Ask: 5.01, VolumeUSD: 3_000_000})
	paper.SeedCandles("NEW/USDT:USDT", gateway.Timeframe1h, trendCandles(indicators.MinCandles-1, 5, 0.01))

	require.NoError(t, s.Scan(context.Background()))
	snap, _ := s.Latest()
	assert.Empty(t, snap.Opportunities)
}

func TestLatestStaleAfterTTL(t *testing.T) {
	s, _ := newTestScanner(t, Config{CacheTTL: 20 * time.Millisecond})

	_, fresh := s.Latest()
	assert.False(t, fresh, "empty snapshot is never fresh")

	s.publish(nil)
	_, fresh = s.Latest()
	assert.True(t, fresh)

	time.Sleep(40 * time.Millisecond)
	_, fresh = s.Latest()
	assert.False(t, fresh, "snapshots past the TTL must not be traded on")
}

func TestScoreRanking(t *testing.T) {
	base := &indicators.Snapshot{
		LastClose:   100,
		BBUpper:     104,
		BBLower:     96,
		VolumeRatio: 1.0,
		RealizedVol: 0.01,
	}

	strong := &signal.Signal{Action: signal.ActionBuy, Confidence: 0.9, MTFAligned: true, Snapshot: base}
	weak := &signal.Signal{Action: signal.ActionBuy, Confidence: 0.66, Snapshot: base}

	assert.Greater(t, Score(strong), Score(weak))
	assert.GreaterOrEqual(t, Score(weak), 0.0)
	assert.LessOrEqual(t, Score(strong), 180.0)
}

func TestScoreVolatilityPenalty(t *testing.T) {
	calm := &indicators.Snapshot{LastClose: 100, BBUpper: 104, BBLower: 96, VolumeRatio: 1.0, RealizedVol: 0.005}
	wild := &indicators.Snapshot{LastClose: 100, BBUpper: 104, BBLower: 96, VolumeRatio: 1.0, RealizedVol: 0.06}

	calmSig := &signal.Signal{Action: signal.ActionBuy, Confidence: 0.8, Snapshot: calm}
	wildSig := &signal.Signal{Action: signal.ActionBuy, Confidence: 0.8, Snapshot: wild}
	assert.Greater(t, Score(calmSig), Score(wildSig))
}

func TestBandProximity(t *testing.T) {
	atLower := &signal.Signal{Action: signal.ActionBuy, Snapshot: &indicators.Snapshot{LastClose: 96, BBUpper: 104, BBLower: 96}}
	atUpper := &signal.Signal{Action: signal.ActionBuy, Snapshot: &indicators.Snapshot{LastClose: 104, BBUpper: 104, BBLower: 96}}
	assert.InDelta(t, 1.0, bandProximity(atLower), 1e-9, "long at the lower band is the best entry")
	assert.InDelta(t, 0.0, bandProximity(atUpper), 1e-9)

	shortAtUpper := &signal.Signal{Action: signal.ActionSell, Snapshot: atUpper.Snapshot}
	assert.InDelta(t, 1.0, bandProximity(shortAtUpper), 1e-9)

	noBands := &signal.Signal{Action: signal.ActionBuy, Snapshot: &indicators.Snapshot{LastClose: 100, BBUpper: math.NaN(), BBLower: math.NaN()}}
	assert.Equal(t, 0.0, bandProximity(noBands))
}

func TestRankTopN(t *testing.T) {
	ranked := rank([]Opportunity{
		{Symbol: "B", Score: 80},
		{Symbol: "C", Score: 70},
		{Symbol: "A", Score: 90},
	}, 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, "A", ranked[0].Symbol)
	assert.Equal(t, "B", ranked[1].Symbol)
}
