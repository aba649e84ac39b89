package risk

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/indicators"
	"github.com/quantfunk/perpbot/internal/signal"
)

func newTestManager() *Manager {
	return NewManager(Config{DefaultLeverage: 5, DailyLossLimit: 0.10, MaxOpenPositions: 3})
}

func btcMeta() gateway.SymbolMeta {
	return gateway.SymbolMeta{
		Symbol: "BTC/USDT:USDT", TickSize: 0.1, LotSize: 0.001,
		ContractSize: 1, MinAmount: 0.001, MaxAmount: 100, MinNotional: 5,
	}
}

func recordN(m *Manager, n int, roi, pnl float64, at time.Time) {
	for i := 0; i < n; i++ {
		m.RecordOutcome(Outcome{Symbol: "X/USDT:USDT", ROI: roi, PnLUSD: pnl, ClosedAt: at}, 10_000)
	}
}

func TestLeverageClampedToRange(t *testing.T) {
	m := newTestManager()

	high := m.Leverage(LeverageInputs{
		Volatility: 0.010, Confidence: 0.9, Momentum: 0.05, ADX: 40,
		Regime: indicators.RegimeTrending,
	})
	assert.Equal(t, 20, high, "16 base plus all positive factors clamps at 20")

	low := m.Leverage(LeverageInputs{
		Volatility: 0.10, Confidence: 0.5, Momentum: 0.001, ADX: 10,
		Regime: indicators.RegimeRanging,
	})
	assert.Equal(t, 3, low, "3 base minus all negative factors clamps at 3")
}

func TestLeverageDefaultBaseWithoutVolatility(t *testing.T) {
	m := newTestManager()
	lev := m.Leverage(LeverageInputs{
		Volatility: math.NaN(), Confidence: 0.7, Momentum: 0.01,
		ADX: math.NaN(), Regime: indicators.RegimeNeutral,
	})
	assert.Equal(t, 5, lev)
}

func TestLeverageDrawdownPenalty(t *testing.T) {
	m := newTestManager()
	m.TrackBalance(10_000)
	m.TrackBalance(7_900) // 21% drawdown

	lev := m.Leverage(LeverageInputs{
		Volatility: 0.010, Confidence: 0.9, Momentum: 0.05, ADX: 40,
		Regime: indicators.RegimeTrending,
	})
	assert.Equal(t, 15, lev, "16+3+2+2+2-10 = 15")
}

func TestSizeNormalCase(t *testing.T) {
	m := newTestManager()
	res := m.Size(SizeInputs{
		Balance: 10_000, Entry: 50_000, StopLoss: 49_750, Confidence: 0.9,
		Meta: btcMeta(),
	})

	require.Empty(t, res.Skipped)
	// risk 2.5% of 10k = $250; distance 0.5% -> notional 50k, which meets
	// the 5x balance cap exactly; 50k/50k = 1 contract.
	assert.InDelta(t, 0.025, res.RiskFraction, 1e-9)
	assert.InDelta(t, 1.0, res.Amount, 1e-9)
}

func TestSizeZeroDistanceUsesMaxNotional(t *testing.T) {
	m := newTestManager()
	res := m.Size(SizeInputs{
		Balance: 10_000, Entry: 50_000, StopLoss: 50_000, Confidence: 0.9,
		Meta: btcMeta(),
	})

	require.Empty(t, res.Skipped)
	assert.InDelta(t, 1.0, res.Amount, 1e-9, "max notional 50k at 50k entry is 1 contract")
}

func TestSizeTinyBalanceSkipped(t *testing.T) {
	m := newTestManager()
	res := m.Size(SizeInputs{
		Balance: 10, Entry: 50_000, StopLoss: 49_750, Confidence: 0.9,
		Meta: btcMeta(),
	})

	assert.Zero(t, res.Amount)
	assert.Equal(t, "below_min_amount", res.Skipped)
}

func TestAutoRiskTiers(t *testing.T) {
	assert.InDelta(t, 0.010, autoRiskPerTrade(50), 1e-9)
	assert.InDelta(t, 0.015, autoRiskPerTrade(500), 1e-9)
	assert.InDelta(t, 0.020, autoRiskPerTrade(5_000), 1e-9)
	assert.InDelta(t, 0.025, autoRiskPerTrade(50_000), 1e-9)
	assert.InDelta(t, 0.030, autoRiskPerTrade(500_000), 1e-9)
}

func TestKellyRequiresHistory(t *testing.T) {
	m := newTestManager()
	_, ok := m.kellyFraction()
	assert.False(t, ok)

	recordN(m, 19, 0.05, 50, time.Now())
	_, ok = m.kellyFraction()
	assert.False(t, ok, "19 outcomes is below the minimum")
}

func TestKellyPositiveEdgeWithinBounds(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	// 70% winners at +5% ROI, 30% losers at -3%.
	for i := 0; i < 30; i++ {
		if i%10 < 7 {
			m.RecordOutcome(Outcome{ROI: 0.05, PnLUSD: 50, ClosedAt: now}, 10_000)
		} else {
			m.RecordOutcome(Outcome{ROI: -0.03, PnLUSD: -30, ClosedAt: now}, 10_000)
		}
	}

	risk, ok := m.kellyFraction()
	require.True(t, ok)
	assert.GreaterOrEqual(t, risk, kellyRiskFloor)
	assert.LessOrEqual(t, risk, kellyRiskCeil)
}

func TestKellyNegativeEdgeDisabled(t *testing.T) {
	m := newTestManager()
	recordN(m, 25, -0.03, -30, time.Now())
	_, ok := m.kellyFraction()
	assert.False(t, ok, "losing history never overrides the tier fraction")
}

func TestDailyLossGovernor(t *testing.T) {
	m := newTestManager()
	day1 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	m.RecordOutcome(Outcome{PnLUSD: -500, ROI: -0.05, ClosedAt: day1}, 9_500)
	assert.False(t, m.DailyLossTripped(day1), "5% of the 9.5k day start is under the limit")

	m.RecordOutcome(Outcome{PnLUSD: -460, ROI: -0.05, ClosedAt: day1.Add(time.Hour)}, 9_040)
	assert.True(t, m.DailyLossTripped(day1.Add(2*time.Hour)), "960 >= 10% of 9500")

	// Next UTC day the governor releases; the accumulator resets on the
	// first recorded outcome.
	day2 := day1.Add(24 * time.Hour)
	assert.False(t, m.DailyLossTripped(day2))
	m.RecordOutcome(Outcome{PnLUSD: -100, ROI: -0.01, ClosedAt: day2}, 8_940)
	assert.False(t, m.DailyLossTripped(day2.Add(time.Hour)))
}

func TestCanOpenGates(t *testing.T) {
	m := newTestManager()
	now := time.Now()

	require.NoError(t, m.CanOpen("BTC/USDT:USDT", nil, now))

	err := m.CanOpen("BTC/USDT:USDT", []string{"BTC/USDT:USDT"}, now)
	assert.EqualError(t, err, "duplicate_symbol")

	err = m.CanOpen("ETH/USDT:USDT", []string{"BTC/USDT:USDT", "ETH/USDC:USDC"}, now)
	assert.Error(t, err, "majors group capped at 2")

	err = m.CanOpen("SOL/USDT:USDT", []string{"A/USDT:USDT", "B/USDT:USDT", "C/USDT:USDT"}, now)
	assert.EqualError(t, err, "max_positions")

	m.ArmKillSwitch()
	err = m.CanOpen("BTC/USDT:USDT", nil, now)
	assert.EqualError(t, err, "kill_switch")
}

func TestStopTargetLongAndShort(t *testing.T) {
	stop, tp := StopTarget(signal.ActionBuy, 50_000, 1.0)
	assert.InDelta(t, 50_000*(1-0.008), stop, 1e-6)
	assert.InDelta(t, 50_000*(1+0.016), tp, 1e-6, "full confidence tracks 2.0x risk/reward")

	stop, tp = StopTarget(signal.ActionSell, 50_000, 0.0)
	assert.InDelta(t, 50_000*(1+0.008), stop, 1e-6)
	assert.InDelta(t, 50_000*(1-0.0128), tp, 1e-6, "zero confidence tracks 1.6x")
}

func TestChandelierStop(t *testing.T) {
	long := ChandelierStop(signal.ActionBuy, 51_000, 200, indicators.RegimeTrending, 0.02)
	assert.InDelta(t, 51_000-3.0*200, long, 1e-9)

	short := ChandelierStop(signal.ActionSell, 49_000, 200, indicators.RegimeRanging, 0.02)
	assert.InDelta(t, 49_000+1.5*200, short, 1e-9)

	assert.True(t, math.IsNaN(ChandelierStop(signal.ActionBuy, 51_000, math.NaN(), indicators.RegimeNeutral, 0.02)))
}

func TestOutcomeRingEviction(t *testing.T) {
	r := newOutcomeRing(0)
	for i := 0; i < defaultOutcomeRingSize+10; i++ {
		r.add(Outcome{Symbol: fmt.Sprintf("S%d", i), ROI: 0.01})
	}
	assert.Equal(t, defaultOutcomeRingSize, r.len())
	ordered := r.ordered()
	assert.Equal(t, "S10", ordered[0].Symbol, "oldest entries fall off")
}

func TestOutcomeRingConfiguredSize(t *testing.T) {
	r := newOutcomeRing(5)
	for i := 0; i < 8; i++ {
		r.add(Outcome{Symbol: fmt.Sprintf("S%d", i), ROI: 0.01})
	}
	assert.Equal(t, 5, r.len())
	assert.Equal(t, "S3", r.ordered()[0].Symbol)
}

func TestCanOpenConfiguredGroupCap(t *testing.T) {
	m := NewManager(Config{MaxOpenPositions: 10, MaxGroupPositions: 1})
	now := time.Now()

	err := m.CanOpen("ADA/USDT:USDT", []string{"SOL/USDT:USDT"}, now)
	assert.EqualError(t, err, "correlation_group_l1_full")

	// The majors group keeps its tighter built-in cap of 2.
	require.NoError(t, m.CanOpen("ETH/USDT:USDT", []string{"BTC/USDT:USDT"}, now))
}

func TestOutcomeStreaks(t *testing.T) {
	r := newOutcomeRing(0)
	r.add(Outcome{ROI: -0.01})
	r.add(Outcome{ROI: 0.02})
	r.add(Outcome{ROI: 0.02})
	r.add(Outcome{ROI: 0.02})

	s := r.stats()
	assert.Equal(t, 3, s.winStreak)
	assert.Zero(t, s.lossStreak)
}
