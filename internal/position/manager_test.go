package position

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/risk"
)

const testSymbol = "BTC/USDT:USDT"

// flakyTransport wraps the paper venue and injects ticker failures on demand.
type flakyTransport struct {
	*gateway.PaperTransport

	mu         sync.Mutex
	tickerErrs []error
}

func (f *flakyTransport) FetchTicker(ctx context.Context, symbol string) (*gateway.Ticker, error) {
	f.mu.Lock()
	var err error
	if len(f.tickerErrs) > 0 {
		err = f.tickerErrs[0]
		f.tickerErrs = f.tickerErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.PaperTransport.FetchTicker(ctx, symbol)
}

func (f *flakyTransport) failNextTicker(err error) {
	f.mu.Lock()
	f.tickerErrs = append(f.tickerErrs, err)
	f.mu.Unlock()
}

type fixture struct {
	paper *gateway.PaperTransport
	flaky *flakyTransport
	gw    *gateway.Gateway
	risk  *risk.Manager
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	paper := gateway.NewPaperTransport(10_000, 0)
	paper.SeedTicker(&gateway.Ticker{
		Symbol: testSymbol, Bid: 49_995, Ask: 50_005, Last: 50_000,
		VolumeUSD: 5e9, Timestamp: time.Now(),
	})
	paper.SeedMarkets([]gateway.SymbolMeta{{
		Symbol: testSymbol, TickSize: 0.1, LotSize: 0.001,
		ContractSize: 1, MinAmount: 0.001, MaxAmount: 100, MinNotional: 5,
	}})
	flaky := &flakyTransport{PaperTransport: paper}
	gw := gateway.New(flaky, gateway.Config{RequestTimeout: 2 * time.Second})
	riskMgr := risk.NewManager(risk.Config{DefaultLeverage: 5, DailyLossLimit: 0.10, MaxOpenPositions: 3})
	mgr := NewManager(gw, riskMgr, Config{UpdateInterval: time.Second})
	return &fixture{paper: paper, flaky: flaky, gw: gw, risk: riskMgr, mgr: mgr}
}

// setPrice moves the venue quote. Fills happen at bid/ask; exits read Last.
func (f *fixture) setPrice(price float64) {
	f.paper.SeedTicker(&gateway.Ticker{
		Symbol: testSymbol, Bid: price, Ask: price, Last: price,
		VolumeUSD: 5e9, Timestamp: time.Now(),
	})
}

// update runs one cycle with the throttle bypassed.
func (f *fixture) update(t *testing.T) {
	t.Helper()
	require.NoError(t, f.mgr.Update(context.Background(), testSymbol))
}

func openLong(t *testing.T, f *fixture) *Position {
	t.Helper()
	f.setPrice(50_000)
	pos, err := f.mgr.Open(context.Background(), OpenRequest{
		Symbol:     testSymbol,
		Side:       SideLong,
		EntryPrice: 50_000,
		StopLoss:   49_750,
		TakeProfit: 51_000,
		Amount:     0.5,
		Leverage:   5,
		Confidence: 0.8,
		ATR: math.NaN(),
		RealizedVol: 0.02,
	})
	require.NoError(t, err)
	return pos
}

func TestOpenValidatesInvariants(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Open(context.Background(), OpenRequest{
		Symbol: testSymbol, Side: SideLong, EntryPrice: 50_000,
		StopLoss: 50_100, TakeProfit: 51_000, Amount: 0.5, Leverage: 5,
	})
	assert.Error(t, err, "long stop above entry is rejected")

	_, err = f.mgr.Open(context.Background(), OpenRequest{
		Symbol: testSymbol, Side: SideShort, EntryPrice: 50_000,
		StopLoss: 50_400, TakeProfit: 50_200, Amount: 0.5, Leverage: 5,
	})
	assert.Error(t, err, "short take-profit above entry is rejected")
}

func TestOpenInsufficientMarginSkips(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Open(context.Background(), OpenRequest{
		Symbol: testSymbol, Side: SideLong, EntryPrice: 50_000,
		StopLoss: 49_750, TakeProfit: 51_000, Amount: 10, Leverage: 5,
	})
	assert.ErrorIs(t, err, ErrNoFreeBalance, "100k margin against a 10k account")
	assert.Zero(t, f.mgr.Count())
}

func TestOpenTrailCloseAtTakeProfit(t *testing.T) {
	f := newFixture(t)
	pos := openLong(t, f)
	entry := pos.EntryPrice

	f.setPrice(50_450)
	f.update(t)
	got, ok := f.mgr.Get(testSymbol)
	require.True(t, ok)
	assert.GreaterOrEqual(t, got.StopLoss, entry, "breakeven armed above +0.8%")

	f.setPrice(50_600)
	f.update(t)

	// At exactly tp*(1-1e-5) the tolerance close fires. The same tick also
	// crosses the first partial rung, so two outcomes land.
	f.setPrice(51_000 * (1 - 1e-5))
	f.update(t)
	assert.Zero(t, f.mgr.Count(), "position closed at take-profit")

	stats := f.risk.Snapshot()
	assert.Equal(t, 2, stats.Outcomes)
}

func TestTakeProfitToleranceBoundary(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)

	f.setPrice(51_000 * (1 - 2e-5))
	f.update(t)
	assert.Equal(t, 1, f.mgr.Count(), "two tolerances below the target does not fire")

	f.setPrice(51_000 * (1 - 1e-5))
	f.update(t)
	assert.Zero(t, f.mgr.Count())
}

func TestStopMonotoneUnderPriceRetrace(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)

	f.setPrice(50_600)
	f.update(t)
	first, _ := f.mgr.Get(testSymbol)

	f.setPrice(50_200) // retrace; the stop must not loosen
	f.update(t)
	second, _ := f.mgr.Get(testSymbol)
	assert.GreaterOrEqual(t, second.StopLoss, first.StopLoss)

	f.setPrice(50_560)
	f.update(t)
	third, _ := f.mgr.Get(testSymbol)
	assert.GreaterOrEqual(t, third.StopLoss, second.StopLoss)
}

func TestInitialTakeProfitImmutable(t *testing.T) {
	f := newFixture(t)
	pos := openLong(t, f)
	initial := pos.InitialTakeProfit

	for _, price := range []float64{50_200, 50_400, 50_600, 50_300, 50_650} {
		f.setPrice(price)
		f.update(t)
		got, ok := f.mgr.Get(testSymbol)
		require.True(t, ok)
		assert.Equal(t, initial, got.InitialTakeProfit)
	}
}

func TestPartialScaleOuts(t *testing.T) {
	f := newFixture(t)
	f.setPrice(50_000)
	// A wide target keeps the take-profit exit out of the way so the whole
	// ladder plays out.
	_, err := f.mgr.Open(context.Background(), OpenRequest{
		Symbol:     testSymbol,
		Side:       SideLong,
		EntryPrice: 50_000,
		StopLoss:   49_750,
		TakeProfit: 53_000,
		Amount:     0.5,
		Leverage:   5,
		Confidence: 0.8,
		ATR:        math.NaN(),
	})
	require.NoError(t, err)

	f.setPrice(50_750) // +1.5%
	f.update(t)
	got, ok := f.mgr.Get(testSymbol)
	require.True(t, ok)
	assert.Equal(t, 1, got.PartialExitsTaken)
	assert.InDelta(t, 0.35, got.Amount, 1e-9, "30% of 0.5 closed")

	f.setPrice(51_500) // +3.0%
	f.update(t)
	got, _ = f.mgr.Get(testSymbol)
	assert.Equal(t, 2, got.PartialExitsTaken)
	assert.InDelta(t, 0.245, got.Amount, 1e-9, "30% of the remaining 0.35")

	f.setPrice(52_500) // +5.0%
	f.update(t)
	got, ok = f.mgr.Get(testSymbol)
	require.True(t, ok, "the final 80% of the third rung keeps riding")
	assert.Equal(t, 3, got.PartialExitsTaken)
	assert.InDelta(t, 0.196, got.Amount, 1e-9)
}

func TestATRTargetsPrecedeTakeProfit(t *testing.T) {
	f := newFixture(t)
	f.mgr.cfg.EnableATRTargets = true
	f.setPrice(50_000)
	_, err := f.mgr.Open(context.Background(), OpenRequest{
		Symbol:     testSymbol,
		Side:       SideLong,
		EntryPrice: 50_000,
		StopLoss:   49_750,
		TakeProfit: 50_150,
		Amount:     0.5,
		Leverage:   5,
		Confidence: 0.8,
		ATR:        200,
	})
	require.NoError(t, err)

	// 50 200 crosses both the first ATR target (entry + 1 ATR) and the
	// take-profit. The ATR scale-out fires first, then the TP close takes
	// the remainder, so two outcomes land instead of one.
	f.setPrice(50_200)
	f.update(t)
	assert.Zero(t, f.mgr.Count())

	stats := f.risk.Snapshot()
	assert.Equal(t, 2, stats.Outcomes, "atr_target_1 scale-out precedes the take_profit close")
}

func TestStagnantExitUsesConfiguredThreshold(t *testing.T) {
	f := newFixture(t)
	f.mgr.cfg.MinProfitPct = 0.005
	pos := openLong(t, f)
	pos.OpenedAt = time.Now().Add(-49 * time.Hour)

	// +1% is above the configured 0.5% threshold: the aged position is not
	// stagnant and keeps riding.
	f.setPrice(50_500)
	f.update(t)
	assert.Equal(t, 1, f.mgr.Count())

	// +0.3% is under the threshold: the time exit fires.
	f.setPrice(50_150)
	f.update(t)
	assert.Zero(t, f.mgr.Count())
}

func TestTickerFailureNeverSubstitutesPrice(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)

	// All retry attempts fail; the update must skip, not fall back.
	for i := 0; i < 5; i++ {
		f.flaky.failNextTicker(errors.New("timeout"))
	}
	err := f.mgr.Update(context.Background(), testSymbol)
	assert.Error(t, err)
	assert.Equal(t, 1, f.mgr.Count(), "no close on a failed price read")

	// Next tick the price is back and below the stop: the close fires.
	f.setPrice(49_700)
	f.update(t)
	assert.Zero(t, f.mgr.Count())

	stats := f.risk.Snapshot()
	assert.Equal(t, 1, stats.Outcomes)
}

func TestKillSwitchClosesOnNextTick(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)
	f.risk.ArmKillSwitch()

	f.setPrice(50_100)
	f.update(t)
	assert.Zero(t, f.mgr.Count())
}

func TestCloseIdempotent(t *testing.T) {
	f := newFixture(t)
	openLong(t, f)

	roi, err := f.mgr.Close(context.Background(), testSymbol, "manual")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, roi, 0.01)

	roi, err = f.mgr.Close(context.Background(), testSymbol, "manual")
	require.NoError(t, err, "closing an already-closed position is success")
	assert.Zero(t, roi)
	assert.Zero(t, f.mgr.Count())
}

func TestReconcileAdoptsAndPurges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Venue has a position we do not know about.
	openLong(t, f)
	f.mgr.mu.Lock()
	delete(f.mgr.positions, testSymbol)
	f.mgr.mu.Unlock()

	require.NoError(t, f.mgr.Reconcile(ctx))
	adopted, ok := f.mgr.Get(testSymbol)
	require.True(t, ok)
	assert.True(t, adopted.Adopted)
	assert.Equal(t, SideLong, adopted.Side)
	assert.Greater(t, adopted.StopLoss, 0.0)

	// Idempotence: a second run changes nothing.
	require.NoError(t, f.mgr.Reconcile(ctx))
	again, _ := f.mgr.Get(testSymbol)
	assert.Equal(t, adopted.Amount, again.Amount)
	assert.Equal(t, 1, f.mgr.Count())

	// Now the venue loses the position: local state is purged.
	_, err := f.gw.CreateMarketOrder(ctx, gateway.OrderRequest{
		Symbol: testSymbol, Side: gateway.SideSell, Amount: adopted.Amount, ReduceOnly: true,
	})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Reconcile(ctx))
	assert.Zero(t, f.mgr.Count())
}

func TestEmergencyStopTiers(t *testing.T) {
	pos := &Position{Side: SideLong, Leverage: 10, EntryPrice: 100}
	assert.Equal(t, "emergency_stop_L3", emergencyReason(pos, -0.45))
	assert.Equal(t, "emergency_stop_L2", emergencyReason(pos, -0.30))
	assert.Empty(t, emergencyReason(pos, -0.16), "L1 needs a ranging regime")

	pos.Regime = "ranging"
	assert.Equal(t, "emergency_stop_L1", emergencyReason(pos, -0.16))
	pos.Regime = "trending"
	assert.Empty(t, emergencyReason(pos, -0.30), "L2 spares strong trends")
	assert.Equal(t, "emergency_stop_L3", emergencyReason(pos, -0.41))
}
