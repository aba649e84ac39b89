package position

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/indicators"
	"github.com/quantfunk/perpbot/internal/risk"
	"github.com/quantfunk/perpbot/internal/signal"
)

const (
	breakevenArmPnL = 0.008
	tpTolerance     = 1e-5
	tpFreezeAt      = 0.70

	trailVolExpand   = 2.0 // widen when realized vol is high
	trailProfitTight = 0.8 // tighten once deeply in profit
	trailMinPct      = 0.010
	trailMaxPct      = 0.060

	stagnantPnL = 0.02
)

// Emergency stop tiers on leveraged ROI. The deepest tier always fires; the
// shallower tiers apply in the regimes where a bounce is least likely.
const (
	emergencyL3ROI = -0.40
	emergencyL2ROI = -0.25
	emergencyL1ROI = -0.15
)

// Partial exit ladder: price-move thresholds and the fraction of the
// remaining amount closed at each rung.
var partialLevels = []struct {
	pnl      float64
	fraction float64
}{
	{0.015, 0.30},
	{0.030, 0.30},
	{0.050, 0.20},
}

// UpdateAll runs the update cycle for every position due a tick. Per-symbol
// failures are logged and skipped; one bad symbol never kills the pass.
func (m *Manager) UpdateAll(ctx context.Context) {
	now := time.Now()
	for _, pos := range m.snapshot() {
		if now.Sub(pos.LastUpdate) < m.cfg.UpdateInterval {
			continue
		}
		if err := m.Update(ctx, pos.Symbol); err != nil {
			log.Warn().
				Err(err).
				Str("symbol", pos.Symbol).
				Str("error_type", fmt.Sprintf("%T", err)).
				Msg("Position update failed, skipping this tick")
		}
	}
}

// Update runs one update cycle for a symbol: refresh price, manage the stop
// and target, take partial exits, then walk the exit chain.
func (m *Manager) Update(ctx context.Context, symbol string) error {
	lock := m.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	pos, ok := m.positions[symbol]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	// A failed price read skips this position; the entry price is never
	// substituted because that would mask a stop-loss trigger.
	ticker, err := m.gw.GetTicker(ctx, symbol, gateway.PriorityHigh)
	if err != nil {
		return fmt.Errorf("ticker read: %w", err)
	}
	price := ticker.Last
	if price <= 0 {
		return fmt.Errorf("ticker for %s returned non-positive price", symbol)
	}
	pos.LastUpdate = time.Now()

	if price > pos.HighestPrice {
		pos.HighestPrice = price
	}
	if price < pos.LowestPrice {
		pos.LowestPrice = price
	}

	pnl := pos.PnL(price)

	m.armBreakeven(pos, pnl)
	m.trailStop(pos, pnl)
	m.extendTakeProfit(pos, price)

	if closed, err := m.takePartials(ctx, pos, pnl); err != nil {
		return err
	} else if closed {
		return nil
	}

	if reason := m.urgentExitReason(pos, pnl); reason != "" {
		_, err := m.closeLocked(ctx, pos, 1.0, reason)
		return err
	}

	// ATR targets sit between the time exits and the stop/TP checks in the
	// exit chain.
	if m.cfg.EnableATRTargets {
		if err := m.takeATRTargets(ctx, pos, price); err != nil {
			return err
		}
		m.mu.Lock()
		_, stillOpen := m.positions[pos.Symbol]
		m.mu.Unlock()
		if !stillOpen {
			return nil
		}
	}

	if reason := m.priceExitReason(pos, price); reason != "" {
		_, err := m.closeLocked(ctx, pos, 1.0, reason)
		return err
	}
	return nil
}

// armBreakeven moves the stop to entry once the trade is clearly positive.
// The breakeven level covers the round-trip taker fee so a stop-out at
// "breakeven" does not realize a small loss.
func (m *Manager) armBreakeven(pos *Position, pnl float64) {
	if pnl <= breakevenArmPnL {
		return
	}
	fee := 2 * m.cfg.TakerFeeRate
	if pos.Side == SideLong {
		be := pos.EntryPrice * (1 + fee)
		if pos.StopLoss < be {
			pos.StopLoss = be
			log.Debug().Str("symbol", pos.Symbol).Float64("stop", be).Msg("Breakeven stop armed")
		}
	} else {
		be := pos.EntryPrice * (1 - fee)
		if pos.StopLoss > be {
			pos.StopLoss = be
			log.Debug().Str("symbol", pos.Symbol).Float64("stop", be).Msg("Breakeven stop armed")
		}
	}
}

// trailStop tightens the stop behind the favorable extreme. The ATR
// Chandelier anchor is preferred when ATR is available; when both paths
// produce a candidate the tighter protective one wins.
func (m *Manager) trailStop(pos *Position, pnl float64) {
	d := m.cfg.TrailingBasePct
	if !math.IsNaN(pos.RealizedVol) && pos.RealizedVol > 0.05 {
		d *= trailVolExpand
	}
	if pnl > 0.20 {
		d *= trailProfitTight
	}
	d = math.Min(math.Max(d, trailMinPct), trailMaxPct)

	var pctStop float64
	action := signal.ActionBuy
	extreme := pos.HighestPrice
	if pos.Side == SideLong {
		pctStop = pos.HighestPrice * (1 - d)
	} else {
		action = signal.ActionSell
		extreme = pos.LowestPrice
		pctStop = pos.LowestPrice * (1 + d)
	}

	candidate := pctStop
	atrStop := risk.ChandelierStop(action, extreme, pos.ATR, pos.Regime, pos.RealizedVol)
	if !math.IsNaN(atrStop) {
		candidate = atrStop
		// Tighter protective stop wins when the paths disagree.
		if pos.Side == SideLong && pctStop > atrStop {
			candidate = pctStop
		} else if pos.Side == SideShort && pctStop < atrStop {
			candidate = pctStop
		}
	}

	if pos.tightenStop(candidate) {
		log.Debug().
			Str("symbol", pos.Symbol).
			Float64("stop", pos.StopLoss).
			Float64("distance", d).
			Msg("Trailing stop tightened")
	}
}

// extendTakeProfit pushes the target out while the trade is still far from
// the original target. Once price has covered 70% of the way to the initial
// TP the target freezes, and a TP that retreats from price is never accepted.
func (m *Manager) extendTakeProfit(pos *Position, price float64) {
	if pos.progressToInitialTP(price) >= tpFreezeAt {
		return
	}

	// Candidate keeps half the original entry-to-target span ahead of the
	// favorable extreme. A candidate farther from the current price than the
	// original span is rejected outright.
	span := math.Abs(pos.InitialTakeProfit - pos.EntryPrice)
	var candidate float64
	if pos.Side == SideLong {
		candidate = pos.HighestPrice + span*0.5
		if candidate <= pos.TakeProfit || candidate-price > span {
			return
		}
	} else {
		candidate = pos.LowestPrice - span*0.5
		if candidate >= pos.TakeProfit || price-candidate > span {
			return
		}
	}
	pos.TakeProfit = candidate
}

// takePartials closes ladder fractions as unleveraged P/L crosses each rung.
// Returns true when the ladder emptied the position.
func (m *Manager) takePartials(ctx context.Context, pos *Position, pnl float64) (bool, error) {
	for i := pos.PartialExitsTaken; i < len(partialLevels); i++ {
		level := partialLevels[i]
		if pnl < level.pnl {
			break
		}
		if _, err := m.closeLocked(ctx, pos, level.fraction, fmt.Sprintf("partial_exit_%d", i+1)); err != nil {
			return false, err
		}
		pos.PartialExitsTaken = i + 1

		m.mu.Lock()
		_, stillOpen := m.positions[pos.Symbol]
		m.mu.Unlock()
		if !stillOpen {
			return true, nil
		}
	}
	return false, nil
}

// takeATRTargets scales out at 1x/2x/3x ATR above entry when enabled.
func (m *Manager) takeATRTargets(ctx context.Context, pos *Position, price float64) error {
	if math.IsNaN(pos.ATR) || pos.ATR <= 0 {
		return nil
	}
	fractions := []float64{0.25, 0.25, 0.50}
	for i := pos.ATRTargetsTaken; i < len(fractions); i++ {
		target := pos.EntryPrice + float64(i+1)*pos.ATR
		hit := price >= target
		if pos.Side == SideShort {
			target = pos.EntryPrice - float64(i+1)*pos.ATR
			hit = price <= target
		}
		if !hit {
			break
		}
		if _, err := m.closeLocked(ctx, pos, fractions[i], fmt.Sprintf("atr_target_%d", i+1)); err != nil {
			return err
		}
		pos.ATRTargetsTaken = i + 1

		m.mu.Lock()
		_, stillOpen := m.positions[pos.Symbol]
		m.mu.Unlock()
		if !stillOpen {
			return nil
		}
	}
	return nil
}

// urgentExitReason covers the front of the exit chain: kill switch, the
// emergency ROI tiers and the time exits. These fire regardless of where
// price sits relative to the stop and target.
func (m *Manager) urgentExitReason(pos *Position, pnl float64) string {
	if m.risk.KillSwitchArmed() {
		return "kill_switch"
	}

	roi := pnl * float64(pos.Leverage)
	if reason := emergencyReason(pos, roi); reason != "" {
		return reason
	}

	held := time.Since(pos.OpenedAt)
	if held >= m.cfg.HardMaxHold {
		return "time_exit_max"
	}
	if held >= m.cfg.MaxHold && math.Abs(pnl) < m.stagnantThreshold() {
		return "time_exit_stagnant"
	}
	return ""
}

// stagnantThreshold is the |pnl| floor under which an aged position counts
// as stagnant.
func (m *Manager) stagnantThreshold() float64 {
	if m.cfg.MinProfitPct > 0 {
		return m.cfg.MinProfitPct
	}
	return stagnantPnL
}

// priceExitReason covers the tail of the exit chain: stop-loss then
// take-profit.
func (m *Manager) priceExitReason(pos *Position, price float64) string {
	if pos.Side == SideLong {
		if price <= pos.StopLoss {
			return "stop_loss"
		}
		if price >= pos.TakeProfit*(1-tpTolerance) {
			return "take_profit"
		}
	} else {
		if price >= pos.StopLoss {
			return "stop_loss"
		}
		if price <= pos.TakeProfit*(1+tpTolerance) {
			return "take_profit"
		}
	}
	return ""
}

// emergencyReason applies the three-tier leveraged-ROI floor. The deepest
// tier is unconditional; shallower tiers fire outside strong trends where
// recovery is less likely.
func emergencyReason(pos *Position, roi float64) string {
	switch {
	case roi <= emergencyL3ROI:
		return "emergency_stop_L3"
	case roi <= emergencyL2ROI && pos.Regime != indicators.RegimeTrending:
		return "emergency_stop_L2"
	case roi <= emergencyL1ROI && pos.Regime == indicators.RegimeRanging:
		return "emergency_stop_L1"
	}
	return ""
}
