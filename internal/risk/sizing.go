package risk

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantfunk/perpbot/internal/gateway"
)

// riskTier maps account size to the auto risk fraction per trade.
type riskTier struct {
	maxBalance float64
	fraction   float64
}

var riskTiers = []riskTier{
	{100, 0.010},
	{1_000, 0.015},
	{10_000, 0.020},
	{100_000, 0.025},
	{math.Inf(1), 0.030},
}

// autoRiskPerTrade returns the balance-tier risk fraction.
func autoRiskPerTrade(balance float64) float64 {
	for _, tier := range riskTiers {
		if balance < tier.maxBalance {
			return tier.fraction
		}
	}
	return 0.030
}

// autoMaxNotional bounds a single position's notional by account size.
func autoMaxNotional(balance float64) float64 {
	return balance * 5
}

// confidenceMultiplier scales notional down for weaker signals.
func confidenceMultiplier(confidence float64) float64 {
	switch {
	case confidence >= 0.85:
		return 1.0
	case confidence >= 0.75:
		return 0.9
	case confidence >= 0.65:
		return 0.75
	default:
		return 0.5
	}
}

// SizeInputs carries everything the sizer needs for one trade.
type SizeInputs struct {
	Balance    float64
	Entry      float64
	StopLoss   float64
	Confidence float64
	Meta       gateway.SymbolMeta
}

// SizeResult is the sizing decision. Amount zero means skip the trade.
type SizeResult struct {
	Amount       float64 // contracts, lot-floored
	Notional     float64
	RiskFraction float64
	Skipped      string // non-empty reason when Amount is zero
}

// Size converts the risk budget into a contract amount. The risk fraction is
// the balance tier unless the configured override or adaptive Kelly applies.
func (m *Manager) Size(in SizeInputs) SizeResult {
	frac := m.cfg.RiskPerTrade
	if frac <= 0 {
		frac = autoRiskPerTrade(in.Balance)
	}
	if kf, ok := m.kellyFraction(); ok {
		frac = kf
	}
	frac = m.applyDrawdownScale(frac)

	maxNotional := m.cfg.MaxNotional
	if maxNotional <= 0 {
		maxNotional = autoMaxNotional(in.Balance)
	}

	res := SizeResult{RiskFraction: frac}
	if in.Entry <= 0 {
		res.Skipped = "invalid_entry"
		return res
	}

	riskBudget := in.Balance * frac
	distance := math.Abs(in.Entry - in.StopLoss)

	var notional float64
	if distance < in.Meta.TickSize || distance == 0 {
		// Stop at entry carries no measurable risk distance; fall back to the
		// notional cap rather than dividing by zero.
		notional = maxNotional
	} else {
		notional = riskBudget / (distance / in.Entry)
	}

	notional *= confidenceMultiplier(in.Confidence)
	notional = math.Min(notional, maxNotional)

	contractSize := in.Meta.ContractSize
	if contractSize <= 0 {
		contractSize = 1
	}
	amount := notional / (in.Entry * contractSize)
	amount = gateway.FloorToLot(amount, in.Meta.LotSize)

	if in.Meta.MaxAmount > 0 {
		amount = math.Min(amount, in.Meta.MaxAmount)
	}
	if amount < in.Meta.MinAmount || amount <= 0 {
		res.Skipped = "below_min_amount"
		return res
	}
	if in.Meta.MinNotional > 0 && amount*in.Entry*contractSize < in.Meta.MinNotional {
		res.Skipped = "below_min_notional"
		return res
	}

	res.Amount = amount
	res.Notional = amount * in.Entry * contractSize
	log.Debug().
		Float64("amount", res.Amount).
		Float64("notional", res.Notional).
		Float64("risk_fraction", frac).
		Float64("confidence", in.Confidence).
		Msg("Position sized")
	return res
}

// applyDrawdownScale shrinks the risk budget while the account is underwater.
func (m *Manager) applyDrawdownScale(frac float64) float64 {
	m.mu.Lock()
	dd := m.drawdownLocked()
	m.mu.Unlock()

	switch {
	case dd >= 0.20:
		return frac * 0.50
	case dd >= 0.15:
		return frac * 0.75
	default:
		return frac
	}
}
