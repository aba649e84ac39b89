package position

import (
	"fmt"
	"math"
	"time"

	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/indicators"
)

// Side is the position direction as the venue reports it.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OrderSide maps the position direction to the order side that grows it.
func (s Side) OrderSide() gateway.Side {
	if s == SideLong {
		return gateway.SideBuy
	}
	return gateway.SideSell
}

// CloseSide maps the position direction to the reduce-only order side.
func (s Side) CloseSide() gateway.Side {
	if s == SideLong {
		return gateway.SideSell
	}
	return gateway.SideBuy
}

// Position is one open perpetual position. All fields are mutated only under
// the manager's per-symbol lock.
type Position struct {
	Symbol     string
	Side       Side
	Amount     float64 // remaining contracts
	Leverage   int
	Confidence float64

	EntryPrice        float64
	StopLoss          float64
	TakeProfit        float64
	InitialTakeProfit float64 // immutable after creation
	HighestPrice      float64 // max favorable excursion anchor (long)
	LowestPrice       float64 // min for shorts

	ATR         float64 // from the open-time snapshot, NaN when unavailable
	RealizedVol float64
	Regime      indicators.Regime

	OpenedAt          time.Time
	LastUpdate        time.Time
	PartialExitsTaken int
	ATRTargetsTaken   int
	Adopted           bool // true when reconciliation synthesized this entry
}

// PnL returns the unleveraged fractional price move at the given price.
// Exit thresholds operate on this value so they do not scale with leverage.
func (p *Position) PnL(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	move := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == SideShort {
		move = -move
	}
	return move
}

// LeveragedROI returns the return on posted margin, the user-facing number.
func (p *Position) LeveragedROI(price float64) float64 {
	return p.PnL(price) * float64(p.Leverage)
}

// validate enforces the construction invariants: a protective stop on the
// correct side and a take-profit beyond entry.
func (p *Position) validate() error {
	if p.EntryPrice <= 0 || p.Amount <= 0 {
		return fmt.Errorf("position %s: entry price and amount must be positive", p.Symbol)
	}
	if p.Leverage < 1 {
		return fmt.Errorf("position %s: leverage must be at least 1", p.Symbol)
	}
	switch p.Side {
	case SideLong:
		if p.StopLoss >= p.EntryPrice {
			return fmt.Errorf("position %s: long stop %.6f not below entry %.6f", p.Symbol, p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit <= p.EntryPrice {
			return fmt.Errorf("position %s: long take-profit %.6f not above entry %.6f", p.Symbol, p.TakeProfit, p.EntryPrice)
		}
	case SideShort:
		if p.StopLoss <= p.EntryPrice {
			return fmt.Errorf("position %s: short stop %.6f not above entry %.6f", p.Symbol, p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit >= p.EntryPrice {
			return fmt.Errorf("position %s: short take-profit %.6f not below entry %.6f", p.Symbol, p.TakeProfit, p.EntryPrice)
		}
	default:
		return fmt.Errorf("position %s: unknown side %q", p.Symbol, p.Side)
	}
	return nil
}

// tightenStop moves the stop only in the protective direction.
func (p *Position) tightenStop(candidate float64) bool {
	if math.IsNaN(candidate) {
		return false
	}
	if p.Side == SideLong {
		if candidate > p.StopLoss {
			p.StopLoss = candidate
			return true
		}
		return false
	}
	if candidate < p.StopLoss {
		p.StopLoss = candidate
		return true
	}
	return false
}

// progressToInitialTP measures how far price has travelled toward the
// original take-profit. Used to freeze TP extension near the target.
func (p *Position) progressToInitialTP(price float64) float64 {
	span := p.InitialTakeProfit - p.EntryPrice
	if span == 0 {
		return 1
	}
	return (price - p.EntryPrice) / span
}
