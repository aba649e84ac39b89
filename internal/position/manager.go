package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/indicators"
	"github.com/quantfunk/perpbot/internal/metrics"
	"github.com/quantfunk/perpbot/internal/risk"
)

// ErrNoFreeBalance signals a skipped open, not a failure: the margin check
// found the account fully committed.
var ErrNoFreeBalance = errors.New("no free balance")

// Config tunes the position manager.
type Config struct {
	UpdateInterval   time.Duration // per-position throttle, min 1s
	MaxHold          time.Duration // stagnant time exit, default 48h
	HardMaxHold      time.Duration // unconditional ceiling, default 72h
	TrailingBasePct  float64       // base trailing distance, default 1%
	TakerFeeRate     float64       // round-trip fee folded into breakeven
	MinProfitPct     float64       // stagnation threshold, 0 = default 2%
	EnableATRTargets bool
}

func (c *Config) defaults() {
	if c.UpdateInterval < time.Second {
		c.UpdateInterval = time.Second
	}
	if c.MaxHold <= 0 {
		c.MaxHold = 48 * time.Hour
	}
	if c.HardMaxHold <= 0 {
		c.HardMaxHold = 72 * time.Hour
	}
	if c.TrailingBasePct <= 0 {
		c.TrailingBasePct = 0.01
	}
}

// Manager owns all open positions keyed by symbol. The map itself is guarded
// by mu; each position's mutation path is serialized by a per-symbol lock so
// update, partial-exit and close for one symbol never interleave.
type Manager struct {
	cfg  Config
	gw   *gateway.Gateway
	risk *risk.Manager

	mu        sync.Mutex
	positions map[string]*Position
	locks     map[string]*sync.Mutex
}

// NewManager builds an empty manager.
func NewManager(gw *gateway.Gateway, riskMgr *risk.Manager, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:       cfg,
		gw:        gw,
		risk:      riskMgr,
		positions: make(map[string]*Position),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	return l
}

// Count returns the number of open positions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// Symbols returns the open symbols.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.positions))
	for s := range m.positions {
		out = append(out, s)
	}
	return out
}

// Get returns a copy of the position for a symbol.
func (m *Manager) Get(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// snapshot copies the position pointers so iteration happens outside the map
// lock.
func (m *Manager) snapshot() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// OpenRequest carries everything needed to open a position.
type OpenRequest struct {
	Symbol     string
	Side       Side
	EntryPrice float64 // live price, used for the margin check
	StopLoss   float64
	TakeProfit float64
	Amount     float64 // contracts
	Leverage   int
	Confidence float64

	ATR         float64
	RealizedVol float64
	Regime      indicators.Regime
}

// Open validates, margin-checks and submits the entry order, then stores the
// resulting position.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Position, error) {
	pos := &Position{
		Symbol:            req.Symbol,
		Side:              req.Side,
		Amount:            req.Amount,
		Leverage:          req.Leverage,
		Confidence:        req.Confidence,
		EntryPrice:        req.EntryPrice,
		StopLoss:          req.StopLoss,
		TakeProfit:        req.TakeProfit,
		InitialTakeProfit: req.TakeProfit,
		ATR:               req.ATR,
		RealizedVol:       req.RealizedVol,
		Regime:            req.Regime,
	}
	if err := pos.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	_, exists := m.positions[req.Symbol]
	m.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("position already open for %s", req.Symbol)
	}

	meta, err := m.gw.SymbolMeta(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	contractSize := meta.ContractSize
	if contractSize <= 0 {
		contractSize = 1
	}

	bal, err := m.gw.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("margin pre-check: %w", err)
	}
	required := req.EntryPrice * req.Amount * contractSize / float64(req.Leverage)
	if bal.Free < required {
		log.Info().
			Str("symbol", req.Symbol).
			Float64("required", required).
			Float64("free", bal.Free).
			Float64("used", bal.Used).
			Int("positions", m.Count()).
			Msg("No free balance for new position, skipping open")
		return nil, ErrNoFreeBalance
	}

	order, err := m.gw.CreateMarketOrder(ctx, gateway.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side.OrderSide(),
		Amount:   req.Amount,
		Leverage: req.Leverage,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", req.Symbol, err)
	}

	if order.FillPrice > 0 {
		pos.EntryPrice = order.FillPrice
	}
	pos.HighestPrice = pos.EntryPrice
	pos.LowestPrice = pos.EntryPrice
	pos.OpenedAt = time.Now()

	m.mu.Lock()
	m.positions[req.Symbol] = pos
	m.mu.Unlock()

	log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("amount", pos.Amount).
		Float64("entry", pos.EntryPrice).
		Float64("stop", pos.StopLoss).
		Float64("take_profit", pos.TakeProfit).
		Int("leverage", pos.Leverage).
		Msg("Position opened")
	return pos, nil
}

// Close fully closes a position at market and records the outcome. Returns
// the realized leveraged ROI.
func (m *Manager) Close(ctx context.Context, symbol, reason string) (float64, error) {
	lock := m.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	pos, ok := m.positions[symbol]
	m.mu.Unlock()
	if !ok {
		// Idempotent; closing an already-closed position is success.
		return 0, nil
	}
	return m.closeLocked(ctx, pos, 1.0, reason)
}

// closeLocked closes fraction of the remaining amount with a reduce-only
// market order. Caller holds the symbol lock.
func (m *Manager) closeLocked(ctx context.Context, pos *Position, fraction float64, reason string) (float64, error) {
	amount := pos.Amount * fraction
	if fraction >= 1.0 {
		amount = pos.Amount
	}

	order, err := m.gw.CreateMarketOrder(ctx, gateway.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.CloseSide(),
		Amount:     amount,
		ReduceOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("close %s: %w", pos.Symbol, err)
	}

	exitPrice := order.FillPrice
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}
	roi := pos.LeveragedROI(exitPrice)
	pnlUSD := (exitPrice - pos.EntryPrice) * amount
	if pos.Side == SideShort {
		pnlUSD = -pnlUSD
	}

	full := fraction >= 1.0 || order.Amount == 0
	if full {
		m.mu.Lock()
		delete(m.positions, pos.Symbol)
		m.mu.Unlock()
	} else {
		pos.Amount -= amount
	}

	m.recordOutcome(ctx, risk.Outcome{
		Symbol: pos.Symbol,
		PnLUSD: pnlUSD,
		ROI:    roi,
		Reason: reason,
	})
	metrics.RecordClose(reason, pnlUSD)

	log.Info().
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Float64("amount", amount).
		Float64("exit", exitPrice).
		Float64("roi", roi).
		Float64("pnl_usd", pnlUSD).
		Bool("full_close", full).
		Msg("Position closed")
	return roi, nil
}

// recordOutcome feeds the risk engine with the trade result and the freshest
// balance it can get.
func (m *Manager) recordOutcome(ctx context.Context, o risk.Outcome) {
	balance := 0.0
	if bal, err := m.gw.GetBalance(ctx); err == nil {
		balance = bal.Total
	}
	m.risk.RecordOutcome(o, balance)
}

// CloseAll closes every open position, best effort.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	for _, symbol := range m.Symbols() {
		if _, err := m.Close(ctx, symbol, reason); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Failed to close position")
		}
	}
}

// Reconcile aligns the local positions map with the venue's view. It is
// idempotent; running it twice produces the same map as once.
func (m *Manager) Reconcile(ctx context.Context) error {
	exchangePositions, err := m.gw.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	remote := make(map[string]gateway.ExchangePosition, len(exchangePositions))
	for _, ep := range exchangePositions {
		remote[ep.Symbol] = ep
	}

	for _, ep := range exchangePositions {
		lock := m.symbolLock(ep.Symbol)
		lock.Lock()
		m.mu.Lock()
		local, ok := m.positions[ep.Symbol]
		m.mu.Unlock()

		if !ok {
			adopted := m.adoptPosition(ep)
			m.mu.Lock()
			m.positions[ep.Symbol] = adopted
			m.mu.Unlock()
			log.Warn().
				Str("symbol", ep.Symbol).
				Str("side", string(adopted.Side)).
				Float64("amount", adopted.Amount).
				Msg("Adopted position found on exchange but not tracked locally")
		} else if math.Abs(local.Amount-ep.Amount) > m.lotSize(ctx, ep.Symbol) {
			log.Warn().
				Str("symbol", ep.Symbol).
				Float64("local_amount", local.Amount).
				Float64("exchange_amount", ep.Amount).
				Msg("Amount mismatch, adopting exchange value")
			local.Amount = ep.Amount
		}
		lock.Unlock()
	}

	for _, symbol := range m.Symbols() {
		if _, ok := remote[symbol]; ok {
			continue
		}
		lock := m.symbolLock(symbol)
		lock.Lock()
		m.mu.Lock()
		delete(m.positions, symbol)
		m.mu.Unlock()
		lock.Unlock()
		log.Warn().Str("symbol", symbol).Str("reason", "external_close").
			Msg("Purged position no longer present on exchange")
	}
	return nil
}

// adoptPosition synthesizes local state for a position the venue knows about
// but we do not. Entry comes from the venue; stop and target are derived from
// the mark price.
func (m *Manager) adoptPosition(ep gateway.ExchangePosition) *Position {
	side := SideLong
	if ep.Side == "short" {
		side = SideShort
	}
	entry := ep.EntryPrice
	if entry <= 0 {
		entry = ep.MarkPrice
	}
	leverage := ep.Leverage
	if leverage < 1 {
		leverage = 1
	}

	anchor := ep.MarkPrice
	if anchor <= 0 {
		anchor = entry
	}
	stopPct, tpPct := 0.008, 0.016
	stop := anchor * (1 - stopPct)
	tp := anchor * (1 + tpPct)
	if side == SideShort {
		stop = anchor * (1 + stopPct)
		tp = anchor * (1 - tpPct)
	}

	return &Position{
		Symbol:            ep.Symbol,
		Side:              side,
		Amount:            ep.Amount,
		Leverage:          leverage,
		EntryPrice:        entry,
		StopLoss:          stop,
		TakeProfit:        tp,
		InitialTakeProfit: tp,
		HighestPrice:      anchor,
		LowestPrice:       anchor,
		ATR:               math.NaN(),
		RealizedVol:       math.NaN(),
		OpenedAt:          time.Now(),
		Adopted:           true,
	}
}

// lotSize returns the symbol's lot size, the mismatch tolerance for
// reconciliation.
func (m *Manager) lotSize(ctx context.Context, symbol string) float64 {
	meta, err := m.gw.SymbolMeta(ctx, symbol)
	if err != nil || meta.LotSize <= 0 {
		return 1e-9
	}
	return meta.LotSize
}
