package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Config carries the risk engine's tunables.
type Config struct {
	DefaultLeverage   int
	RiskPerTrade      float64 // 0 means auto by balance tier
	MaxNotional       float64 // 0 means auto by balance
	DailyLossLimit    float64 // fraction of daily start balance, e.g. 0.10
	MaxOpenPositions  int
	OutcomeRingSize   int // trade history length, 0 = 100
	MaxGroupPositions int // non-major correlation group cap, 0 = 3
}

// Manager owns all mutable risk state: the outcome history, drawdown peak,
// daily-loss accumulator and kill switch. One lock guards everything except
// the kill switch, which is atomic so the monitor can poll it lock-free.
type Manager struct {
	cfg        Config
	killSwitch atomic.Bool

	mu             sync.Mutex
	outcomes       *outcomeRing
	peakBalance    float64
	lastBalance    float64
	dailyStart     float64
	dailyLossAccum float64
	dailyDay       string // UTC date of the current accumulator window
	dailyWarned    bool
}

// NewManager builds a risk manager with an empty history.
func NewManager(cfg Config) *Manager {
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 5
	}
	if cfg.DailyLossLimit <= 0 {
		cfg.DailyLossLimit = 0.10
	}
	return &Manager{cfg: cfg, outcomes: newOutcomeRing(cfg.OutcomeRingSize)}
}

// ArmKillSwitch blocks all new opens; the monitor closes everything out.
func (m *Manager) ArmKillSwitch() {
	if !m.killSwitch.Swap(true) {
		log.Warn().Msg("Kill switch armed, no new positions will open")
	}
}

// KillSwitchArmed reports the switch state.
func (m *Manager) KillSwitchArmed() bool { return m.killSwitch.Load() }

func utcDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

// RecordOutcome folds a closed trade into the history, the drawdown peak and
// the daily-loss accumulator. balance is the post-close account balance.
func (m *Manager) RecordOutcome(o Outcome, balance float64) {
	if o.ClosedAt.IsZero() {
		o.ClosedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked(o.ClosedAt, balance)
	m.outcomes.add(o)

	if o.PnLUSD < 0 {
		m.dailyLossAccum += -o.PnLUSD
	}
	m.lastBalance = balance
	if balance > m.peakBalance {
		m.peakBalance = balance
	}

	log.Info().
		Str("symbol", o.Symbol).
		Float64("pnl_usd", o.PnLUSD).
		Float64("roi", o.ROI).
		Str("reason", o.Reason).
		Float64("daily_loss", m.dailyLossAccum).
		Msg("Outcome recorded")
}

// rollDayLocked snapshots the day-start balance on the first outcome of a new
// UTC day and resets the accumulator.
func (m *Manager) rollDayLocked(at time.Time, balance float64) {
	day := utcDay(at)
	if day == m.dailyDay {
		return
	}
	m.dailyDay = day
	m.dailyStart = balance
	m.dailyLossAccum = 0
	m.dailyWarned = false
}

// DailyLossTripped reports whether the daily loss governor blocks opens.
func (m *Manager) DailyLossTripped(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if utcDay(now) != m.dailyDay {
		// New day; the accumulator resets on the next recorded outcome.
		return false
	}
	if m.dailyStart <= 0 {
		return false
	}
	tripped := m.dailyLossAccum >= m.cfg.DailyLossLimit*m.dailyStart
	if tripped && !m.dailyWarned {
		m.dailyWarned = true
		log.Warn().
			Float64("daily_loss", m.dailyLossAccum).
			Float64("limit", m.cfg.DailyLossLimit*m.dailyStart).
			Msg("Daily loss limit tripped, opens blocked until next day")
	}
	return tripped
}

// TrackBalance records a fresh balance reading so the drawdown factor stays
// current between trades.
func (m *Manager) TrackBalance(balance float64) {
	m.mu.Lock()
	m.lastBalance = balance
	if balance > m.peakBalance {
		m.peakBalance = balance
	}
	m.mu.Unlock()
}

// drawdownLocked returns the fractional drawdown from the peak balance.
func (m *Manager) drawdownLocked() float64 {
	if m.peakBalance <= 0 || m.lastBalance <= 0 {
		return 0
	}
	dd := (m.peakBalance - m.lastBalance) / m.peakBalance
	if dd < 0 {
		return 0
	}
	return dd
}

// CanOpen aggregates the pre-open gates: kill switch, daily loss, position
// count and correlation. openSymbols is the set of currently held symbols.
func (m *Manager) CanOpen(symbol string, openSymbols []string, now time.Time) error {
	if m.KillSwitchArmed() {
		return fmt.Errorf("kill_switch")
	}
	if m.DailyLossTripped(now) {
		return fmt.Errorf("daily_loss_limit")
	}
	if m.cfg.MaxOpenPositions > 0 && len(openSymbols) >= m.cfg.MaxOpenPositions {
		return fmt.Errorf("max_positions")
	}
	if err := checkCorrelation(symbol, openSymbols, m.cfg.MaxGroupPositions); err != nil {
		return err
	}
	return nil
}

// Stats exposes a read-only summary for logging and the adaptive threshold.
type Stats struct {
	Outcomes   int
	WinRate    float64
	WinStreak  int
	LossStreak int
	Drawdown   float64
	DailyLoss  float64
}

// Snapshot returns the current risk state summary.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.outcomes.stats()
	return Stats{
		Outcomes:   s.count,
		WinRate:    s.winRate,
		WinStreak:  s.winStreak,
		LossStreak: s.lossStreak,
		Drawdown:   m.drawdownLocked(),
		DailyLoss:  m.dailyLossAccum,
	}
}
