package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Exit reason categories (bounded set)
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
	ExitPartial    = "partial_exit"
	ExitATRTarget  = "atr_target"
	ExitTimeLimit  = "time_exit"
	ExitEmergency  = "emergency_exit"
	ExitKillSwitch = "kill_switch"
	ExitExternal   = "external_close"
	ExitOther      = "other"
)

// NormalizeExitReason maps close reasons to a bounded label set. Indexed
// reasons like partial_exit_2 collapse into their family.
func NormalizeExitReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.HasPrefix(lower, "stop_loss"):
		return ExitStopLoss
	case strings.HasPrefix(lower, "take_profit"):
		return ExitTakeProfit
	case strings.HasPrefix(lower, "partial_exit"):
		return ExitPartial
	case strings.HasPrefix(lower, "atr_target"):
		return ExitATRTarget
	case strings.HasPrefix(lower, "time_exit"):
		return ExitTimeLimit
	case strings.HasPrefix(lower, "emergency_exit"):
		return ExitEmergency
	case strings.HasPrefix(lower, "kill_switch"):
		return ExitKillSwitch
	case strings.HasPrefix(lower, "external_close"):
		return ExitExternal
	default:
		return ExitOther
	}
}

// Trading performance metrics.
var (
	Balance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpbot_balance_usd",
		Help: "Account collateral balance in USD",
	})

	WinRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpbot_win_rate",
		Help: "Win rate over the outcome window (0.0 to 1.0)",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpbot_open_positions",
		Help: "Number of currently open positions",
	})

	Drawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpbot_drawdown",
		Help: "Current drawdown from peak balance (0.0 to 1.0)",
	})

	DailyLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpbot_daily_loss_usd",
		Help: "Realized loss accumulated in the current UTC day",
	})

	KillSwitch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpbot_kill_switch",
		Help: "1 when the kill switch is armed, else 0",
	})

	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpbot_trades_closed_total",
		Help: "Closed trades by exit reason",
	}, []string{"reason"})

	TradePnL = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpbot_trade_pnl_usd",
		Help:    "Realized per-trade profit and loss in USD",
		Buckets: []float64{-500, -200, -100, -50, -20, -5, 0, 5, 20, 50, 100, 200, 500},
	})
)

// Scanner metrics.
var (
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpbot_scan_duration_seconds",
		Help:    "Wall time of a full scan cycle",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})

	Opportunities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpbot_scan_opportunities",
		Help: "Opportunities published by the most recent scan",
	})

	SignalConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpbot_signal_confidence",
		Help:    "Confidence of actionable signals",
		Buckets: prometheus.LinearBuckets(0.5, 0.05, 11),
	})
)

// RecordClose records one closed trade.
func RecordClose(reason string, pnlUSD float64) {
	TradesClosed.WithLabelValues(NormalizeExitReason(reason)).Inc()
	TradePnL.Observe(pnlUSD)
}
