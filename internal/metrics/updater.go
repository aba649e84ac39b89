package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/risk"
)

// PositionCounter reports how many positions are open. Declared here so the
// position manager can feed close metrics without an import cycle.
type PositionCounter interface {
	Count() int
}

// Updater periodically refreshes the gauges from the live managers.
type Updater struct {
	gw       *gateway.Gateway
	risk     *risk.Manager
	pos      PositionCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a metrics updater.
func NewUpdater(gw *gateway.Gateway, rm *risk.Manager, pm PositionCounter, interval time.Duration) *Updater {
	return &Updater{
		gw:       gw,
		risk:     rm,
		pos:      pm,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the update loop and blocks until stopped or cancelled.
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the update loop.
func (u *Updater) Stop() {
	close(u.stopCh)
}

func (u *Updater) update(ctx context.Context) {
	stats := u.risk.Snapshot()
	WinRate.Set(stats.WinRate)
	Drawdown.Set(stats.Drawdown)
	DailyLoss.Set(stats.DailyLoss)
	if u.risk.KillSwitchArmed() {
		KillSwitch.Set(1)
	} else {
		KillSwitch.Set(0)
	}

	OpenPositions.Set(float64(u.pos.Count()))

	bal, err := u.gw.GetBalance(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Metrics balance refresh failed")
		return
	}
	Balance.Set(bal.Total)
}
