// Package engine coordinates the three long-running tasks: the market
// scanner, the trading loop and the position monitor. It owns startup order
// and the shutdown sequence.
package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantfunk/perpbot/internal/config"
	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/metrics"
	"github.com/quantfunk/perpbot/internal/ml"
	"github.com/quantfunk/perpbot/internal/position"
	"github.com/quantfunk/perpbot/internal/risk"
	"github.com/quantfunk/perpbot/internal/scanner"
	"github.com/quantfunk/perpbot/internal/signal"
)

const (
	// The monitor gets a head start so live positions are under management
	// before any scanning or trading happens.
	monitorHeadStart  = 500 * time.Millisecond
	scannerStartDelay = time.Second

	// Opportunities older than this are re-confirmed against a live quote
	// before acting; more drift than this kills the entry.
	confirmAfter    = 30 * time.Second
	confirmMaxDrift = 0.01

	shutdownCloseWait = 30 * time.Second
	metricsInterval   = 15 * time.Second
)

// Engine wires the components together and runs them.
type Engine struct {
	cfg       *config.Config
	gw        *gateway.Gateway
	risk      *risk.Manager
	positions *position.Manager
	scanner   *scanner.Scanner
	predictor ml.Predictor

	metricsSrv *metrics.Server
	updater    *metrics.Updater
}

// Deps carries the constructed components. Predictor may be nil.
type Deps struct {
	Gateway   *gateway.Gateway
	Risk      *risk.Manager
	Positions *position.Manager
	Scanner   *scanner.Scanner
	Predictor ml.Predictor
	Metrics   *metrics.Server
}

// New assembles the engine.
func New(cfg *config.Config, deps Deps) *Engine {
	e := &Engine{
		cfg:        cfg,
		gw:         deps.Gateway,
		risk:       deps.Risk,
		positions:  deps.Positions,
		scanner:    deps.Scanner,
		predictor:  deps.Predictor,
		metricsSrv: deps.Metrics,
	}
	if e.predictor == nil {
		e.predictor = ml.Noop{}
	}
	e.updater = metrics.NewUpdater(e.gw, e.risk, e.positions, metricsInterval)
	return e
}

// Run starts the engine and blocks until ctx is cancelled, then runs the
// shutdown sequence. Startup order matters: the account is put in one-way
// mode and reconciled before any loop starts.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.gw.Connect(ctx); err != nil {
		return err
	}
	if err := e.positions.Reconcile(ctx); err != nil {
		return err
	}
	if bal, err := e.gw.GetBalance(ctx); err == nil {
		e.risk.TrackBalance(bal.Total)
	}

	if e.metricsSrv != nil {
		if err := e.metricsSrv.Start(); err != nil {
			return err
		}
	}

	// Loops run on their own context so shutdown controls the ordering.
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	var g errgroup.Group
	g.Go(func() error { e.monitorLoop(loopCtx); return nil })
	g.Go(func() error {
		sleepCtx(loopCtx, monitorHeadStart+scannerStartDelay)
		e.scannerLoop(loopCtx)
		return nil
	})
	g.Go(func() error {
		sleepCtx(loopCtx, monitorHeadStart)
		e.mainLoop(loopCtx)
		return nil
	})
	if e.metricsSrv != nil {
		g.Go(func() error { e.updater.Start(loopCtx); return nil })
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown requested")

	// Arm the kill switch first; the monitor's exit chain closes positions on
	// its next tick while the trading loop can no longer open new ones.
	e.risk.ArmKillSwitch()
	if e.cfg.Trading.CloseOnShutdown {
		e.waitForFlat(shutdownCloseWait)
	}

	cancelLoops()
	err := g.Wait()

	if e.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := e.metricsSrv.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("Metrics server shutdown failed")
		}
	}
	e.gw.Close()
	log.Info().Msg("Engine stopped")
	return err
}

// waitForFlat blocks until every position is closed or the bound elapses.
func (e *Engine) waitForFlat(bound time.Duration) {
	deadline := time.Now().Add(bound)
	for e.positions.Count() > 0 {
		if time.Now().After(deadline) {
			log.Warn().
				Int("remaining", e.positions.Count()).
				Msg("Shutdown close wait elapsed with positions still open")
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	log.Info().Msg("All positions closed")
}

// monitorLoop drives the position update cycle.
func (e *Engine) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Trading.LiveLoopInterval())
	defer ticker.Stop()
	log.Info().Msg("Position monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.positions.UpdateAll(ctx)
		}
	}
}

// scannerLoop runs a scan immediately and then once per check interval.
func (e *Engine) scannerLoop(ctx context.Context) {
	log.Info().Msg("Scanner started")
	e.scan(ctx)
	ticker := time.NewTicker(e.cfg.Trading.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scan(ctx)
		}
	}
}

func (e *Engine) scan(ctx context.Context) {
	if err := e.scanner.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Scan cycle failed")
	}
}

// mainLoop ticks fast but gates the trade cycle on the check interval, so a
// cancelled context is noticed promptly between cycles.
func (e *Engine) mainLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Trading.LiveLoopInterval())
	defer ticker.Stop()
	log.Info().Msg("Trading loop started")

	var lastCycle time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(lastCycle) < e.cfg.Trading.CheckInterval() {
				continue
			}
			lastCycle = time.Now()
			e.tradeCycle(ctx)
		}
	}
}

// tradeCycle reads the scanner snapshot and tries to open the ranked
// opportunities, best first.
func (e *Engine) tradeCycle(ctx context.Context) {
	snap, fresh := e.scanner.Latest()
	if !fresh {
		log.Debug().Msg("Scanner snapshot stale, skipping cycle")
		return
	}

	bal, err := e.gw.GetBalance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Balance read failed, skipping cycle")
		return
	}
	e.risk.TrackBalance(bal.Total)

	for _, opp := range snap.Opportunities {
		if err := e.tryOpen(ctx, opp, bal.Total); err != nil {
			if errors.Is(err, position.ErrNoFreeBalance) {
				// The account is fully committed; the rest of the list
				// cannot do better.
				return
			}
			log.Error().Err(err).Str("symbol", opp.Symbol).Msg("Open attempt failed")
		}
	}
}

// tryOpen runs the pre-trade pipeline for one opportunity: live re-confirm,
// ML confirmation, risk gates, sizing, then the open itself.
func (e *Engine) tryOpen(ctx context.Context, opp scanner.Opportunity, balance float64) error {
	sig := *opp.Signal
	snap := sig.Snapshot

	// Pre-submit sanity read goes over REST at HIGH priority, never the
	// stream cache.
	ticker, err := e.gw.GetTicker(ctx, opp.Symbol, gateway.PriorityHigh)
	if err != nil {
		return err
	}
	entry := ticker.Last
	if entry <= 0 {
		return nil
	}
	if time.Since(opp.GeneratedAt) > confirmAfter && snap.LastClose > 0 {
		drift := math.Abs(entry-snap.LastClose) / snap.LastClose
		if drift > confirmMaxDrift {
			log.Debug().
				Str("symbol", opp.Symbol).
				Float64("drift", drift).
				Msg("Opportunity declined, price drifted since the scan")
			return nil
		}
	}

	pred, err := e.predictor.Predict(ctx, opp.Symbol, ml.Features(snap))
	if err != nil {
		if e.cfg.ML.RequireModel {
			log.Warn().Err(err).Str("symbol", opp.Symbol).Msg("Model unavailable and required, skipping")
			return nil
		}
		log.Debug().Err(err).Str("symbol", opp.Symbol).Msg("Model unavailable, continuing without it")
	} else if pred.Probability >= e.cfg.ML.MinConfidence {
		signal.ApplyML(&sig, pred.Action, pred.Probability)
	}
	if !sig.Actionable() {
		return nil
	}

	if err := e.risk.CanOpen(opp.Symbol, e.positions.Symbols(), time.Now()); err != nil {
		log.Debug().Str("symbol", opp.Symbol).Str("gate", err.Error()).Msg("Open blocked by risk gate")
		return nil
	}

	leverage := e.risk.Leverage(risk.LeverageInputs{
		Volatility: snap.RealizedVol,
		Confidence: sig.Confidence,
		Momentum:   snap.Momentum,
		ADX:        snap.ADX,
		Regime:     snap.Regime,
	})
	stop, takeProfit := risk.StopTarget(sig.Action, entry, sig.Confidence)

	meta, err := e.gw.SymbolMeta(ctx, opp.Symbol)
	if err != nil {
		return err
	}
	size := e.risk.Size(risk.SizeInputs{
		Balance:    balance,
		Entry:      entry,
		StopLoss:   stop,
		Confidence: sig.Confidence,
		Meta:       meta,
	})
	if size.Skipped != "" {
		log.Debug().Str("symbol", opp.Symbol).Str("reason", size.Skipped).Msg("Sizing skipped the trade")
		return nil
	}

	side := position.SideLong
	if sig.Action == signal.ActionSell {
		side = position.SideShort
	}
	_, err = e.positions.Open(ctx, position.OpenRequest{
		Symbol:      opp.Symbol,
		Side:        side,
		EntryPrice:  entry,
		StopLoss:    stop,
		TakeProfit:  takeProfit,
		Amount:      size.Amount,
		Leverage:    leverage,
		Confidence:  sig.Confidence,
		ATR:         snap.ATR,
		RealizedVol: snap.RealizedVol,
		Regime:      snap.Regime,
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
