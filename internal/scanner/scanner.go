package scanner

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/indicators"
	"github.com/quantfunk/perpbot/internal/metrics"
	"github.com/quantfunk/perpbot/internal/signal"
)

// Config tunes the market scanner.
type Config struct {
	MaxWorkers    int           // worker pool size, default 8
	MinVolumeUSD  float64       // 24h notional floor, default $1M
	TopN          int           // opportunities kept per scan, default 5
	CacheTTL      time.Duration // snapshot freshness bound, default 300s
	SymbolTimeout time.Duration // per-symbol budget, default 30s
	BatchTimeout  time.Duration // whole-scan budget, default 120s
	CandleLimit   int           // candles fetched per timeframe
}

func (c *Config) defaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.MinVolumeUSD <= 0 {
		c.MinVolumeUSD = 1_000_000
	}
	if c.TopN <= 0 {
		c.TopN = 5
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 300 * time.Second
	}
	if c.SymbolTimeout <= 0 {
		c.SymbolTimeout = 30 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 120 * time.Second
	}
	if c.CandleLimit <= 0 {
		c.CandleLimit = 200
	}
}

// Opportunity is one ranked scan result.
type Opportunity struct {
	Symbol      string
	Signal      *signal.Signal
	Score       float64
	GeneratedAt time.Time
}

// Snapshot is the atomically replaced scan result set. Readers receive the
// snapshot by reference and never mutate it.
type Snapshot struct {
	Opportunities []Opportunity
	UpdatedAt     time.Time
}

// Scanner fans symbol evaluation out to a bounded worker pool and publishes
// ranked opportunities. It is the sole writer of the snapshot.
type Scanner struct {
	cfg Config
	gw  *gateway.Gateway

	pool *ants.Pool

	mu   sync.Mutex
	snap *Snapshot
}

// New builds a scanner with its worker pool.
func New(gw *gateway.Gateway, cfg Config) (*Scanner, error) {
	cfg.defaults()
	pool, err := ants.NewPool(cfg.MaxWorkers)
	if err != nil {
		return nil, err
	}
	return &Scanner{cfg: cfg, gw: gw, pool: pool, snap: &Snapshot{}}, nil
}

// Close releases the worker pool.
func (s *Scanner) Close() {
	s.pool.Release()
}

// Latest returns the current snapshot and whether it is within the TTL.
// Callers must not open trades from a stale snapshot.
func (s *Scanner) Latest() (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := !s.snap.UpdatedAt.IsZero() && time.Since(s.snap.UpdatedAt) <= s.cfg.CacheTTL
	return s.snap, fresh
}

// publish atomically swaps the snapshot.
func (s *Scanner) publish(opps []Opportunity) {
	s.mu.Lock()
	s.snap = &Snapshot{Opportunities: opps, UpdatedAt: time.Now()}
	s.mu.Unlock()
}

// Scan runs one full scan cycle and publishes the result. Per-symbol failures
// are logged and skipped; a batch timeout publishes whatever finished.
func (s *Scanner) Scan(ctx context.Context) error {
	start := time.Now()
	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	metas, err := s.gw.ListMarkets(batchCtx)
	if err != nil {
		return err
	}

	var (
		resMu   sync.Mutex
		results []Opportunity
		wg      sync.WaitGroup
	)

	for i, meta := range metas {
		meta := meta
		slot := i % s.cfg.MaxWorkers
		wg.Add(1)
		submitErr := s.pool.Submit(func() {
			defer wg.Done()
			gateway.Stagger(batchCtx, slot)

			symCtx, symCancel := context.WithTimeout(batchCtx, s.cfg.SymbolTimeout)
			defer symCancel()

			opp, ok := s.evaluate(symCtx, meta.Symbol)
			if !ok {
				return
			}
			resMu.Lock()
			results = append(results, opp)
			resMu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			log.Warn().Err(submitErr).Str("symbol", meta.Symbol).Msg("Worker submit failed")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-batchCtx.Done():
		log.Warn().
			Dur("elapsed", time.Since(start)).
			Msg("Scan batch timed out, publishing partial results")
	}

	resMu.Lock()
	collected := make([]Opportunity, len(results))
	copy(collected, results)
	resMu.Unlock()

	collected = rank(collected, s.cfg.TopN)
	s.publish(collected)

	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	metrics.Opportunities.Set(float64(len(collected)))
	for _, opp := range collected {
		metrics.SignalConfidence.Observe(opp.Signal.Confidence)
	}

	log.Info().
		Int("symbols", len(metas)).
		Int("opportunities", len(collected)).
		Dur("elapsed", time.Since(start)).
		Msg("Scan cycle complete")
	return nil
}

// evaluate runs the full pipeline for one symbol: volume filter, candles,
// indicators, signal, score.
func (s *Scanner) evaluate(ctx context.Context, symbol string) (Opportunity, bool) {
	ticker, err := s.gw.GetTicker(ctx, symbol, gateway.PriorityNormal)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("Scan skip: ticker unavailable")
		return Opportunity{}, false
	}
	if ticker.VolumeUSD < s.cfg.MinVolumeUSD {
		return Opportunity{}, false
	}

	h1Candles, err := s.gw.GetOHLCV(ctx, symbol, gateway.Timeframe1h, s.cfg.CandleLimit)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("Scan skip: candles unavailable")
		return Opportunity{}, false
	}
	if len(h1Candles) < indicators.MinCandles {
		return Opportunity{}, false
	}

	h1 := indicators.Compute(indicators.NewSeries(h1Candles))

	// Higher timeframes are best-effort; the signal degrades gracefully.
	var h4, d1 *indicators.Snapshot
	if candles, err := s.gw.GetOHLCV(ctx, symbol, gateway.Timeframe4h, s.cfg.CandleLimit); err == nil && len(candles) >= indicators.MinCandles {
		h4 = indicators.Compute(indicators.NewSeries(candles))
	}
	if candles, err := s.gw.GetOHLCV(ctx, symbol, gateway.Timeframe1d, s.cfg.CandleLimit); err == nil && len(candles) >= indicators.MinCandles {
		d1 = indicators.Compute(indicators.NewSeries(candles))
	}

	sig := signal.Generate(symbol, h1, h4, d1)
	if !sig.Actionable() {
		return Opportunity{}, false
	}

	return Opportunity{
		Symbol:      symbol,
		Signal:      sig,
		Score:       Score(sig),
		GeneratedAt: sig.GeneratedAt,
	}, true
}

// rank orders opportunities by descending score and keeps the top n.
func rank(opps []Opportunity, n int) []Opportunity {
	sort.Slice(opps, func(i, j int) bool { return opps[i].Score > opps[j].Score })
	if len(opps) > n {
		opps = opps[:n]
	}
	return opps
}

// Scoring weights. Confidence dominates; the remaining terms separate
// signals of similar conviction. Scores land roughly in [0, 180].
const (
	scoreWConfidence = 100.0
	scoreWVolume     = 15.0
	scoreWMTF        = 20.0
	scoreWProximity  = 15.0
	scoreWRiskReward = 10.0
	scoreWVolPenalty = 200.0
)

// Score ranks an actionable signal.
func Score(sig *signal.Signal) float64 {
	snap := sig.Snapshot
	score := scoreWConfidence * sig.Confidence

	if !math.IsNaN(snap.VolumeRatio) {
		score += scoreWVolume * math.Log1p(snap.VolumeRatio)
	}
	if sig.MTFAligned {
		score += scoreWMTF
	}
	score += scoreWProximity * bandProximity(sig)
	score += scoreWRiskReward * riskRewardEstimate(sig)
	if !math.IsNaN(snap.RealizedVol) {
		score -= scoreWVolPenalty * snap.RealizedVol
	}
	if score < 0 {
		score = 0
	}
	return score
}

// bandProximity rewards entries close to the band that backs the trade:
// the lower band for longs, the upper for shorts.
func bandProximity(sig *signal.Signal) float64 {
	snap := sig.Snapshot
	if math.IsNaN(snap.BBUpper) || math.IsNaN(snap.BBLower) || snap.BBUpper <= snap.BBLower {
		return 0
	}
	span := snap.BBUpper - snap.BBLower
	var distance float64
	if sig.Action == signal.ActionBuy {
		distance = snap.LastClose - snap.BBLower
	} else {
		distance = snap.BBUpper - snap.LastClose
	}
	p := 1 - distance/span
	return math.Min(math.Max(p, 0), 1)
}

// riskRewardEstimate approximates attainable reward over risk from the band
// span against the base stop distance.
func riskRewardEstimate(sig *signal.Signal) float64 {
	snap := sig.Snapshot
	if math.IsNaN(snap.BBUpper) || math.IsNaN(snap.BBLower) || snap.LastClose <= 0 {
		return 1.6
	}
	span := (snap.BBUpper - snap.BBLower) / snap.LastClose
	rr := span / 0.008
	return math.Min(math.Max(rr, 0), 2.0)
}
