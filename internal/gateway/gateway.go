package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	metaCacheTTL    = 30 * time.Minute
	metaCacheSweep  = 10 * time.Minute
	orderDebounce   = 1 * time.Second
	tickerFreshness = 10 * time.Second
	candleFreshness = 60 * time.Second
	incrementalBars = 20
	readRateLimit   = rate.Limit(10) // non-CRITICAL reads per second
	readBurst       = 10
)

// Config holds gateway construction options.
type Config struct {
	RequestTimeout time.Duration
	EnableStream   bool
	WSEndpoint     string
	ConnectTimeout time.Duration
}

// Gateway owns all network access to the exchange. Every public method is
// dispatched through the priority gate, the per-class circuit breaker and the
// tier retry policy. Callers are free to be concurrent.
type Gateway struct {
	transport Transport
	breakers  *BreakerManager
	gate      priorityGate
	limiter   *rate.Limiter
	stream    *streamSession // nil when streaming disabled
	timeout   time.Duration

	mu          sync.Mutex
	metaCache   *gocache.Cache
	lastOrders  map[string]*Order    // idempotency fingerprint -> ack
	lastSubmits map[string]time.Time // idempotency fingerprint -> submit time
}

var (
	gatewayMetricsOnce sync.Once
	waitHistogram      *prometheus.HistogramVec
	callCounter        *prometheus.CounterVec
)

func initGatewayMetrics() {
	gatewayMetricsOnce.Do(func() {
		waitHistogram = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_priority_wait_seconds",
				Help:    "Time non-CRITICAL calls waited for in-flight CRITICAL work",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"priority"},
		)
		callCounter = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_calls_total",
				Help: "Gateway calls by operation and result",
			},
			[]string{"op", "result"},
		)
	})
}

// New creates a gateway over the given transport. When cfg.EnableStream is set
// a websocket session is started lazily on Connect.
func New(transport Transport, cfg Config) *Gateway {
	initGatewayMetrics()

	g := &Gateway{
		transport:   transport,
		breakers:    NewBreakerManager(),
		limiter:     rate.NewLimiter(readRateLimit, readBurst),
		timeout:     cfg.RequestTimeout,
		metaCache:   gocache.New(metaCacheTTL, metaCacheSweep),
		lastOrders:  make(map[string]*Order),
		lastSubmits: make(map[string]time.Time),
	}
	if cfg.EnableStream {
		g.stream = newStreamSession(cfg.WSEndpoint, cfg.ConnectTimeout)
	}
	return g
}

// Connect establishes the streaming session when enabled and sets the account
// to one-way position mode.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.dispatch(ctx, "set_position_mode", PriorityHigh, ClassTrading, func(c context.Context) error {
		return g.transport.SetPositionMode(c, true)
	}); err != nil {
		return fmt.Errorf("failed to set one-way position mode: %w", err)
	}

	if g.stream != nil {
		if err := g.stream.connect(ctx); err != nil {
			// Streaming is an optimization; REST remains authoritative.
			log.Warn().Err(err).Msg("Websocket connect failed, continuing REST-only")
		}
	}
	return nil
}

// Close shuts down the streaming session.
func (g *Gateway) Close() {
	if g.stream != nil {
		g.stream.close()
	}
}

// dispatch is the single wrapper every public method goes through: priority
// gating, rate limiting for reads, circuit breaking and tier retry.
func (g *Gateway) dispatch(ctx context.Context, op string, p Priority, class string, fn func(context.Context) error) error {
	waited, err := g.gate.enter(ctx, p)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer g.gate.exit(p)
	if waited > 0 {
		waitHistogram.WithLabelValues(p.String()).Observe(waited.Seconds())
	}

	if p != PriorityCritical {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	}

	var dispatchErr error
	if p == PriorityCritical {
		// CRITICAL bypasses breaker admission so a close always gets through,
		// but its outcome still feeds the class counts.
		dispatchErr = withRetry(ctx, op, retryConfigFor(p), attempt)
		g.breakers.RecordDirect(class, dispatchErr == nil)
	} else {
		dispatchErr = withRetry(ctx, op, retryConfigFor(p), func() error {
			return g.breakers.Execute(class, attempt)
		})
	}

	result := "success"
	if dispatchErr != nil {
		result = "failure"
	}
	callCounter.WithLabelValues(op, result).Inc()
	return dispatchErr
}

// GetBalance returns the collateral balance. HIGH priority.
func (g *Gateway) GetBalance(ctx context.Context) (*Balance, error) {
	var bal *Balance
	err := g.dispatch(ctx, "get_balance", PriorityHigh, ClassAccount, func(c context.Context) error {
		var err error
		bal, err = g.transport.FetchBalance(c)
		return err
	})
	return bal, err
}

// GetPositions returns the venue's view of open positions. HIGH priority.
func (g *Gateway) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	var positions []ExchangePosition
	err := g.dispatch(ctx, "get_positions", PriorityHigh, ClassAccount, func(c context.Context) error {
		var err error
		positions, err = g.transport.FetchPositions(c)
		return err
	})
	return positions, err
}

// GetTicker returns a quote. NORMAL-priority callers (the scanner) are served
// from the stream when the cached quote is fresh; HIGH-priority callers (the
// monitor, pre-submit sanity reads) always hit REST.
func (g *Gateway) GetTicker(ctx context.Context, symbol string, p Priority) (*Ticker, error) {
	if p != PriorityHigh && g.stream != nil {
		if t, ok := g.stream.ticker(symbol, tickerFreshness); ok {
			return t, nil
		}
	}

	var t *Ticker
	err := g.dispatch(ctx, "get_ticker", p, ClassMarketData, func(c context.Context) error {
		var err error
		t, err = g.transport.FetchTicker(c, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	if g.stream != nil {
		g.stream.storeTicker(t)
	}
	return t, nil
}

// GetOHLCV returns up to limit candles for a symbol and timeframe. When the
// streaming candle series is fresh it is returned directly; when only slightly
// stale an incremental batch of the newest bars is fetched and merged.
func (g *Gateway) GetOHLCV(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	if g.stream != nil {
		if series, ok := g.stream.candleSnapshot(symbol, tf, candleFreshness); ok && len(series) >= limit {
			return series[len(series)-limit:], nil
		}
		if series, ok := g.stream.candleSnapshot(symbol, tf, 0); ok && len(series) > 0 {
			fresh, err := g.fetchOHLCV(ctx, symbol, tf, incrementalBars)
			if err != nil {
				return nil, err
			}
			merged := mergeCandles(series, fresh)
			g.stream.storeCandles(symbol, tf, merged)
			if len(merged) > limit {
				merged = merged[len(merged)-limit:]
			}
			return merged, nil
		}
	}

	series, err := g.fetchOHLCV(ctx, symbol, tf, limit)
	if err != nil {
		return nil, err
	}
	if g.stream != nil {
		g.stream.storeCandles(symbol, tf, series)
	}
	return series, nil
}

func (g *Gateway) fetchOHLCV(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	var series []Candle
	err := g.dispatch(ctx, "get_ohlcv", PriorityNormal, ClassMarketData, func(c context.Context) error {
		var err error
		series, err = g.transport.FetchOHLCV(c, symbol, tf, limit)
		return err
	})
	return series, err
}

// mergeCandles overlays fresh bars onto an existing series keyed by open time.
func mergeCandles(existing, fresh []Candle) []Candle {
	if len(fresh) == 0 {
		return existing
	}
	byTime := make(map[int64]int, len(existing))
	out := make([]Candle, len(existing))
	copy(out, existing)
	for i, c := range out {
		byTime[c.OpenTime.UnixMilli()] = i
	}
	for _, c := range fresh {
		if i, ok := byTime[c.OpenTime.UnixMilli()]; ok {
			out[i] = c
		} else {
			out = append(out, c)
		}
	}
	return out
}

// GetOrderBook returns a depth snapshot. NORMAL priority.
func (g *Gateway) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	var ob *OrderBook
	err := g.dispatch(ctx, "get_orderbook", PriorityNormal, ClassMarketData, func(c context.Context) error {
		var err error
		ob, err = g.transport.FetchOrderBook(c, symbol, depth)
		return err
	})
	return ob, err
}

// ListMarkets returns metadata for all perpetual symbols and refreshes the
// metadata cache. LOW priority.
func (g *Gateway) ListMarkets(ctx context.Context) ([]SymbolMeta, error) {
	var metas []SymbolMeta
	err := g.dispatch(ctx, "list_markets", PriorityLow, ClassMarketData, func(c context.Context) error {
		var err error
		metas, err = g.transport.FetchMarkets(c)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, m := range metas {
		g.metaCache.Set(m.Symbol, m, gocache.DefaultExpiration)
	}
	return metas, nil
}

// SymbolMeta returns cached contract metadata, refetching the market list on
// a miss.
func (g *Gateway) SymbolMeta(ctx context.Context, symbol string) (SymbolMeta, error) {
	if v, ok := g.metaCache.Get(symbol); ok {
		return v.(SymbolMeta), nil
	}
	if _, err := g.ListMarkets(ctx); err != nil {
		return SymbolMeta{}, err
	}
	if v, ok := g.metaCache.Get(symbol); ok {
		return v.(SymbolMeta), nil
	}
	return SymbolMeta{}, &ExchangeError{Kind: KindFatal, Op: "symbol_meta", Err: fmt.Errorf("unknown symbol %s", symbol)}
}

// InvalidateSymbolMeta drops cached metadata, forcing a refetch. Called after
// order rejections that suggest stale limits.
func (g *Gateway) InvalidateSymbolMeta(symbol string) {
	g.metaCache.Delete(symbol)
}

// CreateMarketOrder submits a market order with CRITICAL priority. Non
// reduce-only orders first apply leverage and cross margin; reduce-only orders
// skip both calls because closing never needs them and they fail when all
// margin is tied up.
func (g *Gateway) CreateMarketOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	req.Limit = false
	return g.submitOrder(ctx, req)
}

// CreateLimitOrder submits a limit order with CRITICAL priority.
func (g *Gateway) CreateLimitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	req.Limit = true
	if req.Price <= 0 {
		return nil, &ExchangeError{Kind: KindFatal, Op: "create_order", Err: errors.New("limit order requires a positive price")}
	}
	return g.submitOrder(ctx, req)
}

func (g *Gateway) submitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.Symbol == "" || req.Amount <= 0 {
		return nil, &ExchangeError{Kind: KindFatal, Op: "create_order", Err: errors.New("invalid order request")}
	}

	fingerprint := orderFingerprint(req)
	g.mu.Lock()
	if at, ok := g.lastSubmits[fingerprint]; ok && time.Since(at) < orderDebounce {
		prev := g.lastOrders[fingerprint]
		g.mu.Unlock()
		log.Debug().
			Str("symbol", req.Symbol).
			Str("fingerprint", fingerprint).
			Msg("Duplicate order within debounce window, returning previous ack")
		return prev, nil
	}
	g.lastSubmits[fingerprint] = time.Now()
	g.mu.Unlock()

	if !req.ReduceOnly {
		if err := g.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return nil, err
		}
		if err := g.SetMarginMode(ctx, req.Symbol, MarginCross); err != nil {
			return nil, err
		}
	}

	order, err := g.trySubmit(ctx, req)
	if err == nil {
		g.mu.Lock()
		g.lastOrders[fingerprint] = order
		g.mu.Unlock()
		return order, nil
	}

	var xe *ExchangeError
	if !errors.As(err, &xe) {
		return nil, err
	}

	switch xe.Kind {
	case KindNoPosition:
		if req.ReduceOnly {
			// Reduce-only idempotency: nothing to close means already closed.
			log.Debug().
				Str("symbol", req.Symbol).
				Msg("No open position to close, treating as success")
			return &Order{
				ClientID:   req.ClientID,
				Symbol:     req.Symbol,
				Side:       req.Side,
				Amount:     0,
				ReduceOnly: true,
				CreatedAt:  time.Now(),
			}, nil
		}
		return nil, xe

	case KindPositionMode:
		log.Info().Str("symbol", req.Symbol).Msg("Position mode mismatch, switching to one-way and retrying once")
		if modeErr := g.dispatch(ctx, "set_position_mode", PriorityHigh, ClassTrading, func(c context.Context) error {
			return g.transport.SetPositionMode(c, true)
		}); modeErr != nil {
			return nil, modeErr
		}
		return g.trySubmit(ctx, req)

	case KindQuantity:
		g.InvalidateSymbolMeta(req.Symbol)
		capped, capErr := g.capAmount(ctx, req)
		if capErr != nil {
			return nil, xe
		}
		if capped.Amount <= 0 || capped.Amount == req.Amount {
			return nil, xe
		}
		log.Warn().
			Str("symbol", req.Symbol).
			Float64("requested", req.Amount).
			Float64("capped", capped.Amount).
			Msg("Quantity violation, retrying with capped amount")
		return g.trySubmit(ctx, capped)
	}

	return nil, xe
}

func (g *Gateway) trySubmit(ctx context.Context, req OrderRequest) (*Order, error) {
	var order *Order
	err := g.dispatch(ctx, "create_order", PriorityCritical, ClassTrading, func(c context.Context) error {
		var err error
		order, err = g.transport.SubmitOrder(c, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("amount", order.Amount).
		Bool("reduce_only", order.ReduceOnly).
		Msg("Order submitted")
	return order, nil
}

// capAmount clamps the request to the symbol's hard cap and to a conservative
// bound derived from available margin, then floors to lot size.
func (g *Gateway) capAmount(ctx context.Context, req OrderRequest) (OrderRequest, error) {
	meta, err := g.SymbolMeta(ctx, req.Symbol)
	if err != nil {
		meta = SymbolMeta{Symbol: req.Symbol, MaxAmount: DefaultMaxAmount, LotSize: 1, ContractSize: 1}
	}
	maxAmount := meta.MaxAmount
	if maxAmount <= 0 {
		maxAmount = DefaultMaxAmount
	}

	amount := req.Amount
	if amount > maxAmount {
		amount = maxAmount
	}

	if !req.ReduceOnly && req.Leverage > 0 {
		bal, balErr := g.GetBalance(ctx)
		ticker, tickErr := g.GetTicker(ctx, req.Symbol, PriorityHigh)
		if balErr == nil && tickErr == nil && ticker.Last > 0 && meta.ContractSize > 0 {
			marginBound := bal.Free * float64(req.Leverage) / (ticker.Last * meta.ContractSize)
			if marginBound < amount {
				amount = marginBound
			}
		}
	}

	req.Amount = FloorToLot(amount, meta.LotSize)
	return req, nil
}

// CancelOrder cancels an open order. CRITICAL priority.
func (g *Gateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	return g.dispatch(ctx, "cancel_order", PriorityCritical, ClassTrading, func(c context.Context) error {
		return g.transport.CancelOrder(c, orderID, symbol)
	})
}

// SetLeverage applies leverage for a symbol. Idempotent; never called on
// reduce-only order paths.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	return g.dispatch(ctx, "set_leverage", PriorityHigh, ClassTrading, func(c context.Context) error {
		return g.transport.SetLeverage(c, symbol, leverage)
	})
}

// SetMarginMode applies the margin mode for a symbol. Idempotent; never called
// on reduce-only order paths.
func (g *Gateway) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	return g.dispatch(ctx, "set_margin_mode", PriorityHigh, ClassTrading, func(c context.Context) error {
		return g.transport.SetMarginMode(c, symbol, mode)
	})
}

// Subscribe adds streaming topics for a symbol. No-op without streaming.
func (g *Gateway) Subscribe(symbol string, tfs ...Timeframe) {
	if g.stream == nil {
		return
	}
	g.stream.subscribe(symbol, tfs...)
}

// Unsubscribe removes streaming topics for a symbol.
func (g *Gateway) Unsubscribe(symbol string) {
	if g.stream == nil {
		return
	}
	g.stream.unsubscribe(symbol)
}

// CriticalPending reports whether a CRITICAL call is in flight; exposed for
// coordinator backpressure and tests.
func (g *Gateway) CriticalPending() bool {
	return g.gate.criticalPending()
}

// orderFingerprint builds the idempotency key for the debounce window. Two
// submissions with identical intent inside the window collapse to one.
func orderFingerprint(req OrderRequest) string {
	kind := "market"
	if req.Limit {
		kind = "limit"
	}
	return fmt.Sprintf("%s|%s|%s|%.8f|%t|%.8f", req.Symbol, req.Side, kind, req.Amount, req.ReduceOnly, req.Price)
}
