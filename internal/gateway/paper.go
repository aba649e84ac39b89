package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PaperTransport is an in-memory Transport used in paper trading mode. Orders
// fill instantly at the seeded mark price; balance and positions are tracked
// so the rest of the engine runs unmodified against it.
type PaperTransport struct {
	mu        sync.Mutex
	balance   Balance
	positions map[string]*ExchangePosition
	tickers   map[string]*Ticker
	candles   map[string]map[Timeframe][]Candle
	markets   []SymbolMeta
	leverage  map[string]int
	oneWay    bool
	takerFee  float64
}

// NewPaperTransport seeds a paper account with the given collateral balance.
func NewPaperTransport(startingBalance, takerFee float64) *PaperTransport {
	return &PaperTransport{
		balance:   Balance{Free: startingBalance, Total: startingBalance},
		positions: make(map[string]*ExchangePosition),
		tickers:   make(map[string]*Ticker),
		candles:   make(map[string]map[Timeframe][]Candle),
		leverage:  make(map[string]int),
		takerFee:  takerFee,
	}
}

// SeedTicker installs a quote used for fills and reads.
func (p *PaperTransport) SeedTicker(t *Ticker) {
	p.mu.Lock()
	p.tickers[t.Symbol] = t
	p.mu.Unlock()
}

// SeedCandles installs a candle series for a symbol and timeframe.
func (p *PaperTransport) SeedCandles(symbol string, tf Timeframe, bars []Candle) {
	p.mu.Lock()
	if p.candles[symbol] == nil {
		p.candles[symbol] = make(map[Timeframe][]Candle)
	}
	cp := make([]Candle, len(bars))
	copy(cp, bars)
	p.candles[symbol][tf] = cp
	p.mu.Unlock()
}

// SeedMarkets installs the market metadata returned by FetchMarkets.
func (p *PaperTransport) SeedMarkets(metas []SymbolMeta) {
	p.mu.Lock()
	p.markets = metas
	p.mu.Unlock()
}

func (p *PaperTransport) FetchBalance(ctx context.Context) (*Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.balance
	return &b, nil
}

func (p *PaperTransport) FetchPositions(ctx context.Context) ([]ExchangePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ExchangePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		if t, ok := p.tickers[pos.Symbol]; ok {
			cp.MarkPrice = t.Last
			cp.UnrealizedPnL = p.unrealized(pos, t.Last)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (p *PaperTransport) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("paper: no ticker seeded for %s", symbol)
	}
	cp := *t
	cp.Timestamp = time.Now()
	return &cp, nil
}

func (p *PaperTransport) FetchOHLCV(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	series, ok := p.candles[symbol][tf]
	if !ok {
		return nil, fmt.Errorf("paper: no candles seeded for %s %s", symbol, tf)
	}
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	out := make([]Candle, len(series))
	copy(out, series)
	return out, nil
}

func (p *PaperTransport) FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("paper: no ticker seeded for %s", symbol)
	}
	return &OrderBook{
		Symbol:    symbol,
		Bids:      []OrderBookLevel{{Price: t.Bid, Amount: 100}},
		Asks:      []OrderBookLevel{{Price: t.Ask, Amount: 100}},
		Timestamp: time.Now(),
	}, nil
}

func (p *PaperTransport) FetchMarkets(ctx context.Context) ([]SymbolMeta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SymbolMeta, len(p.markets))
	copy(out, p.markets)
	return out, nil
}

func (p *PaperTransport) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tickers[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("paper: no ticker seeded for %s", req.Symbol)
	}
	fill := t.Ask
	if req.Side == SideSell {
		fill = t.Bid
	}
	if req.Limit && req.Price > 0 {
		fill = req.Price
	}

	if req.ReduceOnly {
		if err := p.reduce(req, fill); err != nil {
			return nil, err
		}
	} else {
		p.open(req, fill)
	}

	order := &Order{
		ID:         uuid.NewString(),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Amount:     req.Amount,
		FillPrice:  fill,
		FilledQty:  req.Amount,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  time.Now(),
	}
	log.Debug().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("fill", fill).
		Bool("reduce_only", req.ReduceOnly).
		Msg("Paper fill")
	return order, nil
}

func (p *PaperTransport) open(req OrderRequest, fill float64) {
	side := "long"
	if req.Side == SideSell {
		side = "short"
	}
	lev := req.Leverage
	if lev <= 0 {
		lev = p.leverage[req.Symbol]
	}
	if lev <= 0 {
		lev = 1
	}

	notional := req.Amount * fill
	margin := notional / float64(lev)
	fee := notional * p.takerFee
	p.balance.Free -= margin + fee
	p.balance.Used += margin
	p.balance.Total -= fee

	if pos, ok := p.positions[req.Symbol]; ok && pos.Side == side {
		total := pos.Amount + req.Amount
		pos.EntryPrice = (pos.EntryPrice*pos.Amount + fill*req.Amount) / total
		pos.Amount = total
		return
	}
	p.positions[req.Symbol] = &ExchangePosition{
		Symbol:     req.Symbol,
		Side:       side,
		Amount:     req.Amount,
		EntryPrice: fill,
		Leverage:   lev,
		MarkPrice:  fill,
	}
}

func (p *PaperTransport) reduce(req OrderRequest, fill float64) error {
	pos, ok := p.positions[req.Symbol]
	if !ok {
		return &ExchangeError{Kind: KindNoPosition, Code: CodeNoPositionToClose, Op: "create_order",
			Err: fmt.Errorf("paper: no position to close for %s", req.Symbol)}
	}

	qty := req.Amount
	if qty > pos.Amount {
		qty = pos.Amount
	}
	pnl := p.unrealized(pos, fill) * qty / pos.Amount
	margin := qty * pos.EntryPrice / float64(pos.Leverage)
	fee := qty * fill * p.takerFee

	p.balance.Used -= margin
	p.balance.Free += margin + pnl - fee
	p.balance.Total += pnl - fee

	pos.Amount -= qty
	if pos.Amount <= 0 {
		delete(p.positions, req.Symbol)
	}
	return nil
}

func (p *PaperTransport) unrealized(pos *ExchangePosition, mark float64) float64 {
	diff := mark - pos.EntryPrice
	if pos.Side == "short" {
		diff = -diff
	}
	return diff * pos.Amount
}

func (p *PaperTransport) CancelOrder(ctx context.Context, orderID, symbol string) error {
	return nil // paper orders fill instantly, nothing is ever resting
}

func (p *PaperTransport) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	p.leverage[symbol] = leverage
	p.mu.Unlock()
	return nil
}

func (p *PaperTransport) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	return nil
}

func (p *PaperTransport) SetPositionMode(ctx context.Context, oneWay bool) error {
	p.mu.Lock()
	p.oneWay = oneWay
	p.mu.Unlock()
	return nil
}
