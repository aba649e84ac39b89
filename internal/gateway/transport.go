package gateway

import "context"

// MarginMode selects cross or isolated margin.
type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// Transport is the raw wire contract to the venue. Implementations own the
// exchange-specific payload formats; everything above this interface works in
// canonical types. The REST transport and the paper transport both satisfy it.
type Transport interface {
	FetchBalance(ctx context.Context) (*Balance, error)
	FetchPositions(ctx context.Context) ([]ExchangePosition, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	FetchMarkets(ctx context.Context) ([]SymbolMeta, error)

	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error
	SetPositionMode(ctx context.Context, oneWay bool) error
}
