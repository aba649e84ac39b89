package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies a candle interval.
type Timeframe string

const (
	Timeframe1h Timeframe = "1h"
	Timeframe4h Timeframe = "4h"
	Timeframe1d Timeframe = "1d"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Ticker is a point-in-time quote for a symbol.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	VolumeUSD float64   `json:"volume_usd"` // 24h quote-denominated volume
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Balance is the collateral-asset account balance.
type Balance struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// ExchangePosition is a position as the venue reports it.
type ExchangePosition struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "long" or "short"
	Amount        float64 `json:"amount"`
	EntryPrice    float64 `json:"entry_price"`
	Leverage      int     `json:"leverage"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// SymbolMeta is the static contract metadata for a perpetual symbol.
type SymbolMeta struct {
	Symbol       string  `json:"symbol"`
	TickSize     float64 `json:"tick_size"`
	LotSize      float64 `json:"lot_size"`
	ContractSize float64 `json:"contract_size"` // base units per contract
	MinAmount    float64 `json:"min_amount"`    // contracts
	MaxAmount    float64 `json:"max_amount"`    // hard exchange cap, contracts
	MinNotional  float64 `json:"min_notional"`
}

// DefaultMaxAmount is the safe contract cap applied when metadata is missing.
const DefaultMaxAmount = 10_000

// OrderRequest describes an order submission.
type OrderRequest struct {
	ClientID   string  `json:"client_id"` // idempotency fingerprint
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Amount     float64 `json:"amount"` // contracts
	Price      float64 `json:"price,omitempty"`
	Limit      bool    `json:"limit"`
	PostOnly   bool    `json:"post_only"`
	ReduceOnly bool    `json:"reduce_only"`
	Leverage   int     `json:"leverage"`
}

// Order is the venue's acknowledgement of a submission.
type Order struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Amount     float64   `json:"amount"`
	FillPrice  float64   `json:"fill_price"`
	FilledQty  float64   `json:"filled_qty"`
	ReduceOnly bool      `json:"reduce_only"`
	CreatedAt  time.Time `json:"created_at"`
}

// FloorToLot rounds an amount down to a multiple of the lot size. Flooring is
// done in decimal space so float drift never rounds a lot boundary up.
func FloorToLot(amount, lotSize float64) float64 {
	if lotSize <= 0 {
		return amount
	}
	a := decimal.NewFromFloat(amount)
	lot := decimal.NewFromFloat(lotSize)
	floored := a.Div(lot).Floor().Mul(lot)
	f, _ := floored.Float64()
	return f
}

// OrderBookLevel is one price level.
type OrderBookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is a top-N depth snapshot.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}
