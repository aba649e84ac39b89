package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// RestConfig holds credentials and endpoints for the REST transport.
type RestConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// RestTransport talks to the venue's REST API. It implements Transport; all
// prioritization, retry and breaker logic lives above it in the Gateway.
type RestTransport struct {
	client *resty.Client
	secret string
}

// apiResponse is the venue's uniform response envelope.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// NewRestTransport builds a transport with request signing installed.
func NewRestTransport(cfg RestConfig) *RestTransport {
	t := &RestTransport{secret: cfg.APISecret}
	t.client = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-KEY", cfg.APIKey).
		OnBeforeRequest(t.sign)
	return t
}

// sign attaches the timestamp and HMAC-SHA256 signature headers.
func (t *RestTransport) sign(_ *resty.Client, req *resty.Request) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := ts + req.Method + req.URL
	if req.Body != nil {
		body, err := json.Marshal(req.Body)
		if err != nil {
			return err
		}
		payload += string(body)
	}
	mac := hmac.New(sha256.New, []byte(t.secret))
	mac.Write([]byte(payload))
	req.SetHeader("X-TIMESTAMP", ts)
	req.SetHeader("X-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

// call executes a request and decodes the envelope, surfacing venue error
// codes in the returned error string so Classify can map them.
func (t *RestTransport) call(ctx context.Context, method, path string, body, out any) error {
	req := t.client.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	var envelope apiResponse
	req.SetResult(&envelope).SetError(&envelope)

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if envelope.Code != "" && envelope.Code != "0" {
		return fmt.Errorf("venue error %s: %s (http %d)", envelope.Code, envelope.Msg, resp.StatusCode())
	}
	if resp.IsError() {
		return fmt.Errorf("http %d: %s", resp.StatusCode(), resp.String())
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

type restBalance struct {
	Free  float64 `json:"free,string"`
	Used  float64 `json:"used,string"`
	Total float64 `json:"total,string"`
}

func (t *RestTransport) FetchBalance(ctx context.Context) (*Balance, error) {
	var raw restBalance
	if err := t.call(ctx, resty.MethodGet, "/v1/account/balance", nil, &raw); err != nil {
		return nil, err
	}
	return &Balance{Free: raw.Free, Used: raw.Used, Total: raw.Total}, nil
}

type restPosition struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Amount        float64 `json:"amount,string"`
	EntryPrice    float64 `json:"entryPrice,string"`
	Leverage      int     `json:"leverage,string"`
	MarkPrice     float64 `json:"markPrice,string"`
	UnrealizedPnL float64 `json:"unrealizedPnl,string"`
}

func (t *RestTransport) FetchPositions(ctx context.Context) ([]ExchangePosition, error) {
	var raw []restPosition
	if err := t.call(ctx, resty.MethodGet, "/v1/account/positions", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]ExchangePosition, 0, len(raw))
	for _, p := range raw {
		if p.Amount == 0 {
			continue
		}
		out = append(out, ExchangePosition{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Amount:        p.Amount,
			EntryPrice:    p.EntryPrice,
			Leverage:      p.Leverage,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return out, nil
}

type restTicker struct {
	Bid       float64 `json:"bid,string"`
	Ask       float64 `json:"ask,string"`
	Last      float64 `json:"last,string"`
	VolumeUSD float64 `json:"quoteVolume,string"`
	Timestamp int64   `json:"timestamp"`
}

func (t *RestTransport) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var raw restTicker
	path := "/v1/market/ticker?symbol=" + WireSymbol(symbol)
	if err := t.call(ctx, resty.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return &Ticker{
		Symbol:    symbol,
		Bid:       raw.Bid,
		Ask:       raw.Ask,
		Last:      raw.Last,
		VolumeUSD: raw.VolumeUSD,
		Timestamp: time.UnixMilli(raw.Timestamp),
	}, nil
}

func (t *RestTransport) FetchOHLCV(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	// Rows arrive as [openTimeMs, open, high, low, close, volume] tuples.
	var raw [][]json.Number
	path := fmt.Sprintf("/v1/market/klines?symbol=%s&interval=%s&limit=%d", WireSymbol(symbol), tf, limit)
	if err := t.call(ctx, resty.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		ts, _ := row[0].Int64()
		o, _ := row[1].Float64()
		h, _ := row[2].Float64()
		l, _ := row[3].Float64()
		c, _ := row[4].Float64()
		v, _ := row[5].Float64()
		out = append(out, Candle{
			OpenTime: time.UnixMilli(ts),
			Open:     o, High: h, Low: l, Close: c, Volume: v,
		})
	}
	return out, nil
}

type restDepth struct {
	Bids      [][]json.Number `json:"bids"`
	Asks      [][]json.Number `json:"asks"`
	Timestamp int64           `json:"timestamp"`
}

func (t *RestTransport) FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	var raw restDepth
	path := fmt.Sprintf("/v1/market/depth?symbol=%s&limit=%d", WireSymbol(symbol), depth)
	if err := t.call(ctx, resty.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	levels := func(rows [][]json.Number) []OrderBookLevel {
		out := make([]OrderBookLevel, 0, len(rows))
		for _, r := range rows {
			if len(r) < 2 {
				continue
			}
			price, _ := r[0].Float64()
			amount, _ := r[1].Float64()
			out = append(out, OrderBookLevel{Price: price, Amount: amount})
		}
		return out
	}
	return &OrderBook{
		Symbol:    symbol,
		Bids:      levels(raw.Bids),
		Asks:      levels(raw.Asks),
		Timestamp: time.UnixMilli(raw.Timestamp),
	}, nil
}

type restMarket struct {
	Symbol       string  `json:"symbol"`
	TickSize     float64 `json:"tickSize,string"`
	LotSize      float64 `json:"lotSize,string"`
	ContractSize float64 `json:"contractSize,string"`
	MinAmount    float64 `json:"minAmount,string"`
	MaxAmount    float64 `json:"maxAmount,string"`
	MinNotional  float64 `json:"minNotional,string"`
	Active       bool    `json:"active"`
}

func (t *RestTransport) FetchMarkets(ctx context.Context) ([]SymbolMeta, error) {
	var raw []restMarket
	if err := t.call(ctx, resty.MethodGet, "/v1/market/contracts", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]SymbolMeta, 0, len(raw))
	for _, m := range raw {
		if !m.Active {
			continue
		}
		out = append(out, SymbolMeta{
			Symbol:       m.Symbol,
			TickSize:     m.TickSize,
			LotSize:      m.LotSize,
			ContractSize: m.ContractSize,
			MinAmount:    m.MinAmount,
			MaxAmount:    m.MaxAmount,
			MinNotional:  m.MinNotional,
		})
	}
	return out, nil
}

type restOrderReq struct {
	ClientID   string `json:"clientOrderId,omitempty"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Amount     string `json:"amount"`
	Price      string `json:"price,omitempty"`
	PostOnly   bool   `json:"postOnly,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

type restOrderAck struct {
	OrderID   string  `json:"orderId"`
	ClientID  string  `json:"clientOrderId"`
	FillPrice float64 `json:"avgPrice,string"`
	FilledQty float64 `json:"filledQty,string"`
	CreatedAt int64   `json:"createdAt"`
}

func (t *RestTransport) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	kind := "market"
	if req.Limit {
		kind = "limit"
	}
	body := restOrderReq{
		ClientID:   req.ClientID,
		Symbol:     WireSymbol(req.Symbol),
		Side:       string(req.Side),
		Type:       kind,
		Amount:     strconv.FormatFloat(req.Amount, 'f', -1, 64),
		PostOnly:   req.PostOnly,
		ReduceOnly: req.ReduceOnly,
	}
	if req.Limit {
		body.Price = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}

	var ack restOrderAck
	if err := t.call(ctx, resty.MethodPost, "/v1/trade/order", body, &ack); err != nil {
		return nil, err
	}
	return &Order{
		ID:         ack.OrderID,
		ClientID:   ack.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Amount:     req.Amount,
		FillPrice:  ack.FillPrice,
		FilledQty:  ack.FilledQty,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  time.UnixMilli(ack.CreatedAt),
	}, nil
}

func (t *RestTransport) CancelOrder(ctx context.Context, orderID, symbol string) error {
	body := map[string]string{"orderId": orderID, "symbol": WireSymbol(symbol)}
	return t.call(ctx, resty.MethodDelete, "/v1/trade/order", body, nil)
}

func (t *RestTransport) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]any{"symbol": WireSymbol(symbol), "leverage": leverage}
	return t.call(ctx, resty.MethodPost, "/v1/account/leverage", body, nil)
}

func (t *RestTransport) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	body := map[string]string{"symbol": WireSymbol(symbol), "marginMode": string(mode)}
	return t.call(ctx, resty.MethodPost, "/v1/account/margin-mode", body, nil)
}

func (t *RestTransport) SetPositionMode(ctx context.Context, oneWay bool) error {
	body := map[string]bool{"oneWay": oneWay}
	return t.call(ctx, resty.MethodPost, "/v1/account/position-mode", body, nil)
}
