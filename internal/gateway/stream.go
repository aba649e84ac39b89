package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	maxSubscriptions  = 380 // safe bound under the venue's 400-topic limit
	wsReconnectMin    = 1 * time.Second
	wsReconnectMax    = 30 * time.Second
	wsPingInterval    = 20 * time.Second
	wsWriteDeadline   = 5 * time.Second
	candleSeriesLimit = 500
)

// WireSymbol converts the canonical symbol form ("BASE/QUOTE:QUOTE") to the
// form the exchange expects on the wire ("BASEQUOTE"). Conversion happens at
// the subscription boundary and nowhere above it.
func WireSymbol(symbol string) string {
	s := symbol
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(s, "/", "")
}

// wsMessage is the envelope for inbound stream frames.
type wsMessage struct {
	Channel   string          `json:"channel"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type wsTickerData struct {
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	VolumeUSD float64 `json:"volume_usd"`
	Timestamp int64   `json:"timestamp"` // ms
}

type wsCandleData struct {
	OpenTime int64   `json:"open_time"` // ms
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Closed   bool    `json:"closed"`
}

type subRequest struct {
	Op   string   `json:"op"` // "subscribe" or "unsubscribe"
	Args []string `json:"args"`
}

type candleKey struct {
	symbol string
	tf     Timeframe
}

type candleSeries struct {
	bars      []Candle
	lastClose time.Time // receipt time of the last closed bar
}

// streamSession maintains the websocket connection, the subscription set and
// the freshness caches that back the hybrid data plane.
type streamSession struct {
	endpoint       string
	connectTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	topics    map[string]bool // wire-form topic strings
	symbols   map[string][]Timeframe
	tickers   map[string]*Ticker
	candles   map[candleKey]*candleSeries
	wireToSym map[string]string // wire form -> canonical, for inbound frames

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newStreamSession(endpoint string, connectTimeout time.Duration) *streamSession {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &streamSession{
		endpoint:       endpoint,
		connectTimeout: connectTimeout,
		topics:         make(map[string]bool),
		symbols:        make(map[string][]Timeframe),
		tickers:        make(map[string]*Ticker),
		candles:        make(map[candleKey]*candleSeries),
		wireToSym:      make(map[string]string),
	}
}

func (s *streamSession) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.endpoint, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.readLoop(done)
	go s.pingLoop()

	s.resubscribeAll()
	log.Info().Str("endpoint", s.endpoint).Msg("Websocket connected")
	return nil
}

func (s *streamSession) close() {
	s.mu.Lock()
	s.connected = false
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// subscribe registers ticker and candle topics for a symbol, honoring the
// aggregate subscription cap.
func (s *streamSession) subscribe(symbol string, tfs ...Timeframe) {
	wire := WireSymbol(symbol)

	s.mu.Lock()
	s.wireToSym[wire] = symbol
	s.symbols[symbol] = tfs

	wanted := []string{"ticker:" + wire}
	for _, tf := range tfs {
		wanted = append(wanted, "candle:"+string(tf)+":"+wire)
	}

	var added []string
	for _, topic := range wanted {
		if s.topics[topic] {
			continue
		}
		if len(s.topics) >= maxSubscriptions {
			log.Warn().
				Str("topic", topic).
				Int("subscriptions", len(s.topics)).
				Msg("Subscription cap reached, skipping topic")
			continue
		}
		s.topics[topic] = true
		added = append(added, topic)
	}
	connected := s.connected
	s.mu.Unlock()

	if connected && len(added) > 0 {
		s.send(subRequest{Op: "subscribe", Args: added})
	}
}

func (s *streamSession) unsubscribe(symbol string) {
	wire := WireSymbol(symbol)

	s.mu.Lock()
	var removed []string
	for topic := range s.topics {
		if strings.HasSuffix(topic, ":"+wire) {
			delete(s.topics, topic)
			removed = append(removed, topic)
		}
	}
	delete(s.symbols, symbol)
	delete(s.tickers, symbol)
	for k := range s.candles {
		if k.symbol == symbol {
			delete(s.candles, k)
		}
	}
	connected := s.connected
	s.mu.Unlock()

	if connected && len(removed) > 0 {
		s.send(subRequest{Op: "unsubscribe", Args: removed})
	}
}

// resubscribeAll replays the full topic set after reconnect, in wire form.
func (s *streamSession) resubscribeAll() {
	s.mu.Lock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	if len(topics) > 0 {
		s.send(subRequest{Op: "subscribe", Args: topics})
	}
}

// send writes a control frame, gated on connection state.
func (s *streamSession) send(req subRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.conn == nil {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := s.conn.WriteJSON(req); err != nil {
		log.Warn().Err(err).Str("op", req.Op).Msg("Websocket write failed")
	}
}

func (s *streamSession) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.connected && s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.mu.Unlock()
		}
	}
}

// readLoop drains the connection until it drops, then hands off to reconnect.
// Each loop closes the done channel it was launched with; reconnect mints a
// new one for its replacement so the handoff never double-closes.
func (s *streamSession) readLoop(done chan struct{}) {
	defer close(done)

	backoff := wsReconnectMin
	for {
		s.mu.Lock()
		conn := s.conn
		connected := s.connected
		s.mu.Unlock()
		if !connected || conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("Websocket read failed, reconnecting")
			time.Sleep(backoff)
			if backoff *= 2; backoff > wsReconnectMax {
				backoff = wsReconnectMax
			}
			if rerr := s.reconnect(); rerr != nil {
				log.Warn().Err(rerr).Msg("Websocket reconnect failed")
				continue
			}
			backoff = wsReconnectMin
			return // reconnect started a fresh readLoop
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		s.handleMessage(&msg)
	}
}

func (s *streamSession) reconnect() error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connected = false
	endpoint := s.endpoint
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.readLoop(done)
	s.resubscribeAll()
	log.Info().Msg("Websocket reconnected, subscriptions replayed")
	return nil
}

func (s *streamSession) handleMessage(msg *wsMessage) {
	s.mu.Lock()
	symbol, known := s.wireToSym[msg.Symbol]
	s.mu.Unlock()
	if !known {
		return
	}

	switch msg.Channel {
	case "ticker":
		var d wsTickerData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return
		}
		s.storeTicker(&Ticker{
			Symbol:    symbol,
			Bid:       d.Bid,
			Ask:       d.Ask,
			Last:      d.Last,
			VolumeUSD: d.VolumeUSD,
			Timestamp: time.UnixMilli(d.Timestamp),
		})

	case "candle":
		var d wsCandleData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return
		}
		s.updateCandle(symbol, Timeframe(msg.Timeframe), Candle{
			OpenTime: time.UnixMilli(d.OpenTime),
			Open:     d.Open,
			High:     d.High,
			Low:      d.Low,
			Close:    d.Close,
			Volume:   d.Volume,
		}, d.Closed)
	}
}

// ticker returns the cached quote when younger than maxAge.
func (s *streamSession) ticker(symbol string, maxAge time.Duration) (*Ticker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickers[symbol]
	if !ok || time.Since(t.Timestamp) > maxAge {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (s *streamSession) storeTicker(t *Ticker) {
	s.mu.Lock()
	s.tickers[t.Symbol] = t
	s.mu.Unlock()
}

// candleSnapshot returns a copy of the cached series when the last closed bar
// is younger than maxAge. A maxAge of zero skips the freshness check.
func (s *streamSession) candleSnapshot(symbol string, tf Timeframe, maxAge time.Duration) ([]Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.candles[candleKey{symbol: symbol, tf: tf}]
	if !ok || len(series.bars) == 0 {
		return nil, false
	}
	if maxAge > 0 && time.Since(series.lastClose) > maxAge {
		return nil, false
	}
	out := make([]Candle, len(series.bars))
	copy(out, series.bars)
	return out, true
}

func (s *streamSession) storeCandles(symbol string, tf Timeframe, bars []Candle) {
	cp := make([]Candle, len(bars))
	copy(cp, bars)
	s.mu.Lock()
	s.candles[candleKey{symbol: symbol, tf: tf}] = &candleSeries{bars: cp, lastClose: time.Now()}
	s.mu.Unlock()
}

// updateCandle overlays one streamed bar onto the cached series.
func (s *streamSession) updateCandle(symbol string, tf Timeframe, bar Candle, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := candleKey{symbol: symbol, tf: tf}
	series, ok := s.candles[key]
	if !ok {
		series = &candleSeries{}
		s.candles[key] = series
	}

	n := len(series.bars)
	if n > 0 && series.bars[n-1].OpenTime.Equal(bar.OpenTime) {
		series.bars[n-1] = bar
	} else {
		series.bars = append(series.bars, bar)
		if len(series.bars) > candleSeriesLimit {
			series.bars = series.bars[len(series.bars)-candleSeriesLimit:]
		}
	}
	if closed {
		series.lastClose = time.Now()
	}
}
