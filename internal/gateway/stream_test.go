package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", WireSymbol("BTC/USDT:USDT"))
	assert.Equal(t, "ETHUSDT", WireSymbol("ETH/USDT"))
	assert.Equal(t, "SOLUSDT", WireSymbol("SOLUSDT"))
}

func TestSubscribeTracksWireTopics(t *testing.T) {
	s := newStreamSession("ws://unused", time.Second)
	s.subscribe("BTC/USDT:USDT", Timeframe1h, Timeframe4h)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.topics["ticker:BTCUSDT"])
	assert.True(t, s.topics["candle:1h:BTCUSDT"])
	assert.True(t, s.topics["candle:4h:BTCUSDT"])
	assert.Equal(t, "BTC/USDT:USDT", s.wireToSym["BTCUSDT"])
}

func TestSubscribeHonorsCap(t *testing.T) {
	s := newStreamSession("ws://unused", time.Second)
	for i := 0; i < maxSubscriptions+50; i++ {
		s.subscribe(fmt.Sprintf("SYM%d/USDT:USDT", i))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, maxSubscriptions, len(s.topics))
}

func TestUnsubscribeDropsTopicsAndCaches(t *testing.T) {
	s := newStreamSession("ws://unused", time.Second)
	s.subscribe("BTC/USDT:USDT", Timeframe1h)
	s.storeTicker(&Ticker{Symbol: "BTC/USDT:USDT", Last: 1, Timestamp: time.Now()})
	s.storeCandles("BTC/USDT:USDT", Timeframe1h, []Candle{{Close: 1}})

	s.unsubscribe("BTC/USDT:USDT")

	_, ok := s.ticker("BTC/USDT:USDT", time.Minute)
	assert.False(t, ok)
	_, ok = s.candleSnapshot("BTC/USDT:USDT", Timeframe1h, 0)
	assert.False(t, ok)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.topics)
}

func TestReconnectSurvivesRepeatedDrops(t *testing.T) {
	var (
		mu       sync.Mutex
		accepted int
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		accepted++
		mu.Unlock()
		conn.Close()
	}))
	defer srv.Close()

	s := newStreamSession("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second)
	require.NoError(t, s.connect(context.Background()))
	defer s.close()

	s.mu.Lock()
	firstDone := s.done
	s.mu.Unlock()

	// Two consecutive drops exercise the readLoop handoff twice. Surviving
	// them proves each exiting loop closes only its own session channel.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return accepted >= 3
	}, 10*time.Second, 50*time.Millisecond)

	s.mu.Lock()
	currentDone := s.done
	s.mu.Unlock()
	assert.NotEqual(t, firstDone, currentDone, "reconnect mints a fresh session channel")
}

func TestTickerFreshnessWindow(t *testing.T) {
	s := newStreamSession("ws://unused", time.Second)
	s.storeTicker(&Ticker{Symbol: "BTC/USDT:USDT", Last: 50_000, Timestamp: time.Now().Add(-5 * time.Second)})

	tk, ok := s.ticker("BTC/USDT:USDT", tickerFreshness)
	require.True(t, ok)
	assert.Equal(t, 50_000.0, tk.Last)

	s.storeTicker(&Ticker{Symbol: "BTC/USDT:USDT", Last: 50_000, Timestamp: time.Now().Add(-11 * time.Second)})
	_, ok = s.ticker("BTC/USDT:USDT", tickerFreshness)
	assert.False(t, ok)
}

func TestUpdateCandleOverlaysOpenBar(t *testing.T) {
	s := newStreamSession("ws://unused", time.Second)
	open := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.updateCandle("BTC/USDT:USDT", Timeframe1h, Candle{OpenTime: open, Close: 100}, false)
	s.updateCandle("BTC/USDT:USDT", Timeframe1h, Candle{OpenTime: open, Close: 104}, true)
	s.updateCandle("BTC/USDT:USDT", Timeframe1h, Candle{OpenTime: open.Add(time.Hour), Close: 105}, false)

	bars, ok := s.candleSnapshot("BTC/USDT:USDT", Timeframe1h, candleFreshness)
	require.True(t, ok)
	require.Len(t, bars, 2)
	assert.Equal(t, 104.0, bars[0].Close, "same open time revises the bar in place")
	assert.Equal(t, 105.0, bars[1].Close)
}

func TestCandleSeriesBounded(t *testing.T) {
	s := newStreamSession("ws://unused", time.Second)
	open := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < candleSeriesLimit+25; i++ {
		s.updateCandle("BTC/USDT:USDT", Timeframe1h, Candle{OpenTime: open.Add(time.Duration(i) * time.Hour)}, true)
	}

	bars, ok := s.candleSnapshot("BTC/USDT:USDT", Timeframe1h, candleFreshness)
	require.True(t, ok)
	assert.Len(t, bars, candleSeriesLimit)
}
