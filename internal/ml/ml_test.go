package ml

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfunk/perpbot/internal/indicators"
	"github.com/quantfunk/perpbot/internal/signal"
)

func TestFeaturesReplaceNaN(t *testing.T) {
	snap := &indicators.Snapshot{
		EMAFast: 101.5,
		EMASlow: math.NaN(),
		RSI:     62,
		ATR:     math.Inf(1),
	}
	feats := Features(snap)
	require.Len(t, feats, 13)
	assert.Equal(t, 101.5, feats[0])
	assert.Equal(t, 0.0, feats[1], "NaN becomes zero")
	assert.Equal(t, 0.0, feats[8], "Inf becomes zero")
	for _, f := range feats {
		assert.False(t, math.IsNaN(f))
	}
}

func TestNoopAbstains(t *testing.T) {
	p, err := Noop{}.Predict(context.Background(), "BTC/USDT:USDT", nil)
	require.NoError(t, err)
	assert.Equal(t, signal.ActionHold, p.Action)
	assert.Equal(t, 0.0, p.Probability)
}

func TestClientPredict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/predict", r.URL.Path)
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "BTC/USDT:USDT", req.Symbol)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(predictResponse{Action: "buy", Probability: 0.82})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL, Timeout: time.Second})
	p, err := c.Predict(context.Background(), "BTC/USDT:USDT", []float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, signal.ActionBuy, p.Action)
	assert.InDelta(t, 0.82, p.Probability, 1e-9)
}

func TestClientRejectsBadResponses(t *testing.T) {
	cases := []predictResponse{
		{Action: "sideways", Probability: 0.5},
		{Action: "buy", Probability: 1.4},
	}
	for _, bad := range cases {
		bad := bad
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(bad)
		}))
		c := NewClient(ClientConfig{Endpoint: srv.URL, Timeout: time.Second})
		_, err := c.Predict(context.Background(), "X/USDT:USDT", nil)
		assert.Error(t, err)
		srv.Close()
	}
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL, Timeout: time.Second})
	_, err := c.Predict(context.Background(), "X/USDT:USDT", nil)
	assert.Error(t, err)
}
