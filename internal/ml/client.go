package ml

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/quantfunk/perpbot/internal/signal"
)

// ClientConfig holds the model server endpoint settings.
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// Client calls an external model server over HTTP. The server owns the model;
// this side only ships features and reads back a direction and probability.
type Client struct {
	client *resty.Client
}

type predictRequest struct {
	Symbol   string    `json:"symbol"`
	Features []float64 `json:"features"`
}

type predictResponse struct {
	Action      string  `json:"action"` // "buy", "sell" or "hold"
	Probability float64 `json:"probability"`
}

// NewClient builds a predictor client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		client: resty.New().
			SetBaseURL(cfg.Endpoint).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *Client) Predict(ctx context.Context, symbol string, features []float64) (Prediction, error) {
	var out predictResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(predictRequest{Symbol: symbol, Features: features}).
		SetResult(&out).
		Post("/v1/predict")
	if err != nil {
		return Prediction{}, err
	}
	if resp.IsError() {
		return Prediction{}, fmt.Errorf("model server http %d: %s", resp.StatusCode(), resp.String())
	}

	action, err := parseAction(out.Action)
	if err != nil {
		return Prediction{}, err
	}
	if out.Probability < 0 || out.Probability > 1 {
		return Prediction{}, fmt.Errorf("model server returned probability %f outside [0, 1]", out.Probability)
	}
	return Prediction{Action: action, Probability: out.Probability}, nil
}

func parseAction(s string) (signal.Action, error) {
	switch s {
	case "buy":
		return signal.ActionBuy, nil
	case "sell":
		return signal.ActionSell, nil
	case "hold", "":
		return signal.ActionHold, nil
	default:
		return signal.ActionHold, fmt.Errorf("model server returned unknown action %q", s)
	}
}
