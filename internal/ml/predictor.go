// Package ml wraps an optional external model server behind an opaque
// Predictor interface. The engine treats predictions as advisory; a missing
// or failing model never blocks trading unless require_ml_model is set.
package ml

import (
	"context"
	"math"

	"github.com/quantfunk/perpbot/internal/indicators"
	"github.com/quantfunk/perpbot/internal/signal"
)

// Prediction is the model's verdict for one symbol.
type Prediction struct {
	Action      signal.Action
	Probability float64
}

// Predictor scores a feature vector. Implementations must be safe for
// concurrent use.
type Predictor interface {
	Predict(ctx context.Context, symbol string, features []float64) (Prediction, error)
}

// Features flattens a snapshot into the model's input vector. NaNs are
// replaced with zero so the wire format stays valid JSON.
func Features(s *indicators.Snapshot) []float64 {
	raw := []float64{
		s.EMAFast,
		s.EMASlow,
		s.MACDLine,
		s.Hist,
		s.RSI,
		s.StochK,
		s.StochD,
		s.BBWidth,
		s.ATR,
		s.ADX,
		s.VolumeRatio,
		s.Momentum,
		s.RealizedVol,
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		out[i] = v
	}
	return out
}

// Noop always abstains. Used when no model endpoint is configured.
type Noop struct{}

func (Noop) Predict(ctx context.Context, symbol string, features []float64) (Prediction, error) {
	return Prediction{Action: signal.ActionHold, Probability: 0}, nil
}
