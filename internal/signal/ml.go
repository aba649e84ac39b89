package signal

import (
	"math"

	"github.com/rs/zerolog/log"
)

const (
	mlVetoProb = 0.75
	mlDampen   = 0.80
	mlBoost    = 1.10
)

// ApplyML folds an ML prediction into the signal. A strong opposite-side
// prediction vetoes the trade outright; a mild disagreement trims confidence;
// agreement grants a small boost.
func ApplyML(sig *Signal, predicted Action, prob float64) {
	if sig.Action == ActionHold || predicted == ActionHold {
		return
	}

	if predicted != sig.Action {
		if prob >= mlVetoProb {
			log.Info().
				Str("symbol", sig.Symbol).
				Str("action", string(sig.Action)).
				Str("ml_action", string(predicted)).
				Float64("ml_prob", prob).
				Msg("Signal vetoed by ML predictor")
			sig.Action = ActionHold
			sig.Confidence = 0
			sig.Reason = "ml_veto"
			return
		}
		sig.Confidence *= mlDampen
		sig.Reason += "+ml_dampened"
		return
	}

	sig.Confidence = math.Min(sig.Confidence*mlBoost, 1.0)
	sig.Reason += "+ml_confirmed"
}
