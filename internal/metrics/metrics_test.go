package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeExitReason(t *testing.T) {
	cases := map[string]string{
		"stop_loss":          ExitStopLoss,
		"take_profit":        ExitTakeProfit,
		"partial_exit_1":     ExitPartial,
		"partial_exit_3":     ExitPartial,
		"atr_target_2":       ExitATRTarget,
		"time_exit_max":      ExitTimeLimit,
		"time_exit_stagnant": ExitTimeLimit,
		"emergency_exit_l3":  ExitEmergency,
		"kill_switch":        ExitKillSwitch,
		"external_close":     ExitExternal,
		"something_weird":    ExitOther,
		"":                   ExitOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeExitReason(in), "reason %q", in)
	}
}

func TestRecordCloseDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordClose("stop_loss", -12.5)
		RecordClose("partial_exit_2", 30.0)
	})
}
