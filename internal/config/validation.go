package config

import "fmt"

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Trading.LeverageDefault < 1 || c.Trading.LeverageDefault > 125 {
		return fmt.Errorf("trading.leverage_default must be in [1, 125], got %d", c.Trading.LeverageDefault)
	}
	if c.Trading.MaxOpenPositions < 1 {
		return fmt.Errorf("trading.max_open_positions must be at least 1, got %d", c.Trading.MaxOpenPositions)
	}
	if c.Trading.CheckIntervalSec < 1 {
		return fmt.Errorf("trading.check_interval_sec must be at least 1, got %d", c.Trading.CheckIntervalSec)
	}
	if c.Trading.LiveLoopIntervalMS < 10 || c.Trading.LiveLoopIntervalMS > 1000 {
		return fmt.Errorf("trading.live_loop_interval_ms must be in [10, 1000], got %d", c.Trading.LiveLoopIntervalMS)
	}
	if c.Trading.PositionUpdateIntervalMS < 250 {
		return fmt.Errorf("trading.position_update_interval_ms must be at least 250, got %d", c.Trading.PositionUpdateIntervalMS)
	}
	if c.Trading.TakerFeeRate < 0 || c.Trading.TakerFeeRate > 0.01 {
		return fmt.Errorf("trading.taker_fee_rate must be in [0, 0.01], got %f", c.Trading.TakerFeeRate)
	}

	if c.Risk.RiskPerTrade < 0 || c.Risk.RiskPerTrade > 0.05 {
		return fmt.Errorf("risk.risk_per_trade must be in [0, 0.05], got %f", c.Risk.RiskPerTrade)
	}
	if c.Risk.DailyLossLimit <= 0 || c.Risk.DailyLossLimit > 0.5 {
		return fmt.Errorf("risk.daily_loss_limit must be in (0, 0.5], got %f", c.Risk.DailyLossLimit)
	}
	if c.Risk.OutcomeRingSize < 10 {
		return fmt.Errorf("risk.outcome_ring_size must be at least 10, got %d", c.Risk.OutcomeRingSize)
	}

	if c.Scanner.MaxWorkers < 1 || c.Scanner.MaxWorkers > 32 {
		return fmt.Errorf("scanner.max_workers must be in [1, 32], got %d", c.Scanner.MaxWorkers)
	}
	if c.Scanner.CacheDurationSec < c.Trading.CheckIntervalSec {
		return fmt.Errorf("scanner.cache_duration_sec (%d) must not be shorter than trading.check_interval_sec (%d)",
			c.Scanner.CacheDurationSec, c.Trading.CheckIntervalSec)
	}
	if c.Scanner.TopN < 1 {
		return fmt.Errorf("scanner.top_n must be at least 1, got %d", c.Scanner.TopN)
	}

	if c.ML.RequireModel && c.ML.Endpoint == "" {
		return fmt.Errorf("ml.require_ml_model is set but ml.endpoint is empty")
	}
	if c.ML.MinConfidence < 0 || c.ML.MinConfidence > 1 {
		return fmt.Errorf("ml.min_ml_confidence must be in [0, 1], got %f", c.ML.MinConfidence)
	}

	if !c.Exchange.Paper {
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			return fmt.Errorf("exchange.api_key and exchange.secret_key are required outside paper mode")
		}
		if c.Exchange.RESTEndpoint == "" {
			return fmt.Errorf("exchange.rest_endpoint is required outside paper mode")
		}
	}

	return nil
}
