package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfunk/perpbot/internal/config"
	"github.com/quantfunk/perpbot/internal/engine"
	"github.com/quantfunk/perpbot/internal/gateway"
	"github.com/quantfunk/perpbot/internal/metrics"
	"github.com/quantfunk/perpbot/internal/ml"
	"github.com/quantfunk/perpbot/internal/position"
	"github.com/quantfunk/perpbot/internal/risk"
	"github.com/quantfunk/perpbot/internal/scanner"
)

// Exit codes: 0 clean shutdown, 1 configuration or API-auth failure,
// 2 unrecoverable runtime error.
const (
	exitOK     = 0
	exitConfig = 1
	exitError  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	verifyKeys := flag.Bool("verify-keys", false, "Verify API credentials, then exit")
	paper := flag.Bool("paper", false, "Force paper trading mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if *paper {
		cfg.Exchange.Paper = true
	}
	if *verifyKeys {
		return verifyAPIKeys(cfg)
	}

	log.Info().
		Str("environment", cfg.App.Environment).
		Bool("paper", cfg.Exchange.Paper).
		Msg("Starting perpbot")

	eng, err := build(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to assemble engine")
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Engine exited with error")
		return exitError
	}
	log.Info().Msg("Shutdown complete")
	return exitOK
}

// build constructs the component graph from the configuration.
func build(cfg *config.Config) (*engine.Engine, error) {
	var transport gateway.Transport
	if cfg.Exchange.Paper {
		transport = gateway.NewPaperTransport(10_000, cfg.Trading.TakerFeeRate)
	} else {
		transport = gateway.NewRestTransport(gateway.RestConfig{
			BaseURL:   cfg.Exchange.RESTEndpoint,
			APIKey:    cfg.Exchange.APIKey,
			APISecret: cfg.Exchange.SecretKey,
			Timeout:   cfg.Exchange.RequestTimeout(),
		})
	}

	gw := gateway.New(transport, gateway.Config{
		RequestTimeout: cfg.Exchange.RequestTimeout(),
		ConnectTimeout: cfg.Exchange.ConnectTimeout(),
		WSEndpoint:     cfg.Exchange.WSEndpoint,
		EnableStream:   cfg.Exchange.EnableWebsocket && !cfg.Exchange.Paper,
	})

	riskMgr := risk.NewManager(risk.Config{
		DefaultLeverage:   cfg.Trading.LeverageDefault,
		RiskPerTrade:      cfg.Risk.RiskPerTrade,
		MaxNotional:       cfg.Risk.MaxPositionUSD,
		DailyLossLimit:    cfg.Risk.DailyLossLimit,
		MaxOpenPositions:  cfg.Trading.MaxOpenPositions,
		OutcomeRingSize:   cfg.Risk.OutcomeRingSize,
		MaxGroupPositions: cfg.Risk.MaxGroupPositions,
	})
	if cfg.Risk.KillSwitch {
		riskMgr.ArmKillSwitch()
	}

	posMgr := position.NewManager(gw, riskMgr, position.Config{
		UpdateInterval:  cfg.Trading.PositionUpdateInterval(),
		MaxHold:         cfg.Trading.MaxHold(),
		TrailingBasePct: cfg.Trading.TrailingStopPct,
		TakerFeeRate:    cfg.Trading.TakerFeeRate,
		MinProfitPct:    cfg.Risk.MinProfitPct,
	})

	sc, err := scanner.New(gw, scanner.Config{
		MaxWorkers:    cfg.Scanner.MaxWorkers,
		MinVolumeUSD:  cfg.Scanner.MinVolumeUSD,
		TopN:          cfg.Scanner.TopN,
		CacheTTL:      cfg.Scanner.CacheDuration(),
		SymbolTimeout: time.Duration(cfg.Scanner.SymbolTimeoutSec) * time.Second,
		BatchTimeout:  time.Duration(cfg.Scanner.BatchTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	var predictor ml.Predictor = ml.Noop{}
	if cfg.ML.Endpoint != "" {
		predictor = ml.NewClient(ml.ClientConfig{
			Endpoint: cfg.ML.Endpoint,
			Timeout:  cfg.ML.Timeout(),
		})
	}

	var metricsSrv *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger)
	}

	return engine.New(cfg, engine.Deps{
		Gateway:   gw,
		Risk:      riskMgr,
		Positions: posMgr,
		Scanner:   sc,
		Predictor: predictor,
		Metrics:   metricsSrv,
	}), nil
}

// verifyAPIKeys checks credential presence and obvious placeholders. Live
// validity is the exchange's call; this catches deployment mistakes.
func verifyAPIKeys(cfg *config.Config) int {
	if cfg.Exchange.Paper {
		log.Info().Msg("Paper mode, no credentials required")
		return exitOK
	}

	placeholders := map[string]bool{"": true, "YOUR_API_KEY": true, "changeme": true, "test_api_key": true}
	if placeholders[cfg.Exchange.APIKey] {
		log.Error().Msg("Exchange API key missing or placeholder")
		return exitConfig
	}
	if placeholders[cfg.Exchange.SecretKey] {
		log.Error().Msg("Exchange secret key missing or placeholder")
		return exitConfig
	}
	log.Info().Msg("Credentials configured")
	return exitOK
}
