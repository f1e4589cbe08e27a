package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jules-labs/libralend/internal/chaos"
	"github.com/jules-labs/libralend/internal/config"
	"github.com/jules-labs/libralend/internal/database"
	"github.com/jules-labs/libralend/internal/fines"
	"github.com/jules-labs/libralend/internal/telemetry"
)

func main() {
	configPath := flag.String("config", ".", "directory holding app.env")
	observe := flag.Duration("observe", 2*time.Second, "observation window per experiment")
	sample := flag.Duration("sample", 100*time.Millisecond, "metric sampling interval")
	pause := flag.Duration("pause", time.Second, "pause between experiments")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := config.NewLogger(cfg)
	if err := run(cfg, logger, *observe, *sample, *pause); err != nil {
		logger.Error().Err(err).Msg("chaos drill failed")
		os.Exit(1)
	}
	logger.Info().Msg("all hypotheses held")
}

var errHypothesisFailed = errors.New("at least one hypothesis failed")

func run(cfg config.Config, logger zerolog.Logger, observe, sample, pause time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.AppName+"-chaos", cfg.Environment, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to flush telemetry")
		}
	}()

	stores := chaos.MemoryStores()
	if cfg.StoreDriver == "postgres" {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
		stores = chaos.PostgresStores(db)
	}

	rate, err := cfg.FineRateValue()
	if err != nil {
		return err
	}
	opts := chaos.LabOptions{
		LoanPeriod:       cfg.LoanPeriod,
		MaxActiveBorrows: cfg.MaxActiveBorrows,
		NotifyWindow:     cfg.NotifyWindow,
		Fines:            fines.Policy{Unit: cfg.FineUnit, Rate: rate},
		Currency:         cfg.Currency,
	}
	lab := chaos.NewLab(stores, opts, logger)
	engine := chaos.NewEngine(sample, logger)

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "lending invariants drill",
		Date:      time.Now(),
		Scenarios: chaos.Experiments(lab, observe),
		Pause:     pause,
	})
	if err != nil {
		return err
	}
	if !held {
		return errHypothesisFailed
	}
	return nil
}
