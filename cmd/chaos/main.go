// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"libralend/internal/app"
	"libralend/internal/chaos"
	"libralend/internal/circulation"
	"libralend/internal/config"
	"libralend/internal/consistency"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "length of each experiment")
	latency := flag.Duration("latency", 0, "latency injected by storage-latency, defaults to twice LOCK_TIMEOUT")
	failureRate := flag.Float64("failure-rate", 0.2, "probability of an injected storage failure")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	base, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer base.Close()

	store := chaos.NewFaultyStore(base)
	lending, err := circulation.NewCoordinator(store, circulation.Config{
		BorrowLimit: cfg.BorrowLimit,
		LockTimeout: cfg.LockTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create coordinator", zap.Error(err))
	}

	lab, err := chaos.NewLab(ctx, store, lending, 5, 2, 20)
	if err != nil {
		logger.Fatal("failed to seed lab", zap.Error(err))
	}
	engine := chaos.NewEngine(consistency.NewChecker(store, cfg.BorrowLimit, logger), logger)

	if *latency == 0 {
		*latency = 2 * cfg.LockTimeout
	}

	failed := 0
	for _, exp := range lab.Experiments(*duration, *latency, *failureRate) {
		logger.Info("starting experiment", zap.String("experiment", exp.Name), zap.String("hypothesis", exp.Hypothesis))
		result, err := engine.Run(ctx, exp)
		if err != nil {
			logger.Error("experiment aborted", zap.String("experiment", exp.Name), zap.Error(err))
			failed++
			continue
		}
		if !result.HypothesisHeld {
			logger.Error("hypothesis violated",
				zap.String("experiment", exp.Name),
				zap.Any("violations", result.Violations),
				zap.Strings("errors", result.ErrorEvents))
			failed++
		}
		logger.Info("outcomes", zap.String("experiment", exp.Name), zap.Strings("tally", chaos.Summary(result.Outcomes)))
	}

	if failed > 0 {
		logger.Error("game day finished with failures", zap.Int("failed", failed))
		os.Exit(1)
	}
}
