// Command engine wires up and runs the matching engine core against a
// local data directory. The gateway, admin API, and market-data fanout
// that would normally front this process are external services (spec.md
// §1) and are not implemented here; this binary exists so the engine
// package is reachable and runnable standalone, the way the teacher's
// cmd/server/main.go stands up its own core.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clobengine/internal/engine"
	"clobengine/internal/types"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	dataDir := os.Getenv("CLOB_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	eng, err := engine.New(engine.Config{
		DataDir:       dataDir,
		ShardCount:    4,
		SnapshotEvery: 10_000,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	logger.Info("engine started", "data_dir", dataDir)

	seedMarket(ctx, eng)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
}

func seedMarket(ctx context.Context, eng *engine.Engine) {
	cfg := types.MarketConfig{
		MarketID:             1,
		TickSize:             1,
		LotSize:              1,
		MakerBps:             -2,
		TakerBps:             5,
		Mode:                 types.Continuous,
		MaxLeverage:          10,
		InitialMarginBps:     1000,
		MaintenanceMarginBps: 500,
		MarkPrice:            0,
	}
	_, _ = eng.Submit(ctx, types.InputMarketUpsert, cfg.MarketID, types.Input{
		MarketUpsert: &types.MarketUpsertInput{Config: cfg},
	})
}
