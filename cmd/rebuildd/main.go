// Command rebuildd runs one PnL rebuild (spec.md §4.8-§4.12) against the
// store and exits. It is meant to be invoked on a schedule or by hand,
// separately from the continuously-running syncd and queryapi processes;
// queryapi's /rebuild-all endpoint triggers the same engine in-process for
// ad hoc runs.
package main

import (
	"context"
	"flag"
	"time"

	"go.uber.org/zap"

	"github.com/typhfeng/poly-pnl/config"
	"github.com/typhfeng/poly-pnl/rebuild"
	"github.com/typhfeng/poly-pnl/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	engine := rebuild.NewEngine(st, log, cfg.RebuildDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.StartAsync(ctx); err != nil {
		log.Fatal("failed to start rebuild", zap.Error(err))
	}

	for {
		status := engine.Status()
		if status.Phase == "done" {
			log.Info("rebuild complete",
				zap.Int("conditions", status.ConditionCount),
				zap.Int("users", status.UserCount),
				zap.Int64("eof_rows", status.EOFRows),
				zap.Int64("eof_events", status.EOFEvents))
			return
		}
		if status.Phase == "failed" {
			log.Fatal("rebuild failed", zap.String("error", status.Error))
		}
		time.Sleep(500 * time.Millisecond)
	}
}
