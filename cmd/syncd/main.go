// Command syncd drives the incremental sync engine: one coordinator per
// process, running rounds over every enabled source until terminated.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/typhfeng/poly-pnl/config"
	"github.com/typhfeng/poly-pnl/stats"
	"github.com/typhfeng/poly-pnl/store"
	polysync "github.com/typhfeng/poly-pnl/sync"
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

	ledger := stats.New(st, 5*time.Second)

	var sources []polysync.SourceConfig
	for name, src := range cfg.EnabledSources() {
		sources = append(sources, polysync.SourceConfig{
			Name:       name,
			Host:       src.Host,
			SubgraphID: src.SubgraphID,
			APIKey:     cfg.APIKey,
			Entities:   src.Entities,
			LocalCap:   src.LocalCap,
		})
	}

	coordinator := polysync.NewCoordinator(st, ledger, log, sources,
		cfg.GlobalConcurrency, time.Duration(cfg.SyncIntervalSeconds)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go coordinator.Run(ctx)

	log.Info("syncd started", zap.Int("sources", len(sources)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down syncd")
	cancel()
}
