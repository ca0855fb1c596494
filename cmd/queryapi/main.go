// Command queryapi serves the read-only HTTP façade of spec.md §6.4 over a
// store that syncd is (or was) writing to, plus whatever PnL rebuild state
// rebuildd last produced.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/typhfeng/poly-pnl/config"
	"github.com/typhfeng/poly-pnl/httpapi"
	"github.com/typhfeng/poly-pnl/rebuild"
	"github.com/typhfeng/poly-pnl/stats"
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

	ledger := stats.New(st, 5*time.Second)
	engine := rebuild.NewEngine(st, log, cfg.RebuildDir)
	if err := engine.LoadFromDisk(); err != nil {
		log.Info("no prior rebuild state to load", zap.Error(err))
	}

	srv := httpapi.NewServer(st, ledger, engine, log)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("queryapi listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("query api server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down queryapi")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("query api server forced to shutdown", zap.Error(err))
	}

	log.Info("queryapi exited")
}
