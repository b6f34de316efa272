// Arby — a cross-exchange cryptocurrency arbitrage engine for Binance and
// Kraken spot markets.
//
// Architecture:
//
//	main.go             — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go    — orchestrator: bootstraps venues, builds routes, runs feeds + scanner + workers
//	arb/scanner.go      — scores every route each tick, sizes opportunities, dispatches executions
//	arb/pricing.go      — decimal rate adjustment, profit threshold, volume sizing
//	exec/coordinator.go — hands descriptor pairs to two long-lived workers, rendezvous with timeout
//	exec/worker.go      — place/settle/cancel/query loop chasing liquidity, follow-up legs
//	market/book.go      — shared order-book store fed by the venue WebSocket streams
//	market/routes.go    — route enumeration (direct, multi-leg, cross) from discovered pairs
//	exchange/binance.go — Binance REST adapter (signed), binance_ws.go depth stream
//	exchange/kraken.go  — Kraken REST adapter (signed), kraken_ws.go book stream
//	store/store.go      — Postgres persistence for opportunities, orders, balances
//	api/server.go       — control-plane JSON API, live WebSocket board, prometheus metrics
//
// How it makes money:
//
//	The engine watches the same pairs on both venues. When one venue's bid
//	exceeds the other's ask by more than the combined fees plus a
//	configured margin, it sells on the expensive venue and buys on the
//	cheap one simultaneously, sized to a third of the visible depth and
//	the available wallets. Multi-leg routes bridge mismatched quote
//	currencies through a cross pair; cross routes rebalance two trade
//	currencies against a shared base.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arby/internal/api"
	"arby/internal/config"
	"arby/internal/engine"
	"arby/internal/store"
)

func main() {
	cfgPath := os.Getenv("ARBY_ENV_FILE")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.DB, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	eng := engine.New(cfg, st, logger)
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	apiCtx, cancelAPI := context.WithCancel(context.Background())
	defer cancelAPI()

	var apiServer *api.Server
	if cfg.API.Port > 0 {
		apiServer = api.NewServer(api.Deps{
			Config:   cfg,
			Board:    eng.Board(),
			Books:    eng.Books(),
			Wallets:  eng.Wallets(),
			Routes:   eng.Routes(),
			Store:    st,
			Reloader: eng,
			Venues:   eng.Venues(),
			StartAt:  time.Now(),
		}, logger)
		go func() {
			if err := apiServer.Start(apiCtx); err != nil {
				logger.Error("control-plane server failed", "error", err)
			}
		}()
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("arby started",
		"currencies", cfg.Currencies,
		"min_profit", cfg.MinProfit,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop control-plane server", "error", err)
		}
		cancelAPI()
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
