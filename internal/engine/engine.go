// Package engine is the central orchestrator of the arbitrage bot.
//
// It wires together all subsystems:
//
//  1. Venue adapters (Binance, Kraken) discover pairs and market rules at
//     bootstrap; any venue failing either call aborts startup.
//  2. Route enumeration turns the discovered pairs into direct,
//     multi-leg, and cross routes over the configured currencies.
//  3. One WebSocket feed per venue streams depth into the shared book
//     store.
//  4. The scanner scores every route on a fixed cadence and hands sized
//     opportunities to the execution coordinator's two workers.
//  5. The wallet refresher re-reads balances after each execution cycle
//     and persists per-currency totals.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"arby/internal/arb"
	"arby/internal/config"
	"arby/internal/exchange"
	"arby/internal/exec"
	"arby/internal/market"
	"arby/internal/store"
	"arby/pkg/types"
)

const (
	// walletSettleDelay lets venue balances settle before the
	// post-execution refresh.
	walletSettleDelay = time.Second

	// walletFetchAttempts bounds GetBalances retries per venue per
	// refresh.
	walletFetchAttempts = 3
	walletRetryDelay    = time.Second
)

// Engine owns every long-lived goroutine and the shared stores.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store

	exchanges map[string]exchange.Exchange
	venues    []string // deterministic venue order

	books   *market.BookStore
	wallets *market.WalletStore
	infos   *market.InfoStore
	routes  *market.RouteSet
	board   *arb.Board

	coordinator *exec.Coordinator
	scanner     *arb.Scanner

	binanceFeed *exchange.BinanceFeed
	krakenFeed  *exchange.KrakenFeed

	// reloadMu serializes route rebuilds against each other.
	reloadMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the engine's components. Nothing talks to a venue yet; that
// happens in Start.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) *Engine {
	binance := exchange.NewBinance(cfg.Binance, cfg.Currencies, cfg.DryRun, logger)
	kraken := exchange.NewKraken(cfg.Kraken, cfg.Currencies, cfg.DryRun, logger)

	exchanges := map[string]exchange.Exchange{
		binance.Name(): binance,
		kraken.Name():  kraken,
	}
	venues := make([]string, 0, len(exchanges))
	for name := range exchanges {
		venues = append(venues, name)
	}
	sort.Strings(venues)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		store:     st,
		exchanges: exchanges,
		venues:    venues,
		books:     market.NewBookStore(),
		wallets:   market.NewWalletStore(),
		infos:     market.NewInfoStore(),
		routes:    market.NewRouteSet(),
		board:     arb.NewBoard(),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.coordinator = exec.NewCoordinator(exchanges, e.infos, logger)
	e.scanner = arb.NewScanner(arb.ScannerConfig{
		Routes:    e.routes,
		Books:     e.books,
		Wallets:   e.wallets,
		Infos:     e.infos,
		Board:     e.board,
		Venues:    venues,
		MinProfit: cfg.MinProfit,
		DryRun:    cfg.DryRun,
		Sink:      st,
		Executor:  e.coordinator,
		Refresher: e,
	}, logger)

	e.binanceFeed = exchange.NewBinanceFeed(e.books, nil, logger)
	e.krakenFeed = exchange.NewKrakenFeed(e.books, nil, logger)

	return e
}

// Accessors for the control-plane server.

func (e *Engine) Books() *market.BookStore     { return e.books }
func (e *Engine) Wallets() *market.WalletStore { return e.wallets }
func (e *Engine) Routes() *market.RouteSet     { return e.routes }
func (e *Engine) Board() *arb.Board            { return e.board }
func (e *Engine) Venues() []string             { return e.venues }

// Start bootstraps venue state and launches the feeds, workers, and
// scanner. A bootstrap failure returns an error with nothing running.
func (e *Engine) Start() error {
	count, err := e.rebuildRoutes(e.ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	e.logger.Info("routes built", "count", count)

	e.fetchWallets(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.binanceFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("binance feed stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.krakenFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("kraken feed stopped", "error", err)
		}
	}()

	e.coordinator.Start(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanner.Run(e.ctx)
	}()

	e.logger.Info("engine started",
		"mode", e.mode(), "venues", e.venues, "routes", count)
	return nil
}

// Stop cancels the root context and waits for every goroutine. Workers
// finish their current iteration before exiting.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	e.binanceFeed.Close()
	e.krakenFeed.Close()
	e.logger.Info("shutdown complete")
}

func (e *Engine) mode() string {
	if e.cfg.DryRun {
		return "dry-run"
	}
	return "live"
}

// rebuildRoutes runs pair discovery and metadata fetch on every venue and
// swaps the route list. Any venue error fails the whole rebuild; the
// previous routes stay in place.
func (e *Engine) rebuildRoutes(ctx context.Context) (int, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	pairSets := make(map[string]map[types.Market]bool, len(e.venues))
	for _, name := range e.venues {
		pairs, err := e.exchanges[name].DiscoverPairs(ctx)
		if err != nil {
			return 0, fmt.Errorf("discover pairs on %s: %w", name, err)
		}
		e.logger.Info("pairs discovered", "exchange", name, "count", len(pairs))
		pairSets[name] = pairs
	}

	roles := market.DeriveRoles(e.cfg.Currencies, pairSets)
	routes := market.BuildRoutes(market.RouteBuildInput{
		Currencies:    e.cfg.Currencies,
		Roles:         roles,
		Active:        market.ActivePairs(pairSets),
		BaseWhitelist: e.cfg.CurrencyBases,
	})

	// Metadata for every market a route touches, plus ETHBTC per venue
	// for the ETH minimum-order-value fallback.
	marketSet := make(map[types.Market]bool)
	for _, r := range routes {
		for _, m := range r.Markets() {
			marketSet[m] = true
		}
	}
	marketSet[types.NewMarket("ETH", "BTC")] = true
	markets := make([]types.Market, 0, len(marketSet))
	for m := range marketSet {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol() < markets[j].Symbol() })

	for _, name := range e.venues {
		infos, err := e.exchanges[name].GetMarketInfo(ctx, markets)
		if err != nil {
			return 0, fmt.Errorf("market info on %s: %w", name, err)
		}
		e.infos.Set(name, infos)
	}

	e.routes.Replace(routes)

	feedMarkets := e.routes.MarketSet()
	e.binanceFeed.SetMarkets(feedMarkets)
	e.krakenFeed.SetMarkets(feedMarkets)

	return len(routes), nil
}

// ReloadRoutes rebuilds the route list in place for the control plane.
func (e *Engine) ReloadRoutes(ctx context.Context) (int, error) {
	count, err := e.rebuildRoutes(ctx)
	if err != nil {
		return 0, err
	}
	e.logger.Info("routes reloaded", "count", count)
	return count, nil
}

// fetchWallets pulls balances from every venue with a few retries each.
// Failure leaves the previous snapshot: a stale wallet under-sizes but
// never over-spends.
func (e *Engine) fetchWallets(ctx context.Context) {
	for _, name := range e.venues {
		venue := e.exchanges[name]
		var balances map[string]types.Balance
		var err error
		for attempt := 1; attempt <= walletFetchAttempts; attempt++ {
			balances, err = venue.GetBalances(ctx)
			if err == nil {
				break
			}
			e.logger.Warn("balance fetch failed",
				"exchange", name, "attempt", attempt, "error", err)
			if attempt < walletFetchAttempts {
				select {
				case <-ctx.Done():
					return
				case <-time.After(walletRetryDelay):
				}
			}
		}
		if err != nil {
			e.logger.Error("balance fetch exhausted, keeping previous snapshot", "exchange", name)
			continue
		}
		e.wallets.ReplaceAll(name, balances)
	}

	e.logTotals()
}

// logTotals prints per-currency totals summed across venues and persists
// a balances snapshot.
func (e *Engine) logTotals() {
	totals := e.wallets.TotalsByCurrency()
	attrs := make([]any, 0, len(totals)*2)
	for _, currency := range e.wallets.Currencies() {
		attrs = append(attrs, currency, totals[currency].String())
	}
	e.logger.Info("wallet totals", attrs...)

	if err := e.store.SaveBalances(e.ctx, totals); err != nil {
		e.logger.Error("save balances failed", "error", err)
	}
}

// RefreshWallets is called by the scanner after each execution cycle.
// The initial pause lets the venues book the fills.
func (e *Engine) RefreshWallets(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(walletSettleDelay):
	}
	e.fetchWallets(ctx)
}
