package arb

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arby/internal/market"
	"arby/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSink struct {
	opportunities []types.Opportunity
	orders        []string
	legSaves      []*types.TradeDescriptor
}

func (s *fakeSink) SaveOpportunity(ctx context.Context, opp *types.Opportunity) error {
	s.opportunities = append(s.opportunities, *opp)
	return nil
}

func (s *fakeSink) SaveOrder(ctx context.Context, market string) (int64, error) {
	s.orders = append(s.orders, market)
	return int64(len(s.orders)), nil
}

func (s *fakeSink) SaveOrderLegs(ctx context.Context, orderID int64, td *types.TradeDescriptor) error {
	s.legSaves = append(s.legSaves, td)
	return nil
}

type execCall struct {
	a, b    *types.TradeDescriptor
	timeout time.Duration
}

type fakeExecutor struct {
	calls []execCall
}

func (e *fakeExecutor) Execute(ctx context.Context, a, b *types.TradeDescriptor, timeout time.Duration) error {
	e.calls = append(e.calls, execCall{a, b, timeout})
	return nil
}

type fakeRefresher struct {
	calls int
}

func (r *fakeRefresher) RefreshWallets(ctx context.Context) { r.calls++ }

func level(price, qty string) types.PriceLevel {
	return types.PriceLevel{Price: d(price), Qty: d(qty)}
}

func btcInfo(fee string, ratePrec, volPrec int32) types.MarketInfo {
	return types.MarketInfo{
		TradeFee:         d(fee),
		RatePrecision:    ratePrec,
		VolumePrecision:  volPrec,
		MinTradeVolume:   d("0.01"),
		MinOrderValueBTC: decimal.NewNullDecimal(d("0.0001")),
	}
}

type scannerFixture struct {
	books     *market.BookStore
	wallets   *market.WalletStore
	infos     *market.InfoStore
	routes    *market.RouteSet
	board     *Board
	sink      *fakeSink
	executor  *fakeExecutor
	refresher *fakeRefresher
}

func newFixture(routes []types.Route, dryRun bool) (*Scanner, *scannerFixture) {
	f := &scannerFixture{
		books:     market.NewBookStore(),
		wallets:   market.NewWalletStore(),
		infos:     market.NewInfoStore(),
		routes:    market.NewRouteSet(),
		board:     NewBoard(),
		sink:      &fakeSink{},
		executor:  &fakeExecutor{},
		refresher: &fakeRefresher{},
	}
	f.routes.Replace(routes)
	s := NewScanner(ScannerConfig{
		Routes:    f.routes,
		Books:     f.books,
		Wallets:   f.wallets,
		Infos:     f.infos,
		Board:     f.board,
		Venues:    []string{"binance", "kraken"},
		MinProfit: d("0.001"),
		DryRun:    dryRun,
		Sink:      f.sink,
		Executor:  f.executor,
		Refresher: f.refresher,
	}, testLogger())
	return s, f
}

// seedDirectFire sets up the direct-fire numbers: binance bids 0.065,
// kraken asks 0.0645, fees 0.001, which scores 0.7752% against a
// 0.3003% threshold.
func seedDirectFire(f *scannerFixture, ethbtc types.Market) {
	f.books.ApplySnapshot("binance", ethbtc,
		[]types.PriceLevel{level("0.065", "10")},
		[]types.PriceLevel{level("0.0655", "10")})
	f.books.ApplySnapshot("kraken", ethbtc,
		[]types.PriceLevel{level("0.064", "10")},
		[]types.PriceLevel{level("0.0645", "10")})

	info := btcInfo("0.001", 6, 2)
	f.infos.Set("binance", map[types.Market]types.MarketInfo{ethbtc: info})
	f.infos.Set("kraken", map[types.Market]types.MarketInfo{ethbtc: info})

	f.wallets.ReplaceAll("binance", map[string]types.Balance{"ETH": {Available: d("10")}})
	f.wallets.ReplaceAll("kraken", map[string]types.Balance{"BTC": {Available: d("1")}})
}

func TestScannerDirectFireDryRun(t *testing.T) {
	t.Parallel()

	ethbtc := types.NewMarket("ETH", "BTC")
	s, f := newFixture([]types.Route{{Type: types.RouteDirect, Market: ethbtc}}, true)
	seedDirectFire(f, ethbtc)

	s.Scan(context.Background())

	if len(f.executor.calls) != 0 {
		t.Fatal("dry-run must not dispatch executions")
	}
	if len(f.sink.opportunities) != 1 {
		t.Fatalf("saved %d opportunities, want 1", len(f.sink.opportunities))
	}
	opp := f.sink.opportunities[0]
	if !opp.DryRun || opp.Executed {
		t.Errorf("opportunity flags dry_run=%v executed=%v, want true/false", opp.DryRun, opp.Executed)
	}
	if opp.SellExchange != "binance" || opp.BuyExchange != "kraken" {
		t.Errorf("venue pair %s/%s, want sell binance buy kraken", opp.SellExchange, opp.BuyExchange)
	}
	if !opp.SpreadPct.Round(4).Equal(d("0.7752")) {
		t.Errorf("spread_pct = %s, want 0.7752", opp.SpreadPct.Round(4))
	}
}

func TestScannerDirectFireLive(t *testing.T) {
	t.Parallel()

	ethbtc := types.NewMarket("ETH", "BTC")
	s, f := newFixture([]types.Route{{Type: types.RouteDirect, Market: ethbtc}}, false)
	seedDirectFire(f, ethbtc)

	s.Scan(context.Background())

	if len(f.executor.calls) != 1 {
		t.Fatalf("dispatched %d executions, want 1", len(f.executor.calls))
	}
	call := f.executor.calls[0]
	if call.a.Side != types.SELL || call.a.Exchange != "binance" {
		t.Errorf("descriptor A = %s on %s, want SELL on binance", call.a.Side, call.a.Exchange)
	}
	if call.b.Side != types.BUY || call.b.Exchange != "kraken" {
		t.Errorf("descriptor B = %s on %s, want BUY on kraken", call.b.Side, call.b.Exchange)
	}
	if call.timeout != 60*time.Second {
		t.Errorf("timeout = %s, want 60s for a direct route", call.timeout)
	}
	if !call.a.Rate.GreaterThan(call.b.Rate) {
		t.Errorf("sell rate %s must stay above buy rate %s", call.a.Rate, call.b.Rate)
	}
	if !call.a.Volume.IsPositive() || !call.b.Volume.IsPositive() {
		t.Error("both legs need positive volume")
	}

	if f.refresher.calls != 1 {
		t.Errorf("wallet refreshes = %d, want 1", f.refresher.calls)
	}
	if len(f.sink.opportunities) != 1 || !f.sink.opportunities[0].Executed {
		t.Error("executed opportunity row missing")
	}
	if len(f.sink.orders) != 1 || len(f.sink.legSaves) != 2 {
		t.Errorf("persisted %d orders / %d leg batches, want 1/2", len(f.sink.orders), len(f.sink.legSaves))
	}
}

func TestScannerMissingBookScoresZero(t *testing.T) {
	t.Parallel()

	ethbtc := types.NewMarket("ETH", "BTC")
	s, f := newFixture([]types.Route{{Type: types.RouteDirect, Market: ethbtc}}, true)
	seedDirectFire(f, ethbtc)

	// Rebuild without the kraken book: one contributing book missing
	// zeroes the pair, and the reverse pair is unprofitable.
	f.books = market.NewBookStore()
	f.books.ApplySnapshot("binance", ethbtc,
		[]types.PriceLevel{level("0.065", "10")},
		[]types.PriceLevel{level("0.0655", "10")})
	s.books = f.books

	s.Scan(context.Background())

	if len(f.sink.opportunities) != 0 {
		t.Error("no opportunity may be recorded without both books")
	}
	snap := f.board.Snapshot()
	if snap.Buckets != [4]uint64{} {
		t.Errorf("buckets = %v, want unchanged", snap.Buckets)
	}
	if _, ok := snap.Comparisons["ETHBTC"]; !ok {
		t.Error("comparison should be published even at zero score")
	}
}

func TestScannerWalletStarved(t *testing.T) {
	t.Parallel()

	ethbtc := types.NewMarket("ETH", "BTC")
	s, f := newFixture([]types.Route{{Type: types.RouteDirect, Market: ethbtc}}, false)
	seedDirectFire(f, ethbtc)

	// Empty wallets: the score clears the threshold but sizing fails the
	// minimum-order-value margin.
	f.wallets.ReplaceAll("binance", nil)
	f.wallets.ReplaceAll("kraken", nil)

	s.Scan(context.Background())

	if len(f.executor.calls) != 0 {
		t.Error("starved sizing must not dispatch an execution")
	}
	if len(f.sink.opportunities) != 0 {
		t.Error("starved sizing must not record an opportunity")
	}
	snap := f.board.Snapshot()
	if snap.Buckets[0] == 0 {
		t.Error("score histogram should still count the observed spread")
	}
}

// seedMultiLeg sets up an XLM:ETH>BTC bridge: sell XLM for BTC on
// binance at 0.000014, buy XLM with ETH on kraken at 0.0002, replenish
// the ETH via kraken's ETHBTC ask at 0.065. Top-of-book score is
// 0.000014/(0.0002·0.065)−1 ≈ 7.69%.
func seedMultiLeg(f *scannerFixture, xlmbtc, xlmeth, ethbtc types.Market) {
	f.books.ApplySnapshot("binance", xlmbtc,
		[]types.PriceLevel{level("0.00001400", "100000000")},
		[]types.PriceLevel{level("0.00001410", "100000000")})
	f.books.ApplySnapshot("kraken", xlmeth,
		[]types.PriceLevel{level("0.00019000", "100000000")},
		[]types.PriceLevel{level("0.00020000", "100000000")})
	f.books.ApplySnapshot("kraken", ethbtc,
		[]types.PriceLevel{level("0.064", "1000")},
		[]types.PriceLevel{level("0.065", "1000")})

	xlmInfo := btcInfo("0.001", 8, 0)
	ethInfo := btcInfo("0.001", 6, 2)
	f.infos.Set("binance", map[types.Market]types.MarketInfo{xlmbtc: xlmInfo})
	f.infos.Set("kraken", map[types.Market]types.MarketInfo{xlmeth: xlmInfo, ethbtc: ethInfo})

	// The BTC on the buying venue is the tightest cap: every other limit
	// (depth/3, XLM and ETH balances through the cross rate) sits above it.
	f.wallets.ReplaceAll("binance", map[string]types.Balance{"XLM": {Available: d("100000")}})
	f.wallets.ReplaceAll("kraken", map[string]types.Balance{
		"ETH": {Available: d("100")}, "BTC": {Available: d("0.5")},
	})
}

func TestScannerMultiLegAccept(t *testing.T) {
	t.Parallel()

	xlmbtc := types.NewMarket("XLM", "BTC")
	xlmeth := types.NewMarket("XLM", "ETH")
	ethbtc := types.NewMarket("ETH", "BTC")
	route := types.Route{
		Type:       types.RouteMultiLeg,
		Trade:      "XLM",
		BuyBase:    "BTC",
		SellBase:   "ETH",
		BuyMarket:  xlmbtc,
		SellMarket: xlmeth,
		CrossPair:  ethbtc,
	}
	s, f := newFixture([]types.Route{route}, false)
	seedMultiLeg(f, xlmbtc, xlmeth, ethbtc)

	s.Scan(context.Background())

	if len(f.executor.calls) != 1 {
		t.Fatalf("dispatched %d executions, want 1", len(f.executor.calls))
	}
	call := f.executor.calls[0]
	if call.timeout != 120*time.Second {
		t.Errorf("timeout = %s, want 120s with a follow-up leg", call.timeout)
	}

	if call.a.Side != types.SELL || call.a.Market != xlmbtc || call.a.Exchange != "binance" {
		t.Errorf("descriptor A = %s %s on %s, want SELL XLMBTC on binance", call.a.Side, call.a.Market, call.a.Exchange)
	}
	if call.a.FollowUp != nil {
		t.Error("the selling leg carries no follow-up")
	}
	if call.b.Side != types.BUY || call.b.Market != xlmeth || call.b.Exchange != "kraken" {
		t.Errorf("descriptor B = %s %s on %s, want BUY XLMETH on kraken", call.b.Side, call.b.Market, call.b.Exchange)
	}
	if call.b.FollowUp == nil || call.b.FollowUp.Side != types.BUY || call.b.FollowUp.Market != ethbtc {
		t.Fatal("descriptor B needs a BUY ETHBTC follow-up")
	}

	// The descriptors carry the adjusted three-leg rates, and the volumes
	// split 0.5 BTC (the kraken balance cap) through the cycle ratio.
	rates := CalcMultiLegRates(
		Leg{Rate: d("0.000014"), Fee: d("0.001"), RatePrecision: 8},
		Leg{Rate: d("0.0002"), Fee: d("0.001"), RatePrecision: 8},
		Leg{Rate: d("0.065"), Fee: d("0.001"), RatePrecision: 6},
	)
	if !call.a.Rate.Equal(rates.A) || !call.b.Rate.Equal(rates.B) {
		t.Errorf("rates = %s/%s, want %s/%s", call.a.Rate, call.b.Rate, rates.A, rates.B)
	}
	if !call.b.FollowUp.Rate.Equal(rates.C) {
		t.Errorf("follow-up rate = %s, want the adjusted cross rate %s", call.b.FollowUp.Rate, rates.C)
	}
	grossB := rates.B.Mul(d("1.001")).Mul(rates.C.Mul(d("1.001")))
	wantA, wantB := SplitVolumes(rates.R, d("0.5"), grossB, 0, 0)
	if !call.a.Volume.Equal(wantA) || !call.b.Volume.Equal(wantB) {
		t.Errorf("volumes = %s/%s, want %s/%s", call.a.Volume, call.b.Volume, wantA, wantB)
	}

	if len(f.sink.opportunities) != 1 {
		t.Fatalf("saved %d opportunities, want 1", len(f.sink.opportunities))
	}
	opp := f.sink.opportunities[0]
	if opp.RouteType != types.RouteMultiLeg || !opp.Executed {
		t.Errorf("opportunity route_type=%s executed=%v", opp.RouteType, opp.Executed)
	}
	if !opp.CrossRate.Valid || !opp.CrossRate.Decimal.Equal(rates.C) {
		t.Errorf("cross_rate = %+v, want the adjusted cross rate", opp.CrossRate)
	}
	if !opp.SpreadPct.Round(2).Equal(d("7.69")) {
		t.Errorf("spread_pct = %s, want 7.69", opp.SpreadPct.Round(2))
	}
}

func TestScannerMultiLegGateConverted(t *testing.T) {
	t.Parallel()

	xlmbtc := types.NewMarket("XLM", "BTC")
	xlmeth := types.NewMarket("XLM", "ETH")
	ethbtc := types.NewMarket("ETH", "BTC")
	route := types.Route{
		Type:       types.RouteMultiLeg,
		Trade:      "XLM",
		BuyBase:    "BTC",
		SellBase:   "ETH",
		BuyMarket:  xlmbtc,
		SellMarket: xlmeth,
		CrossPair:  ethbtc,
	}
	s, f := newFixture([]types.Route{route}, false)
	seedMultiLeg(f, xlmbtc, xlmeth, ethbtc)

	// The XLMETH minimum converts through the cross rate to roughly
	// 0.000103 BTC, so with the 1.25 margin an order size of 0.0001 BTC
	// fails the gate even though it matches the XLMBTC minimum exactly.
	f.wallets.ReplaceAll("kraken", map[string]types.Balance{
		"ETH": {Available: d("100")}, "BTC": {Available: d("0.0001")},
	})

	s.Scan(context.Background())

	if len(f.executor.calls) != 0 {
		t.Error("a size under the converted minimum must not dispatch")
	}
	if len(f.sink.opportunities) != 0 {
		t.Error("a gated route must not record an opportunity")
	}
}

func TestScannerCrossAccept(t *testing.T) {
	t.Parallel()

	xlmbtc := types.NewMarket("XLM", "BTC")
	xrpbtc := types.NewMarket("XRP", "BTC")
	route := types.Route{
		Type:    types.RouteCross,
		TradeX:  "XLM",
		TradeY:  "XRP",
		Base:    "BTC",
		MarketX: xlmbtc,
		MarketY: xrpbtc,
	}
	s, f := newFixture([]types.Route{route}, false)

	f.books.ApplySnapshot("binance", xlmbtc,
		[]types.PriceLevel{level("0.00001000", "100000000")},
		[]types.PriceLevel{level("0.00001010", "100000000")})
	f.books.ApplySnapshot("binance", xrpbtc,
		[]types.PriceLevel{level("0.00001990", "100000000")},
		[]types.PriceLevel{level("0.00002000", "100000000")})
	f.books.ApplySnapshot("kraken", xrpbtc,
		[]types.PriceLevel{level("0.00002100", "100000000")},
		[]types.PriceLevel{level("0.00002110", "100000000")})
	f.books.ApplySnapshot("kraken", xlmbtc,
		[]types.PriceLevel{level("0.00000970", "100000000")},
		[]types.PriceLevel{level("0.00000980", "100000000")})

	info := btcInfo("0.001", 8, 0)
	infos := map[types.Market]types.MarketInfo{xlmbtc: info, xrpbtc: info}
	f.infos.Set("binance", infos)
	f.infos.Set("kraken", infos)

	f.wallets.ReplaceAll("binance", map[string]types.Balance{
		"XLM": {Available: d("100000000")}, "BTC": {Available: d("10")},
	})
	f.wallets.ReplaceAll("kraken", map[string]types.Balance{
		"XRP": {Available: d("100000000")}, "BTC": {Available: d("10")},
	})

	s.Scan(context.Background())

	if len(f.executor.calls) != 1 {
		t.Fatalf("dispatched %d executions, want 1", len(f.executor.calls))
	}
	call := f.executor.calls[0]
	if call.timeout != 120*time.Second {
		t.Errorf("timeout = %s, want 120s with follow-up legs", call.timeout)
	}

	// Worker one sells X on binance and buys Y back; worker two mirrors.
	if call.a.Side != types.SELL || call.a.Market != xlmbtc || call.a.Exchange != "binance" {
		t.Errorf("descriptor A = %s %s on %s", call.a.Side, call.a.Market, call.a.Exchange)
	}
	if call.a.FollowUp == nil || call.a.FollowUp.Side != types.BUY || call.a.FollowUp.Market != xrpbtc {
		t.Error("descriptor A needs a BUY XRPBTC follow-up")
	}
	if call.b.Side != types.SELL || call.b.Market != xrpbtc || call.b.Exchange != "kraken" {
		t.Errorf("descriptor B = %s %s on %s", call.b.Side, call.b.Market, call.b.Exchange)
	}
	if call.b.FollowUp == nil || call.b.FollowUp.Side != types.BUY || call.b.FollowUp.Market != xlmbtc {
		t.Error("descriptor B needs a BUY XLMBTC follow-up")
	}

	if len(f.sink.opportunities) != 1 {
		t.Fatalf("saved %d opportunities, want 1", len(f.sink.opportunities))
	}
	opp := f.sink.opportunities[0]
	if opp.RouteType != types.RouteCross || !opp.Executed {
		t.Errorf("opportunity route_type=%s executed=%v", opp.RouteType, opp.Executed)
	}
	if !opp.SpreadPct.Round(2).Equal(d("7.14")) {
		t.Errorf("spread_pct = %s, want 7.14", opp.SpreadPct.Round(2))
	}
}
