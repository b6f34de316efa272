package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newDryRunBinance() *Binance {
	return &Binance{
		secret:     "secret",
		currencies: map[string]bool{"ETH": true, "BTC": true, "XLM": true},
		limits:     NewBinanceLimits(),
		dryRun:     true,
		logger:     testLogger(),
	}
}

func TestStepPrecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		step string
		want int32
	}{
		{"0.00000100", 6},
		{"0.00100000", 3},
		{"0.10000000", 1},
		{"1.00000000", 0},
		{"1", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := stepPrecision(tt.step); got != tt.want {
			t.Errorf("stepPrecision(%q) = %d, want %d", tt.step, got, tt.want)
		}
	}
}

func TestBinanceGetMarketInfo(t *testing.T) {
	t.Parallel()

	ethbtc := types.NewMarket("ETH", "BTC")
	xlmeth := types.NewMarket("XLM", "ETH")

	b := newDryRunBinance()
	b.symbols = map[types.Market]binanceSymbol{
		ethbtc: {
			Symbol: "ETHBTC", Status: "TRADING", BaseAsset: "ETH", QuoteAsset: "BTC",
			Filters: []binanceFilter{
				{FilterType: "PRICE_FILTER", TickSize: "0.00000100"},
				{FilterType: "LOT_SIZE", MinQty: "0.00100000", StepSize: "0.00100000"},
				{FilterType: "MIN_NOTIONAL", MinNotional: "0.00010000"},
			},
		},
		xlmeth: {
			Symbol: "XLMETH", Status: "TRADING", BaseAsset: "XLM", QuoteAsset: "ETH",
			Filters: []binanceFilter{
				{FilterType: "PRICE_FILTER", TickSize: "0.00000010"},
				{FilterType: "LOT_SIZE", MinQty: "1.00000000", StepSize: "1.00000000"},
				{FilterType: "NOTIONAL", MinNotional: "0.00500000"},
			},
		},
	}

	infos, err := b.GetMarketInfo(context.Background(), []types.Market{ethbtc, xlmeth, types.NewMarket("ADA", "BTC")})
	if err != nil {
		t.Fatalf("GetMarketInfo() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2 (unknown market skipped)", len(infos))
	}

	eth := infos[ethbtc]
	if !eth.TradeFee.Equal(binanceTakerFee) {
		t.Errorf("ETHBTC TradeFee = %s, want %s", eth.TradeFee, binanceTakerFee)
	}
	if eth.RatePrecision != 6 || eth.VolumePrecision != 3 {
		t.Errorf("ETHBTC precision = (%d, %d), want (6, 3)", eth.RatePrecision, eth.VolumePrecision)
	}
	if !eth.MinTradeVolume.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("ETHBTC MinTradeVolume = %s, want 0.001", eth.MinTradeVolume)
	}
	if !eth.MinOrderValueBTC.Valid || !eth.MinOrderValueBTC.Decimal.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("ETHBTC MinOrderValueBTC = %+v, want valid 0.0001", eth.MinOrderValueBTC)
	}
	if eth.MinOrderValueETH.Valid {
		t.Errorf("ETHBTC MinOrderValueETH valid, want unset on a BTC-quoted market")
	}

	xlm := infos[xlmeth]
	if xlm.RatePrecision != 7 || xlm.VolumePrecision != 0 {
		t.Errorf("XLMETH precision = (%d, %d), want (7, 0)", xlm.RatePrecision, xlm.VolumePrecision)
	}
	if xlm.MinOrderValueBTC.Valid {
		t.Errorf("XLMETH MinOrderValueBTC valid, want unset on an ETH-quoted market")
	}
	if !xlm.MinOrderValueETH.Valid || !xlm.MinOrderValueETH.Decimal.Equal(decimal.RequireFromString("0.005")) {
		t.Errorf("XLMETH MinOrderValueETH = %+v, want valid 0.005", xlm.MinOrderValueETH)
	}
}

func TestBinanceBalancesUseSignedBudget(t *testing.T) {
	t.Parallel()

	b := newDryRunBinance()
	// Exhaust the signed budget and leave the public one unrestricted: the
	// account endpoint is signed, so the call must fail waiting on the
	// signed budget instead of slipping through the public limiter.
	b.limits = &BinanceLimits{
		Public: NewRateLimit(0, 0),
		Trade:  NewRateLimit(time.Hour, 1),
	}
	if !b.limits.Trade.Allow() {
		t.Fatal("the first signed token should be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.GetBalances(ctx); err == nil {
		t.Fatal("GetBalances() = nil error with an exhausted signed budget")
	}
}

func TestDryRunBinanceOrderLifecycle(t *testing.T) {
	t.Parallel()

	b := newDryRunBinance()
	m := types.NewMarket("ETH", "BTC")

	id, err := b.Order(context.Background(), m, types.BUY,
		decimal.RequireFromString("0.065"), decimal.RequireFromString("1.5"))
	if err != nil {
		t.Fatalf("Order() error = %v", err)
	}
	if id == "" {
		t.Error("Order() returned empty id")
	}

	if err := b.CancelOrder(context.Background(), id, m); err != nil {
		t.Errorf("CancelOrder() error = %v", err)
	}

	od, err := b.GetOrderData(context.Background(), id, m)
	if err != nil {
		t.Fatalf("GetOrderData() error = %v", err)
	}
	if od.Open {
		t.Error("GetOrderData().Open = true in dry-run, want false")
	}
}
