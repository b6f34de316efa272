package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arby/internal/arb"
	"arby/internal/config"
	"arby/internal/market"
	"arby/internal/store"
	"arby/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeReloader struct {
	count int
	err   error
}

func (f *fakeReloader) ReloadRoutes(ctx context.Context) (int, error) {
	return f.count, f.err
}

// fixture builds a server over empty stores and a disabled persistence
// layer, returning its handler for httptest requests.
func fixture(t *testing.T, reloader RouteReloader) (http.Handler, Deps) {
	t.Helper()

	st, err := store.Open(config.DBConfig{}, testLogger())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	deps := Deps{
		Config: &config.Config{
			DryRun: true,
			Binance: config.BinanceConfig{
				APIKey:    "binancekey123456",
				APISecret: "short",
			},
			EnvFile: filepath.Join(t.TempDir(), ".env"),
			API:     config.APIConfig{Port: 0},
		},
		Board:    arb.NewBoard(),
		Books:    market.NewBookStore(),
		Wallets:  market.NewWalletStore(),
		Routes:   market.NewRouteSet(),
		Store:    st,
		Reloader: reloader,
		Venues:   []string{"binance", "kraken"},
		StartAt:  time.Now(),
	}
	s := NewServer(deps, testLogger())
	return s.server.Handler, deps
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h, _ := fixture(t, &fakeReloader{})
	rec := get(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	h, deps := fixture(t, &fakeReloader{})
	deps.Routes.Replace([]types.Route{
		{Type: types.RouteDirect, Market: types.NewMarket("ETH", "BTC")},
		{Type: types.RouteCross, TradeX: "XLM", TradeY: "XRP", Base: "BTC"},
	})
	deps.Books.ApplySnapshot("binance", types.NewMarket("ETH", "BTC"),
		[]types.PriceLevel{{Price: decimal.RequireFromString("0.065"), Qty: decimal.New(1, 0)}}, nil)

	rec := get(t, h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/status = %d", rec.Code)
	}
	body := decode[statusResponse](t, rec)
	if body.Mode != "dry-run" {
		t.Errorf("mode = %q, want dry-run", body.Mode)
	}
	if body.Routes.Direct != 1 || body.Routes.Cross != 1 || body.Routes.Total != 2 {
		t.Errorf("routes = %+v", body.Routes)
	}
	if body.ExchangeHealth["binance"] != "connected" {
		t.Errorf("binance health = %q, want connected with a fresh book", body.ExchangeHealth["binance"])
	}
	if body.ExchangeHealth["kraken"] != "disconnected" {
		t.Errorf("kraken health = %q, want disconnected with no books", body.ExchangeHealth["kraken"])
	}
}

func TestLive(t *testing.T) {
	t.Parallel()

	h, deps := fixture(t, &fakeReloader{})
	deps.Board.Publish(arb.Comparison{
		Label:        "ETHBTC",
		Type:         types.RouteDirect,
		BuyExchange:  "kraken",
		SellExchange: "binance",
		Score:        decimal.RequireFromString("0.0078"),
		UpdatedAt:    time.Now(),
	})

	body := decode[liveResponse](t, get(t, h, "/api/live"))
	if len(body.Comparisons) != 1 {
		t.Fatalf("comparisons = %v", body.Comparisons)
	}
	if body.Comparisons["ETHBTC"].SellExchange != "binance" {
		t.Errorf("comparison = %+v", body.Comparisons["ETHBTC"])
	}
	if body.Buckets[arb.BucketLabels[0]] != 1 {
		t.Errorf("buckets = %v, want the 0.4%% bucket counted", body.Buckets)
	}
}

func TestWallets(t *testing.T) {
	t.Parallel()

	h, deps := fixture(t, &fakeReloader{})
	deps.Wallets.ReplaceAll("binance", map[string]types.Balance{
		"BTC": {Available: decimal.RequireFromString("1.5"), Reserved: decimal.RequireFromString("0.5")},
	})

	body := decode[map[string]map[string]balanceJSON](t, get(t, h, "/api/wallets"))
	if got := body["binance"]["BTC"]; got.Total != 2 {
		t.Errorf("BTC balance = %+v, want total 2", got)
	}
}

func TestOpportunitiesDisabledStore(t *testing.T) {
	t.Parallel()

	h, _ := fixture(t, &fakeReloader{})
	rec := get(t, h, "/api/opportunities")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /api/opportunities = %d, want 404 without persistence", rec.Code)
	}
	if body := decode[errorResponse](t, rec); !strings.Contains(body.Error, "not configured") {
		t.Errorf("error = %q", body.Error)
	}
}

func TestOpportunitiesBadParams(t *testing.T) {
	t.Parallel()

	h, _ := fixture(t, &fakeReloader{})
	if rec := get(t, h, "/api/opportunities?min_spread=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad min_spread = %d, want 400", rec.Code)
	}
	if rec := get(t, h, "/api/opportunities?executed=maybe"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad executed = %d, want 400", rec.Code)
	}
}

func TestGetConfigMasksSecrets(t *testing.T) {
	t.Parallel()

	h, _ := fixture(t, &fakeReloader{})
	body := decode[configResponse](t, get(t, h, "/api/config"))
	if got := body.Keys["BINANCE_API_KEY"]; got != "bina****3456" {
		t.Errorf("masked key = %q", got)
	}
	if got := body.Keys["BINANCE_API_SECRET"]; got != "****" {
		t.Errorf("short secret = %q, want fully masked", got)
	}
	if body.Keys["KRAKEN_API_KEY"] != "" {
		t.Errorf("unset key = %q, want empty", body.Keys["KRAKEN_API_KEY"])
	}
}

func TestPutConfig(t *testing.T) {
	t.Parallel()

	h, deps := fixture(t, &fakeReloader{})

	put := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(body))
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := put("{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON = %d, want 400", rec.Code)
	}
	if rec := put(`{"DB_PASSWORD": "sneaky"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("non-credential key = %d, want 400", rec.Code)
	}
	if rec := put(`{"KRAKEN_API_KEY": ""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty value = %d, want 400", rec.Code)
	}

	rec := put(`{"KRAKEN_API_KEY": "newkey", "ignored": "x"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid update = %d: %s", rec.Code, rec.Body)
	}
	data, err := os.ReadFile(deps.Config.EnvFile)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	if !strings.Contains(string(data), "KRAKEN_API_KEY=newkey") {
		t.Errorf("env file = %q, missing the update", data)
	}
	if strings.Contains(string(data), "ignored") {
		t.Error("non-credential key leaked into the env file")
	}
}

func TestReloadRoutes(t *testing.T) {
	t.Parallel()

	h, _ := fixture(t, &fakeReloader{count: 42})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/routes/reload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/routes/reload = %d", rec.Code)
	}
	if body := decode[map[string]int](t, rec); body["routes"] != 42 {
		t.Errorf("body = %v", body)
	}

	h, _ = fixture(t, &fakeReloader{err: errors.New("venue down")})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/routes/reload", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("failed reload = %d, want 500", rec.Code)
	}
}

func TestOrderBooks(t *testing.T) {
	t.Parallel()

	h, deps := fixture(t, &fakeReloader{})
	levels := make([]types.PriceLevel, 0, 7)
	for i := 0; i < 7; i++ {
		levels = append(levels, types.PriceLevel{
			Price: decimal.New(650-int64(i), -4),
			Qty:   decimal.New(1, 0),
		})
	}
	deps.Books.ApplySnapshot("binance", types.NewMarket("ETH", "BTC"), levels, nil)

	body := decode[map[string]map[string]bookJSON](t, get(t, h, "/api/orderbooks"))
	book, ok := body["binance"]["ETHBTC"]
	if !ok {
		t.Fatalf("body = %v", body)
	}
	if len(book.Buy) != 5 {
		t.Errorf("returned %d bid levels, want the top 5", len(book.Buy))
	}
	if book.LastUpdate == nil {
		t.Error("last_update missing for a live book")
	}
}
