package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"arby/internal/config"
	"arby/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDisabledStore(t *testing.T) {
	t.Parallel()

	s, err := Open(config.DBConfig{}, testLogger())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if s.Enabled() {
		t.Fatal("a store without a DB host must be disabled")
	}

	ctx := context.Background()

	// Writes are silently skipped.
	if err := s.SaveOpportunity(ctx, &types.Opportunity{}); err != nil {
		t.Errorf("SaveOpportunity() = %v, want nil on a disabled store", err)
	}
	if id, err := s.SaveOrder(ctx, "ETHBTC"); err != nil || id != 0 {
		t.Errorf("SaveOrder() = %d, %v; want 0, nil", id, err)
	}
	if err := s.SaveBalances(ctx, map[string]decimal.Decimal{"BTC": d("1")}); err != nil {
		t.Errorf("SaveBalances() = %v, want nil", err)
	}

	// Reads surface ErrDisabled so the API can 404.
	if _, _, err := s.Opportunities(ctx, OpportunityFilter{Page: 1, PerPage: 10}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Opportunities() err = %v, want ErrDisabled", err)
	}
	if _, _, err := s.Trades(ctx, 1, 10); !errors.Is(err, ErrDisabled) {
		t.Errorf("Trades() err = %v, want ErrDisabled", err)
	}
	if _, err := s.Returns(ctx); !errors.Is(err, ErrDisabled) {
		t.Errorf("Returns() err = %v, want ErrDisabled", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestOpportunityFilterWhere(t *testing.T) {
	t.Parallel()

	empty, args := OpportunityFilter{}.where()
	if empty != "" || len(args) != 0 {
		t.Errorf("empty filter built %q with %v", empty, args)
	}

	minSpread := d("0.5")
	executed := true
	f := OpportunityFilter{
		RouteLabel: "ETHBTC",
		MinSpread:  &minSpread,
		Executed:   &executed,
		RouteType:  "direct",
		Search:     "kraken",
	}
	where, args := f.where()

	if !strings.HasPrefix(where, " WHERE ") {
		t.Fatalf("clause = %q", where)
	}
	// Placeholders must be numbered in argument order, with the search
	// pattern bound once and reused across the three ILIKE columns.
	for _, frag := range []string{
		"route_label = $1",
		"spread_pct >= $2",
		"executed = $3",
		"route_type = $4",
		"route_label ILIKE $5",
		"buy_exchange ILIKE $5",
		"sell_exchange ILIKE $5",
	} {
		if !strings.Contains(where, frag) {
			t.Errorf("clause %q missing %q", where, frag)
		}
	}
	if len(args) != 5 {
		t.Fatalf("args = %v, want 5", args)
	}
	if args[4] != "%kraken%" {
		t.Errorf("search arg = %v, want %%kraken%%", args[4])
	}
	if got := strings.Count(where, " AND "); got != 4 {
		t.Errorf("clause joins %d conditions with AND, want 4 joins", got+1)
	}
}

func TestNullDecimal(t *testing.T) {
	t.Parallel()

	if v := nullDecimal(decimal.NullDecimal{}); v != nil {
		t.Errorf("invalid NullDecimal = %v, want nil", v)
	}
	v := nullDecimal(decimal.NullDecimal{Decimal: d("0.03"), Valid: true})
	dec, ok := v.(decimal.Decimal)
	if !ok || !dec.Equal(d("0.03")) {
		t.Errorf("valid NullDecimal = %v", v)
	}
}
