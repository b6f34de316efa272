package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

// OpportunityFilter narrows the opportunity listing. Zero values mean no
// restriction; Executed is a tri-state pointer.
type OpportunityFilter struct {
	RouteLabel string
	MinSpread  *decimal.Decimal
	Executed   *bool
	RouteType  string
	Search     string
	Page       int
	PerPage    int
}

// where builds the WHERE clause and its positional arguments.
func (f OpportunityFilter) where() (string, []any) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.RouteLabel != "" {
		conditions = append(conditions, "route_label = "+arg(f.RouteLabel))
	}
	if f.MinSpread != nil {
		conditions = append(conditions, "spread_pct >= "+arg(*f.MinSpread))
	}
	if f.Executed != nil {
		conditions = append(conditions, "executed = "+arg(*f.Executed))
	}
	if f.RouteType != "" {
		conditions = append(conditions, "route_type = "+arg(f.RouteType))
	}
	if f.Search != "" {
		like := arg("%" + f.Search + "%")
		conditions = append(conditions,
			fmt.Sprintf("(route_label ILIKE %s OR buy_exchange ILIKE %s OR sell_exchange ILIKE %s)", like, like, like))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// Opportunities returns one page of opportunity rows, newest first, plus
// the total row count under the filter.
func (s *Store) Opportunities(ctx context.Context, f OpportunityFilter) ([]types.Opportunity, int, error) {
	if s.db == nil {
		return nil, 0, ErrDisabled
	}

	where, args := f.where()

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM opportunities"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count opportunities: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, ts, route_type, route_label, buy_exchange, sell_exchange,
		       spread_pct, buy_rate, sell_rate, cross_rate, qty_a, qty_b,
		       executed, dry_run
		FROM opportunities%s
		ORDER BY ts DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)

	var rows []types.Opportunity
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list opportunities: %w", err)
	}
	return rows, total, nil
}

// TradeLeg is one persisted fill of an executed order.
type TradeLeg struct {
	Volume   decimal.Decimal `db:"volume"`
	Rate     decimal.Decimal `db:"rate"`
	OrigID   string          `db:"orig_id"`
	Exchange string          `db:"exchange"`
	Side     string          `db:"side"`
}

// Trade is one executed order with its fill legs.
type Trade struct {
	ID     int64      `db:"id"`
	TS     time.Time  `db:"ts"`
	Market string     `db:"market"`
	Legs   []TradeLeg `db:"-"`
}

// Trades returns one page of executed orders with legs nested, newest
// first, plus the total order count.
func (s *Store) Trades(ctx context.Context, page, perPage int) ([]Trade, int, error) {
	if s.db == nil {
		return nil, 0, ErrDisabled
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders"); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	var orders []Trade
	err := s.db.SelectContext(ctx, &orders,
		`SELECT id, ts, market FROM orders ORDER BY ts DESC LIMIT $1 OFFSET $2`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, total, nil
	}

	ids := make([]int64, len(orders))
	index := make(map[int64]*Trade, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
		index[orders[i].ID] = &orders[i]
	}

	type legRow struct {
		OrderID int64 `db:"id"`
		TradeLeg
	}
	query, legArgs, err := sqlx.In(
		`SELECT id, volume, rate, orig_id, exchange, side FROM order_details WHERE id IN (?)`, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("build legs query: %w", err)
	}
	var legs []legRow
	if err := s.db.SelectContext(ctx, &legs, s.db.Rebind(query), legArgs...); err != nil {
		return nil, 0, fmt.Errorf("list order legs: %w", err)
	}
	for _, leg := range legs {
		if t, ok := index[leg.OrderID]; ok {
			t.Legs = append(t.Legs, leg.TradeLeg)
		}
	}
	return orders, total, nil
}

// BalancePoint is one persisted per-currency total.
type BalancePoint struct {
	Currency string          `db:"currency"`
	Balance  decimal.Decimal `db:"balance"`
	TS       time.Time       `db:"ts"`
}

// BalanceHistory returns balance snapshots from the last N days, oldest
// first.
func (s *Store) BalanceHistory(ctx context.Context, days int) ([]BalancePoint, error) {
	if s.db == nil {
		return nil, ErrDisabled
	}
	var rows []BalancePoint
	err := s.db.SelectContext(ctx, &rows, `
		SELECT currency, balance, ts FROM balances
		WHERE ts >= NOW() - $1 * INTERVAL '1 day' ORDER BY ts`, days)
	if err != nil {
		return nil, fmt.Errorf("balance history: %w", err)
	}
	return rows, nil
}

// LabelCount is a grouped count keyed by route label or venue direction.
type LabelCount struct {
	Label string `db:"label"`
	Count int64  `db:"count"`
}

// TopPairs returns the most frequent route labels over the last N days.
func (s *Store) TopPairs(ctx context.Context, days int) ([]LabelCount, error) {
	if s.db == nil {
		return nil, ErrDisabled
	}
	var rows []LabelCount
	err := s.db.SelectContext(ctx, &rows, `
		SELECT route_label AS label, COUNT(*) AS count FROM opportunities
		WHERE ts >= NOW() - $1 * INTERVAL '1 day'
		GROUP BY route_label ORDER BY count DESC LIMIT 20`, days)
	if err != nil {
		return nil, fmt.Errorf("top pairs: %w", err)
	}
	return rows, nil
}

// Direction returns opportunity counts grouped by buy→sell venue pair
// over the last N days.
func (s *Store) Direction(ctx context.Context, days int) ([]LabelCount, error) {
	if s.db == nil {
		return nil, ErrDisabled
	}
	var rows []LabelCount
	err := s.db.SelectContext(ctx, &rows, `
		SELECT buy_exchange || ' -> ' || sell_exchange AS label, COUNT(*) AS count
		FROM opportunities WHERE ts >= NOW() - $1 * INTERVAL '1 day'
		GROUP BY label ORDER BY count DESC`, days)
	if err != nil {
		return nil, fmt.Errorf("direction: %w", err)
	}
	return rows, nil
}

// Frequency returns hourly opportunity counts over the last N days,
// oldest hour first.
func (s *Store) Frequency(ctx context.Context, days int) ([]LabelCount, error) {
	if s.db == nil {
		return nil, ErrDisabled
	}
	var rows []LabelCount
	err := s.db.SelectContext(ctx, &rows, `
		SELECT to_char(date_trunc('hour', ts), 'YYYY-MM-DD HH24:00:00') AS label, COUNT(*) AS count
		FROM opportunities WHERE ts >= NOW() - $1 * INTERVAL '1 day'
		GROUP BY label ORDER BY label`, days)
	if err != nil {
		return nil, fmt.Errorf("frequency: %w", err)
	}
	return rows, nil
}

// ReturnsSummary aggregates executed opportunities into a projected
// return profile.
type ReturnsSummary struct {
	AvgSpreadPct decimal.Decimal
	TotalTrades  int64
	SpanDays     float64
	Daily        decimal.Decimal
	Weekly       decimal.Decimal
	Monthly      decimal.Decimal
	Yearly       decimal.Decimal
}

// Returns computes the executed-opportunity return summary: the average
// captured spread scaled by the observed daily trade frequency.
func (s *Store) Returns(ctx context.Context) (ReturnsSummary, error) {
	if s.db == nil {
		return ReturnsSummary{}, ErrDisabled
	}

	var row struct {
		Avg   decimal.NullDecimal `db:"avg"`
		Total int64               `db:"total"`
		MinTS *time.Time          `db:"min_ts"`
		MaxTS *time.Time          `db:"max_ts"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT AVG(spread_pct) AS avg, COUNT(*) AS total,
		       MIN(ts) AS min_ts, MAX(ts) AS max_ts
		FROM opportunities WHERE executed = TRUE`)
	if err != nil {
		return ReturnsSummary{}, fmt.Errorf("returns summary: %w", err)
	}
	if !row.Avg.Valid || row.Total == 0 {
		return ReturnsSummary{}, nil
	}

	spanDays := 1.0
	dailyTrades := float64(row.Total)
	if row.MinTS != nil && row.MaxTS != nil && !row.MinTS.Equal(*row.MaxTS) {
		spanDays = row.MaxTS.Sub(*row.MinTS).Hours() / 24
		if spanDays < 1 {
			spanDays = 1
		}
		dailyTrades = float64(row.Total) / spanDays
	}

	// daily return fraction = trades/day · avg spread% / 100
	daily := row.Avg.Decimal.
		Mul(decimal.NewFromFloat(dailyTrades)).
		Div(decimal.NewFromInt(100))

	return ReturnsSummary{
		AvgSpreadPct: row.Avg.Decimal,
		TotalTrades:  row.Total,
		SpanDays:     spanDays,
		Daily:        daily,
		Weekly:       daily.Mul(decimal.NewFromInt(7)),
		Monthly:      daily.Mul(decimal.NewFromInt(30)),
		Yearly:       daily.Mul(decimal.NewFromInt(365)),
	}, nil
}
