// Package store persists the engine's trading history to Postgres:
// append-only opportunity rows, executed orders with their per-fill legs,
// and periodic balance snapshots. The same store serves the control-plane
// read queries (listings, history, analytics).
//
// Persistence is optional. With no DB host configured Open returns a
// nil-backed store whose writes log at debug and whose reads return
// ErrDisabled, so the engine never branches on a nil pointer. All writes
// pass through a circuit breaker: a database outage trips it and the
// engine keeps trading, skipping writes until the breaker closes again.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"arby/internal/config"
	"arby/pkg/types"
)

// ErrDisabled is returned by read queries when persistence is not
// configured.
var ErrDisabled = errors.New("persistence disabled")

const schema = `
CREATE TABLE IF NOT EXISTS opportunities (
	id            BIGSERIAL PRIMARY KEY,
	ts            TIMESTAMPTZ NOT NULL,
	route_type    TEXT NOT NULL,
	route_label   TEXT NOT NULL,
	buy_exchange  TEXT NOT NULL,
	sell_exchange TEXT NOT NULL,
	spread_pct    NUMERIC NOT NULL,
	buy_rate      NUMERIC NOT NULL,
	sell_rate     NUMERIC NOT NULL,
	cross_rate    NUMERIC,
	qty_a         NUMERIC NOT NULL,
	qty_b         NUMERIC NOT NULL,
	executed      BOOLEAN NOT NULL,
	dry_run       BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_ts ON opportunities (ts);
CREATE INDEX IF NOT EXISTS idx_opportunities_label ON opportunities (route_label);

CREATE TABLE IF NOT EXISTS orders (
	id     BIGSERIAL PRIMARY KEY,
	ts     TIMESTAMPTZ NOT NULL,
	market TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS order_details (
	id       BIGINT NOT NULL REFERENCES orders (id),
	volume   NUMERIC NOT NULL,
	rate     NUMERIC NOT NULL,
	orig_id  TEXT NOT NULL,
	exchange TEXT NOT NULL,
	side     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_details_id ON order_details (id);

CREATE TABLE IF NOT EXISTS balances (
	currency TEXT NOT NULL,
	balance  NUMERIC NOT NULL,
	ts       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_balances_ts ON balances (ts);
`

// Store wraps the Postgres connection pool. A Store with a nil db is
// valid and inert.
type Store struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// Open connects to Postgres and bootstraps the schema. An empty DB host
// yields a disabled store and no error.
func Open(cfg config.DBConfig, logger *slog.Logger) (*Store, error) {
	logger = logger.With("component", "store")
	if !cfg.Enabled() {
		logger.Info("persistence disabled, no DB host configured")
		return &Store{logger: logger}, nil
	}

	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "postgres",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	logger.Info("persistence enabled", "host", cfg.Host, "database", cfg.Name)
	return &Store{db: db, breaker: breaker, logger: logger}, nil
}

// Enabled reports whether a database connection is open.
func (s *Store) Enabled() bool { return s.db != nil }

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// write runs fn through the circuit breaker. Skipped writes (disabled
// store, open breaker) log and return nil so callers never stall the
// trading loop on persistence.
func (s *Store) write(name string, fn func() error) error {
	if s.db == nil {
		s.logger.Debug("write skipped, persistence disabled", "op", name)
		return nil
	}
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Warn("write skipped, circuit breaker open", "op", name)
		return nil
	}
	if err != nil {
		s.logger.Error("write failed", "op", name, "error", err)
	}
	return err
}

// SaveOpportunity appends one opportunity row.
func (s *Store) SaveOpportunity(ctx context.Context, opp *types.Opportunity) error {
	return s.write("save_opportunity", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO opportunities
				(ts, route_type, route_label, buy_exchange, sell_exchange,
				 spread_pct, buy_rate, sell_rate, cross_rate, qty_a, qty_b,
				 executed, dry_run)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			opp.TS, opp.RouteType, opp.RouteLabel, opp.BuyExchange, opp.SellExchange,
			opp.SpreadPct, opp.BuyRate, opp.SellRate, nullDecimal(opp.CrossRate),
			opp.QtyA, opp.QtyB, opp.Executed, opp.DryRun)
		return err
	})
}

// SaveOrder creates the order header row and returns its id. A disabled
// store returns id 0.
func (s *Store) SaveOrder(ctx context.Context, market string) (int64, error) {
	var id int64
	err := s.write("save_order", func() error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO orders (ts, market) VALUES ($1, $2) RETURNING id`,
			time.Now(), market).Scan(&id)
	})
	return id, err
}

// SaveOrderLegs appends one order_details row per fill on the descriptor,
// primary and follow-up legs both.
func (s *Store) SaveOrderLegs(ctx context.Context, orderID int64, td *types.TradeDescriptor) error {
	return s.write("save_order_legs", func() error {
		insert := func(side types.Side, fills []types.Fill) error {
			for _, f := range fills {
				_, err := s.db.ExecContext(ctx, `
					INSERT INTO order_details (id, volume, rate, orig_id, exchange, side)
					VALUES ($1,$2,$3,$4,$5,$6)`,
					orderID, f.Volume, f.Rate, f.OrderID, td.Exchange, side)
				if err != nil {
					return err
				}
			}
			return nil
		}
		if err := insert(td.Side, td.Fills); err != nil {
			return err
		}
		if td.FollowUp != nil {
			return insert(td.FollowUp.Side, td.FollowUpFills)
		}
		return nil
	})
}

// SaveBalances appends one balances row per currency total.
func (s *Store) SaveBalances(ctx context.Context, totals map[string]decimal.Decimal) error {
	return s.write("save_balances", func() error {
		now := time.Now()
		for currency, total := range totals {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO balances (currency, balance, ts) VALUES ($1,$2,$3)`,
				currency, total, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal
}
