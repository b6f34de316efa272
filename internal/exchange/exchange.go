// Package exchange implements the venue adapters for Binance and Kraken.
//
// Each venue gets two pieces:
//
//   - a REST adapter implementing Exchange for pair discovery, market
//     metadata, balances, and the order lifecycle (place, cancel, query)
//   - a WebSocket feed streaming depth updates into a BookSink
//
// REST requests are rate-limited with per-venue token buckets, retried on
// transport and 5xx errors, and signed per venue scheme (see sign.go).
// Adapters short-circuit mutating calls in dry-run mode.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

// Venue identifiers used as keys in books, wallets, and persistence.
const (
	BinanceName = "binance"
	KrakenName  = "kraken"
)

// ErrVenue marks an error reported by the venue itself (a rejected order,
// an invalid nonce) as opposed to a transport failure. Callers can test
// with errors.Is.
var ErrVenue = errors.New("venue error")

// Exchange is the capability set the scanner, workers, and wallet refresher
// need from a venue.
type Exchange interface {
	// Name returns the lowercase venue identifier, e.g. "binance".
	Name() string

	// DiscoverPairs returns the venue's tradeable markets restricted to the
	// configured currency universe.
	DiscoverPairs(ctx context.Context) (map[types.Market]bool, error)

	// GetMarketInfo returns fee, precision, and minimum-size metadata for
	// the given markets. Markets the venue does not list are absent from
	// the result.
	GetMarketInfo(ctx context.Context, markets []types.Market) (map[types.Market]types.MarketInfo, error)

	// GetBalances returns per-currency balances for the configured
	// currency universe.
	GetBalances(ctx context.Context) (map[string]types.Balance, error)

	// Order places a limit order and returns the venue order id.
	Order(ctx context.Context, market types.Market, side types.Side, rate, volume decimal.Decimal) (string, error)

	// CancelOrder cancels an open order. Cancelling an already-closed
	// order returns an error the caller may ignore.
	CancelOrder(ctx context.Context, orderID string, market types.Market) error

	// GetOrderData fetches the current state of an order.
	GetOrderData(ctx context.Context, orderID string, market types.Market) (*types.OrderData, error)
}

// BookSink receives depth data from a venue feed. The buy side carries
// bids, the sell side asks, both sorted best-first by the sink.
type BookSink interface {
	ApplySnapshot(exchange string, market types.Market, bids, asks []types.PriceLevel)
	ApplyUpdate(exchange string, market types.Market, side types.Side, price, qty decimal.Decimal)
}
