// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arbitrage engine: order
// sides, route families, market identifiers, venue metadata, order book
// levels, wallet balances, and the trade descriptors handed from the scanner
// to the execution workers. It has no dependencies on internal packages, so
// it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// RouteType identifies the arbitrage route family.
type RouteType string

const (
	RouteDirect   RouteType = "direct"    // same market on two venues, two legs
	RouteMultiLeg RouteType = "multi_leg" // bridging cross pair, three legs
	RouteCross    RouteType = "cross"     // two trade currencies vs a shared base, four legs
)

// Role describes how a selected currency may appear in markets.
// Roles are derived from the intersection of venue-supported pairs:
// a currency seen only as quote is BaseOnly, only as traded asset is
// TradeOnly, and both is BaseAndTrade.
type Role int

const (
	BaseOnly Role = iota
	BaseAndTrade
	TradeOnly
)

func (r Role) String() string {
	switch r {
	case BaseOnly:
		return "base_only"
	case BaseAndTrade:
		return "base_and_trade"
	case TradeOnly:
		return "trade_only"
	default:
		return "unknown"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Markets and venue metadata
// ————————————————————————————————————————————————————————————————————————

// Market identifies a trading pair: Trade is the asset being traded,
// Base the currency it is priced in. The canonical symbol is the plain
// concatenation TRADE||BASE (no separator), e.g. "ETHBTC".
type Market struct {
	Trade string // traded asset, e.g. "ETH"
	Base  string // quote currency, e.g. "BTC"
}

// NewMarket builds a market from its two assets.
func NewMarket(trade, base string) Market {
	return Market{Trade: trade, Base: base}
}

// Symbol returns the canonical concatenated identifier, e.g. "ETHBTC".
func (m Market) Symbol() string { return m.Trade + m.Base }

func (m Market) String() string { return m.Symbol() }

// IsZero reports whether the market is unset.
func (m Market) IsZero() bool { return m.Trade == "" && m.Base == "" }

// MarketInfo carries per-venue trading rules for one market, fetched once
// at bootstrap from the venue's metadata endpoint.
//
// MinOrderValueBTC / MinOrderValueETH are the venue's minimum order
// notional expressed in the respective base currency; either may be unset
// (invalid NullDecimal) when the venue does not publish one for this
// market's base.
type MarketInfo struct {
	TradeFee         decimal.Decimal     // taker fee fraction, e.g. 0.0026
	RatePrecision    int32               // price decimals accepted by the venue
	VolumePrecision  int32               // quantity decimals accepted by the venue
	MinTradeVolume   decimal.Decimal     // minimum order quantity in trade units
	MinOrderValueBTC decimal.NullDecimal // minimum notional when base is BTC
	MinOrderValueETH decimal.NullDecimal // minimum notional when base is ETH
}

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Balance is one currency's holdings on one venue.
// Available + Reserved always equals the total balance.
type Balance struct {
	Available decimal.Decimal // spendable
	Reserved  decimal.Decimal // locked in open orders
}

// Total returns Available + Reserved.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

// ————————————————————————————————————————————————————————————————————————
// Routes
// ————————————————————————————————————————————————————————————————————————

// Route is a tagged value describing one arbitrage opportunity shape.
// Only the fields of the active family (per Type) are populated.
//
// Direct uses Market on both venues (two legs). MultiLeg sells Trade for
// BuyBase on one venue, buys Trade with SellBase on the other, and buys the
// CrossPair (SellBase priced in BuyBase) on that second venue to replenish
// SellBase (three legs). Cross sells TradeX and buys TradeY on one venue
// while the other venue mirrors, all against the shared Base (four legs).
type Route struct {
	Type RouteType

	// Direct
	Market Market

	// MultiLeg
	Trade      string
	BuyBase    string // base received when selling Trade
	SellBase   string // base spent when buying Trade
	BuyMarket  Market // Trade||BuyBase, the selling venue's market
	SellMarket Market // Trade||SellBase, the buying venue's market
	CrossPair  Market // SellBase||BuyBase, executed on the buying venue

	// Cross
	TradeX  string
	TradeY  string
	Base    string
	MarketX Market // TradeX||Base
	MarketY Market // TradeY||Base
}

// Label returns the human route label used as the live-comparison key and
// as route_label in persistence. Direct routes use the market symbol;
/// multi-leg routes read trade:sellBase>buyBase; cross routes x/y:base.
func (r Route) Label() string {
	switch r.Type {
	case RouteMultiLeg:
		return fmt.Sprintf("%s:%s>%s", r.Trade, r.SellBase, r.BuyBase)
	case RouteCross:
		return fmt.Sprintf("%s/%s:%s", r.TradeX, r.TradeY, r.Base)
	default:
		return r.Market.Symbol()
	}
}

// Markets returns every market the route touches, in leg order.
func (r Route) Markets() []Market {
	switch r.Type {
	case RouteMultiLeg:
		return []Market{r.BuyMarket, r.SellMarket, r.CrossPair}
	case RouteCross:
		return []Market{r.MarketX, r.MarketY}
	default:
		return []Market{r.Market}
	}
}

// Legs returns the number of order legs the route executes.
func (r Route) Legs() int {
	switch r.Type {
	case RouteMultiLeg:
		return 3
	case RouteCross:
		return 4
	default:
		return 2
	}
}

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

// FollowUpLeg is the conditional second order a worker places after its
// primary leg completes, sized from the primary leg's proceeds.
type FollowUpLeg struct {
	Side          Side
	Market        Market
	Rate          decimal.Decimal
	MinOrderValue decimal.Decimal
}

/// Fill records one filled sub-leg: a placed order's identity, the rate it
// was booked at, and the executed quantity after the cancel+query cycle.
type Fill struct {
	OrderID string
	Rate    decimal.Decimal
	Volume  decimal.Decimal
}

// TradeDescriptor is the unit of work handed from the scanner to one
// execution worker. It lives for a single execution cycle. Workers treat
// it as read only; the coordinator copies the worker's final rate,
// volume, and fill ledger back in when the cycle completes, so only the
// scanner's goroutine ever writes it.
type TradeDescriptor struct {
	Side          Side
	Exchange      string
	Market        Market
	Rate          decimal.Decimal
	Volume        decimal.Decimal
	MinOrderValue decimal.Decimal
	FollowUp      *FollowUpLeg

	Fills         []Fill // primary leg fills
	FollowUpFills []Fill // follow-up leg fills, if FollowUp was set
}

// OrderData is the venue's view of one order after a query.
type OrderData struct {
	Quantity          decimal.Decimal // original order quantity
	Price             decimal.Decimal // booked limit price
	QuantityRemaining decimal.Decimal // unfilled remainder
	Open              bool            // still live on the venue's book
}

// FilledQuantity returns Quantity - QuantityRemaining.
func (o OrderData) FilledQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.QuantityRemaining)
}

// ————————————————————————————————————————————————————————————————————————
// Persistence records
// ————————————————————————————————————————————————————————————————————————

// Opportunity is the append-only record of a sized arbitrage candidate.
// Executed is true when the execution cycle ran (dry-run rows are never
// executed). CrossRate is set for multi-leg routes only.
type Opportunity struct {
	ID           int64               `db:"id"`
	TS           time.Time           `db:"ts"`
	RouteType    RouteType           `db:"route_type"`
	RouteLabel   string              `db:"route_label"`
	BuyExchange  string              `db:"buy_exchange"`
	SellExchange string              `db:"sell_exchange"`
	SpreadPct    decimal.Decimal     `db:"spread_pct"`
	BuyRate      decimal.Decimal     `db:"buy_rate"`
	SellRate     decimal.Decimal     `db:"sell_rate"`
	CrossRate    decimal.NullDecimal `db:"cross_rate"`
	QtyA         decimal.Decimal     `db:"qty_a"`
	QtyB         decimal.Decimal     `db:"qty_b"`
	Executed     bool                `db:"executed"`
	DryRun       bool                `db:"dry_run"`
}
