package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arby/internal/config"
	"arby/pkg/types"
)

// binanceTakerFee is the taker fee fraction applied to every Binance leg,
// assuming the BNB fee discount tier.
var binanceTakerFee = decimal.RequireFromString("0.0003")

const binanceAPIKeyHeader = "X-MBX-APIKEY"

// Binance is the Binance spot REST adapter.
type Binance struct {
	http       *resty.Client
	secret     string
	currencies map[string]bool
	limits     *BinanceLimits
	dryRun     bool
	logger     *slog.Logger

	mu      sync.Mutex
	symbols map[types.Market]binanceSymbol // populated by DiscoverPairs
}

// NewBinance creates the adapter. currencies restricts discovery and
// balance reporting to the configured universe.
func NewBinance(cfg config.BinanceConfig, currencies []string, dryRun bool, logger *slog.Logger) *Binance {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json").
		SetHeader(binanceAPIKeyHeader, cfg.APIKey)

	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[c] = true
	}
	return &Binance{
		http:       httpClient,
		secret:     cfg.APISecret,
		currencies: set,
		limits:     NewBinanceLimits(),
		dryRun:     dryRun,
		logger:     logger.With("component", "binance"),
	}
}

func (b *Binance) Name() string { return BinanceName }

// signQuery appends the timestamp and signature. query must be empty or
// end with "&"; the signature covers exactly the bytes sent.
func (b *Binance) signQuery(query string) string {
	query += "timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	return query + "&signature=" + BinanceSign(b.secret, query)
}

type binanceSymbol struct {
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	BaseAsset  string          `json:"baseAsset"`
	QuoteAsset string          `json:"quoteAsset"`
	Filters    []binanceFilter `json:"filters"`
}

type binanceFilter struct {
	FilterType  string `json:"filterType"`
	MinNotional string `json:"minNotional"`
	TickSize    string `json:"tickSize"`
	MinQty      string `json:"minQty"`
	StepSize    string `json:"stepSize"`
}

func (b *Binance) fetchExchangeInfo(ctx context.Context) (map[types.Market]binanceSymbol, error) {
	if err := b.limits.Public.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Symbols []binanceSymbol `json:"symbols"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	if resp.IsError() {
		return nil, b.venueError("exchange info", resp)
	}

	symbols := make(map[types.Market]binanceSymbol)
	for _, s := range result.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if !b.currencies[s.BaseAsset] || !b.currencies[s.QuoteAsset] {
			continue
		}
		// Binance's base asset is the traded currency, its quote asset the
		// pricing currency.
		symbols[types.NewMarket(s.BaseAsset, s.QuoteAsset)] = s
	}
	return symbols, nil
}

// DiscoverPairs lists tradeable markets within the currency universe and
// caches the symbol metadata for GetMarketInfo.
func (b *Binance) DiscoverPairs(ctx context.Context) (map[types.Market]bool, error) {
	symbols, err := b.fetchExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.symbols = symbols
	b.mu.Unlock()

	pairs := make(map[types.Market]bool, len(symbols))
	for m := range symbols {
		pairs[m] = true
	}
	return pairs, nil
}

// GetMarketInfo derives fee, precision, and minimum-size metadata from the
// exchangeInfo filters.
func (b *Binance) GetMarketInfo(ctx context.Context, markets []types.Market) (map[types.Market]types.MarketInfo, error) {
	b.mu.Lock()
	symbols := b.symbols
	b.mu.Unlock()
	if symbols == nil {
		var err error
		if symbols, err = b.fetchExchangeInfo(ctx); err != nil {
			return nil, err
		}
	}

	out := make(map[types.Market]types.MarketInfo, len(markets))
	for _, m := range markets {
		s, ok := symbols[m]
		if !ok {
			continue
		}
		info := types.MarketInfo{TradeFee: binanceTakerFee}
		var minNotional decimal.Decimal
		var haveNotional bool
		for _, f := range s.Filters {
			switch f.FilterType {
			case "MIN_NOTIONAL", "NOTIONAL":
				if mn, err := decimal.NewFromString(f.MinNotional); err == nil {
					minNotional = mn
					haveNotional = true
				}
			case "PRICE_FILTER":
				info.RatePrecision = stepPrecision(f.TickSize)
			case "LOT_SIZE":
				if mq, err := decimal.NewFromString(f.MinQty); err == nil {
					info.MinTradeVolume = mq
				}
				info.VolumePrecision = stepPrecision(f.StepSize)
			}
		}
		if haveNotional {
			// The notional is denominated in the market's own base, so it
			// only bounds order value in that currency.
			if m.Base != "ETH" {
				info.MinOrderValueBTC = decimal.NewNullDecimal(minNotional)
			}
			if m.Base != "BTC" {
				info.MinOrderValueETH = decimal.NewNullDecimal(minNotional)
			}
		}
		out[m] = info
	}
	return out, nil
}

// stepPrecision converts a filter step like "0.00100000" into the number
// of meaningful decimal places (3 here). A leading "1" means whole units.
func stepPrecision(step string) int32 {
	if step == "" || step[0] == '1' {
		return 0
	}
	_, frac, ok := strings.Cut(step, ".")
	if !ok {
		return 0
	}
	for i := 0; i < len(frac); i++ {
		if frac[i] == '1' {
			return int32(i) + 1
		}
	}
	return 0
}

// GetBalances fetches account balances for the configured currencies.
// The account endpoint is signed, so it draws on the signed-call budget.
func (b *Binance) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	if err := b.limits.Trade.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Balances []struct {
			Asset  string          `json:"asset"`
			Free   decimal.Decimal `json:"free"`
			Locked decimal.Decimal `json:"locked"`
		} `json:"balances"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v3/account?" + b.signQuery(""))
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	if resp.IsError() {
		return nil, b.venueError("get balances", resp)
	}

	balances := make(map[string]types.Balance)
	for _, bal := range result.Balances {
		if !b.currencies[bal.Asset] {
			continue
		}
		balances[bal.Asset] = types.Balance{Available: bal.Free, Reserved: bal.Locked}
	}
	return balances, nil
}

// Order places a GTC limit order and returns the client order id.
func (b *Binance) Order(ctx context.Context, market types.Market, side types.Side, rate, volume decimal.Decimal) (string, error) {
	clientID := uuid.NewString()
	if b.dryRun {
		b.logger.Info("DRY-RUN: would place order",
			"market", market.Symbol(), "side", side, "rate", rate, "volume", volume)
		return clientID, nil
	}
	if err := b.limits.Trade.Wait(ctx); err != nil {
		return "", err
	}

	query := fmt.Sprintf("symbol=%s&side=%s&type=LIMIT&timeInForce=GTC&quantity=%s&price=%s&newClientOrderId=%s&",
		market.Symbol(), side, volume.String(), rate.String(), clientID)
	var result struct {
		ClientOrderID string `json:"clientOrderId"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/api/v3/order?" + b.signQuery(query))
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if resp.IsError() {
		return "", b.venueError("place order", resp)
	}
	if result.ClientOrderID == "" {
		result.ClientOrderID = clientID
	}
	b.logger.Info("order placed",
		"market", market.Symbol(), "side", side, "rate", rate, "volume", volume, "order_id", result.ClientOrderID)
	return result.ClientOrderID, nil
}

// CancelOrder cancels by client order id.
func (b *Binance) CancelOrder(ctx context.Context, orderID string, market types.Market) error {
	if b.dryRun {
		b.logger.Info("DRY-RUN: would cancel order", "order_id", orderID, "market", market.Symbol())
		return nil
	}
	if err := b.limits.Trade.Wait(ctx); err != nil {
		return err
	}

	query := fmt.Sprintf("symbol=%s&origClientOrderId=%s&", market.Symbol(), orderID)
	resp, err := b.http.R().
		SetContext(ctx).
		Delete("/api/v3/order?" + b.signQuery(query))
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.IsError() {
		return b.venueError("cancel order", resp)
	}
	return nil
}

// GetOrderData queries an order by client order id.
func (b *Binance) GetOrderData(ctx context.Context, orderID string, market types.Market) (*types.OrderData, error) {
	if b.dryRun {
		b.logger.Debug("DRY-RUN: would query order", "order_id", orderID)
		return &types.OrderData{Open: false}, nil
	}
	if err := b.limits.Trade.Wait(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("symbol=%s&origClientOrderId=%s&", market.Symbol(), orderID)
	var result struct {
		OrigQty     decimal.Decimal `json:"origQty"`
		Price       decimal.Decimal `json:"price"`
		ExecutedQty decimal.Decimal `json:"executedQty"`
		Status      string          `json:"status"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v3/order?" + b.signQuery(query))
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	if resp.IsError() {
		return nil, b.venueError("query order", resp)
	}

	return &types.OrderData{
		Quantity:          result.OrigQty,
		Price:             result.Price,
		QuantityRemaining: result.OrigQty.Sub(result.ExecutedQty),
		Open:              result.Status == "NEW" || result.Status == "PARTIALLY_FILLED",
	}, nil
}

func (b *Binance) venueError(op string, resp *resty.Response) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && apiErr.Msg != "" {
		return fmt.Errorf("%s: %w: binance code %d: %s", op, ErrVenue, apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("%s: %w: binance status %d: %s", op, ErrVenue, resp.StatusCode(), resp.String())
}
