package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
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

// krakenTakerFee is Kraken's base-tier spot taker fee fraction.
var krakenTakerFee = decimal.RequireFromString("0.0026")

const krakenBaseURL = "https://api.kraken.com"

// ToKrakenAsset maps an internal currency code to Kraken's naming.
func ToKrakenAsset(asset string) string {
	if asset == "BTC" {
		return "XBT"
	}
	return asset
}

// FromKrakenAsset normalizes Kraken asset codes: the X/Z class prefix is
// stripped from four-letter names (XXBT, ZEUR) and XBT becomes BTC.
func FromKrakenAsset(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		asset = asset[1:]
	}
	if asset == "XBT" {
		return "BTC"
	}
	return asset
}

// Kraken is the Kraken spot REST adapter.
type Kraken struct {
	public     *resty.Client
	private    *resty.Client
	key        string
	secret     string
	currencies map[string]bool
	limits     *KrakenLimits
	dryRun     bool
	logger     *slog.Logger

	// Nonces must be strictly increasing per API key.
	nonceMu   sync.Mutex
	lastNonce int64

	mu    sync.Mutex
	pairs map[types.Market]krakenPair // populated by DiscoverPairs
}

type krakenPair struct {
	Name         string // venue pair key used in AddOrder, e.g. "XETHXXBT"
	PairDecimals int32
	LotDecimals  int32
	OrderMin     decimal.Decimal
}

func NewKraken(cfg config.KrakenConfig, currencies []string, dryRun bool, logger *slog.Logger) *Kraken {
	publicClient := resty.New().
		SetBaseURL(krakenBaseURL).
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
		SetHeader("Accept", "application/json")

	// No automatic retry on signed calls: a resent AddOrder could place a
	// second order, and a replayed nonce is rejected anyway.
	privateClient := resty.New().
		SetBaseURL(krakenBaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")

	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[c] = true
	}
	return &Kraken{
		public:     publicClient,
		private:    privateClient,
		key:        cfg.APIKey,
		secret:     cfg.APISecret,
		currencies: set,
		limits:     NewKrakenLimits(),
		dryRun:     dryRun,
		logger:     logger.With("component", "kraken"),
	}
}

func (k *Kraken) Name() string { return KrakenName }

func (k *Kraken) nextNonce() string {
	k.nonceMu.Lock()
	defer k.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= k.lastNonce {
		n = k.lastNonce + 1
	}
	k.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// decodeKrakenResult unwraps the {"error":[],"result":...} envelope.
func decodeKrakenResult(body []byte, out any) error {
	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Error) > 0 {
		return fmt.Errorf("%w: kraken: %s", ErrVenue, strings.Join(envelope.Error, ", "))
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func (k *Kraken) publicCall(ctx context.Context, endpoint string, out any) error {
	if err := k.limits.Public.Wait(ctx); err != nil {
		return err
	}
	resp, err := k.public.R().SetContext(ctx).Get("/0/public/" + endpoint)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %w: kraken status %d", endpoint, ErrVenue, resp.StatusCode())
	}
	if err := decodeKrakenResult(resp.Body(), out); err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	return nil
}

func (k *Kraken) privateCall(ctx context.Context, endpoint string, data url.Values, out any) error {
	if err := k.limits.Private.Wait(ctx); err != nil {
		return err
	}
	if data == nil {
		data = url.Values{}
	}
	path := "/0/private/" + endpoint
	nonce := k.nextNonce()
	data.Set("nonce", nonce)
	postData := data.Encode()

	sig, err := KrakenSign(k.secret, path, nonce, postData)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	resp, err := k.private.R().
		SetContext(ctx).
		SetHeader("API-Key", k.key).
		SetHeader("API-Sign", sig).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(postData).
		Post(path)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %w: kraken status %d", endpoint, ErrVenue, resp.StatusCode())
	}
	if err := decodeKrakenResult(resp.Body(), out); err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	return nil
}

func (k *Kraken) fetchAssetPairs(ctx context.Context) (map[types.Market]krakenPair, error) {
	var result map[string]struct {
		Base         string          `json:"base"`
		Quote        string          `json:"quote"`
		PairDecimals int32           `json:"pair_decimals"`
		LotDecimals  int32           `json:"lot_decimals"`
		OrderMin     decimal.Decimal `json:"ordermin"`
	}
	if err := k.publicCall(ctx, "AssetPairs", &result); err != nil {
		return nil, err
	}

	pairs := make(map[types.Market]krakenPair)
	for name, p := range result {
		// ".d" entries are dark-pool variants of the same pair.
		if strings.HasSuffix(name, ".d") {
			continue
		}
		trade := FromKrakenAsset(p.Base)
		base := FromKrakenAsset(p.Quote)
		if !k.currencies[trade] || !k.currencies[base] {
			continue
		}
		pairs[types.NewMarket(trade, base)] = krakenPair{
			Name:         name,
			PairDecimals: p.PairDecimals,
			LotDecimals:  p.LotDecimals,
			OrderMin:     p.OrderMin,
		}
	}
	return pairs, nil
}

// DiscoverPairs lists tradeable markets within the currency universe and
// caches the venue pair names for order placement.
func (k *Kraken) DiscoverPairs(ctx context.Context) (map[types.Market]bool, error) {
	pairs, err := k.fetchAssetPairs(ctx)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.pairs = pairs
	k.mu.Unlock()

	out := make(map[types.Market]bool, len(pairs))
	for m := range pairs {
		out[m] = true
	}
	return out, nil
}

// GetMarketInfo derives metadata from the AssetPairs listing. Kraken's
// ordermin doubles as the minimum order value bound for its own base.
func (k *Kraken) GetMarketInfo(ctx context.Context, markets []types.Market) (map[types.Market]types.MarketInfo, error) {
	k.mu.Lock()
	pairs := k.pairs
	k.mu.Unlock()
	if pairs == nil {
		var err error
		if pairs, err = k.fetchAssetPairs(ctx); err != nil {
			return nil, err
		}
	}

	out := make(map[types.Market]types.MarketInfo, len(markets))
	for _, m := range markets {
		p, ok := pairs[m]
		if !ok {
			continue
		}
		info := types.MarketInfo{
			TradeFee:        krakenTakerFee,
			RatePrecision:   p.PairDecimals,
			VolumePrecision: p.LotDecimals,
			MinTradeVolume:  p.OrderMin,
		}
		switch m.Base {
		case "BTC":
			info.MinOrderValueBTC = decimal.NewNullDecimal(p.OrderMin)
		case "ETH":
			info.MinOrderValueETH = decimal.NewNullDecimal(p.OrderMin)
		}
		out[m] = info
	}
	return out, nil
}

// GetBalances fetches account balances for the configured currencies.
// Kraken reports a single figure per asset, so nothing lands in Reserved.
func (k *Kraken) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	var result map[string]decimal.Decimal
	if err := k.privateCall(ctx, "Balance", nil, &result); err != nil {
		return nil, err
	}

	balances := make(map[string]types.Balance)
	for asset, bal := range result {
		currency := FromKrakenAsset(asset)
		if !k.currencies[currency] {
			continue
		}
		balances[currency] = types.Balance{Available: bal}
	}
	return balances, nil
}

func (k *Kraken) pairName(market types.Market) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if p, ok := k.pairs[market]; ok {
		return p.Name, nil
	}
	return "", fmt.Errorf("unknown kraken pair %s", market.Symbol())
}

// Order places a limit order and returns the transaction id.
func (k *Kraken) Order(ctx context.Context, market types.Market, side types.Side, rate, volume decimal.Decimal) (string, error) {
	if k.dryRun {
		k.logger.Info("DRY-RUN: would place order",
			"market", market.Symbol(), "side", side, "rate", rate, "volume", volume)
		return uuid.NewString(), nil
	}
	pair, err := k.pairName(market)
	if err != nil {
		return "", err
	}

	data := url.Values{}
	data.Set("pair", pair)
	data.Set("type", strings.ToLower(string(side)))
	data.Set("ordertype", "limit")
	data.Set("price", rate.String())
	data.Set("volume", volume.String())

	var result struct {
		TxID []string `json:"txid"`
	}
	if err := k.privateCall(ctx, "AddOrder", data, &result); err != nil {
		return "", err
	}
	if len(result.TxID) == 0 {
		return "", fmt.Errorf("%w: kraken AddOrder returned no txid", ErrVenue)
	}
	k.logger.Info("order placed",
		"market", market.Symbol(), "side", side, "rate", rate, "volume", volume, "order_id", result.TxID[0])
	return result.TxID[0], nil
}

// CancelOrder cancels by transaction id.
func (k *Kraken) CancelOrder(ctx context.Context, orderID string, market types.Market) error {
	if k.dryRun {
		k.logger.Info("DRY-RUN: would cancel order", "order_id", orderID, "market", market.Symbol())
		return nil
	}
	data := url.Values{}
	data.Set("txid", orderID)

	var result struct {
		Count int `json:"count"`
	}
	if err := k.privateCall(ctx, "CancelOrder", data, &result); err != nil {
		return err
	}
	if result.Count < 1 {
		return fmt.Errorf("%w: kraken cancelled %d orders for %s", ErrVenue, result.Count, orderID)
	}
	return nil
}

// GetOrderData queries an order by transaction id. An unfilled order
// reports zero for the average price, in which case the limit price from
// the order description is used instead.
func (k *Kraken) GetOrderData(ctx context.Context, orderID string, market types.Market) (*types.OrderData, error) {
	if k.dryRun {
		k.logger.Debug("DRY-RUN: would query order", "order_id", orderID)
		return &types.OrderData{Open: false}, nil
	}
	data := url.Values{}
	data.Set("txid", orderID)

	var result map[string]struct {
		Status  string          `json:"status"`
		Vol     decimal.Decimal `json:"vol"`
		VolExec decimal.Decimal `json:"vol_exec"`
		Price   decimal.Decimal `json:"price"`
		Descr   struct {
			Price decimal.Decimal `json:"price"`
		} `json:"descr"`
	}
	if err := k.privateCall(ctx, "QueryOrders", data, &result); err != nil {
		return nil, err
	}
	order, ok := result[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: kraken QueryOrders has no entry for %s", ErrVenue, orderID)
	}

	price := order.Price
	if price.IsZero() {
		price = order.Descr.Price
	}
	return &types.OrderData{
		Quantity:          order.Vol,
		Price:             price,
		QuantityRemaining: order.Vol.Sub(order.VolExec),
		Open:              order.Status == "open" || order.Status == "pending",
	}, nil
}
