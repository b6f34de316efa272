// kraken_ws.go streams depth data from the Kraken v2 WebSocket API.
//
// The feed subscribes to the book channel at depth 10. Kraken sends one
// full snapshot per symbol after subscribing and price-level deltas from
// then on; deltas with qty 0 delete a level. Symbols use Kraken's slash
// notation with XBT for BTC, e.g. "ETH/XBT".
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

const (
	krakenWSURL        = "wss://ws.kraken.com/v2"
	krakenBookDepth    = 10
	krakenPingInterval = 30 * time.Second
	krakenReadTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
)

// WSSymbol converts a market to Kraken's WebSocket pair notation.
func WSSymbol(m types.Market) string {
	return ToKrakenAsset(m.Trade) + "/" + ToKrakenAsset(m.Base)
}

// KrakenFeed maintains the Kraken book subscription and writes snapshots
// and deltas into the sink.
type KrakenFeed struct {
	sink   BookSink
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	marketsMu sync.RWMutex
	symbols   map[string]types.Market // ws symbol -> market
}

func NewKrakenFeed(sink BookSink, markets []types.Market, logger *slog.Logger) *KrakenFeed {
	f := &KrakenFeed{
		sink:   sink,
		logger: logger.With("component", "kraken_feed"),
	}
	f.setSymbols(markets)
	return f
}

func (f *KrakenFeed) setSymbols(markets []types.Market) (added, removed []string) {
	next := make(map[string]types.Market, len(markets))
	for _, m := range markets {
		next[WSSymbol(m)] = m
	}

	f.marketsMu.Lock()
	for sym := range next {
		if _, ok := f.symbols[sym]; !ok {
			added = append(added, sym)
		}
	}
	for sym := range f.symbols {
		if _, ok := next[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	f.symbols = next
	f.marketsMu.Unlock()
	return added, removed
}

// SetMarkets swaps the subscription set, subscribing to new symbols and
// unsubscribing from dropped ones on the live connection. When offline the
// next connect subscribes the full set anyway.
func (f *KrakenFeed) SetMarkets(markets []types.Market) {
	added, removed := f.setSymbols(markets)
	if len(added) > 0 {
		if err := f.writeJSON(krakenBookRequest("subscribe", added)); err != nil {
			f.logger.Warn("subscribe failed", "symbols", added, "error", err)
		}
	}
	if len(removed) > 0 {
		if err := f.writeJSON(krakenBookRequest("unsubscribe", removed)); err != nil {
			f.logger.Warn("unsubscribe failed", "symbols", removed, "error", err)
		}
	}
}

// Run connects and maintains the subscription with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *KrakenFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close drops the current connection.
func (f *KrakenFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *KrakenFeed) connectAndRead(ctx context.Context) error {
	f.marketsMu.RLock()
	symbols := make([]string, 0, len(f.symbols))
	for sym := range f.symbols {
		symbols = append(symbols, sym)
	}
	f.marketsMu.RUnlock()
	if len(symbols) == 0 {
		return fmt.Errorf("no markets to subscribe")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, krakenWSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(krakenBookRequest("subscribe", symbols)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "symbols", len(symbols))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(krakenReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

type krakenWSRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

func krakenBookRequest(method string, symbols []string) krakenWSRequest {
	return krakenWSRequest{
		Method: method,
		Params: struct {
			Channel string   `json:"channel"`
			Depth   int      `json:"depth"`
			Symbol  []string `json:"symbol"`
		}{
			Channel: "book",
			Depth:   krakenBookDepth,
			Symbol:  symbols,
		},
	}
}

type krakenWSLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

func (f *KrakenFeed) dispatchMessage(data []byte) {
	var msg struct {
		Channel string `json:"channel"`
		Type    string `json:"type"`
		Data    []struct {
			Symbol string          `json:"symbol"`
			Bids   []krakenWSLevel `json:"bids"`
			Asks   []krakenWSLevel `json:"asks"`
		} `json:"data"`
		Method  string `json:"method"`
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring unparseable ws message", "error", err)
		return
	}

	switch msg.Channel {
	case "book":
		for _, entry := range msg.Data {
			f.marketsMu.RLock()
			market, ok := f.symbols[entry.Symbol]
			f.marketsMu.RUnlock()
			if !ok {
				continue
			}

			switch msg.Type {
			case "snapshot":
				f.sink.ApplySnapshot(KrakenName, market, wsLevels(entry.Bids), wsLevels(entry.Asks))
			case "update":
				for _, b := range entry.Bids {
					f.sink.ApplyUpdate(KrakenName, market, types.BUY, b.Price, b.Qty)
				}
				for _, a := range entry.Asks {
					f.sink.ApplyUpdate(KrakenName, market, types.SELL, a.Price, a.Qty)
				}
			}
		}

	case "heartbeat", "status":
		// Liveness chatter.

	default:
		if msg.Method != "" {
			if msg.Success != nil && !*msg.Success {
				f.logger.Warn("ws request rejected", "method", msg.Method, "error", msg.Error)
			} else {
				f.logger.Debug("ws request acknowledged", "method", msg.Method)
			}
			return
		}
		f.logger.Debug("unknown ws message", "channel", msg.Channel)
	}
}

func wsLevels(raw []krakenWSLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		out = append(out, types.PriceLevel{Price: lvl.Price, Qty: lvl.Qty})
	}
	return out
}

func (f *KrakenFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(krakenPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(krakenWSRequest{Method: "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *KrakenFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}
