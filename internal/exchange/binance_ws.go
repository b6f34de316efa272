// binance_ws.go streams depth data from Binance.
//
// The feed connects to the combined-stream endpoint with one
// <symbol>@depth20@100ms stream per subscribed market. Binance pushes full
// top-20 snapshots on each tick, so every frame replaces the stored book.
// Long-lived stream sessions are rotated by the server, so the feed tears
// its connection down on its own schedule and redials; unplanned drops go
// through the same reconnect loop with exponential backoff.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	maxReconnectWait = 60 * time.Second

	binanceWSBase      = "wss://stream.binance.com:9443/stream"
	binanceDepthSuffix = "@depth20@100ms"
	binanceSessionTTL  = 30 * time.Hour
	binanceReadTimeout = 60 * time.Second
)

// BinanceFeed maintains the Binance depth stream and writes every snapshot
// into the sink.
type BinanceFeed struct {
	sink   BookSink
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	marketsMu sync.RWMutex
	streams   map[string]types.Market // stream name -> market
}

func NewBinanceFeed(sink BookSink, markets []types.Market, logger *slog.Logger) *BinanceFeed {
	f := &BinanceFeed{
		sink:   sink,
		logger: logger.With("component", "binance_feed"),
	}
	f.setStreams(markets)
	return f
}

// SetMarkets swaps the subscription set. The combined-stream URL is fixed
// at dial time, so the current connection is dropped and the reconnect
// loop redials with the new set.
func (f *BinanceFeed) SetMarkets(markets []types.Market) {
	f.setStreams(markets)
	f.Close()
}

func (f *BinanceFeed) setStreams(markets []types.Market) {
	streams := make(map[string]types.Market, len(markets))
	for _, m := range markets {
		streams[strings.ToLower(m.Symbol())+binanceDepthSuffix] = m
	}
	f.marketsMu.Lock()
	f.streams = streams
	f.marketsMu.Unlock()
}

func (f *BinanceFeed) url() string {
	f.marketsMu.RLock()
	names := make([]string, 0, len(f.streams))
	for s := range f.streams {
		names = append(names, s)
	}
	f.marketsMu.RUnlock()
	sort.Strings(names)
	return binanceWSBase + "?streams=" + strings.Join(names, "/")
}

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *BinanceFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A session that survived a while earns a fresh backoff; only
		// rapid connect/drop cycles escalate the wait.
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

// Close drops the current connection. Run redials unless its context is
// already cancelled.
func (f *BinanceFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *BinanceFeed) connectAndRead(ctx context.Context) error {
	f.marketsMu.RLock()
	count := len(f.streams)
	f.marketsMu.RUnlock()
	if count == 0 {
		return fmt.Errorf("no markets to subscribe")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url(), nil)
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

	f.logger.Info("websocket connected", "streams", count)

	// Scheduled session rotation.
	reset := time.AfterFunc(binanceSessionTTL, func() {
		f.logger.Info("websocket session rotation")
		conn.Close()
	})
	defer reset.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(binanceReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *BinanceFeed) dispatchMessage(data []byte) {
	var frame struct {
		Stream string `json:"stream"`
		Data   struct {
			Bids [][]decimal.Decimal `json:"bids"`
			Asks [][]decimal.Decimal `json:"asks"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("ignoring unparseable ws message", "error", err)
		return
	}
	if frame.Stream == "" {
		return
	}

	f.marketsMu.RLock()
	market, ok := f.streams[frame.Stream]
	f.marketsMu.RUnlock()
	if !ok {
		f.logger.Debug("frame for unsubscribed stream", "stream", frame.Stream)
		return
	}

	f.sink.ApplySnapshot(BinanceName, market, pairLevels(frame.Data.Bids), pairLevels(frame.Data.Asks))
}

// pairLevels converts [[price, qty], ...] arrays into typed levels.
func pairLevels(raw [][]decimal.Decimal) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, types.PriceLevel{Price: lvl[0], Qty: lvl[1]})
	}
	return out
}
