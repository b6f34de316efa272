package market

import (
	"sync"

	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

// InfoStore holds per-venue market metadata fetched at bootstrap and on
// route reloads.
type InfoStore struct {
	mu    sync.RWMutex
	infos map[string]map[types.Market]types.MarketInfo // venue -> market -> info
}

func NewInfoStore() *InfoStore {
	return &InfoStore{infos: make(map[string]map[types.Market]types.MarketInfo)}
}

// Set swaps a venue's metadata.
func (s *InfoStore) Set(exchange string, infos map[types.Market]types.MarketInfo) {
	copied := make(map[types.Market]types.MarketInfo, len(infos))
	for m, info := range infos {
		copied[m] = info
	}
	s.mu.Lock()
	s.infos[exchange] = copied
	s.mu.Unlock()
}

// Get returns the metadata for one market on one venue.
func (s *InfoStore) Get(exchange string, market types.Market) (types.MarketInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[exchange][market]
	return info, ok
}

// Has reports whether every given market has metadata on the venue.
func (s *InfoStore) Has(exchange string, markets ...types.Market) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range markets {
		if _, ok := s.infos[exchange][m]; !ok {
			return false
		}
	}
	return true
}

// MinOrderValue resolves the venue's minimum order notional for a market,
// denominated in the market's base currency. Markets based in BTC use the
// BTC minimum directly; ETH-based markets fall back to the BTC minimum
// converted through the venue's ETHBTC best bid when the venue publishes
// no ETH minimum. ok is false when no minimum can be resolved, which
// disqualifies the route for this tick.
func (s *InfoStore) MinOrderValue(exchange string, m types.Market, books *BookStore) (decimal.Decimal, bool) {
	info, found := s.Get(exchange, m)
	if !found {
		return decimal.Zero, false
	}

	switch m.Base {
	case "BTC":
		if info.MinOrderValueBTC.Valid {
			return info.MinOrderValueBTC.Decimal, true
		}
	case "ETH":
		if info.MinOrderValueETH.Valid {
			return info.MinOrderValueETH.Decimal, true
		}
		if info.MinOrderValueBTC.Valid {
			view, ok := books.View(exchange, types.NewMarket("ETH", "BTC"))
			if !ok {
				return decimal.Zero, false
			}
			if bid, ok := view.BestBid(); ok && bid.Price.IsPositive() {
				return info.MinOrderValueBTC.Decimal.Div(bid.Price), true
			}
		}
	}
	return decimal.Zero, false
}
