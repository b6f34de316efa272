// Package market holds the engine's shared market state: live order books,
// wallet balances, per-venue market metadata, and the arbitrage route set.
//
// The stores are written by the venue feeds and the wallet refresher and
// read by the scanner on every tick. Each store guards its state with a
// single lock so a reader sees a consistent view of every book it needs
// for one route in one acquisition.
package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

// bookDepth caps the per-side depth kept after incremental updates.
const bookDepth = 10

// BookRef identifies one order book.
type BookRef struct {
	Exchange string
	Market   types.Market
}

// BookView is a copy of one book taken under the store lock. A zero view
// (UpdatedAt zero) means the book has never been filled.
type BookView struct {
	Bids      []types.PriceLevel // sorted best-first (descending price)
	Asks      []types.PriceLevel // sorted best-first (ascending price)
	UpdatedAt time.Time
}

// BestBid returns the top bid level.
func (v BookView) BestBid() (types.PriceLevel, bool) {
	if len(v.Bids) == 0 {
		return types.PriceLevel{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the top ask level.
func (v BookView) BestAsk() (types.PriceLevel, bool) {
	if len(v.Asks) == 0 {
		return types.PriceLevel{}, false
	}
	return v.Asks[0], true
}

// FreshAt reports whether the book was updated within maxAge of now.
func (v BookView) FreshAt(now time.Time, maxAge time.Duration) bool {
	return !v.UpdatedAt.IsZero() && now.Sub(v.UpdatedAt) <= maxAge
}

type bookState struct {
	bids    []types.PriceLevel
	asks    []types.PriceLevel
	updated time.Time
}

// BookStore holds the live order books for every (venue, market) pair.
// Feeds write through the BookSink methods; the scanner and the API read
// through View, ViewMany, and DepthValue.
type BookStore struct {
	mu    sync.RWMutex
	books map[BookRef]*bookState
}

func NewBookStore() *BookStore {
	return &BookStore{books: make(map[BookRef]*bookState)}
}

// ApplySnapshot replaces both sides of a book, keeping the top bookDepth
// levels per side. Venue snapshots can run deeper than the depth the
// store tracks.
func (s *BookStore) ApplySnapshot(exchange string, market types.Market, bids, asks []types.PriceLevel) {
	sortBids(bids)
	sortAsks(asks)
	if len(bids) > bookDepth {
		bids = bids[:bookDepth]
	}
	if len(asks) > bookDepth {
		asks = asks[:bookDepth]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := BookRef{Exchange: exchange, Market: market}
	b, ok := s.books[ref]
	if !ok {
		b = &bookState{}
		s.books[ref] = b
	}
	b.bids = bids
	b.asks = asks
	b.updated = time.Now()
}

// ApplyUpdate applies one price-level delta: the level at price is
// replaced, or deleted when qty is zero. Updates for a book that has not
// seen a snapshot yet are dropped.
func (s *BookStore) ApplyUpdate(exchange string, market types.Market, side types.Side, price, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[BookRef{Exchange: exchange, Market: market}]
	if !ok {
		return
	}

	if side == types.BUY {
		b.bids = applyLevel(b.bids, price, qty)
		sortBids(b.bids)
		if len(b.bids) > bookDepth {
			b.bids = b.bids[:bookDepth]
		}
	} else {
		b.asks = applyLevel(b.asks, price, qty)
		sortAsks(b.asks)
		if len(b.asks) > bookDepth {
			b.asks = b.asks[:bookDepth]
		}
	}
	b.updated = time.Now()
}

func applyLevel(levels []types.PriceLevel, price, qty decimal.Decimal) []types.PriceLevel {
	out := levels[:0]
	for _, lvl := range levels {
		if !lvl.Price.Equal(price) {
			out = append(out, lvl)
		}
	}
	if qty.IsPositive() {
		out = append(out, types.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

func sortBids(levels []types.PriceLevel) {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.GreaterThan(levels[j].Price)
	})
}

func sortAsks(levels []types.PriceLevel) {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})
}

// View returns a copy of one book. ok is false when the book has never
// been filled.
func (s *BookStore) View(exchange string, market types.Market) (BookView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked(BookRef{Exchange: exchange, Market: market})
}

// ViewMany returns copies of the requested books from a single lock
// acquisition, in the order given. Unknown books yield zero views.
func (s *BookStore) ViewMany(refs []BookRef) []BookView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BookView, len(refs))
	for i, ref := range refs {
		out[i], _ = s.viewLocked(ref)
	}
	return out
}

func (s *BookStore) viewLocked(ref BookRef) (BookView, bool) {
	b, ok := s.books[ref]
	if !ok {
		return BookView{}, false
	}
	v := BookView{
		Bids:      make([]types.PriceLevel, len(b.bids)),
		Asks:      make([]types.PriceLevel, len(b.asks)),
		UpdatedAt: b.updated,
	}
	copy(v.Bids, b.bids)
	copy(v.Asks, b.asks)
	return v, true
}

// DepthValue returns the book quantity priced at rate or better, valued
// at rate. Side BUY walks bids at or above rate (what a sell order could
// hit), SELL walks asks at or below rate (what a buy order could lift).
func (s *BookStore) DepthValue(exchange string, market types.Market, side types.Side, rate decimal.Decimal) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[BookRef{Exchange: exchange, Market: market}]
	if !ok {
		return decimal.Zero
	}

	volume := decimal.Zero
	if side == types.BUY {
		for _, lvl := range b.bids {
			if lvl.Price.LessThan(rate) {
				break
			}
			volume = volume.Add(lvl.Qty)
		}
	} else {
		for _, lvl := range b.asks {
			if lvl.Price.GreaterThan(rate) {
				break
			}
			volume = volume.Add(lvl.Qty)
		}
	}
	return volume.Mul(rate)
}

// Ages returns the last-update timestamp per tracked book. Used by the
// control plane for venue health.
func (s *BookStore) Ages() map[BookRef]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[BookRef]time.Time, len(s.books))
	for ref, b := range s.books {
		out[ref] = b.updated
	}
	return out
}
