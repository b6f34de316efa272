package market

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

// WalletStore holds the latest per-venue balances. The wallet refresher
// replaces a venue's map wholesale after each fetch; a failed fetch leaves
// the previous snapshot in place, which at worst understates what is
// available.
type WalletStore struct {
	mu      sync.RWMutex
	wallets map[string]map[string]types.Balance // venue -> currency -> balance
}

func NewWalletStore() *WalletStore {
	return &WalletStore{wallets: make(map[string]map[string]types.Balance)}
}

// ReplaceAll swaps a venue's balances.
func (s *WalletStore) ReplaceAll(exchange string, balances map[string]types.Balance) {
	copied := make(map[string]types.Balance, len(balances))
	for cur, b := range balances {
		copied[cur] = b
	}
	s.mu.Lock()
	s.wallets[exchange] = copied
	s.mu.Unlock()
}

// Available returns the spendable balance of a currency on a venue, zero
// when unknown.
func (s *WalletStore) Available(exchange, currency string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallets[exchange][currency].Available
}

// Snapshot returns a deep copy of all balances.
func (s *WalletStore) Snapshot() map[string]map[string]types.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]types.Balance, len(s.wallets))
	for venue, balances := range s.wallets {
		m := make(map[string]types.Balance, len(balances))
		for cur, b := range balances {
			m[cur] = b
		}
		out[venue] = m
	}
	return out
}

// TotalsByCurrency sums balances (available plus reserved) across venues.
func (s *WalletStore) TotalsByCurrency() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]decimal.Decimal)
	for _, balances := range s.wallets {
		for cur, b := range balances {
			totals[cur] = totals[cur].Add(b.Total())
		}
	}
	return totals
}

// Currencies returns the currencies present in any wallet, sorted.
func (s *WalletStore) Currencies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, balances := range s.wallets {
		for cur := range balances {
			seen[cur] = true
		}
	}
	out := make([]string, 0, len(seen))
	for cur := range seen {
		out = append(out, cur)
	}
	sort.Strings(out)
	return out
}
