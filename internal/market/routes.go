// routes.go derives currency roles from discovered venue pairs and
// enumerates the arbitrage route set.
//
// A currency's role follows from how the venues actually list it: quoted
// against only, traded only, or both. Routes are then built over the
// markets active on every venue, optionally narrowed by a per-trade base
// whitelist. Enumeration is deterministic so that identical inputs produce
// an identical route list.
package market

import (
	"sort"
	"sync"

	"arby/pkg/types"
)

// DeriveRoles classifies each currency by its appearances in the venues'
// discovered pair sets. Currencies that appear in no pair are absent from
// the result.
func DeriveRoles(currencies []string, pairSets map[string]map[types.Market]bool) map[string]types.Role {
	universe := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		universe[c] = true
	}

	asTrade := make(map[string]bool)
	asBase := make(map[string]bool)
	for _, pairs := range pairSets {
		for m := range pairs {
			if universe[m.Trade] && universe[m.Base] {
				asTrade[m.Trade] = true
				asBase[m.Base] = true
			}
		}
	}

	roles := make(map[string]types.Role)
	for _, c := range currencies {
		switch {
		case asTrade[c] && asBase[c]:
			roles[c] = types.BaseAndTrade
		case asBase[c]:
			roles[c] = types.BaseOnly
		case asTrade[c]:
			roles[c] = types.TradeOnly
		}
	}
	return roles
}

// ActivePairs returns the markets listed on every venue.
func ActivePairs(pairSets map[string]map[types.Market]bool) map[types.Market]bool {
	active := make(map[types.Market]bool)
	first := true
	for _, pairs := range pairSets {
		if first {
			for m := range pairs {
				active[m] = true
			}
			first = false
			continue
		}
		for m := range active {
			if !pairs[m] {
				delete(active, m)
			}
		}
	}
	return active
}

// RouteBuildInput carries everything route enumeration needs.
type RouteBuildInput struct {
	Currencies []string
	Roles      map[string]types.Role
	Active     map[types.Market]bool
	// BaseWhitelist narrows markets per trade currency; a currency with no
	// entry is unrestricted.
	BaseWhitelist map[string][]string
}

func (in RouteBuildInput) marketAllowed(m types.Market) bool {
	if !in.Active[m] {
		return false
	}
	bases, ok := in.BaseWhitelist[m.Trade]
	if !ok {
		return true
	}
	for _, b := range bases {
		if b == m.Base {
			return true
		}
	}
	return false
}

// BuildRoutes enumerates direct, multi-leg, and cross routes in a
// deterministic order.
func BuildRoutes(in RouteBuildInput) []types.Route {
	var bases, trades []string
	for _, c := range in.Currencies {
		switch in.Roles[c] {
		case types.BaseAndTrade:
			bases = append(bases, c)
			trades = append(trades, c)
		case types.BaseOnly:
			bases = append(bases, c)
		case types.TradeOnly:
			trades = append(trades, c)
		}
	}
	sort.Strings(bases)
	sort.Strings(trades)

	var routes []types.Route

	// Direct: the same market on both venues.
	for _, trade := range trades {
		for _, base := range bases {
			if base == trade {
				continue
			}
			m := types.NewMarket(trade, base)
			if in.marketAllowed(m) {
				routes = append(routes, types.Route{Type: types.RouteDirect, Market: m})
			}
		}
	}

	// Multi-leg: sell trade for buyBase, rebuy trade with sellBase, and
	// restore sellBase through the cross pair.
	for _, trade := range trades {
		for _, buyBase := range bases {
			if buyBase == trade {
				continue
			}
			for _, sellBase := range bases {
				if sellBase == trade || sellBase == buyBase {
					continue
				}
				buyMarket := types.NewMarket(trade, buyBase)
				sellMarket := types.NewMarket(trade, sellBase)
				crossPair := types.NewMarket(sellBase, buyBase)
				if !in.marketAllowed(buyMarket) || !in.marketAllowed(sellMarket) || !in.marketAllowed(crossPair) {
					continue
				}
				routes = append(routes, types.Route{
					Type:       types.RouteMultiLeg,
					Trade:      trade,
					BuyBase:    buyBase,
					SellBase:   sellBase,
					BuyMarket:  buyMarket,
					SellMarket: sellMarket,
					CrossPair:  crossPair,
				})
			}
		}
	}

	// Cross: two trade currencies against a shared base.
	for i, tradeX := range trades {
		for _, tradeY := range trades[i+1:] {
			for _, base := range bases {
				if base == tradeX || base == tradeY {
					continue
				}
				marketX := types.NewMarket(tradeX, base)
				marketY := types.NewMarket(tradeY, base)
				if !in.marketAllowed(marketX) || !in.marketAllowed(marketY) {
					continue
				}
				routes = append(routes, types.Route{
					Type:    types.RouteCross,
					TradeX:  tradeX,
					TradeY:  tradeY,
					Base:    base,
					MarketX: marketX,
					MarketY: marketY,
				})
			}
		}
	}

	return routes
}

// RouteSet is the hot-swappable current route list.
type RouteSet struct {
	mu     sync.RWMutex
	routes []types.Route
}

func NewRouteSet() *RouteSet {
	return &RouteSet{}
}

// Replace swaps the route list.
func (s *RouteSet) Replace(routes []types.Route) {
	s.mu.Lock()
	s.routes = routes
	s.mu.Unlock()
}

// All returns a copy of the current route list.
func (s *RouteSet) All() []types.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Route, len(s.routes))
	copy(out, s.routes)
	return out
}

// CountByType returns the number of routes per family.
func (s *RouteSet) CountByType() map[types.RouteType]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[types.RouteType]int, 3)
	for _, r := range s.routes {
		counts[r.Type]++
	}
	return counts
}

// MarketSet returns the union of markets referenced by the current
// routes, sorted by symbol. This is the feed subscription set.
func (s *RouteSet) MarketSet() []types.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[types.Market]bool)
	for _, r := range s.routes {
		for _, m := range r.Markets() {
			seen[m] = true
		}
	}
	out := make([]types.Market, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol() < out[j].Symbol() })
	return out
}
