// Package exec runs the order legs of a sized opportunity: a coordinator
// rendezvous hands one trade descriptor to each of two long-lived
// workers, each worker chases its leg to completion with a place, settle,
// cancel, query cycle, and the coordinator copies the fill ledger back
// into the descriptor when the worker's completion token arrives.
package exec

import (
	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

// FilledVolume sums the executed quantity across fills, in the market's
// trade currency.
func FilledVolume(fills []types.Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Volume)
	}
	return total
}

// FilledValue sums volume·rate across fills, in the market's base
// currency. For a SELL leg this is the base received; for a BUY leg the
// base spent.
func FilledValue(fills []types.Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Volume.Mul(f.Rate))
	}
	return total
}

// followUpVolume sizes the follow-up leg from the primary leg's fills.
//
// A SELL primary leaves base currency, so a BUY follow-up converts the
// base received back at the follow-up rate. A BUY primary's follow-up
// replenishes the base the primary consumed; that amount is the
// follow-up market's trade currency, so it is the volume directly. A
// SELL follow-up disposes of what the primary acquired.
func followUpVolume(primarySide types.Side, fu *types.FollowUpLeg, fills []types.Fill) decimal.Decimal {
	if fu.Side == types.SELL {
		return FilledVolume(fills)
	}
	if primarySide == types.SELL {
		if !fu.Rate.IsPositive() {
			return decimal.Zero
		}
		return FilledValue(fills).Div(fu.Rate)
	}
	return FilledValue(fills)
}
