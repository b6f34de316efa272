// Package arb contains the opportunity pipeline: route scoring, the
// fee-derived profit threshold, rate adjustment, volume sizing, the live
// comparison board, and the scanner loop that drives them every tick.
//
// All price arithmetic is decimal. The conventions follow the venue's
// point of view of a limit order book: a route "A side" is always the
// venue where the engine sells (hitting that venue's bid) and the "B
// side" where it buys (lifting the ask). Rates are netted of fees by
// dividing bid-side rates and multiplying ask-side rates by (1+fee).
package arb

import (
	"github.com/shopspring/decimal"
)

var (
	one   = decimal.NewFromInt(1)
	three = decimal.NewFromInt(3)
	four  = decimal.NewFromInt(4)

	// depthReserve divides cumulated book value so sizing leaves capacity
	// for the book moving while orders are worked.
	depthReserve = three

	// movMargin is the factor an order size must clear above the venue
	// minimum order value before a trade is attempted.
	movMargin = decimal.RequireFromString("1.25")

	// rateWalkFraction is the relative step a worker walks its rate after
	// each partial fill.
	rateWalkFraction = decimal.RequireFromString("0.001")
)

func roundDown(d decimal.Decimal, places int32) decimal.Decimal { return d.RoundFloor(places) }
func roundUp(d decimal.Decimal, places int32) decimal.Decimal   { return d.RoundCeil(places) }

// Threshold returns the minimum raw arbitrage score that leaves at least
// minProfit net after paying every leg's fee: (1+p)·Π(1+fee_i) − 1.
func Threshold(minProfit decimal.Decimal, fees ...decimal.Decimal) decimal.Decimal {
	t := one.Add(minProfit)
	for _, fee := range fees {
		t = t.Mul(one.Add(fee))
	}
	return t.Sub(one)
}

// DirectScore is the raw top-of-book score bid_A/ask_B − 1.
func DirectScore(bidA, askB decimal.Decimal) decimal.Decimal {
	if !bidA.IsPositive() || !askB.IsPositive() {
		return decimal.Zero
	}
	return bidA.Div(askB).Sub(one)
}

// MultiLegScore is bid_{trade/buyBase,A} / (ask_{trade/sellBase,B} ·
// ask_{crossPair,B}) − 1.
func MultiLegScore(bidA, askB, crossAskB decimal.Decimal) decimal.Decimal {
	if !bidA.IsPositive() || !askB.IsPositive() || !crossAskB.IsPositive() {
		return decimal.Zero
	}
	return bidA.Div(askB.Mul(crossAskB)).Sub(one)
}

// CrossScore is (bid_{X,A} · bid_{Y,B}) / (ask_{Y,A} · ask_{X,B}) − 1.
func CrossScore(bidXA, bidYB, askYA, askXB decimal.Decimal) decimal.Decimal {
	if !bidXA.IsPositive() || !bidYB.IsPositive() || !askYA.IsPositive() || !askXB.IsPositive() {
		return decimal.Zero
	}
	return bidXA.Mul(bidYB).Div(askYA.Mul(askXB)).Sub(one)
}

// Leg bundles one order leg's top-of-book rate with the venue rules the
// rate adjustment needs.
type Leg struct {
	Rate          decimal.Decimal
	Fee           decimal.Decimal
	RatePrecision int32
}

func (l Leg) gross() decimal.Decimal { return l.Rate.Mul(one.Add(l.Fee)) }
func (l Leg) net() decimal.Decimal   { return l.Rate.Div(one.Add(l.Fee)) }

// DirectRates is the adjusted, venue-quantized rate pair for a direct
// route: A the sell rate, B the buy rate, R the post-fee ratio
// B·(1+feeB) / (A/(1+feeA)) used to balance the two quantities.
type DirectRates struct {
	A, B, R decimal.Decimal
}

// CalcDirectRates pulls both rates a third of the fee-netted spread
// inward, then re-grosses for the fee and quantizes: the sell rate rounds
// up, the buy rate rounds down, so each stays on the profitable side of
// its target.
func CalcDirectRates(sell, buy Leg) DirectRates {
	buyNet := sell.net()   // revenue rate, selling into A's bid
	sellNet := buy.gross() // cost rate, lifting B's ask
	share := buyNet.Sub(sellNet).Div(three)

	a := roundUp(buyNet.Sub(share).Mul(one.Add(sell.Fee)), sell.RatePrecision)
	b := roundDown(sellNet.Add(share).Div(one.Add(buy.Fee)), buy.RatePrecision)

	return DirectRates{
		A: a,
		B: b,
		R: b.Mul(one.Add(buy.Fee)).Div(a.Div(one.Add(sell.Fee))),
	}
}

// MultiLegRates is the adjusted rate triple for a multi-leg route:
// A sells trade for buyBase, B buys trade with sellBase, C buys the
// cross pair (sellBase priced in buyBase). R balances qtyA against qtyB.
type MultiLegRates struct {
	A, B, C, R decimal.Decimal
}

// CalcMultiLegRates distributes a quarter of the fee-netted edge to each
// of the three legs. The B and C shares are converted out of buyBase by
// dividing by the other leg's gross rate so the three quantities stay
// balanced.
func CalcMultiLegRates(sell, buy, cross Leg) MultiLegRates {
	buyNet := sell.net()
	bGross := buy.gross()
	cGross := cross.gross()
	share := buyNet.Sub(bGross.Mul(cGross)).Div(four)

	a := roundUp(buyNet.Sub(share).Mul(one.Add(sell.Fee)), sell.RatePrecision)
	b := roundDown(bGross.Add(share.Div(cGross)).Div(one.Add(buy.Fee)), buy.RatePrecision)
	c := roundDown(cGross.Add(share.Div(bGross)).Div(one.Add(cross.Fee)), cross.RatePrecision)

	return MultiLegRates{
		A: a,
		B: b,
		C: c,
		R: b.Mul(one.Add(buy.Fee)).Mul(c.Mul(one.Add(cross.Fee))).Div(a.Div(one.Add(sell.Fee))),
	}
}

// CrossRates decomposes a four-leg cross route into its two direct price
// pairs: X sold on venue A and bought back on B, Y sold on B and bought
// back on A. Each pair gets the direct spread adjustment with its own
// diff/3. R is the post-fee closure ratio of the whole cycle.
type CrossRates struct {
	X, Y DirectRates
	R    decimal.Decimal
}

// CalcCrossRates adjusts each price pair independently and computes the
// net cycle ratio (bidX·bidY)/(askY·askX) from the adjusted, fee-netted
// rates.
func CalcCrossRates(sellX, buyX, sellY, buyY Leg) CrossRates {
	x := CalcDirectRates(sellX, buyX)
	y := CalcDirectRates(sellY, buyY)

	bidXNet := x.A.Div(one.Add(sellX.Fee))
	askXNet := x.B.Mul(one.Add(buyX.Fee))
	bidYNet := y.A.Div(one.Add(sellY.Fee))
	askYNet := y.B.Mul(one.Add(buyY.Fee))

	return CrossRates{
		X: x,
		Y: y,
		R: bidXNet.Mul(bidYNet).Div(askYNet.Mul(askXNet)),
	}
}

// SizeGate reports whether an order size clears the larger of the two
// venue minimum order values with margin to spare.
func SizeGate(orderSize, movA, movB decimal.Decimal) bool {
	floor := movA
	if movB.GreaterThan(floor) {
		floor = movB
	}
	return orderSize.GreaterThan(floor.Mul(movMargin))
}

// SplitVolumes turns an order size (denominated in the route's base
// currency) into the two leg quantities. The leg with the coarser volume
// precision is computed first and the other derived through r, so the
// finer leg absorbs the rounding loss. grossB is the buy leg's
// fee-grossed cost rate in the same base as orderSize. Both results round
// down to their venue precision.
func SplitVolumes(r, orderSize, grossB decimal.Decimal, volPrecA, volPrecB int32) (qtyA, qtyB decimal.Decimal) {
	if volPrecA < volPrecB {
		qtyA = roundDown(r.Mul(orderSize).Div(grossB), volPrecA)
		qtyB = roundDown(qtyA.Div(r), volPrecB)
		return qtyA, qtyB
	}
	qtyB = roundDown(orderSize.Div(grossB), volPrecB)
	qtyA = roundDown(r.Mul(qtyB), volPrecA)
	return qtyA, qtyB
}

// RateWalkStep is the amount a worker moves its rate after each partial
// fill while chasing the remaining liquidity: a tenth of a percent of the
// current rate, floored at one venue tick.
func RateWalkStep(rate decimal.Decimal, ratePrecision int32) decimal.Decimal {
	step := rate.Mul(rateWalkFraction)
	tick := decimal.New(1, -ratePrecision)
	if step.LessThan(tick) {
		return tick
	}
	return step
}

// MinDecimal returns the smallest of the given values.
func MinDecimal(first decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	min := first
	for _, d := range rest {
		if d.LessThan(min) {
			min = d
		}
	}
	return min
}
