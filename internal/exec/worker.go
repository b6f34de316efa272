package exec

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arby/internal/arb"
	"arby/internal/exchange"
	"arby/internal/market"
	"arby/pkg/types"
)

const (
	// maxPlaceFailures caps consecutive rejected placements per leg.
	maxPlaceFailures = 5

	// settleDelay is how long an order rests on the book before the
	// cancel+query cycle.
	settleDelay = time.Second

	// maxBackoff caps the exponential pause after a rejected placement.
	maxBackoff = 30 * time.Second
)

// Worker executes trade descriptors handed to it by the coordinator. Two
// workers run for the life of the engine, one per descriptor slot.
type Worker struct {
	id       int
	venues   map[string]exchange.Exchange
	infos    *market.InfoStore
	requests chan request
	done     chan<- completion
	logger   *slog.Logger

	// pause is swapped out in tests to avoid real backoff sleeps.
	pause func(ctx context.Context, d time.Duration)
}

func newWorker(id int, venues map[string]exchange.Exchange, infos *market.InfoStore, done chan<- completion, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		venues:   venues,
		infos:    infos,
		requests: make(chan request),
		done:     done,
		logger:   logger.With("component", "worker", "worker", id),
		pause:    sleepCtx,
	}
}

// run is the worker goroutine: receive a request, execute it, send the
// result back stamped with the request's generation.
func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			res := w.execute(ctx, req.td)
			res.worker, res.gen = w.id, req.gen
			select {
			case w.done <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// execute runs the primary leg and, when the descriptor carries one, the
// follow-up leg sized from the primary's fills. The descriptor is read
// only; all results travel back in the completion token.
func (w *Worker) execute(ctx context.Context, td *types.TradeDescriptor) completion {
	res := completion{rate: td.Rate, volume: td.Volume}

	venue, ok := w.venues[td.Exchange]
	if !ok {
		w.logger.Error("descriptor names unknown venue", "exchange", td.Exchange)
		return res
	}

	primary := &legState{
		side:   td.Side,
		market: td.Market,
		rate:   td.Rate,
		volume: td.Volume,
		mov:    td.MinOrderValue,
	}
	w.runLeg(ctx, venue, primary, &res.fills)
	res.rate, res.volume = primary.rate, primary.volume

	if td.FollowUp == nil {
		return res
	}
	fu := td.FollowUp
	follow := &legState{
		side:   fu.Side,
		market: fu.Market,
		rate:   fu.Rate,
		volume: followUpVolume(td.Side, fu, res.fills),
		mov:    fu.MinOrderValue,
	}
	if !follow.volume.IsPositive() {
		w.logger.Info("no proceeds to carry into follow-up leg",
			"market", fu.Market.Symbol(), "side", fu.Side)
		return res
	}
	w.runLeg(ctx, venue, follow, &res.followUpFills)
	return res
}

// legState is the mutable position of one leg while the worker chases
// liquidity.
type legState struct {
	side   types.Side
	market types.Market
	rate   decimal.Decimal
	volume decimal.Decimal
	mov    decimal.Decimal
}

// runLeg works one leg until its remaining value drops under the venue
// minimum or placements fail out. Each pass places a limit order, lets it
// rest, cancels, queries the fill, and walks the rate toward the far side
// of the book: BUY legs bid up, SELL legs offer down.
func (w *Worker) runLeg(ctx context.Context, venue exchange.Exchange, st *legState, fills *[]types.Fill) {
	info, ok := w.infos.Get(venue.Name(), st.market)
	if !ok {
		w.logger.Error("no market metadata for leg", "exchange", venue.Name(), "market", st.market.Symbol())
		return
	}
	st.volume = st.volume.RoundFloor(info.VolumePrecision)

	orderValue := st.rate.Mul(st.volume)
	failures := 0

	for st.rate.Mul(st.volume).GreaterThan(st.mov) && failures < maxPlaceFailures {
		if ctx.Err() != nil {
			return
		}

		id, err := venue.Order(ctx, st.market, st.side, st.rate, st.volume)
		if err != nil {
			failures++
			w.logger.Warn("order placement failed",
				"exchange", venue.Name(), "market", st.market.Symbol(),
				"side", st.side, "failures", failures, "error", err)
			w.pause(ctx, backoff(failures))
			continue
		}

		w.pause(ctx, settleDelay)

		if err := venue.CancelOrder(ctx, id, st.market); err != nil {
			// A fully filled order cannot be cancelled; the query below
			// settles what actually happened.
			w.logger.Debug("cancel returned error", "order_id", id, "error", err)
		}

		od, err := venue.GetOrderData(ctx, id, st.market)
		if err != nil {
			w.logger.Error("order query failed, abandoning leg",
				"exchange", venue.Name(), "order_id", id, "error", err)
			return
		}
		if od.Open || od.QuantityRemaining.IsNegative() || od.QuantityRemaining.GreaterThan(od.Quantity) {
			w.logger.Error("order state inconsistent after cancel, abandoning leg",
				"exchange", venue.Name(), "order_id", id,
				"open", od.Open, "remaining", od.QuantityRemaining)
			return
		}

		filled := od.FilledQuantity()
		if filled.IsPositive() {
			*fills = append(*fills, types.Fill{OrderID: id, Rate: od.Price, Volume: filled})
			orderValue = orderValue.Sub(st.rate.Mul(filled))
			w.logger.Info("leg fill",
				"exchange", venue.Name(), "market", st.market.Symbol(),
				"side", st.side, "rate", od.Price, "volume", filled)
		}

		step := arb.RateWalkStep(st.rate, info.RatePrecision)
		if st.side == types.BUY {
			st.rate = st.rate.Add(step).RoundCeil(info.RatePrecision)
			if !st.rate.IsPositive() {
				return
			}
			st.volume = orderValue.Div(st.rate).RoundFloor(info.VolumePrecision)
		} else {
			st.rate = st.rate.Sub(step).RoundFloor(info.RatePrecision)
			if !st.rate.IsPositive() {
				return
			}
			st.volume = od.QuantityRemaining.RoundFloor(info.VolumePrecision)
		}
	}

	if failures >= maxPlaceFailures {
		w.logger.Error("leg abandoned after repeated placement failures",
			"exchange", venue.Name(), "market", st.market.Symbol(), "side", st.side)
	}
}

// backoff is the pause after the nth consecutive placement failure:
// 2^n seconds capped at maxBackoff.
func backoff(failures int) time.Duration {
	d := time.Duration(1<<uint(failures)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
