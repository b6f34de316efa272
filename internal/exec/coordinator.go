package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arby/internal/exchange"
	"arby/internal/market"
	"arby/pkg/types"
)

// Coordinator pairs the scanner with the two execution workers. Each
// cycle is stamped with a generation; the coordinator sends one tagged
// descriptor to each worker's request channel, then waits for both
// completion tokens of that generation on the shared done channel. A
// cycle that outlives its timeout is abandoned: the scanner moves on and
// the workers finish in the background. Their tokens carry the old
// generation, so whenever they surface — drained before the next cycle or
// received during it — they are discarded rather than counted.
type Coordinator struct {
	workers [2]*Worker
	done    chan completion
	gen     uint64
	logger  *slog.Logger
}

// request carries one descriptor to a worker together with the cycle
// generation it belongs to.
type request struct {
	td  *types.TradeDescriptor
	gen uint64
}

// completion is a worker's result for one request. Workers never write
// the descriptor themselves; Execute copies a result back only when its
// generation matches the current cycle, so a worker finishing an
// abandoned cycle cannot mutate a descriptor the scanner is persisting.
type completion struct {
	worker        int
	gen           uint64
	rate          decimal.Decimal
	volume        decimal.Decimal
	fills         []types.Fill
	followUpFills []types.Fill
}

func NewCoordinator(venues map[string]exchange.Exchange, infos *market.InfoStore, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		// Buffered so an abandoned worker's completion never blocks it.
		done:   make(chan completion, 2),
		logger: logger.With("component", "coordinator"),
	}
	for i := range c.workers {
		c.workers[i] = newWorker(i, venues, infos, c.done, logger)
	}
	return c
}

// Start launches both worker goroutines. They exit when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	for _, w := range c.workers {
		go w.run(ctx)
	}
}

// Execute hands one descriptor to each worker and waits for both to
// finish, copying each worker's final rate, volume, and fills back into
// its descriptor. A timeout returns an error with the descriptors
// untouched by whichever workers had not completed.
func (c *Coordinator) Execute(ctx context.Context, a, b *types.TradeDescriptor, timeout time.Duration) error {
	c.gen++
	c.drainStale()

	descriptors := [2]*types.TradeDescriptor{a, b}
	for i, td := range descriptors {
		select {
		case c.workers[i].requests <- request{td: td, gen: c.gen}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for completed := 0; completed < 2; {
		select {
		case res := <-c.done:
			if res.gen != c.gen {
				c.logger.Debug("discarded stale completion",
					"worker", res.worker, "generation", res.gen)
				continue
			}
			td := descriptors[res.worker]
			td.Rate, td.Volume = res.rate, res.volume
			td.Fills, td.FollowUpFills = res.fills, res.followUpFills
			c.logger.Debug("worker completed cycle", "worker", res.worker)
			completed++
		case <-timer.C:
			return fmt.Errorf("execution rendezvous timed out after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// drainStale consumes completion tokens left by previously abandoned
// cycles so the buffer is free for this one.
func (c *Coordinator) drainStale() {
	for {
		select {
		case res := <-c.done:
			c.logger.Debug("drained stale completion",
				"worker", res.worker, "generation", res.gen)
		default:
			return
		}
	}
}
