// live.go is the live comparison board: the latest best venue pair per
// route, the score histogram buckets, and the highest score seen since
// start. The scanner writes it every tick; the control-plane API and the
// live WebSocket push read snapshots.
package arb

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

// bucketBounds are the histogram bucket lower bounds, as score fractions.
var bucketBounds = []decimal.Decimal{
	decimal.RequireFromString("0.004"),
	decimal.RequireFromString("0.005"),
	decimal.RequireFromString("0.0075"),
	decimal.RequireFromString("0.01"),
}

// BucketLabels name the histogram buckets in board snapshots.
var BucketLabels = []string{">0.4%", ">0.5%", ">0.75%", ">1%"}

// Comparison is one route's best venue pair for the current tick.
type Comparison struct {
	Label        string
	Type         types.RouteType
	BuyExchange  string // venue the engine buys on (B side)
	SellExchange string // venue the engine sells on (A side)
	Score        decimal.Decimal
	RateA        decimal.Decimal
	RateB        decimal.Decimal
	CrossRate    decimal.NullDecimal
	UpdatedAt    time.Time
}

// Board holds the live comparisons under one lock.
type Board struct {
	mu          sync.RWMutex
	comparisons map[string]Comparison
	buckets     [4]uint64
	highest     decimal.Decimal
}

func NewBoard() *Board {
	return &Board{comparisons: make(map[string]Comparison)}
}

// Publish records a route's best pair, bumps the histogram buckets its
// score clears, and tracks the highest score seen.
func (b *Board) Publish(c Comparison) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.comparisons[c.Label] = c
	for i, bound := range bucketBounds {
		if c.Score.GreaterThan(bound) {
			b.buckets[i]++
			metricOpportunityBuckets.WithLabelValues(BucketLabels[i]).Inc()
		}
	}
	if c.Score.GreaterThan(b.highest) {
		b.highest = c.Score
	}
}

// BoardSnapshot is a copy of the board state.
type BoardSnapshot struct {
	Comparisons map[string]Comparison
	Buckets     [4]uint64
	Highest     decimal.Decimal
}

// Snapshot copies the board under the lock.
func (b *Board) Snapshot() BoardSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := BoardSnapshot{
		Comparisons: make(map[string]Comparison, len(b.comparisons)),
		Buckets:     b.buckets,
		Highest:     b.highest,
	}
	for label, c := range b.comparisons {
		out.Comparisons[label] = c
	}
	return out
}
