// ratelimit.go paces outbound REST requests per venue.
//
// Kraken counts private calls against a small per-key allowance, so signed
// requests are held to one per second. Binance budgets by request weight
// per minute and orders per ten seconds; the buckets below stay well under
// both published ceilings.
package exchange

import (
	"time"

	"golang.org/x/time/rate"
)

// NewRateLimit builds a limiter allowing actions per interval, smoothed to
// an actions-per-second refill with burst 1. Non-positive arguments yield
// an unrestricted limiter.
func NewRateLimit(interval time.Duration, actions int) *rate.Limiter {
	if actions <= 0 || interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	rps := float64(actions) / interval.Seconds()
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// BinanceLimits groups request pacing for the Binance REST API.
type BinanceLimits struct {
	Public *rate.Limiter // unsigned market data: exchangeInfo
	Trade  *rate.Limiter // signed calls: account, order place, cancel, query
}

func NewBinanceLimits() *BinanceLimits {
	return &BinanceLimits{
		Public: NewRateLimit(time.Second, 5),
		Trade:  NewRateLimit(10*time.Second, 50),
	}
}

// KrakenLimits groups request pacing for the Kraken REST API.
type KrakenLimits struct {
	Public  *rate.Limiter
	Private *rate.Limiter // signed endpoints share a 1 req/s budget
}

func NewKrakenLimits() *KrakenLimits {
	return &KrakenLimits{
		Public:  NewRateLimit(time.Second, 1),
		Private: NewRateLimit(time.Second, 1),
	}
}
