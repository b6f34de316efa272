package api

import (
	"time"

	"arby/internal/arb"
	"arby/internal/store"
	"arby/pkg/types"
)

// JSON transfer shapes for the control plane. Decimals flatten to float64
// at the boundary; internal state stays decimal.

type statusResponse struct {
	Mode           string            `json:"mode"`
	UptimeSeconds  float64           `json:"uptime_seconds"`
	Routes         routeCounts       `json:"routes"`
	ExchangeHealth map[string]string `json:"exchange_health"`
}

type routeCounts struct {
	Direct   int `json:"direct"`
	MultiLeg int `json:"multi_leg"`
	Cross    int `json:"cross"`
	Total    int `json:"total"`
}

type comparisonJSON struct {
	Label        string    `json:"label"`
	Type         string    `json:"type"`
	BuyExchange  string    `json:"buy_exchange"`
	SellExchange string    `json:"sell_exchange"`
	Score        float64   `json:"score"`
	RateA        float64   `json:"rate_a"`
	RateB        float64   `json:"rate_b"`
	CrossRate    *float64  `json:"cross_rate,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type liveResponse struct {
	Comparisons map[string]comparisonJSON `json:"comparisons"`
	Buckets     map[string]uint64         `json:"buckets"`
	Highest     float64                   `json:"highest"`
}

func liveFromBoard(snap arb.BoardSnapshot) liveResponse {
	out := liveResponse{
		Comparisons: make(map[string]comparisonJSON, len(snap.Comparisons)),
		Buckets:     make(map[string]uint64, len(arb.BucketLabels)),
		Highest:     snap.Highest.InexactFloat64(),
	}
	for label, c := range snap.Comparisons {
		cj := comparisonJSON{
			Label:        c.Label,
			Type:         string(c.Type),
			BuyExchange:  c.BuyExchange,
			SellExchange: c.SellExchange,
			Score:        c.Score.InexactFloat64(),
			RateA:        c.RateA.InexactFloat64(),
			RateB:        c.RateB.InexactFloat64(),
			UpdatedAt:    c.UpdatedAt,
		}
		if c.CrossRate.Valid {
			v := c.CrossRate.Decimal.InexactFloat64()
			cj.CrossRate = &v
		}
		out.Comparisons[label] = cj
	}
	for i, label := range arb.BucketLabels {
		out.Buckets[label] = snap.Buckets[i]
	}
	return out
}

type balanceJSON struct {
	Available float64 `json:"available"`
	Reserved  float64 `json:"reserved"`
	Total     float64 `json:"total"`
}

func balanceFromType(b types.Balance) balanceJSON {
	return balanceJSON{
		Available: b.Available.InexactFloat64(),
		Reserved:  b.Reserved.InexactFloat64(),
		Total:     b.Total().InexactFloat64(),
	}
}

type bookJSON struct {
	Buy        [][2]float64 `json:"buy"`
	Sell       [][2]float64 `json:"sell"`
	LastUpdate *time.Time   `json:"last_update"`
}

func levelsJSON(levels []types.PriceLevel, max int) [][2]float64 {
	if len(levels) > max {
		levels = levels[:max]
	}
	out := make([][2]float64, len(levels))
	for i, lvl := range levels {
		out[i] = [2]float64{lvl.Price.InexactFloat64(), lvl.Qty.InexactFloat64()}
	}
	return out
}

type opportunityJSON struct {
	ID           int64    `json:"id"`
	TS           string   `json:"ts"`
	RouteType    string   `json:"route_type"`
	RouteLabel   string   `json:"route_label"`
	BuyExchange  string   `json:"buy_exchange"`
	SellExchange string   `json:"sell_exchange"`
	SpreadPct    float64  `json:"spread_pct"`
	BuyRate      float64  `json:"buy_rate"`
	SellRate     float64  `json:"sell_rate"`
	CrossRate    *float64 `json:"cross_rate"`
	QtyA         float64  `json:"qty_a"`
	QtyB         float64  `json:"qty_b"`
	Executed     bool     `json:"executed"`
	DryRun       bool     `json:"dry_run"`
}

func opportunityFromRecord(o types.Opportunity) opportunityJSON {
	oj := opportunityJSON{
		ID:           o.ID,
		TS:           o.TS.UTC().Format(time.RFC3339),
		RouteType:    string(o.RouteType),
		RouteLabel:   o.RouteLabel,
		BuyExchange:  o.BuyExchange,
		SellExchange: o.SellExchange,
		SpreadPct:    o.SpreadPct.InexactFloat64(),
		BuyRate:      o.BuyRate.InexactFloat64(),
		SellRate:     o.SellRate.InexactFloat64(),
		QtyA:         o.QtyA.InexactFloat64(),
		QtyB:         o.QtyB.InexactFloat64(),
		Executed:     o.Executed,
		DryRun:       o.DryRun,
	}
	if o.CrossRate.Valid {
		v := o.CrossRate.Decimal.InexactFloat64()
		oj.CrossRate = &v
	}
	return oj
}

type pageResponse struct {
	Items   any `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

type tradeLegJSON struct {
	Volume   float64 `json:"volume"`
	Rate     float64 `json:"rate"`
	OrigID   string  `json:"orig_id"`
	Exchange string  `json:"exchange"`
	Side     string  `json:"side"`
}

type tradeJSON struct {
	ID     int64          `json:"id"`
	TS     string         `json:"ts"`
	Market string         `json:"market"`
	Legs   []tradeLegJSON `json:"legs"`
}

func tradeFromRecord(t store.Trade) tradeJSON {
	tj := tradeJSON{
		ID:     t.ID,
		TS:     t.TS.UTC().Format(time.RFC3339),
		Market: t.Market,
		Legs:   make([]tradeLegJSON, 0, len(t.Legs)),
	}
	for _, leg := range t.Legs {
		tj.Legs = append(tj.Legs, tradeLegJSON{
			Volume:   leg.Volume.InexactFloat64(),
			Rate:     leg.Rate.InexactFloat64(),
			OrigID:   leg.OrigID,
			Exchange: leg.Exchange,
			Side:     leg.Side,
		})
	}
	return tj
}

type balancePointJSON struct {
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
	TS       string  `json:"ts"`
}

type labelCountJSON struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

type returnsJSON struct {
	AvgSpreadPct float64 `json:"avg_spread_pct"`
	TotalTrades  int64   `json:"total_trades"`
	SpanDays     float64 `json:"span_days"`
	Daily        float64 `json:"daily"`
	Weekly       float64 `json:"weekly"`
	Monthly      float64 `json:"monthly"`
	Yearly       float64 `json:"yearly"`
}

type configResponse struct {
	Mode          string            `json:"mode"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	RoutesCount   int               `json:"routes_count"`
	Keys          map[string]string `json:"keys"`
}

type errorResponse struct {
	Error string `json:"error"`
}
