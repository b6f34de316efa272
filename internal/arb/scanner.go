// scanner.go drives the opportunity pipeline: every tick it scores each
// route across all ordered venue pairs, publishes the best pair to the
// live board, and — when the score clears the fee-derived threshold and
// sizing succeeds — records the opportunity and hands two trade
// descriptors to the execution coordinator.
package arb

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arby/internal/market"
	"arby/pkg/types"
)

const (
	// tickInterval is the pause between full route passes.
	tickInterval = 100 * time.Millisecond

	// maxBookAge is the freshness gate: any older book zeroes the score.
	maxBookAge = 5 * time.Second

	// Rendezvous timeouts per route family.
	directTimeout   = 60 * time.Second
	followUpTimeout = 120 * time.Second
)

var hundred = decimal.NewFromInt(100)

// Executor runs one two-descriptor execution cycle. The timeout bounds
// the wait for both workers; an expired wait releases the scanner with
// the workers still finishing in the background.
type Executor interface {
	Execute(ctx context.Context, a, b *types.TradeDescriptor, timeout time.Duration) error
}

// Refresher re-reads venue balances into the wallet store after an
// execution cycle.
type Refresher interface {
	RefreshWallets(ctx context.Context)
}

// OpportunitySink persists opportunity rows and executed order legs.
type OpportunitySink interface {
	SaveOpportunity(ctx context.Context, opp *types.Opportunity) error
	SaveOrder(ctx context.Context, market string) (int64, error)
	SaveOrderLegs(ctx context.Context, orderID int64, td *types.TradeDescriptor) error
}

// ScannerConfig wires the scanner's collaborators.
type ScannerConfig struct {
	Routes    *market.RouteSet
	Books     *market.BookStore
	Wallets   *market.WalletStore
	Infos     *market.InfoStore
	Board     *Board
	Venues    []string // venue names, deterministic order
	MinProfit decimal.Decimal
	DryRun    bool
	Sink      OpportunitySink
	Executor  Executor
	Refresher Refresher
}

// Scanner evaluates every route on a fixed cadence.
type Scanner struct {
	routes    *market.RouteSet
	books     *market.BookStore
	wallets   *market.WalletStore
	infos     *market.InfoStore
	board     *Board
	venues    []string
	minProfit decimal.Decimal
	dryRun    bool
	sink      OpportunitySink
	exec      Executor
	refresher Refresher
	logger    *slog.Logger
}

func NewScanner(cfg ScannerConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		routes:    cfg.Routes,
		books:     cfg.Books,
		wallets:   cfg.Wallets,
		infos:     cfg.Infos,
		board:     cfg.Board,
		venues:    cfg.Venues,
		minProfit: cfg.MinProfit,
		dryRun:    cfg.DryRun,
		sink:      cfg.Sink,
		exec:      cfg.Executor,
		refresher: cfg.Refresher,
		logger:    logger.With("component", "scanner"),
	}
}

// Run starts the tick loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	// Immediate first pass on startup.
	s.Scan(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan evaluates every current route once.
func (s *Scanner) Scan(ctx context.Context) {
	start := time.Now()
	for _, route := range s.routes.All() {
		if ctx.Err() != nil {
			return
		}
		s.evaluate(ctx, route)
	}
	metricScanDuration.Observe(time.Since(start).Seconds())
}

// candidate is the best ordered venue pair found for one route, with the
// top-of-book rates its score was computed from. Venue a is where the
// engine sells, venue b where it buys.
type candidate struct {
	a, b  string
	score decimal.Decimal

	// direct and multi-leg
	bidA, askB, crossAsk decimal.Decimal

	// cross
	bidXA, askXB, bidYB, askYA decimal.Decimal
}

func (s *Scanner) evaluate(ctx context.Context, route types.Route) {
	cand := s.bestPair(route)

	comparison := Comparison{
		Label:        route.Label(),
		Type:         route.Type,
		BuyExchange:  cand.b,
		SellExchange: cand.a,
		Score:        cand.score,
		RateA:        cand.bidA,
		RateB:        cand.askB,
		UpdatedAt:    time.Now(),
	}
	if route.Type == types.RouteCross {
		comparison.RateA = cand.bidXA
		comparison.RateB = cand.askXB
	}
	if route.Type == types.RouteMultiLeg {
		comparison.CrossRate = decimal.NewNullDecimal(cand.crossAsk)
	}
	s.board.Publish(comparison)

	if !cand.score.IsPositive() {
		return
	}
	fees, ok := s.routeFees(route, cand)
	if !ok {
		return
	}
	if cand.score.LessThan(Threshold(s.minProfit, fees...)) {
		return
	}

	var (
		tdA, tdB  *types.TradeDescriptor
		crossRate decimal.NullDecimal
		sized     bool
	)
	switch route.Type {
	case types.RouteDirect:
		tdA, tdB, sized = s.sizeDirect(route, cand)
	case types.RouteMultiLeg:
		tdA, tdB, crossRate, sized = s.sizeMultiLeg(route, cand)
	case types.RouteCross:
		tdA, tdB, sized = s.sizeCross(route, cand)
	}
	if !sized {
		return
	}

	s.trade(ctx, route, cand, tdA, tdB, crossRate)
}

// bestPair scores the route for every ordered pair of distinct venues and
// returns the highest-scoring one. A route with stale or missing books
// scores zero on that pair.
func (s *Scanner) bestPair(route types.Route) candidate {
	now := time.Now()
	best := candidate{}
	first := true

	for _, a := range s.venues {
		for _, b := range s.venues {
			if a == b {
				continue
			}
			c := s.scorePair(route, a, b, now)
			if first || c.score.GreaterThan(best.score) {
				best = c
				first = false
			}
		}
	}
	return best
}

func (s *Scanner) scorePair(route types.Route, a, b string, now time.Time) candidate {
	c := candidate{a: a, b: b, score: decimal.Zero}

	switch route.Type {
	case types.RouteDirect:
		refs := []market.BookRef{
			{Exchange: a, Market: route.Market},
			{Exchange: b, Market: route.Market},
		}
		views := s.books.ViewMany(refs)
		if !fresh(views, now) {
			return c
		}
		bid, okBid := views[0].BestBid()
		ask, okAsk := views[1].BestAsk()
		if !okBid || !okAsk {
			return c
		}
		c.bidA, c.askB = bid.Price, ask.Price
		c.score = DirectScore(c.bidA, c.askB)

	case types.RouteMultiLeg:
		refs := []market.BookRef{
			{Exchange: a, Market: route.BuyMarket},
			{Exchange: b, Market: route.SellMarket},
			{Exchange: b, Market: route.CrossPair},
		}
		views := s.books.ViewMany(refs)
		if !fresh(views, now) {
			return c
		}
		bid, okBid := views[0].BestBid()
		ask, okAsk := views[1].BestAsk()
		cross, okCross := views[2].BestAsk()
		if !okBid || !okAsk || !okCross {
			return c
		}
		c.bidA, c.askB, c.crossAsk = bid.Price, ask.Price, cross.Price
		c.score = MultiLegScore(c.bidA, c.askB, c.crossAsk)

	case types.RouteCross:
		refs := []market.BookRef{
			{Exchange: a, Market: route.MarketX},
			{Exchange: b, Market: route.MarketX},
			{Exchange: b, Market: route.MarketY},
			{Exchange: a, Market: route.MarketY},
		}
		views := s.books.ViewMany(refs)
		if !fresh(views, now) {
			return c
		}
		bidX, ok1 := views[0].BestBid()
		askX, ok2 := views[1].BestAsk()
		bidY, ok3 := views[2].BestBid()
		askY, ok4 := views[3].BestAsk()
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return c
		}
		c.bidXA, c.askXB, c.bidYB, c.askYA = bidX.Price, askX.Price, bidY.Price, askY.Price
		c.score = CrossScore(c.bidXA, c.bidYB, c.askYA, c.askXB)
	}
	return c
}

func fresh(views []market.BookView, now time.Time) bool {
	for _, v := range views {
		if !v.FreshAt(now, maxBookAge) {
			return false
		}
	}
	return true
}

// routeFees collects the taker fee of every leg the candidate executes.
func (s *Scanner) routeFees(route types.Route, cand candidate) ([]decimal.Decimal, bool) {
	type legRef struct {
		venue  string
		market types.Market
	}
	var legs []legRef
	switch route.Type {
	case types.RouteDirect:
		legs = []legRef{{cand.a, route.Market}, {cand.b, route.Market}}
	case types.RouteMultiLeg:
		legs = []legRef{{cand.a, route.BuyMarket}, {cand.b, route.SellMarket}, {cand.b, route.CrossPair}}
	case types.RouteCross:
		legs = []legRef{{cand.a, route.MarketX}, {cand.b, route.MarketX}, {cand.b, route.MarketY}, {cand.a, route.MarketY}}
	}

	fees := make([]decimal.Decimal, 0, len(legs))
	for _, leg := range legs {
		info, ok := s.infos.Get(leg.venue, leg.market)
		if !ok {
			return nil, false
		}
		fees = append(fees, info.TradeFee)
	}
	return fees, true
}

func (s *Scanner) leg(venue string, m types.Market, rate decimal.Decimal) (Leg, types.MarketInfo, bool) {
	info, ok := s.infos.Get(venue, m)
	if !ok {
		return Leg{}, types.MarketInfo{}, false
	}
	return Leg{Rate: rate, Fee: info.TradeFee, RatePrecision: info.RatePrecision}, info, true
}

func (s *Scanner) sizeDirect(route types.Route, cand candidate) (*types.TradeDescriptor, *types.TradeDescriptor, bool) {
	m := route.Market
	sellLeg, infoA, okA := s.leg(cand.a, m, cand.bidA)
	buyLeg, infoB, okB := s.leg(cand.b, m, cand.askB)
	if !okA || !okB {
		return nil, nil, false
	}
	rates := CalcDirectRates(sellLeg, buyLeg)

	movA, okA := s.infos.MinOrderValue(cand.a, m, s.books)
	movB, okB := s.infos.MinOrderValue(cand.b, m, s.books)
	if !okA || !okB {
		return nil, nil, false
	}

	orderSize := MinDecimal(
		s.books.DepthValue(cand.a, m, types.BUY, rates.A).Div(depthReserve),
		s.books.DepthValue(cand.b, m, types.SELL, rates.B).Div(depthReserve),
		s.wallets.Available(cand.a, m.Trade).Mul(rates.B),
		s.wallets.Available(cand.b, m.Base),
	)
	if !SizeGate(orderSize, movA, movB) {
		return nil, nil, false
	}

	grossB := rates.B.Mul(one.Add(infoB.TradeFee))
	qtyA, qtyB := SplitVolumes(rates.R, orderSize, grossB, infoA.VolumePrecision, infoB.VolumePrecision)
	if !qtyA.IsPositive() || !qtyB.IsPositive() {
		return nil, nil, false
	}

	tdA := &types.TradeDescriptor{
		Side: types.SELL, Exchange: cand.a, Market: m,
		Rate: rates.A, Volume: qtyA, MinOrderValue: movA,
	}
	tdB := &types.TradeDescriptor{
		Side: types.BUY, Exchange: cand.b, Market: m,
		Rate: rates.B, Volume: qtyB, MinOrderValue: movB,
	}
	return tdA, tdB, true
}

func (s *Scanner) sizeMultiLeg(route types.Route, cand candidate) (*types.TradeDescriptor, *types.TradeDescriptor, decimal.NullDecimal, bool) {
	none := decimal.NullDecimal{}

	sellLeg, infoA, okA := s.leg(cand.a, route.BuyMarket, cand.bidA)
	buyLeg, infoB, okB := s.leg(cand.b, route.SellMarket, cand.askB)
	crossLeg, infoC, okC := s.leg(cand.b, route.CrossPair, cand.crossAsk)
	if !okA || !okB || !okC {
		return nil, nil, none, false
	}
	rates := CalcMultiLegRates(sellLeg, buyLeg, crossLeg)

	movA, okA := s.infos.MinOrderValue(cand.a, route.BuyMarket, s.books)
	movB, okB := s.infos.MinOrderValue(cand.b, route.SellMarket, s.books)
	movC, okC := s.infos.MinOrderValue(cand.b, route.CrossPair, s.books)
	if !okA || !okB || !okC {
		return nil, nil, none, false
	}

	// Every cap is valued in buyBase; sellBase amounts convert through the
	// adjusted cross rate.
	orderSize := MinDecimal(
		s.books.DepthValue(cand.a, route.BuyMarket, types.BUY, rates.A).Div(depthReserve),
		s.books.DepthValue(cand.b, route.SellMarket, types.SELL, rates.B).Div(depthReserve).Mul(rates.C),
		s.books.DepthValue(cand.b, route.CrossPair, types.SELL, rates.C).Div(depthReserve),
		s.wallets.Available(cand.a, route.Trade).Mul(rates.B).Mul(rates.C),
		s.wallets.Available(cand.b, route.SellBase).Mul(rates.C),
		s.wallets.Available(cand.b, route.BuyBase),
	)
	if !SizeGate(orderSize, movA, movB.Mul(rates.C)) {
		return nil, nil, none, false
	}

	grossB := rates.B.Mul(one.Add(infoB.TradeFee)).Mul(rates.C.Mul(one.Add(infoC.TradeFee)))
	qtyA, qtyB := SplitVolumes(rates.R, orderSize, grossB, infoA.VolumePrecision, infoB.VolumePrecision)
	if !qtyA.IsPositive() || !qtyB.IsPositive() {
		return nil, nil, none, false
	}

	tdA := &types.TradeDescriptor{
		Side: types.SELL, Exchange: cand.a, Market: route.BuyMarket,
		Rate: rates.A, Volume: qtyA, MinOrderValue: movA,
	}
	tdB := &types.TradeDescriptor{
		Side: types.BUY, Exchange: cand.b, Market: route.SellMarket,
		Rate: rates.B, Volume: qtyB, MinOrderValue: movB,
		FollowUp: &types.FollowUpLeg{
			Side: types.BUY, Market: route.CrossPair,
			Rate: rates.C, MinOrderValue: movC,
		},
	}
	return tdA, tdB, decimal.NewNullDecimal(rates.C), true
}

func (s *Scanner) sizeCross(route types.Route, cand candidate) (*types.TradeDescriptor, *types.TradeDescriptor, bool) {
	// Pair X: sell X/base on A, buy it back on B. Pair Y: sell Y/base on
	// B, buy it back on A.
	sellX, infoXA, ok1 := s.leg(cand.a, route.MarketX, cand.bidXA)
	buyX, infoXB, ok2 := s.leg(cand.b, route.MarketX, cand.askXB)
	sellY, infoYB, ok3 := s.leg(cand.b, route.MarketY, cand.bidYB)
	buyY, infoYA, ok4 := s.leg(cand.a, route.MarketY, cand.askYA)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, nil, false
	}
	rates := CalcCrossRates(sellX, buyX, sellY, buyY)

	movXA, ok1 := s.infos.MinOrderValue(cand.a, route.MarketX, s.books)
	movXB, ok2 := s.infos.MinOrderValue(cand.b, route.MarketX, s.books)
	movYB, ok3 := s.infos.MinOrderValue(cand.b, route.MarketY, s.books)
	movYA, ok4 := s.infos.MinOrderValue(cand.a, route.MarketY, s.books)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, nil, false
	}

	orderSize := MinDecimal(
		s.books.DepthValue(cand.a, route.MarketX, types.BUY, rates.X.A).Div(depthReserve),
		s.books.DepthValue(cand.b, route.MarketX, types.SELL, rates.X.B).Div(depthReserve),
		s.books.DepthValue(cand.b, route.MarketY, types.BUY, rates.Y.A).Div(depthReserve),
		s.books.DepthValue(cand.a, route.MarketY, types.SELL, rates.Y.B).Div(depthReserve),
		s.wallets.Available(cand.a, route.TradeX).Mul(rates.X.B),
		s.wallets.Available(cand.b, route.TradeY).Mul(rates.Y.B),
		s.wallets.Available(cand.a, route.Base),
		s.wallets.Available(cand.b, route.Base),
	)
	if !SizeGate(orderSize, movXA, movYB) {
		return nil, nil, false
	}

	grossX := rates.X.B.Mul(one.Add(infoXB.TradeFee))
	qtyXA, _ := SplitVolumes(rates.X.R, orderSize, grossX, infoXA.VolumePrecision, infoXB.VolumePrecision)
	grossY := rates.Y.B.Mul(one.Add(infoYA.TradeFee))
	qtyYB, _ := SplitVolumes(rates.Y.R, orderSize, grossY, infoYB.VolumePrecision, infoYA.VolumePrecision)
	if !qtyXA.IsPositive() || !qtyYB.IsPositive() {
		return nil, nil, false
	}

	tdA := &types.TradeDescriptor{
		Side: types.SELL, Exchange: cand.a, Market: route.MarketX,
		Rate: rates.X.A, Volume: qtyXA, MinOrderValue: movXA,
		FollowUp: &types.FollowUpLeg{
			Side: types.BUY, Market: route.MarketY,
			Rate: rates.Y.B, MinOrderValue: movYA,
		},
	}
	tdB := &types.TradeDescriptor{
		Side: types.SELL, Exchange: cand.b, Market: route.MarketY,
		Rate: rates.Y.A, Volume: qtyYB, MinOrderValue: movYB,
		FollowUp: &types.FollowUpLeg{
			Side: types.BUY, Market: route.MarketX,
			Rate: rates.X.B, MinOrderValue: movXB,
		},
	}
	return tdA, tdB, true
}

// trade records the opportunity and, outside dry-run, runs the execution
// cycle, refreshes wallets, and persists the filled legs. The executed
// flag reflects that the cycle ran, not that every leg filled in full;
// the order_details rows are the fill ledger.
func (s *Scanner) trade(ctx context.Context, route types.Route, cand candidate, tdA, tdB *types.TradeDescriptor, crossRate decimal.NullDecimal) {
	opp := &types.Opportunity{
		TS:           time.Now(),
		RouteType:    route.Type,
		RouteLabel:   route.Label(),
		BuyExchange:  cand.b,
		SellExchange: cand.a,
		SpreadPct:    cand.score.Mul(hundred),
		BuyRate:      tdB.Rate,
		SellRate:     tdA.Rate,
		CrossRate:    crossRate,
		QtyA:         tdA.Volume,
		QtyB:         tdB.Volume,
		DryRun:       s.dryRun,
	}

	if s.dryRun {
		metricOpportunities.WithLabelValues(string(route.Type), "dry_run").Inc()
		s.logger.Info("opportunity (dry-run)",
			"route", opp.RouteLabel, "score", cand.score,
			"sell", cand.a, "buy", cand.b, "qty_a", tdA.Volume, "qty_b", tdB.Volume)
		if err := s.sink.SaveOpportunity(ctx, opp); err != nil {
			s.logger.Error("save opportunity failed", "error", err)
		}
		return
	}

	s.logger.Info("executing opportunity",
		"route", opp.RouteLabel, "score", cand.score,
		"sell", cand.a, "buy", cand.b, "qty_a", tdA.Volume, "qty_b", tdB.Volume)

	timeout := directTimeout
	if tdA.FollowUp != nil || tdB.FollowUp != nil {
		timeout = followUpTimeout
	}
	if err := s.exec.Execute(ctx, tdA, tdB, timeout); err != nil {
		s.logger.Error("execution cycle incomplete", "route", opp.RouteLabel, "error", err)
	}
	opp.Executed = true
	metricOpportunities.WithLabelValues(string(route.Type), "executed").Inc()

	s.refresher.RefreshWallets(ctx)

	if err := s.sink.SaveOpportunity(ctx, opp); err != nil {
		s.logger.Error("save opportunity failed", "error", err)
	}
	orderID, err := s.sink.SaveOrder(ctx, opp.RouteLabel)
	if err != nil {
		s.logger.Error("save order failed", "error", err)
		return
	}
	for _, td := range []*types.TradeDescriptor{tdA, tdB} {
		if err := s.sink.SaveOrderLegs(ctx, orderID, td); err != nil {
			s.logger.Error("save order legs failed", "exchange", td.Exchange, "error", err)
		}
	}
}
