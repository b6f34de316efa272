package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arby/internal/config"
	"arby/internal/store"
	"arby/pkg/types"
)

// bookHealthWindow: a venue with any book fresher than this counts as
// connected.
const bookHealthWindow = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The control plane binds to a trusted network.
		return true
	},
}

// Handlers holds the control-plane handler dependencies.
type Handlers struct {
	deps   Deps
	hub    *Hub
	logger *slog.Logger
}

func NewHandlers(deps Deps, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		deps:   deps,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// storeError maps read-side store failures: a disabled store is the
// caller's 404, anything else a 500.
func (h *Handlers) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrDisabled) {
		h.writeError(w, http.StatusNotFound, "persistence is not configured")
		return
	}
	h.logger.Error("store query failed", "op", op, "error", err)
	h.writeError(w, http.StatusInternalServerError, "query failed")
}

func (h *Handlers) mode() string {
	if h.deps.Config.DryRun {
		return "dry-run"
	}
	return "live"
}

func (h *Handlers) uptimeSeconds() float64 {
	return time.Since(h.deps.StartAt).Round(100 * time.Millisecond).Seconds()
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	counts := h.deps.Routes.CountByType()
	resp := statusResponse{
		Mode:          h.mode(),
		UptimeSeconds: h.uptimeSeconds(),
		Routes: routeCounts{
			Direct:   counts[types.RouteDirect],
			MultiLeg: counts[types.RouteMultiLeg],
			Cross:    counts[types.RouteCross],
		},
		ExchangeHealth: make(map[string]string, len(h.deps.Venues)),
	}
	resp.Routes.Total = resp.Routes.Direct + resp.Routes.MultiLeg + resp.Routes.Cross

	now := time.Now()
	ages := h.deps.Books.Ages()
	for _, venue := range h.deps.Venues {
		health := "disconnected"
		for ref, updated := range ages {
			if ref.Exchange == venue && now.Sub(updated) < bookHealthWindow {
				health = "connected"
				break
			}
		}
		resp.ExchangeHealth[venue] = health
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, liveFromBoard(h.deps.Board.Snapshot()))
}

func (h *Handlers) HandleWallets(w http.ResponseWriter, r *http.Request) {
	snapshot := h.deps.Wallets.Snapshot()
	out := make(map[string]map[string]balanceJSON, len(snapshot))
	for venue, balances := range snapshot {
		out[venue] = make(map[string]balanceJSON, len(balances))
		for currency, b := range balances {
			out[venue][currency] = balanceFromType(b)
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleOrderBooks(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]bookJSON)
	for ref := range h.deps.Books.Ages() {
		view, ok := h.deps.Books.View(ref.Exchange, ref.Market)
		if !ok {
			continue
		}
		if out[ref.Exchange] == nil {
			out[ref.Exchange] = make(map[string]bookJSON)
		}
		book := bookJSON{
			Buy:  levelsJSON(view.Bids, 5),
			Sell: levelsJSON(view.Asks, 5),
		}
		if !view.UpdatedAt.IsZero() {
			t := view.UpdatedAt
			book.LastUpdate = &t
		}
		out[ref.Exchange][ref.Market.Symbol()] = book
	}
	h.writeJSON(w, http.StatusOK, out)
}

// queryInt parses an integer query parameter clamped to [min, max],
// falling back to def when absent or malformed.
func queryInt(r *http.Request, name string, def, min, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (h *Handlers) HandleOpportunities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OpportunityFilter{
		RouteLabel: q.Get("route_label"),
		RouteType:  q.Get("route_type"),
		Search:     q.Get("search"),
		Page:       queryInt(r, "page", 1, 1, 1<<30),
		PerPage:    queryInt(r, "per_page", 50, 1, 200),
	}
	if raw := q.Get("min_spread"); raw != "" {
		minSpread, err := decimal.NewFromString(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid min_spread")
			return
		}
		filter.MinSpread = &minSpread
	}
	if raw := q.Get("executed"); raw != "" {
		executed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid executed")
			return
		}
		filter.Executed = &executed
	}

	rows, total, err := h.deps.Store.Opportunities(r.Context(), filter)
	if err != nil {
		h.storeError(w, "opportunities", err)
		return
	}
	items := make([]opportunityJSON, 0, len(rows))
	for _, row := range rows {
		items = append(items, opportunityFromRecord(row))
	}
	h.writeJSON(w, http.StatusOK, pageResponse{
		Items: items, Total: total, Page: filter.Page, PerPage: filter.PerPage,
	})
}

func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1, 1, 1<<30)
	perPage := queryInt(r, "per_page", 50, 1, 200)

	rows, total, err := h.deps.Store.Trades(r.Context(), page, perPage)
	if err != nil {
		h.storeError(w, "trades", err)
		return
	}
	items := make([]tradeJSON, 0, len(rows))
	for _, row := range rows {
		items = append(items, tradeFromRecord(row))
	}
	h.writeJSON(w, http.StatusOK, pageResponse{
		Items: items, Total: total, Page: page, PerPage: perPage,
	})
}

func (h *Handlers) HandleBalances(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7, 1, 365)
	rows, err := h.deps.Store.BalanceHistory(r.Context(), days)
	if err != nil {
		h.storeError(w, "balances", err)
		return
	}
	items := make([]balancePointJSON, 0, len(rows))
	for _, row := range rows {
		items = append(items, balancePointJSON{
			Currency: row.Currency,
			Balance:  row.Balance.InexactFloat64(),
			TS:       row.TS.UTC().Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handlers) handleLabelCounts(w http.ResponseWriter, r *http.Request, op string,
	query func(days int) ([]store.LabelCount, error)) {
	days := queryInt(r, "days", 7, 1, 365)
	rows, err := query(days)
	if err != nil {
		h.storeError(w, op, err)
		return
	}
	items := make([]labelCountJSON, 0, len(rows))
	for _, row := range rows {
		items = append(items, labelCountJSON{Label: row.Label, Count: row.Count})
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handlers) HandleTopPairs(w http.ResponseWriter, r *http.Request) {
	h.handleLabelCounts(w, r, "top_pairs", func(days int) ([]store.LabelCount, error) {
		return h.deps.Store.TopPairs(r.Context(), days)
	})
}

func (h *Handlers) HandleDirection(w http.ResponseWriter, r *http.Request) {
	h.handleLabelCounts(w, r, "direction", func(days int) ([]store.LabelCount, error) {
		return h.deps.Store.Direction(r.Context(), days)
	})
}

func (h *Handlers) HandleFrequency(w http.ResponseWriter, r *http.Request) {
	h.handleLabelCounts(w, r, "frequency", func(days int) ([]store.LabelCount, error) {
		return h.deps.Store.Frequency(r.Context(), days)
	})
}

func (h *Handlers) HandleReturns(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Store.Returns(r.Context())
	if err != nil {
		h.storeError(w, "returns", err)
		return
	}
	h.writeJSON(w, http.StatusOK, returnsJSON{
		AvgSpreadPct: summary.AvgSpreadPct.InexactFloat64(),
		TotalTrades:  summary.TotalTrades,
		SpanDays:     summary.SpanDays,
		Daily:        summary.Daily.InexactFloat64(),
		Weekly:       summary.Weekly.InexactFloat64(),
		Monthly:      summary.Monthly.InexactFloat64(),
		Yearly:       summary.Yearly.InexactFloat64(),
	})
}

func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Config
	h.writeJSON(w, http.StatusOK, configResponse{
		Mode:          h.mode(),
		UptimeSeconds: h.uptimeSeconds(),
		RoutesCount:   len(h.deps.Routes.All()),
		Keys: map[string]string{
			"BINANCE_API_KEY":    config.MaskSecret(cfg.Binance.APIKey),
			"BINANCE_API_SECRET": config.MaskSecret(cfg.Binance.APISecret),
			"KRAKEN_API_KEY":     config.MaskSecret(cfg.Kraken.APIKey),
			"KRAKEN_API_SECRET":  config.MaskSecret(cfg.Kraken.APISecret),
		},
	})
}

func (h *Handlers) HandlePutConfig(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	updates := make(map[string]string)
	for key, value := range body {
		if config.IsCredentialKey(key) && value != "" {
			updates[key] = value
		}
	}
	if len(updates) == 0 {
		h.writeError(w, http.StatusBadRequest, "no valid keys provided")
		return
	}

	if err := config.WriteEnvUpdates(h.deps.Config.EnvFile, updates); err != nil {
		h.logger.Error("write env updates", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to write configuration")
		return
	}

	updated := make([]string, 0, len(updates))
	for key := range updates {
		updated = append(updated, key)
	}
	h.logger.Info("credentials updated", "keys", updated)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"updated": updated,
		"message": "Restart required for changes to take effect",
	})
}

func (h *Handlers) HandleReloadRoutes(w http.ResponseWriter, r *http.Request) {
	count, err := h.deps.Reloader.ReloadRoutes(r.Context())
	if err != nil {
		h.logger.Error("route reload failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "route reload failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"routes": count})
}

func (h *Handlers) HandleLiveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	// Seed the new client with the current board.
	data, err := json.Marshal(liveFromBoard(h.deps.Board.Snapshot()))
	if err != nil {
		h.logger.Error("marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}
