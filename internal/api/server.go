// Package api is the control plane: a read-only JSON view of the live
// stores and trade history, a WebSocket push of the live comparison
// board, prometheus metrics, and the two mutating endpoints (credential
// update, route reload).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arby/internal/arb"
	"arby/internal/config"
	"arby/internal/market"
	"arby/internal/store"
)

// broadcastInterval is the cadence of live-board pushes to WebSocket
// clients.
const broadcastInterval = time.Second

// RouteReloader rebuilds the route list in place. Implemented by the
// engine.
type RouteReloader interface {
	ReloadRoutes(ctx context.Context) (int, error)
}

// Deps bundles everything the handlers read.
type Deps struct {
	Config   *config.Config
	Board    *arb.Board
	Books    *market.BookStore
	Wallets  *market.WalletStore
	Routes   *market.RouteSet
	Store    *store.Store
	Reloader RouteReloader
	Venues   []string
	StartAt  time.Time
}

// Server runs the control-plane HTTP server.
type Server struct {
	deps     Deps
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(deps, hub, logger)

	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/live", handlers.HandleLiveWS).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/status", handlers.HandleStatus).Methods(http.MethodGet)
	a.HandleFunc("/live", handlers.HandleLive).Methods(http.MethodGet)
	a.HandleFunc("/wallets", handlers.HandleWallets).Methods(http.MethodGet)
	a.HandleFunc("/orderbooks", handlers.HandleOrderBooks).Methods(http.MethodGet)
	a.HandleFunc("/opportunities", handlers.HandleOpportunities).Methods(http.MethodGet)
	a.HandleFunc("/trades", handlers.HandleTrades).Methods(http.MethodGet)
	a.HandleFunc("/balances", handlers.HandleBalances).Methods(http.MethodGet)
	a.HandleFunc("/analytics/top-pairs", handlers.HandleTopPairs).Methods(http.MethodGet)
	a.HandleFunc("/analytics/direction", handlers.HandleDirection).Methods(http.MethodGet)
	a.HandleFunc("/analytics/frequency", handlers.HandleFrequency).Methods(http.MethodGet)
	a.HandleFunc("/analytics/returns", handlers.HandleReturns).Methods(http.MethodGet)
	a.HandleFunc("/config", handlers.HandleGetConfig).Methods(http.MethodGet)
	a.HandleFunc("/config", handlers.HandlePutConfig).Methods(http.MethodPut)
	a.HandleFunc("/routes/reload", handlers.HandleReloadRoutes).Methods(http.MethodPost)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.API.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		deps:     deps,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the board broadcast pump, and the listener. Blocks
// until the server shuts down.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.broadcastLoop(ctx)

	s.logger.Info("control-plane server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping control-plane server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// broadcastLoop pushes a live-board snapshot to every WebSocket client
// once per second.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			s.hub.Broadcast(liveFromBoard(s.deps.Board.Snapshot()))
		}
	}
}
