// Package api exposes the simulator over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cryptosim/sim-engine/internal/autotrader"
	"github.com/cryptosim/sim-engine/internal/clock"
	"github.com/cryptosim/sim-engine/internal/ledger"
	"github.com/cryptosim/sim-engine/internal/logging"
	"github.com/cryptosim/sim-engine/internal/metrics"
	"github.com/cryptosim/sim-engine/internal/oracle"
	"github.com/cryptosim/sim-engine/internal/trade"
)

const (
	defaultTradesTail  = 200
	defaultRecentLimit = 10
	maxRecentLimit     = 1000
	requestTimeout     = 30 * time.Second
)

// Options tune the HTTP surface.
type Options struct {
	// TradesTail bounds the closed trades returned by GET /trades.
	TradesTail int
	// JWTSecret enables the bearer guard on mutating routes when set.
	JWTSecret string
	// Hub serves /ws when set.
	Hub *trade.WSHub
}

// Server holds references to the components it exposes. It keeps no state
// of its own.
type Server struct {
	engine *trade.Engine
	ledger *ledger.Ledger
	trader *autotrader.Trader
	oracle oracle.Oracle
	clock  clock.Clock
	hub    *trade.WSHub
	log    zerolog.Logger

	tradesTail int
	jwtSecret  []byte
}

// NewServer wires the HTTP surface.
func NewServer(eng *trade.Engine, l *ledger.Ledger, tr *autotrader.Trader, o oracle.Oracle, clk clock.Clock, logger zerolog.Logger, opts Options) *Server {
	tail := opts.TradesTail
	if tail <= 0 {
		tail = defaultTradesTail
	}
	var secret []byte
	if opts.JWTSecret != "" {
		secret = []byte(opts.JWTSecret)
	}
	return &Server{
		engine:     eng,
		ledger:     l,
		trader:     tr,
		oracle:     o,
		clock:      clk,
		hub:        opts.Hub,
		log:        logging.Component(logger, "api"),
		tradesTail: tail,
		jwtSecret:  secret,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.log))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	// Long-lived connections stay outside the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/virtual_balance", s.handleGetBalance)
		r.Get("/price", s.handlePrice)
		r.Get("/trades", s.handleListTrades)
		r.Get("/trades/recent", s.handleRecentTrades)

		r.Route("/auto_trading", func(r chi.Router) {
			r.Get("/status", s.handleAutoStatus)
			r.Get("/settings", s.handleGetSettings)
			r.Get("/current_signal", s.handleCurrentSignal)
			r.Get("/trades", s.handleAutoTrades)
			r.Get("/signals", s.handleRecentSignals)
		})

		r.Group(func(r chi.Router) {
			if s.jwtSecret != nil {
				r.Use(bearerGuard(s.jwtSecret))
			}
			r.Post("/virtual_balance", s.handleSetBalance)
			r.Post("/virtual_balance/reset", s.handleResetBalance)
			r.Post("/trade", s.handleOpenTrade)
			r.Post("/trades/close", s.handleCloseTrade)

			r.Post("/auto_trading/toggle", s.handleToggle)
			r.Post("/auto_trading/settings", s.handleUpdateSettings)
			r.Post("/auto_trading/execute_signal", s.handleExecuteSignal)
			r.Post("/auto_trading/reset", s.handleAutoReset)
		})
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.clock.Now(),
	})
}
