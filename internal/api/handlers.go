package api

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/cryptosim/sim-engine/internal/autotrader"
	"github.com/cryptosim/sim-engine/internal/errs"
	"github.com/cryptosim/sim-engine/internal/model"
	"github.com/cryptosim/sim-engine/internal/trade"
)

type balanceResponse struct {
	Status string `json:"status"`
	trade.Valuation
}

type positionView struct {
	model.Position
	CurrentPrice  *decimal.Decimal `json:"current_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	PnLPercent    *decimal.Decimal `json:"pnl_percent,omitempty"`
}

type autoStatusView struct {
	model.AutoTradingStatus
	Balance decimal.Decimal `json:"balance"`
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, balanceResponse{
		Status:    "success",
		Valuation: s.engine.Value(r.Context()),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	s.writeBalance(w, r)
}

func (s *Server) handleSetBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Balance *decimal.Decimal `json:"balance"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Balance == nil {
		writeError(w, r, errs.New(errs.InvalidIntent, "balance is required"))
		return
	}
	if err := s.engine.SetCash(r.Context(), *req.Balance); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeBalance(w, r)
}

func (s *Server) handleResetBalance(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeBalance(w, r)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol, err := model.NormalizeSymbol(r.URL.Query().Get("symbol"))
	if err != nil {
		writeError(w, r, errs.Wrap(errs.InvalidIntent, err, "invalid symbol"))
		return
	}
	price, err := s.oracle.Price(r.Context(), symbol)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"price":     price,
		"timestamp": s.clock.Now(),
	})
}

func (s *Server) handleOpenTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.OpenRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Source = model.SourceManual
	pos, err := s.engine.Open(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"position": pos})
}

func (s *Server) handleCloseTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.CloseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Reason = model.ReasonManual
	closed, err := s.engine.Close(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"trade": closed})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	val := s.engine.Value(r.Context())
	positions := make([]positionView, 0, len(val.Marks))
	for _, m := range val.Marks {
		v := positionView{Position: m.Position}
		if m.Err == nil {
			price, unrealized, move := m.Price, m.Unrealized, m.MovePct.Round(4)
			v.CurrentPrice, v.UnrealizedPnL, v.PnLPercent = &price, &unrealized, &move
		}
		positions = append(positions, v)
	}

	snap := s.ledger.Snapshot(s.tradesTail)
	respond(w, http.StatusOK, map[string]any{
		"open_positions": positions,
		"closed_trades":  snap.ClosedTrades,
		"closed_count":   snap.ClosedCount,
		"balance":        val.Cash,
		"unrealized_pnl": val.UnrealizedPnL,
	})
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRecentLimit {
			writeError(w, r, errs.New(errs.InvalidIntent, "limit must be an integer in [1,%d]", maxRecentLimit))
			return
		}
		limit = n
	}
	snap := s.ledger.Snapshot(limit)
	respond(w, http.StatusOK, map[string]any{
		"trades": snap.ClosedTrades,
		"count":  len(snap.ClosedTrades),
	})
}

func (s *Server) handleAutoStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"auto_trading": autoStatusView{
			AutoTradingStatus: s.trader.Status(),
			Balance:           s.ledger.Cash(),
		},
	})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, r, errs.New(errs.InvalidIntent, "enabled is required"))
		return
	}
	status, err := s.trader.Toggle(r.Context(), *req.Enabled)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"auto_trading": status})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{"settings": s.trader.Settings()})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch model.SettingsPatch
	if err := decode(w, r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	settings, err := s.trader.UpdateSettings(r.Context(), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"settings": settings})
}

func (s *Server) handleCurrentSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := s.trader.CurrentSignal(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"signal": sig})
}

func (s *Server) handleExecuteSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signal *model.Signal `json:"signal"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Signal == nil {
		writeError(w, r, errs.New(errs.InvalidIntent, "signal is required"))
		return
	}
	rec, err := s.trader.ExecuteSignal(r.Context(), *req.Signal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"result": rec})
}

func (s *Server) handleAutoTrades(w http.ResponseWriter, r *http.Request) {
	trades, summary := s.trader.History()
	respond(w, http.StatusOK, map[string]any{
		"trades":  trades,
		"summary": summary,
	})
}

func (s *Server) handleRecentSignals(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"signals": s.trader.RecentSignals(autotrader.RecentCapacity),
	})
}

func (s *Server) handleAutoReset(w http.ResponseWriter, r *http.Request) {
	status, err := s.trader.Reset(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"auto_trading": status})
}
