package api

import (
	"net/http"

	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// Execution endpoints.

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignalID   string     `json:"signal_id"`
		BrokerType string     `json:"broker_type"`
		Mode       types.Mode `json:"mode,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.SignalID == "" {
		s.writeErr(w, apperr.E(apperr.KindValidation, "signal_id is required"))
		return
	}
	if req.BrokerType == "" {
		s.writeErr(w, apperr.E(apperr.KindValidation, "broker_type is required"))
		return
	}
	res, err := s.deps.Engine.ExecuteSignal(r.Context(), req.SignalID, req.BrokerType, req.Mode)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.hub.Broadcast("execution_result", res)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	res, err := s.deps.Engine.CancelOrder(r.Context(), orderID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Store.ListOrders(limitParam(r, 50))
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "list orders", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Engine.GetOrderStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.deps.Engine.GetExecutionLogs(mux.Vars(r)["order_id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// Risk endpoints.

type validateRequest struct {
	SignalID    string          `json:"signal_id,omitempty"`
	Strategy    string          `json:"strategy"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Entry       decimal.Decimal `json:"entry"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	RiskPct     decimal.Decimal `json:"risk_pct"`
	Balance     decimal.Decimal `json:"balance"`
	PeakBalance decimal.Decimal `json:"peak_balance"`
}

// handleRiskValidate runs the admission checks against either a stored signal
// (signal_id) or an ad-hoc one built from the request body. Ad-hoc signals
// are not persisted; the decision audit row is written either way.
func (s *Server) handleRiskValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}

	var sig *types.Signal
	if req.SignalID != "" {
		stored, err := s.deps.Store.GetSignal(req.SignalID)
		if err != nil {
			s.writeErr(w, apperr.Ef(apperr.KindNotFound, "signal %s not found", req.SignalID))
			return
		}
		sig = stored
	} else {
		sig = &types.Signal{
			ID:         uuid.NewString(),
			Strategy:   req.Strategy,
			Symbol:     req.Symbol,
			Side:       types.SignalSide(req.Side),
			Entry:      req.Entry,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			RiskPct:    req.RiskPct,
		}
	}
	if req.Balance.IsZero() {
		s.writeErr(w, apperr.E(apperr.KindValidation, "balance is required"))
		return
	}
	peak := req.PeakBalance
	if peak.IsZero() {
		peak = req.Balance
	}

	dec, err := s.deps.Validator.Validate(r.Context(), sig, req.Balance, peak)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleRiskState(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Monitor.State()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRiskDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.deps.Store.ListRiskDecisions(limitParam(r, 50))
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "list decisions", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleRiskBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := s.deps.Store.ListStrategyBudgets()
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "list budgets", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

func (s *Server) handleRiskLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.deps.Validator.EffectiveLimits()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"effective": limits,
		"hard_caps": risk.Caps(),
	})
}

func (s *Server) handleEmergencyReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Monitor.ResetEmergency(); err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Warn("Emergency shutdown reset via API")
	state, err := s.deps.Monitor.State()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDailyReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Monitor.ResetDaily(); err != nil {
		s.writeErr(w, err)
		return
	}
	state, err := s.deps.Monitor.State()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEnableStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
		Symbol   string `json:"symbol"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Strategy == "" || req.Symbol == "" {
		s.writeErr(w, apperr.E(apperr.KindValidation, "strategy and symbol are required"))
		return
	}
	budget, err := s.deps.Monitor.EnableStrategy(req.Strategy, req.Symbol)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, budget)
}
