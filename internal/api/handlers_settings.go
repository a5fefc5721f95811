package api

import (
	"net/http"
	"time"

	"github.com/crestline-labs/trading-core/internal/broker/sim"
	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/settings"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type simSettingsUpdate struct {
	SlippagePips     *decimal.Decimal `json:"slippage_pips,omitempty"`
	CommissionPerLot *decimal.Decimal `json:"commission_per_lot,omitempty"`
	LatencyMs        *int             `json:"latency_ms,omitempty"`
	FillProbability  *float64         `json:"fill_probability,omitempty"`
}

func (u simSettingsUpdate) toUpdates() sim.SettingsUpdate {
	return sim.SettingsUpdate{
		SlippagePips:     u.SlippagePips,
		CommissionPerLot: u.CommissionPerLot,
		LatencyMs:        u.LatencyMs,
		FillProbability:  u.FillProbability,
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Settings.Get()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		settings.Updates
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.deps.Settings.Update(req.Updates, actor(r), req.Reason)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	mode, err := s.deps.Settings.GetMode()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode   types.Mode `json:"mode"`
		Reason string     `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.deps.Settings.SetMode(req.Mode, actor(r), req.Reason)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSettingsAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := s.deps.Settings.AuditTrail(limitParam(r, 50))
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "list audit", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"audit": trail})
}

// handleConstants returns the compiled-in hard caps. There is no write
// counterpart.
func (s *Server) handleConstants(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"hard_caps": risk.Caps(),
		"mutable":   false,
	})
}

func (s *Server) handleGetExecutionMode(w http.ResponseWriter, r *http.Request) {
	mode, err := s.deps.Settings.GetExecutionMode()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"execution_mode": string(mode)})
}

func (s *Server) handleChangeExecutionMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode      types.ExecutionMode `json:"mode"`
		Confirmed bool                `json:"confirmed"`
		Password  string              `json:"password"`
		Reason    string              `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	user := userFrom(r)
	change := settings.ModeChange{
		User:      actor(r),
		Reason:    req.Reason,
		Confirmed: req.Confirmed,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
	if req.Password != "" && user != nil {
		change.PasswordVerified = s.deps.Auth.VerifyPassword(user.ID, req.Password)
	}
	st, err := s.deps.Settings.ChangeExecutionMode(req.Mode, change)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleExecutionModeAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := s.deps.Settings.ExecutionModeAudit(limitParam(r, 50))
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "list audit", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"audit": trail})
}

// Simulation account subtree.

func (s *Server) handleSimAccount(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Sim.GetAccountInfo(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSimReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sim.ResetAccount(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.deps.Store.CreateSettingsAudit(&types.SettingsAudit{
		ChangeType: "simulation_reset",
		User:       actor(r),
		Reason:     "simulation account reset",
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("Failed to audit simulation reset", zap.Error(err))
	}
	info, err := s.deps.Sim.GetAccountInfo(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSimSettings(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Store.GetSimAccount(s.deps.Sim.User(), s.deps.Sim.AccountDefaults())
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "load simulation account", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"slippage_pips":      acct.SlippagePips,
		"commission_per_lot": acct.CommissionPerLot,
		"latency_ms":         acct.LatencyMs,
		"fill_probability":   acct.FillProbability,
	})
}

func (s *Server) handleSimUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req simSettingsUpdate
	if !s.decode(w, r, &req) {
		return
	}
	acct, err := s.deps.Sim.UpdateSettings(req.toUpdates())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleSimPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Sim.GetPositions(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleSimAudit(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Store.GetSimAccount(s.deps.Sim.User(), s.deps.Sim.AccountDefaults())
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "load simulation account", err))
		return
	}
	orders, err := s.deps.Store.ListOrders(limitParam(r, 50))
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "list orders", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account": acct,
		"orders":  orders,
	})
}
