package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crestline-labs/trading-core/internal/coordination"
	"github.com/crestline-labs/trading-core/internal/journal"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/gorilla/mux"
)

// Coordination endpoints.

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var in coordination.CycleInput
	if !s.decode(w, r, &in) {
		return
	}
	if in.Symbol == "" {
		s.writeErr(w, apperr.E(apperr.KindValidation, "symbol is required"))
		return
	}
	if in.PeakBalance.IsZero() {
		in.PeakBalance = in.Balance
	}
	result, err := s.deps.Pipeline.ExecuteCycle(r.Context(), in)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if s.deps.Metrics != nil {
		status := "completed"
		if !result.Success {
			status = "failed"
		}
		s.deps.Metrics.CyclesTotal.WithLabelValues(status).Inc()
	}
	s.hub.Broadcast("cycle_result", result)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CycleID string `json:"cycle_id"`
		Reason  string `json:"reason"`
		Agent   string `json:"agent"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.CycleID == "" || req.Reason == "" {
		s.writeErr(w, apperr.E(apperr.KindValidation, "cycle_id and reason are required"))
		return
	}
	agent := req.Agent
	if agent == "" {
		agent = coordination.SupervisorAgent
	}
	cycle, err := s.deps.Pipeline.Halt(req.CycleID, req.Reason, agent)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.hub.Broadcast("cycle_halted", cycle)
	s.writeJSON(w, http.StatusOK, cycle)
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	cycleID := mux.Vars(r)["id"]
	cycle, err := s.deps.States.Get(cycleID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	shared, err := s.deps.States.ReadAll(cycleID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cycle":        cycle,
		"shared_state": shared,
	})
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.deps.States.ListCycles(limitParam(r, 20))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.deps.Bus.History(limitParam(r, 50))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Health.Snapshot()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	checks, err := s.deps.Health.CheckAll()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if s.deps.Metrics != nil {
		for agent, ok := range checks {
			v := 0.0
			if ok {
				v = 1.0
			}
			s.deps.Metrics.AgentHealthy.WithLabelValues(agent).Set(v)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agents": snapshot,
		"checks": checks,
	})
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	responseMs := 0.0
	if raw := r.URL.Query().Get("response_ms"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			responseMs = v
		}
	}
	if err := s.deps.Health.Heartbeat(agent, responseMs); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agent": agent, "status": "heartbeat_recorded"})
}

func (s *Server) handleAgentInitialize(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	if err := s.deps.Health.Initialize(agent); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agent": agent, "status": "initialized"})
}

func (s *Server) handleAgentReset(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	if err := s.deps.Health.Reset(agent); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agent": agent, "status": "reset"})
}

// Journal endpoints.

func journalLookback(r *http.Request) time.Duration {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			days = v
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

func journalSource(r *http.Request) types.JournalSource {
	if src := r.URL.Query().Get("source"); src != "" {
		return types.JournalSource(src)
	}
	return types.SourceLive
}

func (s *Server) handleJournalEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.deps.Journal.List(store.JournalFilter{
		Strategy: q.Get("strategy"),
		Symbol:   q.Get("symbol"),
		Source:   types.JournalSource(q.Get("source")),
		Limit:    limitParam(r, 100),
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleJournalEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Journal.Get(mux.Vars(r)["entry_id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleJournalStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	perf, err := s.deps.Analyzer.Analyze(q.Get("strategy"), q.Get("symbol"), journalSource(r), journalLookback(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, perf)
}

func (s *Server) handleJournalAnalyze(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	perf, err := s.deps.Analyzer.Analyze(vars["strategy"], vars["symbol"], journalSource(r), journalLookback(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, perf)
}

func (s *Server) handleUnderperformance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	assessment, err := s.deps.Analyzer.DetectUnderperformance(vars["strategy"], vars["symbol"], journalLookback(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assessment)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	decision, err := s.deps.Feedback.Run(vars["strategy"], vars["symbol"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if decision.Action == journal.RecommendDisableStrategy {
		s.hub.Broadcast("strategy_disabled", decision)
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleFeedbackBatch(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.deps.Feedback.RunBatch()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleFeedbackDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.deps.Feedback.Decisions(limitParam(r, 50))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.deps.Store.ListSnapshots(limitParam(r, 50))
	if err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindDependency, "list snapshots", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func (s *Server) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snap, err := s.deps.Analyzer.Snapshot(vars["strategy"], vars["symbol"], journalSource(r), journalLookback(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, snap)
}
