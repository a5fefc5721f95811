package coordination

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// phaseOrder drives the no-regression rule for phase transitions.
var phaseOrder = map[types.CyclePhase]int{
	types.PhaseInitializing:     0,
	types.PhaseStrategyAnalysis: 1,
	types.PhaseRiskValidation:   2,
	types.PhaseExecution:        3,
	types.PhaseCompleted:        4,
}

// StateManager owns per-cycle shared state. All mutation on one cycle is
// serialized; readers always see a complete snapshot.
type StateManager struct {
	logger *zap.Logger
	store  *store.Store

	mu sync.Mutex
}

// NewStateManager creates the shared cycle state manager.
func NewStateManager(logger *zap.Logger, st *store.Store) *StateManager {
	return &StateManager{logger: logger.Named("cycle-state"), store: st}
}

// CreateCycle starts a fresh cycle with its participating agents.
func (m *StateManager) CreateCycle(activeAgents []string) (*types.CycleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agents, _ := json.Marshal(activeAgents)
	state := &types.CycleState{
		CycleID:      uuid.NewString(),
		Phase:        types.PhaseInitializing,
		ActiveAgents: string(agents),
		SharedData:   "{}",
		StartedAt:    time.Now().UTC(),
	}
	if err := m.store.SaveCycleState(state); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "create cycle", err)
	}
	m.logger.Info("Cycle created",
		zap.String("cycle_id", state.CycleID),
		zap.Strings("agents", activeAgents))
	return state, nil
}

// Get returns one cycle's state.
func (m *StateManager) Get(cycleID string) (*types.CycleState, error) {
	state, err := m.store.GetCycleState(cycleID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.Ef(apperr.KindNotFound, "cycle %s not found", cycleID)
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load cycle", err)
	}
	return state, nil
}

// ActiveAgents decodes the cycle's participant list.
func ActiveAgents(state *types.CycleState) []string {
	var agents []string
	_ = json.Unmarshal([]byte(state.ActiveAgents), &agents)
	return agents
}

// TransitionPhase advances the cycle phase. Only the supervisor may
// transition; a pending halt refuses any further transition; phases never
// regress.
func (m *StateManager) TransitionPhase(cycleID string, newPhase types.CyclePhase, agent string) (*types.CycleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent != SupervisorAgent {
		return nil, apperr.Ef(apperr.KindPolicy, "agent %q may not transition phases", agent)
	}
	state, err := m.Get(cycleID)
	if err != nil {
		return nil, err
	}
	if state.HaltRequested {
		return nil, apperr.Ef(apperr.KindConflict, "cycle %s has a pending halt", cycleID)
	}
	if state.Phase.Terminal() {
		return nil, apperr.Ef(apperr.KindConflict, "cycle %s is already %s", cycleID, state.Phase)
	}
	if newPhase != types.PhaseHalted && newPhase != types.PhaseFailed {
		from, okFrom := phaseOrder[state.Phase]
		to, okTo := phaseOrder[newPhase]
		if !okTo {
			return nil, apperr.Ef(apperr.KindValidation, "unknown phase %q", newPhase)
		}
		if okFrom && to <= from {
			return nil, apperr.Ef(apperr.KindConflict, "phase may not regress from %s to %s", state.Phase, newPhase)
		}
	}

	state.Phase = newPhase
	if err := m.store.SaveCycleState(state); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "save cycle", err)
	}
	m.logger.Debug("Phase transition",
		zap.String("cycle_id", cycleID),
		zap.String("phase", string(newPhase)))
	return state, nil
}

// Write stores one key in the cycle scratchpad. An agent may write only its
// own namespace (keys prefixed "<agent>_"); the supervisor writes anywhere.
func (m *StateManager) Write(cycleID, key, value, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent != SupervisorAgent && !strings.HasPrefix(key, agent+"_") {
		m.logger.Warn("Shared-data write refused",
			zap.String("cycle_id", cycleID),
			zap.String("agent", agent),
			zap.String("key", key))
		return apperr.Ef(apperr.KindPolicy, "agent %q may not write key %q", agent, key)
	}

	state, err := m.Get(cycleID)
	if err != nil {
		return err
	}
	data := map[string]string{}
	if err := json.Unmarshal([]byte(state.SharedData), &data); err != nil {
		return apperr.Wrap(apperr.KindInternal, "decode shared data", err)
	}
	data[key] = value
	encoded, err := json.Marshal(data)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "encode shared data", err)
	}
	state.SharedData = string(encoded)
	if err := m.store.SaveCycleState(state); err != nil {
		return apperr.Wrap(apperr.KindDependency, "save cycle", err)
	}
	return nil
}

// Read returns one scratchpad key.
func (m *StateManager) Read(cycleID, key string) (string, bool, error) {
	data, err := m.ReadAll(cycleID)
	if err != nil {
		return "", false, err
	}
	v, ok := data[key]
	return v, ok, nil
}

// ReadAll returns a snapshot of the whole scratchpad.
func (m *StateManager) ReadAll(cycleID string) (map[string]string, error) {
	state, err := m.Get(cycleID)
	if err != nil {
		return nil, err
	}
	data := map[string]string{}
	if err := json.Unmarshal([]byte(state.SharedData), &data); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode shared data", err)
	}
	return data, nil
}

// RequestHalt flags the cycle for halt. Any agent may request; the recorded
// reason names the requester.
func (m *StateManager) RequestHalt(cycleID, reason, agent string) (*types.CycleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.Get(cycleID)
	if err != nil {
		return nil, err
	}
	if state.Phase.Terminal() {
		return nil, apperr.Ef(apperr.KindConflict, "cycle %s is already %s", cycleID, state.Phase)
	}
	now := time.Now().UTC()
	state.HaltRequested = true
	state.HaltReason = fmt.Sprintf("%s: %s", agent, reason)
	state.Phase = types.PhaseHalted
	state.CompletedAt = &now
	if err := m.store.SaveCycleState(state); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "save cycle", err)
	}
	m.logger.Warn("Cycle halted",
		zap.String("cycle_id", cycleID),
		zap.String("reason", state.HaltReason))
	return state, nil
}

// CompleteCycle closes the cycle with a result summary. A non-empty errs
// marks it FAILED.
func (m *StateManager) CompleteCycle(cycleID, result, errs string) (*types.CycleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.Get(cycleID)
	if err != nil {
		return nil, err
	}
	if state.Phase.Terminal() {
		return state, nil
	}
	now := time.Now().UTC()
	state.Result = result
	state.Errors = errs
	state.CompletedAt = &now
	if errs != "" {
		state.Phase = types.PhaseFailed
	} else {
		state.Phase = types.PhaseCompleted
	}
	if err := m.store.SaveCycleState(state); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "save cycle", err)
	}
	return state, nil
}

// ListCycles returns recent cycles, newest first.
func (m *StateManager) ListCycles(limit int) ([]types.CycleState, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListCycles(limit)
}
