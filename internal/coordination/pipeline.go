package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CommandExpiry bounds how long a phase command stays deliverable.
const CommandExpiry = 120 * time.Second

// CycleInput is the request for one trading cycle.
type CycleInput struct {
	Symbol      string          `json:"symbol"`
	Strategies  []string        `json:"strategies"`
	Balance     decimal.Decimal `json:"accountBalance"`
	PeakBalance decimal.Decimal `json:"peakBalance"`
}

// CycleResult summarizes one finished cycle.
type CycleResult struct {
	Success         bool       `json:"success"`
	CycleID         string     `json:"cycleId"`
	PhasesCompleted []string   `json:"phases_completed"`
	Mode            types.Mode `json:"mode"`
	HaltReason      string     `json:"haltReason,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// phasePlan is the ordered phase walk with its owning agents.
var phasePlan = []struct {
	phase types.CyclePhase
	agent string
	label string
}{
	{types.PhaseStrategyAnalysis, AgentStrategy, "strategy"},
	{types.PhaseRiskValidation, AgentRisk, "risk"},
	{types.PhaseExecution, AgentExecution, "execution"},
}

// Pipeline is the supervisor: the only phase-transition authority.
type Pipeline struct {
	logger *zap.Logger
	store  *store.Store
	state  *StateManager
	bus    *Bus
	health *HealthMonitor
	agents map[string]Agent
}

// NewPipeline wires the supervisor with its agents. Every agent is
// registered on the bus and initialized healthy.
func NewPipeline(logger *zap.Logger, st *store.Store, state *StateManager, bus *Bus, health *HealthMonitor, agents ...Agent) (*Pipeline, error) {
	p := &Pipeline{
		logger: logger.Named("pipeline"),
		store:  st,
		state:  state,
		bus:    bus,
		health: health,
		agents: make(map[string]Agent, len(agents)),
	}
	for _, a := range agents {
		p.agents[a.Name()] = a
		bus.RegisterAgent(a.Name())
		if err := health.Initialize(a.Name()); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ExecuteCycle drives one cycle through its phases. Any agent failure marks
// the cycle FAILED; a requested halt stops between phases and broadcasts.
func (p *Pipeline) ExecuteCycle(ctx context.Context, in CycleInput) (*CycleResult, error) {
	settings, err := p.store.GetSettings(risk.DefaultSettings())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load settings", err)
	}
	mode := settings.Mode

	active := make([]string, 0, len(p.agents))
	for name := range p.agents {
		active = append(active, name)
	}
	state, err := p.state.CreateCycle(active)
	if err != nil {
		return nil, err
	}
	result := &CycleResult{CycleID: state.CycleID, Mode: mode, PhasesCompleted: []string{}}

	healthMap, err := p.health.CheckAll()
	if err != nil {
		return nil, err
	}
	for agent, healthy := range healthMap {
		if _, registered := p.agents[agent]; registered && !healthy {
			reason := fmt.Sprintf("agent %s is unhealthy", agent)
			if _, err := p.state.RequestHalt(state.CycleID, reason, SupervisorAgent); err != nil {
				return nil, err
			}
			if _, err := p.bus.BroadcastHalt(SupervisorAgent, reason); err != nil {
				return nil, err
			}
			result.HaltReason = SupervisorAgent + ": " + reason
			return result, nil
		}
	}

	inputs := map[string]string{
		"symbol":          in.Symbol,
		"account_balance": in.Balance.String(),
		"peak_balance":    in.PeakBalance.String(),
		"mode":            string(mode),
	}
	strategies, _ := json.Marshal(in.Strategies)
	inputs["strategies"] = string(strategies)
	for k, v := range inputs {
		if err := p.state.Write(state.CycleID, k, v, SupervisorAgent); err != nil {
			return nil, err
		}
	}

	for _, step := range phasePlan {
		if _, err := p.state.TransitionPhase(state.CycleID, step.phase, SupervisorAgent); err != nil {
			return nil, err
		}
		if _, err := p.bus.Send(SupervisorAgent, step.agent, types.MsgCommand,
			"phase:"+string(step.phase), state.CycleID, types.PriorityHigh, CommandExpiry); err != nil {
			return nil, err
		}

		start := time.Now()
		if err := p.runAgent(ctx, step.agent, state.CycleID, start); err != nil {
			failMsg := fmt.Sprintf("%s phase: %v", step.label, err)
			if _, cerr := p.state.CompleteCycle(state.CycleID, "", failMsg); cerr != nil {
				return nil, cerr
			}
			result.Error = failMsg
			return result, nil
		}
		result.PhasesCompleted = append(result.PhasesCompleted, step.label)

		current, err := p.state.Get(state.CycleID)
		if err != nil {
			return nil, err
		}
		if current.HaltRequested {
			if _, err := p.bus.BroadcastHalt(SupervisorAgent, current.HaltReason); err != nil {
				return nil, err
			}
			result.HaltReason = current.HaltReason
			return result, nil
		}
	}

	// The journal agent closes out the cycle with its own command.
	if _, err := p.bus.Send(SupervisorAgent, AgentJournal, types.MsgCommand,
		"cycle_complete", state.CycleID, types.PriorityHigh, CommandExpiry); err != nil {
		return nil, err
	}
	if err := p.runAgent(ctx, AgentJournal, state.CycleID, time.Now()); err != nil {
		failMsg := fmt.Sprintf("journal: %v", err)
		if _, cerr := p.state.CompleteCycle(state.CycleID, "", failMsg); cerr != nil {
			return nil, cerr
		}
		result.Error = failMsg
		return result, nil
	}

	summary, _ := json.Marshal(map[string]any{
		"symbol":           in.Symbol,
		"mode":             mode,
		"phases_completed": result.PhasesCompleted,
	})
	if _, err := p.state.CompleteCycle(state.CycleID, string(summary), ""); err != nil {
		return nil, err
	}
	result.Success = true
	p.logger.Info("Cycle completed",
		zap.String("cycle_id", state.CycleID),
		zap.String("symbol", in.Symbol),
		zap.String("mode", string(mode)))
	return result, nil
}

// runAgent executes one agent and books its health accounting.
func (p *Pipeline) runAgent(ctx context.Context, name, cycleID string, start time.Time) error {
	agent, ok := p.agents[name]
	if !ok {
		return apperr.Ef(apperr.KindInternal, "agent %q not wired", name)
	}
	if err := agent.Execute(ctx, cycleID); err != nil {
		if herr := p.health.RecordError(name, err.Error()); herr != nil {
			p.logger.Error("Health bookkeeping failed", zap.Error(herr))
		}
		return err
	}
	elapsed := float64(time.Since(start).Milliseconds())
	if err := p.health.Heartbeat(name, elapsed); err != nil {
		return err
	}
	return p.health.RecordSuccess(name)
}

// Halt requests a halt on a running cycle and broadcasts it.
func (p *Pipeline) Halt(cycleID, reason, agent string) (*types.CycleState, error) {
	state, err := p.state.RequestHalt(cycleID, reason, agent)
	if err != nil {
		return nil, err
	}
	if _, err := p.bus.BroadcastHalt(agent, state.HaltReason); err != nil {
		return nil, err
	}
	return state, nil
}
