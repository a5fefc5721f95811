package coordination

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crestline-labs/trading-core/internal/execution"
	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Agent names. The supervisor is not an agent; it owns the pipeline.
const (
	AgentStrategy  = "strategy"
	AgentRisk      = "risk"
	AgentExecution = "execution"
	AgentJournal   = "journal"
)

// Agent is one phase worker. Execute consumes the agent's pending commands
// and performs its phase work against the cycle scratchpad.
type Agent interface {
	Name() string
	Execute(ctx context.Context, cycleID string) error
}

// consumeCommands drains the agent's mailbox so expired or stale commands do
// not pile up across cycles.
func consumeCommands(bus *Bus, agent string) error {
	msgs, err := bus.Receive(agent, types.MsgCommand, 10)
	if err != nil {
		return err
	}
	for i := range msgs {
		if err := bus.MarkProcessed(msgs[i].ID, ""); err != nil {
			return err
		}
	}
	return nil
}

// StrategyAgent selects pending signals for the cycle's symbol and
// strategies and publishes their ids.
type StrategyAgent struct {
	logger *zap.Logger
	store  *store.Store
	state  *StateManager
	bus    *Bus
}

func NewStrategyAgent(logger *zap.Logger, st *store.Store, state *StateManager, bus *Bus) *StrategyAgent {
	return &StrategyAgent{logger: logger.Named("agent-strategy"), store: st, state: state, bus: bus}
}

func (a *StrategyAgent) Name() string { return AgentStrategy }

func (a *StrategyAgent) Execute(ctx context.Context, cycleID string) error {
	if err := consumeCommands(a.bus, a.Name()); err != nil {
		return err
	}
	data, err := a.state.ReadAll(cycleID)
	if err != nil {
		return err
	}
	var strategies []string
	_ = json.Unmarshal([]byte(data["strategies"]), &strategies)

	if _, err := a.store.ExpirePendingSignals(time.Now().UTC()); err != nil {
		return err
	}
	signals, err := a.store.ListPendingSignals(data["symbol"], strategies)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(signals))
	for i := range signals {
		ids = append(ids, signals[i].ID)
	}
	encoded, _ := json.Marshal(ids)
	if err := a.state.Write(cycleID, "strategy_signals", string(encoded), a.Name()); err != nil {
		return err
	}
	a.logger.Info("Strategy analysis complete",
		zap.String("cycle_id", cycleID),
		zap.Int("signals", len(ids)))
	return nil
}

// RiskAgent validates the proposed signals and publishes the admitted set.
type RiskAgent struct {
	logger    *zap.Logger
	store     *store.Store
	state     *StateManager
	bus       *Bus
	validator *risk.Validator
}

func NewRiskAgent(logger *zap.Logger, st *store.Store, state *StateManager, bus *Bus, validator *risk.Validator) *RiskAgent {
	return &RiskAgent{logger: logger.Named("agent-risk"), store: st, state: state, bus: bus, validator: validator}
}

func (a *RiskAgent) Name() string { return AgentRisk }

func (a *RiskAgent) Execute(ctx context.Context, cycleID string) error {
	if err := consumeCommands(a.bus, a.Name()); err != nil {
		return err
	}
	data, err := a.state.ReadAll(cycleID)
	if err != nil {
		return err
	}
	var ids []string
	_ = json.Unmarshal([]byte(data["strategy_signals"]), &ids)
	balance, _ := decimal.NewFromString(data["account_balance"])
	peak, _ := decimal.NewFromString(data["peak_balance"])

	approved := make([]string, 0, len(ids))
	for _, id := range ids {
		sig, err := a.store.GetSignal(id)
		if err != nil {
			return err
		}
		dec, err := a.validator.Validate(ctx, sig, balance, peak)
		if err != nil {
			return err
		}
		if dec.Approved {
			approved = append(approved, id)
		}
	}
	encoded, _ := json.Marshal(approved)
	if err := a.state.Write(cycleID, "risk_approved", string(encoded), a.Name()); err != nil {
		return err
	}
	a.logger.Info("Risk validation complete",
		zap.String("cycle_id", cycleID),
		zap.Int("proposed", len(ids)),
		zap.Int("approved", len(approved)))
	return nil
}

// ExecutionAgent drives the admitted signals through the execution engine.
type ExecutionAgent struct {
	logger     *zap.Logger
	state      *StateManager
	bus        *Bus
	engine     *execution.Engine
	brokerType string
}

func NewExecutionAgent(logger *zap.Logger, state *StateManager, bus *Bus, engine *execution.Engine, brokerType string) *ExecutionAgent {
	return &ExecutionAgent{logger: logger.Named("agent-execution"), state: state, bus: bus, engine: engine, brokerType: brokerType}
}

func (a *ExecutionAgent) Name() string { return AgentExecution }

func (a *ExecutionAgent) Execute(ctx context.Context, cycleID string) error {
	if err := consumeCommands(a.bus, a.Name()); err != nil {
		return err
	}
	data, err := a.state.ReadAll(cycleID)
	if err != nil {
		return err
	}
	var ids []string
	_ = json.Unmarshal([]byte(data["risk_approved"]), &ids)

	results := make([]execution.Result, 0, len(ids))
	for _, id := range ids {
		res, err := a.engine.ExecuteSignal(ctx, id, a.brokerType, "")
		if err != nil {
			return err
		}
		results = append(results, *res)
	}
	encoded, _ := json.Marshal(results)
	if err := a.state.Write(cycleID, "execution_results", string(encoded), a.Name()); err != nil {
		return err
	}
	a.logger.Info("Execution phase complete",
		zap.String("cycle_id", cycleID),
		zap.Int("orders", len(results)))
	return nil
}

// JournalAgent records the cycle summary at completion.
type JournalAgent struct {
	logger *zap.Logger
	state  *StateManager
	bus    *Bus
}

func NewJournalAgent(logger *zap.Logger, state *StateManager, bus *Bus) *JournalAgent {
	return &JournalAgent{logger: logger.Named("agent-journal"), state: state, bus: bus}
}

func (a *JournalAgent) Name() string { return AgentJournal }

func (a *JournalAgent) Execute(ctx context.Context, cycleID string) error {
	if err := consumeCommands(a.bus, a.Name()); err != nil {
		return err
	}
	summary, err := a.state.ReadAll(cycleID)
	if err != nil {
		return err
	}
	encoded, _ := json.Marshal(map[string]any{
		"cycle_id":    cycleID,
		"recorded_at": time.Now().UTC(),
		"keys":        len(summary),
	})
	if err := a.state.Write(cycleID, "journal_summary", string(encoded), a.Name()); err != nil {
		return err
	}
	return nil
}
