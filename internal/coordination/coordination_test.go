package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/crestline-labs/trading-core/internal/broker/sim"
	"github.com/crestline-labs/trading-core/internal/coordination"
	"github.com/crestline-labs/trading-core/internal/execution"
	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type world struct {
	store    *store.Store
	bus      *coordination.Bus
	state    *coordination.StateManager
	health   *coordination.HealthMonitor
	broker   *sim.Broker
	pipeline *coordination.Pipeline
}

func newWorld(t *testing.T) *world {
	t.Helper()
	logger := zap.NewNop()
	st, err := store.Open(logger, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := sim.DefaultConfig()
	cfg.LatencyMs = 0
	cfg.FillProbability = 1.0
	cfg.SlippagePips = decimal.Zero
	cfg.Seed = 11
	b := sim.New(logger, st, cfg)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := b.SetMidPrice("EURUSD", decimal.NewFromFloat(1.1000), decimal.NewFromInt(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	validator := risk.NewValidator(logger, st, "main")
	monitor := risk.NewMonitor(logger, st, "main")
	engine := execution.NewEngine(logger, st, validator, monitor, execution.DefaultConfig())
	engine.RegisterAdapter(sim.BrokerType, b)

	bus := coordination.NewBus(logger, st)
	state := coordination.NewStateManager(logger, st)
	health := coordination.NewHealthMonitor(logger, st, 0)

	pipeline, err := coordination.NewPipeline(logger, st, state, bus, health,
		coordination.NewStrategyAgent(logger, st, state, bus),
		coordination.NewRiskAgent(logger, st, state, bus, validator),
		coordination.NewExecutionAgent(logger, state, bus, engine, sim.BrokerType),
		coordination.NewJournalAgent(logger, state, bus),
	)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return &world{store: st, bus: bus, state: state, health: health, broker: b, pipeline: pipeline}
}

func (w *world) seedSignal(t *testing.T, strategy string) *types.Signal {
	t.Helper()
	sig := &types.Signal{
		ID:         uuid.NewString(),
		Strategy:   strategy,
		Symbol:     "EURUSD",
		Side:       types.SideLong,
		Entry:      decimal.NewFromFloat(1.1000),
		StopLoss:   decimal.NewFromFloat(1.0950),
		TakeProfit: decimal.NewFromFloat(1.1150),
		RiskPct:    decimal.NewFromFloat(2.0),
		Timeframe:  "H1",
		Status:     types.SignalPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.store.CreateSignal(sig); err != nil {
		t.Fatalf("create signal: %v", err)
	}
	return sig
}

func TestCycleEndToEndUnderGuide(t *testing.T) {
	w := newWorld(t)
	w.seedSignal(t, "MA")

	res, err := w.pipeline.ExecuteCycle(context.Background(), coordination.CycleInput{
		Symbol:      "EURUSD",
		Strategies:  []string{"MA"},
		Balance:     decimal.NewFromInt(10000),
		PeakBalance: decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("execute cycle: %v", err)
	}
	if !res.Success {
		t.Fatalf("cycle failed: %+v", res)
	}
	if res.Mode != types.ModeGuide {
		t.Errorf("mode = %s, want guide", res.Mode)
	}
	want := []string{"strategy", "risk", "execution"}
	if len(res.PhasesCompleted) != len(want) {
		t.Fatalf("phases = %v, want %v", res.PhasesCompleted, want)
	}
	for i := range want {
		if res.PhasesCompleted[i] != want[i] {
			t.Errorf("phase[%d] = %s, want %s", i, res.PhasesCompleted[i], want[i])
		}
	}

	// Guide mode: the broker receives nothing.
	if n := w.broker.Submissions(); n != 0 {
		t.Errorf("broker received %d submissions under guide mode", n)
	}

	// Each of the four agents got exactly one HIGH command with a 120s expiry.
	msgs, err := w.bus.History(100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	perAgent := map[string]int{}
	for _, m := range msgs {
		if m.Type != types.MsgCommand {
			continue
		}
		perAgent[m.To]++
		if m.Priority != types.PriorityHigh {
			t.Errorf("command to %s has priority %d, want high", m.To, m.Priority)
		}
		if m.ExpiresAt == nil {
			t.Errorf("command to %s has no expiry", m.To)
			continue
		}
		ttl := m.ExpiresAt.Sub(m.SentAt)
		if ttl < 119*time.Second || ttl > 121*time.Second {
			t.Errorf("command to %s expiry ttl = %v, want 120s", m.To, ttl)
		}
	}
	for _, agent := range []string{"strategy", "risk", "execution", "journal"} {
		if perAgent[agent] != 1 {
			t.Errorf("agent %s received %d commands, want 1", agent, perAgent[agent])
		}
	}

	cycle, err := w.state.Get(res.CycleID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	if cycle.Phase != types.PhaseCompleted {
		t.Errorf("phase = %s, want completed", cycle.Phase)
	}
}

func TestUnhealthyAgentHaltsCycle(t *testing.T) {
	w := newWorld(t)

	// One error with zero successes pushes the rate past 50%.
	if err := w.health.RecordError("execution", "adapter down"); err != nil {
		t.Fatalf("record error: %v", err)
	}

	res, err := w.pipeline.ExecuteCycle(context.Background(), coordination.CycleInput{
		Symbol:      "EURUSD",
		Strategies:  []string{"MA"},
		Balance:     decimal.NewFromInt(10000),
		PeakBalance: decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("execute cycle: %v", err)
	}
	if res.Success {
		t.Fatal("cycle should not succeed with an unhealthy agent")
	}
	if res.HaltReason == "" {
		t.Fatal("halt reason missing")
	}

	// A re-fetched halted cycle reports the reason verbatim.
	cycle, err := w.state.Get(res.CycleID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	if cycle.Phase != types.PhaseHalted {
		t.Errorf("phase = %s, want halted", cycle.Phase)
	}
	if cycle.HaltReason != res.HaltReason {
		t.Errorf("stored halt reason %q != returned %q", cycle.HaltReason, res.HaltReason)
	}

	// The halt broadcast reached the other agents at CRITICAL priority.
	msgs, err := w.bus.History(100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	halts := 0
	for _, m := range msgs {
		if m.Type == types.MsgHalt {
			halts++
			if m.Priority != types.PriorityCritical {
				t.Errorf("halt priority = %d, want critical", m.Priority)
			}
		}
	}
	if halts == 0 {
		t.Error("no halt broadcast recorded")
	}
}

func TestBusPriorityAndExpiryOrdering(t *testing.T) {
	w := newWorld(t)

	if _, err := w.bus.Send("a", "b", types.MsgEvent, "low", "", types.PriorityLow, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := w.bus.Send("a", "b", types.MsgEvent, "critical", "", types.PriorityCritical, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := w.bus.Send("a", "b", types.MsgEvent, "expired", "", types.PriorityCritical, -time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	expiredFast, err := w.bus.Send("a", "b", types.MsgEvent, "expiring", "", types.PriorityHigh, time.Nanosecond)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	msgs, err := w.bus.Receive("b", "", 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("received %d messages, want 2 (expired filtered)", len(msgs))
	}
	if msgs[0].Subject != "critical" || msgs[1].Subject != "low" {
		t.Errorf("order = [%s %s], want [critical low]", msgs[0].Subject, msgs[1].Subject)
	}
	for _, m := range msgs {
		if m.ID == expiredFast.ID {
			t.Error("expired message delivered")
		}
	}
}

func TestBusSendResponseLinksOriginal(t *testing.T) {
	w := newWorld(t)

	orig, err := w.bus.Send("a", "b", types.MsgRequest, "ping", "{}", types.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := w.bus.SendResponse(orig, `{"pong":true}`)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	inbox, err := w.bus.Receive("b", "", 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(inbox) != 0 {
		t.Errorf("original should be processed, inbox has %d", len(inbox))
	}
	back, err := w.bus.Receive("a", types.MsgResponse, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(back) != 1 || back[0].ID != resp.ID {
		t.Fatalf("response not delivered: %+v", back)
	}
}

func TestSharedStateWriteAccessControl(t *testing.T) {
	w := newWorld(t)
	state, err := w.state.CreateCycle([]string{"strategy"})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	if err := w.state.Write(state.CycleID, "strategy_out", "x", "strategy"); err != nil {
		t.Fatalf("namespaced write should succeed: %v", err)
	}
	if err := w.state.Write(state.CycleID, "risk_out", "x", "strategy"); !apperr.Is(err, apperr.KindPolicy) {
		t.Fatalf("foreign-namespace write should be refused, got %v", err)
	}
	if err := w.state.Write(state.CycleID, "anything", "x", "supervisor"); err != nil {
		t.Fatalf("supervisor write should succeed: %v", err)
	}

	got, ok, err := w.state.Read(state.CycleID, "strategy_out")
	if err != nil || !ok || got != "x" {
		t.Fatalf("read back = %q/%v/%v", got, ok, err)
	}
}

func TestPhaseTransitionRules(t *testing.T) {
	w := newWorld(t)
	state, err := w.state.CreateCycle(nil)
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	if _, err := w.state.TransitionPhase(state.CycleID, types.PhaseStrategyAnalysis, "strategy"); !apperr.Is(err, apperr.KindPolicy) {
		t.Fatalf("non-supervisor transition should be refused, got %v", err)
	}
	if _, err := w.state.TransitionPhase(state.CycleID, types.PhaseRiskValidation, "supervisor"); err != nil {
		t.Fatalf("forward transition: %v", err)
	}
	if _, err := w.state.TransitionPhase(state.CycleID, types.PhaseStrategyAnalysis, "supervisor"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("regression should conflict, got %v", err)
	}

	if _, err := w.state.RequestHalt(state.CycleID, "manual stop", "risk"); err != nil {
		t.Fatalf("request halt: %v", err)
	}
	refetched, err := w.state.Get(state.CycleID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if refetched.HaltReason != "risk: manual stop" {
		t.Errorf("halt reason = %q", refetched.HaltReason)
	}
	if _, err := w.state.TransitionPhase(state.CycleID, types.PhaseExecution, "supervisor"); err == nil {
		t.Error("transition after halt should fail")
	}
}

func TestHealthErrorRateAndHeartbeat(t *testing.T) {
	w := newWorld(t)
	h := w.health

	if err := h.Initialize("worker"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := h.RecordSuccess("worker"); err != nil {
		t.Fatalf("success: %v", err)
	}
	if err := h.RecordError("worker", "boom"); err != nil {
		t.Fatalf("error: %v", err)
	}
	// 1 error / 2 ops = 50%, not over the threshold.
	all, err := h.CheckAll()
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if !all["worker"] {
		t.Error("worker should still be healthy at 50% error rate")
	}
	if err := h.RecordError("worker", "boom again"); err != nil {
		t.Fatalf("error: %v", err)
	}
	all, err = h.CheckAll()
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if all["worker"] {
		t.Error("worker should be unhealthy past 50% error rate")
	}

	if err := h.Reset("worker"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	all, err = h.CheckAll()
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if !all["worker"] {
		t.Error("worker should be healthy after reset")
	}
}
