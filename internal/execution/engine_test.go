package execution_test

import (
	"context"
	"testing"
	"time"

	"github.com/crestline-labs/trading-core/internal/broker/sim"
	"github.com/crestline-labs/trading-core/internal/execution"
	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fixture struct {
	store  *store.Store
	broker *sim.Broker
	engine *execution.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := sim.DefaultConfig()
	cfg.LatencyMs = 0
	cfg.FillProbability = 1.0
	cfg.SlippagePips = decimal.Zero
	cfg.Seed = 7
	b := sim.New(zap.NewNop(), st, cfg)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := b.SetMidPrice("EURUSD", decimal.NewFromFloat(1.1000), decimal.NewFromInt(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	validator := risk.NewValidator(zap.NewNop(), st, "main")
	monitor := risk.NewMonitor(zap.NewNop(), st, "main")
	if _, err := monitor.UpdateAccount(decimal.NewFromInt(10000), decimal.NewFromInt(10000)); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	eng := execution.NewEngine(zap.NewNop(), st, validator, monitor, execution.DefaultConfig())
	eng.RegisterAdapter(sim.BrokerType, b)
	return &fixture{store: st, broker: b, engine: eng}
}

func (f *fixture) seedSignal(t *testing.T) *types.Signal {
	t.Helper()
	sig := &types.Signal{
		ID:         uuid.NewString(),
		Strategy:   "MA",
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
	if err := f.store.CreateSignal(sig); err != nil {
		t.Fatalf("create signal: %v", err)
	}
	return sig
}

func TestGuideModeBlocksSubmission(t *testing.T) {
	f := newFixture(t)
	sig := f.seedSignal(t)

	// Default settings boot in guide mode.
	res, err := f.engine.ExecuteSignal(context.Background(), sig.ID, sim.BrokerType, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("guide-blocked execution should report success, got %+v", res)
	}
	if res.BlockedReason != execution.GuideBlockedReason {
		t.Errorf("blocked reason = %q", res.BlockedReason)
	}

	order, err := f.store.GetOrder(res.OrderID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != types.OrderStatusRejected || order.StatusReason != execution.GuideBlockedReason {
		t.Errorf("order = %s/%q", order.Status, order.StatusReason)
	}

	if n := f.broker.Submissions(); n != 0 {
		t.Errorf("broker received %d submissions, want 0", n)
	}

	decisions, err := f.store.ListRiskDecisions(10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || !decisions[0].Approved {
		t.Errorf("expected one approved risk decision, got %+v", decisions)
	}
}

func TestAutonomousModeFills(t *testing.T) {
	f := newFixture(t)
	sig := f.seedSignal(t)

	res, err := f.engine.ExecuteSignal(context.Background(), sig.ID, sim.BrokerType, types.ModeAutonomous)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Status != types.OrderStatusFilled {
		t.Fatalf("expected fill, got %+v", res)
	}

	reloaded, err := f.store.GetSignal(sig.ID)
	if err != nil {
		t.Fatalf("load signal: %v", err)
	}
	if reloaded.Status != types.SignalExecuted {
		t.Errorf("signal status = %s, want executed", reloaded.Status)
	}

	open, err := f.store.ListOpenPositions()
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected one open position, got %d", len(open))
	}

	state, err := f.store.GetAccountRiskState("main")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.TradesToday != 1 {
		t.Errorf("trades today = %d, want 1", state.TradesToday)
	}

	logs, err := f.engine.GetExecutionLogs(res.OrderID)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) < 3 {
		t.Errorf("expected created/submitted/filled log trail, got %d rows", len(logs))
	}
}

func TestExecuteRejectsConsumedSignal(t *testing.T) {
	f := newFixture(t)
	sig := f.seedSignal(t)
	sig.Status = types.SignalExecuted
	if err := f.store.SaveSignal(sig); err != nil {
		t.Fatalf("save signal: %v", err)
	}

	_, err := f.engine.ExecuteSignal(context.Background(), sig.ID, sim.BrokerType, types.ModeAutonomous)
	if !apperr.Is(err, apperr.KindPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestExecuteUnknownSignal(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ExecuteSignal(context.Background(), "missing", sim.BrokerType, "")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRiskRejectionSurfacesReason(t *testing.T) {
	f := newFixture(t)
	sig := f.seedSignal(t)
	sig.TakeProfit = decimal.NewFromFloat(1.1010) // RR well below the floor
	if err := f.store.SaveSignal(sig); err != nil {
		t.Fatalf("save signal: %v", err)
	}

	res, err := f.engine.ExecuteSignal(context.Background(), sig.ID, sim.BrokerType, types.ModeAutonomous)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected risk rejection")
	}
	if res.Reason == "" || res.DecisionID == "" {
		t.Errorf("rejection must carry reason and decision id, got %+v", res)
	}
	if n := f.broker.Submissions(); n != 0 {
		t.Errorf("broker received %d submissions, want 0", n)
	}
}

func TestCancelAfterFillIsNoOpFailure(t *testing.T) {
	f := newFixture(t)
	sig := f.seedSignal(t)

	res, err := f.engine.ExecuteSignal(context.Background(), sig.ID, sim.BrokerType, types.ModeAutonomous)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.OrderStatusFilled {
		t.Fatalf("expected fill, got %+v", res)
	}

	cancel, err := f.engine.CancelOrder(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancel.Success {
		t.Error("cancel after fill must fail")
	}
}
