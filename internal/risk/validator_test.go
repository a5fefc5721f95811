package risk_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func testSignal() *types.Signal {
	return &types.Signal{
		ID:        uuid.NewString(),
		Strategy:  "MA",
		Symbol:    "EURUSD",
		Side:      types.SideLong,
		Entry:     decimal.NewFromFloat(1.1000),
		StopLoss:  decimal.NewFromFloat(1.0950),
		TakeProfit: decimal.NewFromFloat(1.1150),
		RiskPct:   decimal.NewFromFloat(2.0),
		Timeframe: "H1",
		Status:    types.SignalPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidateApprovesWellFormedSignal(t *testing.T) {
	st := newTestStore(t)
	v := risk.NewValidator(zap.NewNop(), st, "main")

	dec, err := v.Validate(context.Background(), testSignal(),
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !dec.Approved {
		t.Fatalf("expected approval, got rejection: %s", dec.Reason)
	}
	// 10000 * 2% / 0.005 = 40000, capped at max position size 1.0.
	if !dec.PositionSize.Equal(decimal.NewFromFloat(1.0)) {
		t.Errorf("position size = %s, want 1.0", dec.PositionSize)
	}
	if !dec.RiskReward.Equal(decimal.NewFromInt(3)) {
		t.Errorf("risk reward = %s, want 3", dec.RiskReward)
	}

	rows, err := st.ListRiskDecisions(10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(rows) != 1 || !rows[0].Approved {
		t.Errorf("expected one approved audit row, got %+v", rows)
	}
}

func TestValidateRejectsZeroStopDistance(t *testing.T) {
	st := newTestStore(t)
	v := risk.NewValidator(zap.NewNop(), st, "main")

	sig := testSignal()
	sig.StopLoss = sig.Entry

	dec, err := v.Validate(context.Background(), sig,
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if dec.Approved {
		t.Fatal("expected rejection for zero stop distance")
	}
	if dec.Severity != types.SeverityCritical {
		t.Errorf("severity = %s, want critical", dec.Severity)
	}
}

func TestValidateRiskRewardBoundary(t *testing.T) {
	st := newTestStore(t)
	v := risk.NewValidator(zap.NewNop(), st, "main")

	// RR exactly at the floor is accepted.
	sig := testSignal()
	sig.TakeProfit = decimal.NewFromFloat(1.1075) // RR = 0.0075/0.005 = 1.5
	dec, err := v.Validate(context.Background(), sig,
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !dec.Approved {
		t.Fatalf("RR == floor should be accepted, got: %s", dec.Reason)
	}

	// RR just below is rejected.
	sig2 := testSignal()
	sig2.TakeProfit = decimal.NewFromFloat(1.1070)
	dec2, err := v.Validate(context.Background(), sig2,
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if dec2.Approved {
		t.Fatal("RR below floor should be rejected")
	}
	if dec2.Severity != types.SeverityWarning {
		t.Errorf("severity = %s, want warning", dec2.Severity)
	}
}

func TestValidateEmergencyShutdownLatches(t *testing.T) {
	st := newTestStore(t)
	v := risk.NewValidator(zap.NewNop(), st, "main")

	// 8400 against a 10000 peak is a 16% drawdown, past the 15% ceiling.
	dec, err := v.Validate(context.Background(), testSignal(),
		decimal.NewFromInt(8400), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if dec.Approved || dec.Severity != types.SeverityEmergency {
		t.Fatalf("expected emergency rejection, got %+v", dec)
	}

	state, err := st.GetAccountRiskState("main")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if !state.EmergencyShutdownActive {
		t.Fatal("emergency shutdown flag not latched")
	}

	// A healthy follow-up signal still rejects while the flag is latched.
	dec2, err := v.Validate(context.Background(), testSignal(),
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if dec2.Approved {
		t.Fatal("expected rejection while shutdown active")
	}
	if dec2.Reason != "Emergency shutdown is active" {
		t.Errorf("reason = %q", dec2.Reason)
	}

	// Only the explicit reset clears it.
	m := risk.NewMonitor(zap.NewNop(), st, "main")
	if err := m.ResetEmergency(); err != nil {
		t.Fatalf("reset emergency: %v", err)
	}
	dec3, err := v.Validate(context.Background(), testSignal(),
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !dec3.Approved {
		t.Fatalf("expected approval after reset, got: %s", dec3.Reason)
	}
}

func TestValidateOpenPositionLimit(t *testing.T) {
	st := newTestStore(t)
	state, err := st.GetAccountRiskState("main")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	state.OpenPositions = risk.Caps().MaxOpenPositions
	if err := st.SaveAccountRiskState(state); err != nil {
		t.Fatalf("save state: %v", err)
	}

	v := risk.NewValidator(zap.NewNop(), st, "main")
	dec, err := v.Validate(context.Background(), testSignal(),
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if dec.Approved || dec.Severity != types.SeverityCritical {
		t.Fatalf("expected critical rejection at position limit, got %+v", dec)
	}
}

func TestValidateHonorsSofterSettings(t *testing.T) {
	st := newTestStore(t)
	settings, err := st.GetSettings(risk.DefaultSettings())
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	settings.MaxRiskPerTradePct = decimal.NewFromFloat(1.0)
	if err := st.SaveSettings(settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	v := risk.NewValidator(zap.NewNop(), st, "main")
	sig := testSignal()
	sig.Entry = decimal.NewFromInt(100)
	sig.StopLoss = decimal.NewFromInt(50)
	sig.TakeProfit = decimal.NewFromInt(200)
	dec, err := v.Validate(context.Background(), sig,
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !dec.Approved {
		t.Fatalf("expected approval, got: %s", dec.Reason)
	}
	// 10000 * 1% / 50 = 2.0, capped by max position size 1.0; and the soft
	// risk pct 1.0 wins over the requested 2.0.
	if !dec.RiskPct.Equal(decimal.NewFromFloat(1.0)) {
		t.Errorf("risk pct = %s, want 1.0", dec.RiskPct)
	}
}

func TestMonitorAutoDisableAfterFiveLosses(t *testing.T) {
	st := newTestStore(t)
	m := risk.NewMonitor(zap.NewNop(), st, "main")

	losing := func() *types.Position {
		return &types.Position{
			ID:          uuid.NewString(),
			Strategy:    "NBB",
			Symbol:      "EURUSD",
			Entry:       decimal.NewFromFloat(1.1),
			Size:        decimal.NewFromFloat(0.1),
			Status:      types.PositionClosed,
			RealizedPnL: decimal.NewFromFloat(-25),
		}
	}

	var budget *types.StrategyBudget
	var err error
	for i := 0; i < 5; i++ {
		budget, err = m.UpdateStrategyBudget("NBB", "EURUSD", losing(), true)
		if err != nil {
			t.Fatalf("update budget: %v", err)
		}
	}
	if budget.Enabled {
		t.Fatal("budget should be disabled after five consecutive losses")
	}
	if !strings.Contains(budget.DisabledReason, "consecutive losses") {
		t.Errorf("disabled reason = %q", budget.DisabledReason)
	}

	// Check 8 now rejects signals for the pair regardless of price levels.
	v := risk.NewValidator(zap.NewNop(), st, "main")
	sig := testSignal()
	sig.Strategy = "NBB"
	dec, err := v.Validate(context.Background(), sig,
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if dec.Approved {
		t.Fatal("expected rejection for disabled strategy")
	}

	// Operator re-enable clears the counter and readmits.
	if _, err := m.EnableStrategy("NBB", "EURUSD"); err != nil {
		t.Fatalf("enable strategy: %v", err)
	}
	dec2, err := v.Validate(context.Background(), sig,
		decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !dec2.Approved {
		t.Fatalf("expected approval after re-enable, got: %s", dec2.Reason)
	}
}

func TestMonitorWinResetsLossStreak(t *testing.T) {
	st := newTestStore(t)
	m := risk.NewMonitor(zap.NewNop(), st, "main")

	closed := func(pnl float64) *types.Position {
		return &types.Position{
			ID:          uuid.NewString(),
			Strategy:    "MA",
			Symbol:      "EURUSD",
			Entry:       decimal.NewFromFloat(1.1),
			Size:        decimal.NewFromFloat(0.1),
			Status:      types.PositionClosed,
			RealizedPnL: decimal.NewFromFloat(pnl),
		}
	}

	for i := 0; i < 4; i++ {
		if _, err := m.UpdateStrategyBudget("MA", "EURUSD", closed(-10), true); err != nil {
			t.Fatalf("update budget: %v", err)
		}
	}
	budget, err := m.UpdateStrategyBudget("MA", "EURUSD", closed(50), true)
	if err != nil {
		t.Fatalf("update budget: %v", err)
	}
	if budget.ConsecutiveLosses != 0 {
		t.Errorf("consecutive losses = %d, want 0 after a win", budget.ConsecutiveLosses)
	}
	if !budget.Enabled {
		t.Error("budget should remain enabled")
	}
}

func TestMonitorResetDaily(t *testing.T) {
	st := newTestStore(t)
	m := risk.NewMonitor(zap.NewNop(), st, "main")

	for i := 0; i < 3; i++ {
		if err := m.RecordTrade(); err != nil {
			t.Fatalf("record trade: %v", err)
		}
	}
	if err := m.ResetDaily(); err != nil {
		t.Fatalf("reset daily: %v", err)
	}
	state, err := m.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.TradesToday != 0 || state.TradesThisHour != 0 || !state.DailyPnL.IsZero() {
		t.Errorf("daily counters not cleared: %+v", state)
	}
}

func TestVerifyCaps(t *testing.T) {
	if err := risk.VerifyCaps(); err != nil {
		t.Fatalf("hard caps failed verification: %v", err)
	}
	c := risk.Caps()
	if !c.MaxRiskPerTradePct.Equal(decimal.NewFromFloat(2.0)) {
		t.Errorf("max risk per trade = %s, want 2.0", c.MaxRiskPerTradePct)
	}
	if !c.EmergencyDrawdownPct.Equal(decimal.NewFromFloat(15.0)) {
		t.Errorf("emergency drawdown = %s, want 15.0", c.EmergencyDrawdownPct)
	}
}
