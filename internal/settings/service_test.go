package settings_test

import (
	"testing"

	"github.com/crestline-labs/trading-core/internal/settings"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type stubHealth map[string]bool

func (s stubHealth) CheckAll() (map[string]bool, error) { return s, nil }

func newService(t *testing.T, health stubHealth) (*settings.Service, *store.Store) {
	t.Helper()
	st, err := store.Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := settings.NewService(zap.NewNop(), st, health, nil, "main")
	return svc, st
}

func dptr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func TestUpdateRejectsSoftAboveHard(t *testing.T) {
	svc, _ := newService(t, stubHealth{})

	before, err := svc.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	_, err = svc.Update(settings.Updates{MaxRiskPerTradePct: dptr(3.0)}, "ops", "loosen risk")
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("soft 3.0 over hard 2.0 must fail validation, got %v", err)
	}

	after, err := svc.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !after.MaxRiskPerTradePct.Equal(before.MaxRiskPerTradePct) {
		t.Error("rejected update must not mutate stored settings")
	}
	if after.Version != before.Version {
		t.Error("rejected update must not bump the version")
	}
}

func TestUpdateAcceptsSoftBelowHard(t *testing.T) {
	svc, _ := newService(t, stubHealth{})

	before, err := svc.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	updated, err := svc.Update(settings.Updates{MaxRiskPerTradePct: dptr(1.5)}, "ops", "tighten risk")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.MaxRiskPerTradePct.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("stored value = %s, want 1.5", updated.MaxRiskPerTradePct)
	}
	if updated.Version <= before.Version {
		t.Errorf("version %d not greater than %d", updated.Version, before.Version)
	}

	trail, err := svc.AuditTrail(10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(trail) != 1 || trail[0].ChangeType != "settings_update" || trail[0].User != "ops" {
		t.Errorf("audit trail = %+v", trail)
	}
}

func TestSetModeAutonomousGates(t *testing.T) {
	health := stubHealth{"execution": false}
	svc, st := newService(t, health)

	if _, err := svc.SetMode(types.ModeAutonomous, "ops", "go live"); !apperr.Is(err, apperr.KindPolicy) {
		t.Fatalf("unhealthy agent must block autonomous, got %v", err)
	}

	health["execution"] = true
	if _, err := svc.SetMode(types.ModeAutonomous, "ops", "go live"); err != nil {
		t.Fatalf("autonomous with healthy agents and simulated broker: %v", err)
	}

	// Emergency shutdown forces a refusal even when everything else passes.
	state, err := st.GetAccountRiskState("main")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	state.EmergencyShutdownActive = true
	if err := st.SaveAccountRiskState(state); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, err := svc.SetMode(types.ModeGuide, "ops", "back off"); err != nil {
		t.Fatalf("dropping to guide must always succeed: %v", err)
	}
	if _, err := svc.SetMode(types.ModeAutonomous, "ops", "retry"); !apperr.Is(err, apperr.KindPolicy) {
		t.Fatalf("emergency shutdown must block autonomous, got %v", err)
	}
}

func TestChangeExecutionModeLiveGate(t *testing.T) {
	svc, _ := newService(t, stubHealth{})

	_, err := svc.ChangeExecutionMode(types.ExecutionModeLive, settings.ModeChange{
		User: "ops", Reason: "production rollout", PasswordVerified: true,
	})
	if !apperr.Is(err, apperr.KindPrecondition) {
		t.Fatalf("missing confirmation must be a precondition failure, got %v", err)
	}

	_, err = svc.ChangeExecutionMode(types.ExecutionModeLive, settings.ModeChange{
		User: "ops", Reason: "production rollout", Confirmed: true,
	})
	if !apperr.Is(err, apperr.KindPolicy) {
		t.Fatalf("missing password verification must be a policy failure, got %v", err)
	}

	_, err = svc.ChangeExecutionMode(types.ExecutionModeLive, settings.ModeChange{
		User: "ops", PasswordVerified: true, Confirmed: true,
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("missing reason must fail validation, got %v", err)
	}

	updated, err := svc.ChangeExecutionMode(types.ExecutionModeLive, settings.ModeChange{
		User: "ops", Reason: "production rollout", PasswordVerified: true, Confirmed: true,
	})
	if err != nil {
		t.Fatalf("full live gate: %v", err)
	}
	if updated.ExecutionMode != types.ExecutionModeLive {
		t.Errorf("execution mode = %s", updated.ExecutionMode)
	}

	audit, err := svc.ExecutionModeAudit(10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 1 || !audit[0].PasswordVerified || !audit[0].Confirmed {
		t.Errorf("audit = %+v", audit)
	}

	// Paper needs no ceremony.
	if _, err := svc.ChangeExecutionMode(types.ExecutionModePaper, settings.ModeChange{User: "ops"}); err != nil {
		t.Fatalf("paper switch: %v", err)
	}
}
