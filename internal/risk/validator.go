package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Limits is the effective limit set the validator enforces: the soft settings
// clamped by the hard caps.
type Limits struct {
	MaxRiskPerTradePct   decimal.Decimal `json:"max_risk_per_trade_pct"`
	MaxDailyLossPct      decimal.Decimal `json:"max_daily_loss_pct"`
	EmergencyDrawdownPct decimal.Decimal `json:"emergency_drawdown_pct"`
	MaxOpenPositions     int             `json:"max_open_positions"`
	MaxTradesPerDay      int             `json:"max_trades_per_day"`
	MaxTradesPerHour     int             `json:"max_trades_per_hour"`
	MaxPositionSize      decimal.Decimal `json:"max_position_size"`
	MinRiskReward        decimal.Decimal `json:"min_risk_reward"`
}

// Decision is the validator verdict returned to callers. A matching
// RiskDecision audit row is written for every invocation.
type Decision struct {
	DecisionID   string             `json:"decisionId"`
	Approved     bool               `json:"approved"`
	Reason       string             `json:"reason,omitempty"`
	Severity     types.RiskSeverity `json:"severity,omitempty"`
	PositionSize decimal.Decimal    `json:"positionSize"`
	RiskPct      decimal.Decimal    `json:"riskPct"`
	RiskReward   decimal.Decimal    `json:"riskReward"`
}

// DefaultSettings returns the system settings seeded on first boot: guide
// mode, simulated execution, soft limits equal to the hard caps.
func DefaultSettings() types.SystemSettings {
	c := Caps()
	return types.SystemSettings{
		Mode:               types.ModeGuide,
		ExecutionMode:      types.ExecutionModeSimulation,
		BrokerType:         "simulation",
		MaxRiskPerTradePct: c.MaxRiskPerTradePct,
		MaxDailyLossPct:    c.MaxDailyLossPct,
		MaxOpenPositions:   c.MaxOpenPositions,
		MaxTradesPerDay:    c.MaxTradesPerDay,
		MaxTradesPerHour:   c.MaxTradesPerHour,
		MaxPositionSize:    c.MaxPositionSize,
		MinRiskReward:      c.MinRiskReward,
		Version:            1,
	}
}

// Validator is the single admission gate for signals. No other component may
// independently admit a trade.
type Validator struct {
	logger  *zap.Logger
	store   *store.Store
	account string

	mu sync.Mutex
}

// NewValidator creates the admission validator for one account.
func NewValidator(logger *zap.Logger, st *store.Store, account string) *Validator {
	return &Validator{
		logger:  logger.Named("risk-validator"),
		store:   st,
		account: account,
	}
}

// effectiveLimits loads the soft settings and clamps each field to the hard
// caps. A missing settings row falls back to the caps themselves.
func (v *Validator) effectiveLimits() (Limits, error) {
	c := Caps()
	st, err := v.store.GetSettings(DefaultSettings())
	if err != nil {
		return Limits{}, apperr.Wrap(apperr.KindDependency, "load settings", err)
	}
	return Limits{
		MaxRiskPerTradePct:   decimal.Min(st.MaxRiskPerTradePct, c.MaxRiskPerTradePct),
		MaxDailyLossPct:      decimal.Min(st.MaxDailyLossPct, c.MaxDailyLossPct),
		EmergencyDrawdownPct: c.EmergencyDrawdownPct,
		MaxOpenPositions:     minInt(st.MaxOpenPositions, c.MaxOpenPositions),
		MaxTradesPerDay:      minInt(st.MaxTradesPerDay, c.MaxTradesPerDay),
		MaxTradesPerHour:     minInt(st.MaxTradesPerHour, c.MaxTradesPerHour),
		MaxPositionSize:      decimal.Min(st.MaxPositionSize, c.MaxPositionSize),
		MinRiskReward:        decimal.Max(st.MinRiskReward, c.MinRiskReward),
	}, nil
}

// EffectiveLimits returns the clamped limits the validator is currently
// enforcing.
func (v *Validator) EffectiveLimits() (Limits, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.effectiveLimits()
}

// Validate runs the ordered admission checks for a signal against the current
// account snapshot. The first failing check short-circuits the rest. Exactly
// one RiskDecision audit row is written per invocation.
func (v *Validator) Validate(ctx context.Context, signal *types.Signal, balance, peakBalance decimal.Decimal) (*Decision, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	limits, err := v.effectiveLimits()
	if err != nil {
		return nil, err
	}

	state, err := v.store.GetAccountRiskState(v.account)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load account risk state", err)
	}

	drawdownPct := drawdown(balance, peakBalance)
	rr := signal.RiskReward()
	now := time.Now().UTC()

	tradesThisHour := state.TradesThisHour
	if now.Sub(state.HourWindowStart) >= time.Hour {
		tradesThisHour = 0
	}

	dec := &Decision{
		DecisionID: uuid.NewString(),
		RiskReward: rr,
	}

	reject := func(reason string, severity types.RiskSeverity) (*Decision, error) {
		dec.Approved = false
		dec.Reason = reason
		dec.Severity = severity
		if err := v.record(signal, dec, limits); err != nil {
			return nil, err
		}
		v.logger.Warn("Signal rejected",
			zap.String("signal_id", signal.ID),
			zap.String("strategy", signal.Strategy),
			zap.String("reason", reason),
			zap.String("severity", string(severity)))
		return dec, nil
	}

	// 1. Emergency shutdown already latched.
	if state.EmergencyShutdownActive {
		return reject("Emergency shutdown is active", types.SeverityEmergency)
	}

	// 2. Account drawdown breaches the emergency ceiling: latch the shutdown
	// flag before anything else can mutate state.
	if drawdownPct.GreaterThanOrEqual(limits.EmergencyDrawdownPct) {
		if err := v.triggerShutdownLocked(state, drawdownPct); err != nil {
			return nil, err
		}
		return reject(fmt.Sprintf("Account drawdown %s%% breaches emergency cap %s%%",
			drawdownPct.StringFixed(2), limits.EmergencyDrawdownPct.StringFixed(2)), types.SeverityEmergency)
	}

	// 3. Open position ceiling.
	if state.OpenPositions >= limits.MaxOpenPositions {
		return reject(fmt.Sprintf("Open positions %d at limit %d",
			state.OpenPositions, limits.MaxOpenPositions), types.SeverityCritical)
	}

	// 4. Daily trade ceiling.
	if state.TradesToday >= limits.MaxTradesPerDay {
		return reject(fmt.Sprintf("Trades today %d at limit %d",
			state.TradesToday, limits.MaxTradesPerDay), types.SeverityWarning)
	}

	// 5. Hourly trade ceiling.
	if tradesThisHour >= limits.MaxTradesPerHour {
		return reject(fmt.Sprintf("Trades this hour %d at limit %d",
			tradesThisHour, limits.MaxTradesPerHour), types.SeverityWarning)
	}

	// 6. Position sizing.
	riskPerUnit := signal.Entry.Sub(signal.StopLoss).Abs()
	if riskPerUnit.IsZero() {
		return reject("Stop distance is zero", types.SeverityCritical)
	}
	riskPct := decimal.Min(signal.RiskPct, limits.MaxRiskPerTradePct)
	size := balance.Mul(riskPct).Div(decimal.NewFromInt(100)).Div(riskPerUnit).RoundBank(2)
	if size.GreaterThan(limits.MaxPositionSize) {
		size = limits.MaxPositionSize
	}
	if !size.IsPositive() {
		return reject("Computed position size is not positive", types.SeverityCritical)
	}
	dec.PositionSize = size
	dec.RiskPct = riskPct

	// 7. Risk/reward floor.
	if rr.LessThan(limits.MinRiskReward) {
		return reject(fmt.Sprintf("Risk/reward %s below minimum %s",
			rr.StringFixed(2), limits.MinRiskReward.StringFixed(2)), types.SeverityWarning)
	}

	// 8. Strategy budget.
	budget, err := v.store.GetStrategyBudget(signal.Strategy, signal.Symbol)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load strategy budget", err)
	}
	if !budget.Enabled {
		return reject(fmt.Sprintf("Strategy %s disabled: %s",
			signal.Strategy, budget.DisabledReason), types.SeverityWarning)
	}
	if budget.ConsecutiveLosses >= Caps().StrategyAutoDisableThreshold {
		return reject(fmt.Sprintf("Strategy %s has %d consecutive losses",
			signal.Strategy, budget.ConsecutiveLosses), types.SeverityWarning)
	}

	// 9. Daily loss ceiling.
	if state.DailyLossPct.GreaterThanOrEqual(limits.MaxDailyLossPct) {
		return reject(fmt.Sprintf("Daily loss %s%% at limit %s%%",
			state.DailyLossPct.StringFixed(2), limits.MaxDailyLossPct.StringFixed(2)), types.SeverityCritical)
	}

	dec.Approved = true
	if err := v.record(signal, dec, limits); err != nil {
		return nil, err
	}
	v.logger.Info("Signal approved",
		zap.String("signal_id", signal.ID),
		zap.String("strategy", signal.Strategy),
		zap.String("position_size", size.String()),
		zap.String("risk_reward", rr.StringFixed(2)))
	return dec, nil
}

// TriggerEmergencyShutdown latches the account-wide shutdown flag. Only an
// explicit operator reset clears it.
func (v *Validator) TriggerEmergencyShutdown(drawdownPct decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	state, err := v.store.GetAccountRiskState(v.account)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "load account risk state", err)
	}
	return v.triggerShutdownLocked(state, drawdownPct)
}

func (v *Validator) triggerShutdownLocked(state *types.AccountRiskState, drawdownPct decimal.Decimal) error {
	if state.EmergencyShutdownActive {
		return nil
	}
	state.EmergencyShutdownActive = true
	state.DrawdownPct = drawdownPct
	state.LastUpdated = time.Now().UTC()
	if err := v.store.SaveAccountRiskState(state); err != nil {
		return apperr.Wrap(apperr.KindDependency, "persist emergency shutdown", err)
	}
	v.logger.Error("EMERGENCY SHUTDOWN triggered",
		zap.String("account", v.account),
		zap.String("drawdown_pct", drawdownPct.StringFixed(2)))
	return nil
}

func (v *Validator) record(signal *types.Signal, dec *Decision, limits Limits) error {
	snapshot, _ := json.Marshal(limits)
	row := &types.RiskDecision{
		ID:             dec.DecisionID,
		SignalID:       signal.ID,
		Strategy:       signal.Strategy,
		Symbol:         signal.Symbol,
		Approved:       dec.Approved,
		Reason:         dec.Reason,
		Severity:       dec.Severity,
		PositionSize:   dec.PositionSize,
		RiskPct:        dec.RiskPct,
		RiskReward:     dec.RiskReward,
		LimitsSnapshot: string(snapshot),
		CreatedAt:      time.Now().UTC(),
	}
	if err := v.store.CreateRiskDecision(row); err != nil {
		return apperr.Wrap(apperr.KindDependency, "persist risk decision", err)
	}
	return nil
}

// drawdown returns max(0, (peak-balance)/peak) as a percentage.
func drawdown(balance, peak decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() {
		return decimal.Zero
	}
	dd := peak.Sub(balance).Div(peak).Mul(decimal.NewFromInt(100))
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
