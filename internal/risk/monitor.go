package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Monitor rolls open positions and closed trades into AccountRiskState and
// per-(strategy, symbol) StrategyBudget rows.
type Monitor struct {
	logger  *zap.Logger
	store   *store.Store
	account string

	mu sync.Mutex
}

// NewMonitor creates the risk monitor for one account.
func NewMonitor(logger *zap.Logger, st *store.Store, account string) *Monitor {
	return &Monitor{
		logger:  logger.Named("risk-monitor"),
		store:   st,
		account: account,
	}
}

// UpdateAccount recomputes the account rollup from the balance pair and the
// durable position set. Peak balance never decreases.
func (m *Monitor) UpdateAccount(balance, peakBalance decimal.Decimal) (*types.AccountRiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.store.GetAccountRiskState(m.account)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load account risk state", err)
	}

	if peakBalance.GreaterThan(state.PeakBalance) {
		state.PeakBalance = peakBalance
	}
	if balance.GreaterThan(state.PeakBalance) {
		state.PeakBalance = balance
	}
	state.Balance = balance
	state.DrawdownPct = drawdown(balance, state.PeakBalance)

	open, err := m.store.ListOpenPositions()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "list open positions", err)
	}
	state.OpenPositions = len(open)
	exposure := decimal.Zero
	for i := range open {
		exposure = exposure.Add(open[i].Entry.Mul(open[i].Size).Abs())
	}
	state.TotalExposure = exposure

	if balance.IsPositive() && state.DailyPnL.IsNegative() {
		state.DailyLossPct = state.DailyPnL.Neg().Div(balance).Mul(decimal.NewFromInt(100))
	} else {
		state.DailyLossPct = decimal.Zero
	}

	state.ThrottlingActive = state.TradesToday >= Caps().MaxTradesPerDay ||
		state.DailyLossPct.GreaterThanOrEqual(Caps().MaxDailyLossPct)
	state.LastUpdated = time.Now().UTC()

	if err := m.store.SaveAccountRiskState(state); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "persist account risk state", err)
	}
	return state, nil
}

// RecordTrade bumps the per-day and per-hour trade counters after an order
// submission. The hourly window rolls forward when stale.
func (m *Monitor) RecordTrade() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.store.GetAccountRiskState(m.account)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "load account risk state", err)
	}
	now := time.Now().UTC()
	if now.Sub(state.HourWindowStart) >= time.Hour {
		state.HourWindowStart = now
		state.TradesThisHour = 0
	}
	state.TradesToday++
	state.TradesThisHour++
	state.LastUpdated = now
	if err := m.store.SaveAccountRiskState(state); err != nil {
		return apperr.Wrap(apperr.KindDependency, "persist account risk state", err)
	}
	return nil
}

// UpdateStrategyBudget applies one position event to the matching budget row.
// When tradeClosed is true the position's realized PnL drives the
// consecutive-loss counter; crossing the auto-disable threshold disables the
// strategy.
func (m *Monitor) UpdateStrategyBudget(strategy, symbol string, position *types.Position, tradeClosed bool) (*types.StrategyBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	budget, err := m.store.GetStrategyBudget(strategy, symbol)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load strategy budget", err)
	}

	if tradeClosed {
		budget.DailyPnL = budget.DailyPnL.Add(position.RealizedPnL)
		budget.CurrentExposure = budget.CurrentExposure.Sub(position.Entry.Mul(position.Size).Abs())
		if budget.CurrentExposure.IsNegative() {
			budget.CurrentExposure = decimal.Zero
		}
		if position.RealizedPnL.IsNegative() {
			budget.ConsecutiveLosses++
			if budget.ConsecutiveLosses >= Caps().StrategyAutoDisableThreshold && budget.Enabled {
				budget.Enabled = false
				budget.DisabledReason = fmt.Sprintf("consecutive losses: %d", budget.ConsecutiveLosses)
				m.logger.Warn("Strategy auto-disabled",
					zap.String("strategy", strategy),
					zap.String("symbol", symbol),
					zap.Int("consecutive_losses", budget.ConsecutiveLosses))
			}
		} else if position.RealizedPnL.IsPositive() {
			budget.ConsecutiveLosses = 0
		}
	} else {
		budget.CurrentExposure = budget.CurrentExposure.Add(position.Entry.Mul(position.Size).Abs())
	}

	if err := m.store.SaveStrategyBudget(budget); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "persist strategy budget", err)
	}

	if tradeClosed {
		if err := m.applyClosedTradeLocked(position); err != nil {
			return nil, err
		}
	}
	return budget, nil
}

// applyClosedTradeLocked folds a closed trade's PnL into the account rollup.
func (m *Monitor) applyClosedTradeLocked(position *types.Position) error {
	state, err := m.store.GetAccountRiskState(m.account)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "load account risk state", err)
	}
	state.DailyPnL = state.DailyPnL.Add(position.RealizedPnL)
	if state.Balance.IsPositive() && state.DailyPnL.IsNegative() {
		state.DailyLossPct = state.DailyPnL.Neg().Div(state.Balance).Mul(decimal.NewFromInt(100))
	}
	state.LastUpdated = time.Now().UTC()
	if err := m.store.SaveAccountRiskState(state); err != nil {
		return apperr.Wrap(apperr.KindDependency, "persist account risk state", err)
	}
	return nil
}

// ResetDaily clears the daily counters on the account and every strategy
// budget in one transaction.
func (m *Monitor) ResetDaily() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.Transaction(func(tx *store.Store) error {
		state, err := tx.GetAccountRiskState(m.account)
		if err != nil {
			return err
		}
		state.TradesToday = 0
		state.TradesThisHour = 0
		state.DailyPnL = decimal.Zero
		state.DailyLossPct = decimal.Zero
		state.ThrottlingActive = false
		state.LastUpdated = time.Now().UTC()
		if err := tx.SaveAccountRiskState(state); err != nil {
			return err
		}

		budgets, err := tx.ListStrategyBudgets()
		if err != nil {
			return err
		}
		for i := range budgets {
			budgets[i].DailyPnL = decimal.Zero
			if err := tx.SaveStrategyBudget(&budgets[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "reset daily risk state", err)
	}
	m.logger.Info("Daily risk counters reset", zap.String("account", m.account))
	return nil
}

// ResetEmergency clears the latched shutdown flag. This is the only code path
// that does.
func (m *Monitor) ResetEmergency() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.store.GetAccountRiskState(m.account)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "load account risk state", err)
	}
	if !state.EmergencyShutdownActive {
		return apperr.E(apperr.KindValidation, "no emergency shutdown is active")
	}
	state.EmergencyShutdownActive = false
	state.LastUpdated = time.Now().UTC()
	if err := m.store.SaveAccountRiskState(state); err != nil {
		return apperr.Wrap(apperr.KindDependency, "persist account risk state", err)
	}
	m.logger.Warn("Emergency shutdown reset by operator", zap.String("account", m.account))
	return nil
}

// EnableStrategy re-enables a disabled budget and zeroes its loss counter.
func (m *Monitor) EnableStrategy(strategy, symbol string) (*types.StrategyBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	budget, err := m.store.GetStrategyBudget(strategy, symbol)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load strategy budget", err)
	}
	budget.Enabled = true
	budget.DisabledReason = ""
	budget.ConsecutiveLosses = 0
	if err := m.store.SaveStrategyBudget(budget); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "persist strategy budget", err)
	}
	m.logger.Info("Strategy re-enabled",
		zap.String("strategy", strategy), zap.String("symbol", symbol))
	return budget, nil
}

// State returns the current account rollup without recomputation.
func (m *Monitor) State() (*types.AccountRiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.GetAccountRiskState(m.account)
}
