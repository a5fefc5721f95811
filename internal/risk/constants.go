// Package risk provides the hard risk ceilings, the admission validator, and
// the account/strategy risk monitor.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// HardCaps are the process-wide risk ceilings. They are frozen at build time;
// no soft setting or runtime decision may exceed them.
type HardCaps struct {
	MaxRiskPerTradePct          decimal.Decimal `json:"maxRiskPerTradePct"`
	MaxDailyLossPct             decimal.Decimal `json:"maxDailyLossPct"`
	EmergencyDrawdownPct        decimal.Decimal `json:"emergencyDrawdownPct"`
	MaxOpenPositions            int             `json:"maxOpenPositions"`
	MaxTradesPerDay             int             `json:"maxTradesPerDay"`
	MaxTradesPerHour            int             `json:"maxTradesPerHour"`
	MaxPositionSize             decimal.Decimal `json:"maxPositionSize"`
	MinRiskReward               decimal.Decimal `json:"minRiskReward"`
	StrategyAutoDisableThreshold int            `json:"strategyAutoDisableThreshold"`
}

// Strategy evaluation thresholds. Kept as constants next to the hard caps;
// a future revision may expose them through settings.
var (
	MinSharpeRatio = decimal.NewFromFloat(0.5)
	MaxDrawdownPct = decimal.NewFromInt(20)
	MinWinRatePct  = decimal.NewFromInt(40)
)

// caps is the single frozen instance. Access goes through Caps() which
// returns a copy, so no caller can mutate the ceilings.
var caps = HardCaps{
	MaxRiskPerTradePct:           decimal.NewFromFloat(2.0),
	MaxDailyLossPct:              decimal.NewFromFloat(5.0),
	EmergencyDrawdownPct:         decimal.NewFromFloat(15.0),
	MaxOpenPositions:             3,
	MaxTradesPerDay:              10,
	MaxTradesPerHour:             3,
	MaxPositionSize:              decimal.NewFromFloat(1.0),
	MinRiskReward:                decimal.NewFromFloat(1.5),
	StrategyAutoDisableThreshold: 5,
}

// Caps returns a copy of the frozen hard caps.
func Caps() HardCaps {
	return caps
}

// VerifyCaps sanity-checks the frozen values at startup. A failure here means
// the binary was built with corrupted ceilings and must not trade.
func VerifyCaps() error {
	c := Caps()
	if !c.MaxRiskPerTradePct.IsPositive() {
		return fmt.Errorf("hard cap max_risk_per_trade_pct must be positive, got %s", c.MaxRiskPerTradePct)
	}
	if !c.MaxDailyLossPct.IsPositive() {
		return fmt.Errorf("hard cap max_daily_loss_pct must be positive, got %s", c.MaxDailyLossPct)
	}
	if c.EmergencyDrawdownPct.LessThanOrEqual(c.MaxDailyLossPct) {
		return fmt.Errorf("hard cap emergency_drawdown_pct %s must exceed max_daily_loss_pct %s",
			c.EmergencyDrawdownPct, c.MaxDailyLossPct)
	}
	if c.MaxOpenPositions <= 0 || c.MaxTradesPerDay <= 0 || c.MaxTradesPerHour <= 0 {
		return fmt.Errorf("hard trade-count caps must be positive")
	}
	if c.MaxTradesPerHour > c.MaxTradesPerDay {
		return fmt.Errorf("hard cap max_trades_per_hour %d exceeds max_trades_per_day %d",
			c.MaxTradesPerHour, c.MaxTradesPerDay)
	}
	if !c.MaxPositionSize.IsPositive() {
		return fmt.Errorf("hard cap max_position_size must be positive, got %s", c.MaxPositionSize)
	}
	if c.MinRiskReward.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("hard cap min_risk_reward must be at least 1, got %s", c.MinRiskReward)
	}
	if c.StrategyAutoDisableThreshold <= 0 {
		return fmt.Errorf("hard cap strategy_auto_disable_threshold must be positive")
	}
	return nil
}
