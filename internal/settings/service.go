// Package settings is the single writable source for soft limits and the
// operating modes. Every change is audited and version-stamped.
package settings

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HealthChecker reports per-agent health for the autonomous-mode gate.
type HealthChecker interface {
	CheckAll() (map[string]bool, error)
}

// BrokerProbe reports whether the configured broker is reachable.
type BrokerProbe func(brokerType string) bool

// Updates carries the changeable soft limits. Nil fields are untouched.
type Updates struct {
	MaxRiskPerTradePct *decimal.Decimal `json:"max_risk_per_trade_pct,omitempty"`
	MaxDailyLossPct    *decimal.Decimal `json:"max_daily_loss_pct,omitempty"`
	MaxOpenPositions   *int             `json:"max_open_positions,omitempty"`
	MaxTradesPerDay    *int             `json:"max_trades_per_day,omitempty"`
	MaxTradesPerHour   *int             `json:"max_trades_per_hour,omitempty"`
	MaxPositionSize    *decimal.Decimal `json:"max_position_size,omitempty"`
	MinRiskReward      *decimal.Decimal `json:"min_risk_reward,omitempty"`
	BrokerType         *string          `json:"broker_type,omitempty"`
}

// ModeChange carries the execution-mode transition context the LIVE gate
// audits.
type ModeChange struct {
	User             string
	Reason           string
	PasswordVerified bool
	Confirmed        bool
	IPAddress        string
	UserAgent        string
}

// Service guards the settings singleton.
type Service struct {
	logger  *zap.Logger
	store   *store.Store
	health  HealthChecker
	probe   BrokerProbe
	account string

	mu sync.Mutex
}

// NewService creates the settings service.
func NewService(logger *zap.Logger, st *store.Store, health HealthChecker, probe BrokerProbe, account string) *Service {
	return &Service{
		logger:  logger.Named("settings"),
		store:   st,
		health:  health,
		probe:   probe,
		account: account,
	}
}

// Get returns the current settings, seeding defaults on first access.
func (s *Service) Get() (*types.SystemSettings, error) {
	st, err := s.store.GetSettings(risk.DefaultSettings())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load settings", err)
	}
	return st, nil
}

// Update applies soft-limit changes. Every change revalidates soft <= hard
// against the frozen caps; an invalid update mutates nothing.
func (s *Service) Update(updates Updates, user, reason string) (*types.SystemSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Get()
	if err != nil {
		return nil, err
	}
	next := *current
	caps := risk.Caps()

	if v := updates.MaxRiskPerTradePct; v != nil {
		if !v.IsPositive() || v.GreaterThan(caps.MaxRiskPerTradePct) {
			return nil, apperr.Ef(apperr.KindValidation,
				"max_risk_per_trade_pct %s exceeds hard cap %s", v, caps.MaxRiskPerTradePct)
		}
		next.MaxRiskPerTradePct = *v
	}
	if v := updates.MaxDailyLossPct; v != nil {
		if !v.IsPositive() || v.GreaterThan(caps.MaxDailyLossPct) {
			return nil, apperr.Ef(apperr.KindValidation,
				"max_daily_loss_pct %s exceeds hard cap %s", v, caps.MaxDailyLossPct)
		}
		next.MaxDailyLossPct = *v
	}
	if v := updates.MaxOpenPositions; v != nil {
		if *v <= 0 || *v > caps.MaxOpenPositions {
			return nil, apperr.Ef(apperr.KindValidation,
				"max_open_positions %d exceeds hard cap %d", *v, caps.MaxOpenPositions)
		}
		next.MaxOpenPositions = *v
	}
	if v := updates.MaxTradesPerDay; v != nil {
		if *v <= 0 || *v > caps.MaxTradesPerDay {
			return nil, apperr.Ef(apperr.KindValidation,
				"max_trades_per_day %d exceeds hard cap %d", *v, caps.MaxTradesPerDay)
		}
		next.MaxTradesPerDay = *v
	}
	if v := updates.MaxTradesPerHour; v != nil {
		if *v <= 0 || *v > caps.MaxTradesPerHour {
			return nil, apperr.Ef(apperr.KindValidation,
				"max_trades_per_hour %d exceeds hard cap %d", *v, caps.MaxTradesPerHour)
		}
		next.MaxTradesPerHour = *v
	}
	if v := updates.MaxPositionSize; v != nil {
		if !v.IsPositive() || v.GreaterThan(caps.MaxPositionSize) {
			return nil, apperr.Ef(apperr.KindValidation,
				"max_position_size %s exceeds hard cap %s", v, caps.MaxPositionSize)
		}
		next.MaxPositionSize = *v
	}
	if v := updates.MinRiskReward; v != nil {
		if v.LessThan(caps.MinRiskReward) {
			return nil, apperr.Ef(apperr.KindValidation,
				"min_risk_reward %s below hard floor %s", v, caps.MinRiskReward)
		}
		next.MinRiskReward = *v
	}
	if v := updates.BrokerType; v != nil {
		if *v == "" {
			return nil, apperr.E(apperr.KindValidation, "broker_type must not be empty")
		}
		next.BrokerType = *v
	}

	return s.commit(current, &next, "settings_update", user, reason)
}

// GetMode returns the current operating mode.
func (s *Service) GetMode() (types.Mode, error) {
	st, err := s.Get()
	if err != nil {
		return "", err
	}
	return st.Mode, nil
}

// SetMode switches between guide and autonomous. Entering autonomous
// requires healthy agents, a reachable (or simulated) broker, and no active
// emergency shutdown. Dropping back to guide is always allowed.
func (s *Service) SetMode(newMode types.Mode, user, reason string) (*types.SystemSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newMode != types.ModeGuide && newMode != types.ModeAutonomous {
		return nil, apperr.Ef(apperr.KindValidation, "unknown mode %q", newMode)
	}
	current, err := s.Get()
	if err != nil {
		return nil, err
	}
	if current.Mode == newMode {
		return current, nil
	}

	if newMode == types.ModeAutonomous {
		health, err := s.health.CheckAll()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "health check", err)
		}
		for agent, healthy := range health {
			if !healthy {
				return nil, apperr.Ef(apperr.KindPolicy,
					"cannot enter autonomous mode: agent %s is unhealthy", agent)
			}
		}
		if current.BrokerType != "simulation" && (s.probe == nil || !s.probe(current.BrokerType)) {
			return nil, apperr.Ef(apperr.KindPolicy,
				"cannot enter autonomous mode: broker %s is not connected", current.BrokerType)
		}
		state, err := s.store.GetAccountRiskState(s.account)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "load account risk state", err)
		}
		if state.EmergencyShutdownActive {
			return nil, apperr.E(apperr.KindPolicy,
				"cannot enter autonomous mode: emergency shutdown is active")
		}
	}

	next := *current
	next.Mode = newMode
	return s.commit(current, &next, "mode_change", user, reason)
}

// GetExecutionMode returns the current execution mode.
func (s *Service) GetExecutionMode() (types.ExecutionMode, error) {
	st, err := s.Get()
	if err != nil {
		return "", err
	}
	return st.ExecutionMode, nil
}

// ChangeExecutionMode switches the consequence level. LIVE demands a
// verified password, an explicit confirmation, and a stated reason.
func (s *Service) ChangeExecutionMode(newMode types.ExecutionMode, change ModeChange) (*types.SystemSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch newMode {
	case types.ExecutionModeSimulation, types.ExecutionModePaper, types.ExecutionModeLive:
	default:
		return nil, apperr.Ef(apperr.KindValidation, "unknown execution mode %q", newMode)
	}

	current, err := s.Get()
	if err != nil {
		return nil, err
	}
	if current.ExecutionMode == newMode {
		return current, nil
	}

	if newMode == types.ExecutionModeLive {
		if !change.Confirmed {
			return nil, apperr.E(apperr.KindPrecondition, "live trading requires explicit confirmation")
		}
		if !change.PasswordVerified {
			return nil, apperr.E(apperr.KindPolicy, "live trading requires password verification")
		}
		if change.Reason == "" {
			return nil, apperr.E(apperr.KindValidation, "live trading requires a reason")
		}
	}

	next := *current
	next.ExecutionMode = newMode

	err = s.store.Transaction(func(tx *store.Store) error {
		if err := tx.CreateExecutionModeAudit(&types.ExecutionModeAudit{
			OldMode:          current.ExecutionMode,
			NewMode:          newMode,
			Reason:           change.Reason,
			User:             change.User,
			PasswordVerified: change.PasswordVerified,
			Confirmed:        change.Confirmed,
			IPAddress:        change.IPAddress,
			UserAgent:        change.UserAgent,
			CreatedAt:        time.Now().UTC(),
		}); err != nil {
			return err
		}
		next.Version++
		return tx.SaveSettings(&next)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "persist execution mode change", err)
	}
	s.logger.Warn("Execution mode changed",
		zap.String("from", string(current.ExecutionMode)),
		zap.String("to", string(newMode)),
		zap.String("user", change.User))
	return &next, nil
}

// AuditTrail returns recent settings changes, newest first.
func (s *Service) AuditTrail(limit int) ([]types.SettingsAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListSettingsAudit(limit)
}

// ExecutionModeAudit returns recent execution-mode transitions.
func (s *Service) ExecutionModeAudit(limit int) ([]types.ExecutionModeAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListExecutionModeAudit(limit)
}

// commit writes the new snapshot and its audit row in one transaction. The
// version is strictly monotonic.
func (s *Service) commit(old, next *types.SystemSettings, changeType, user, reason string) (*types.SystemSettings, error) {
	oldJSON, _ := json.Marshal(old)
	newJSON, _ := json.Marshal(next)

	err := s.store.Transaction(func(tx *store.Store) error {
		if err := tx.CreateSettingsAudit(&types.SettingsAudit{
			ChangeType: changeType,
			OldValue:   string(oldJSON),
			NewValue:   string(newJSON),
			Reason:     reason,
			User:       user,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}
		next.Version = old.Version + 1
		return tx.SaveSettings(next)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, fmt.Sprintf("persist %s", changeType), err)
	}
	s.logger.Info("Settings changed",
		zap.String("change_type", changeType),
		zap.String("user", user),
		zap.Int("version", next.Version))
	return next, nil
}
