// Package execution implements the order execution engine. It is the only
// component allowed to submit or cancel orders on a broker adapter.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crestline-labs/trading-core/internal/broker"
	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GuideBlockedReason is the literal rejection reason recorded when guide mode
// stops a submission.
const GuideBlockedReason = "GUIDE mode — execution blocked"

// Config holds engine parameters.
type Config struct {
	Account        string
	SubmitDeadline time.Duration
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		Account:        "main",
		SubmitDeadline: 30 * time.Second,
	}
}

// Result is the caller-visible outcome of one execute call. A guide-blocked
// execution is Success=true with BlockedReason set; a risk rejection is
// Success=false with the decision's reason verbatim.
type Result struct {
	Success       bool              `json:"success"`
	OrderID       string            `json:"orderId,omitempty"`
	Status        types.OrderStatus `json:"status,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	BlockedReason string            `json:"blockedReason,omitempty"`
	DecisionID    string            `json:"decisionId,omitempty"`
	FilledPrice   decimal.Decimal   `json:"filledPrice,omitempty"`
}

// Engine drives the signal-to-order pipeline.
type Engine struct {
	logger    *zap.Logger
	store     *store.Store
	validator *risk.Validator
	monitor   *risk.Monitor
	cfg       Config

	mu       sync.RWMutex
	adapters map[string]broker.Adapter
}

// NewEngine creates the execution engine.
func NewEngine(logger *zap.Logger, st *store.Store, validator *risk.Validator, monitor *risk.Monitor, cfg Config) *Engine {
	return &Engine{
		logger:    logger.Named("execution"),
		store:     st,
		validator: validator,
		monitor:   monitor,
		cfg:       cfg,
		adapters:  make(map[string]broker.Adapter),
	}
}

// RegisterAdapter makes a broker adapter available under its type name.
func (e *Engine) RegisterAdapter(brokerType string, a broker.Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[brokerType] = a
}

// Adapter returns the adapter registered under brokerType.
func (e *Engine) Adapter(brokerType string) (broker.Adapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[brokerType]
	return a, ok
}

// ExecuteSignal runs the full pipeline: load, status gate, risk approval,
// order creation, mode gate, submission.
func (e *Engine) ExecuteSignal(ctx context.Context, signalID, brokerType string, forceMode types.Mode) (*Result, error) {
	sig, err := e.store.GetSignal(signalID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.Ef(apperr.KindNotFound, "signal %s not found", signalID)
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load signal", err)
	}

	switch sig.Status {
	case types.SignalCancelled, types.SignalExpired, types.SignalExecuted:
		return nil, apperr.Ef(apperr.KindPolicy, "signal %s is %s and cannot be executed", sig.ID, sig.Status)
	}

	balance, peak, err := e.accountBalances(ctx, brokerType)
	if err != nil {
		return nil, err
	}

	decision, err := e.validator.Validate(ctx, sig, balance, peak)
	if err != nil {
		return nil, err
	}
	if !decision.Approved {
		e.appendLog(sig.ID, "", "risk_rejected", types.OrderStatusRejected, decision.Reason)
		return &Result{
			Success:    false,
			Reason:     decision.Reason,
			DecisionID: decision.DecisionID,
		}, nil
	}

	order := &types.ExecutionOrder{
		ID:            uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		BrokerType:    brokerType,
		SignalID:      sig.ID,
		Strategy:      sig.Strategy,
		Symbol:        sig.Symbol,
		OrderType:     types.OrderTypeMarket,
		Side:          orderSide(sig.Side),
		Quantity:      decision.PositionSize,
		Price:         sig.Entry,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.TakeProfit,
		Status:        types.OrderStatusPending,
	}
	if err := e.store.CreateOrder(order); err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, "create execution order", err)
	}
	e.appendLog(sig.ID, order.ID, "order_created", types.OrderStatusPending, "")

	mode, err := e.effectiveMode(forceMode)
	if err != nil {
		return nil, err
	}
	if mode == types.ModeGuide {
		order.Status = types.OrderStatusRejected
		order.StatusReason = GuideBlockedReason
		if err := e.store.SaveOrder(order); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "save order", err)
		}
		e.appendLog(sig.ID, order.ID, "mode_blocked", types.OrderStatusRejected, GuideBlockedReason)
		e.logger.Info("Execution blocked by guide mode",
			zap.String("signal_id", sig.ID),
			zap.String("order_id", order.ID))
		return &Result{
			Success:       true,
			OrderID:       order.ID,
			Status:        order.Status,
			BlockedReason: GuideBlockedReason,
			DecisionID:    decision.DecisionID,
		}, nil
	}

	adapter, ok := e.Adapter(brokerType)
	if !ok {
		order.Status = types.OrderStatusRejected
		order.StatusReason = fmt.Sprintf("no adapter registered for broker %q", brokerType)
		if err := e.store.SaveOrder(order); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "save order", err)
		}
		e.appendLog(sig.ID, order.ID, "adapter_missing", types.OrderStatusRejected, order.StatusReason)
		return &Result{Success: false, OrderID: order.ID, Status: order.Status, Reason: order.StatusReason, DecisionID: decision.DecisionID}, nil
	}

	return e.submit(ctx, adapter, sig, order, decision)
}

func (e *Engine) submit(ctx context.Context, adapter broker.Adapter, sig *types.Signal, order *types.ExecutionOrder, decision *risk.Decision) (*Result, error) {
	now := time.Now().UTC()
	order.Status = types.OrderStatusSubmitted
	order.SubmittedAt = &now
	if err := e.store.SaveOrder(order); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "save order", err)
	}
	e.appendLog(sig.ID, order.ID, "submitted", types.OrderStatusSubmitted, "")

	subCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitDeadline)
	defer cancel()

	res, err := adapter.SubmitOrder(subCtx, broker.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.OrderType,
		Quantity:      order.Quantity,
		StopLoss:      order.StopLoss,
		TakeProfit:    order.TakeProfit,
	})
	if err != nil {
		order.Status = types.OrderStatusFailed
		order.StatusReason = err.Error()
		if apperr.Is(err, apperr.KindTimeout) || subCtx.Err() != nil {
			order.StatusReason = "submission deadline exceeded"
		}
		if serr := e.store.SaveOrder(order); serr != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "save order", serr)
		}
		e.appendLog(sig.ID, order.ID, "submit_failed", types.OrderStatusFailed, order.StatusReason)
		return &Result{Success: false, OrderID: order.ID, Status: order.Status, Reason: order.StatusReason, DecisionID: decision.DecisionID}, nil
	}

	switch {
	case res.Success && res.Status == string(types.OrderStatusFilled):
		fillT := time.Now().UTC()
		order.Status = types.OrderStatusFilled
		order.BrokerOrderID = res.BrokerOrderID
		order.AvgFillPrice = res.FilledPrice
		order.FilledQuantity = res.FilledQuantity
		order.Commission = res.Commission
		order.FilledAt = &fillT
		if err := e.store.SaveOrder(order); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "save order", err)
		}
		e.appendLog(sig.ID, order.ID, "filled", types.OrderStatusFilled,
			fmt.Sprintf("price=%s qty=%s", res.FilledPrice, res.FilledQuantity))

		sig.Status = types.SignalExecuted
		if err := e.store.SaveSignal(sig); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "save signal", err)
		}
		if err := e.openPosition(sig, order, res); err != nil {
			return nil, err
		}
		if err := e.monitor.RecordTrade(); err != nil {
			return nil, err
		}
		return &Result{Success: true, OrderID: order.ID, Status: order.Status, DecisionID: decision.DecisionID, FilledPrice: res.FilledPrice}, nil

	case res.Success:
		// Accepted but not yet filled.
		order.Status = types.OrderStatusPending
		order.BrokerOrderID = res.BrokerOrderID
		if err := e.store.SaveOrder(order); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "save order", err)
		}
		e.appendLog(sig.ID, order.ID, "accepted", types.OrderStatusPending, res.BrokerOrderID)
		if err := e.monitor.RecordTrade(); err != nil {
			return nil, err
		}
		return &Result{Success: true, OrderID: order.ID, Status: order.Status, DecisionID: decision.DecisionID}, nil

	default:
		order.Status = types.OrderStatusRejected
		order.StatusReason = res.Error
		if err := e.store.SaveOrder(order); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "save order", err)
		}
		e.appendLog(sig.ID, order.ID, "broker_rejected", types.OrderStatusRejected, res.Error)
		return &Result{Success: false, OrderID: order.ID, Status: order.Status, Reason: res.Error, DecisionID: decision.DecisionID}, nil
	}
}

// openPosition records the durable position and its strategy budget exposure
// after a fill.
func (e *Engine) openPosition(sig *types.Signal, order *types.ExecutionOrder, res *broker.Result) error {
	pos := &types.Position{
		ID:         uuid.NewString(),
		Strategy:   sig.Strategy,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Entry:      res.FilledPrice,
		Size:       res.FilledQuantity,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Status:     types.PositionOpen,
		Commission: res.Commission,
		OpenedAt:   time.Now().UTC(),
	}
	if err := e.store.CreatePosition(pos); err != nil {
		return apperr.Wrap(apperr.KindDependency, "create position", err)
	}
	if _, err := e.monitor.UpdateStrategyBudget(sig.Strategy, sig.Symbol, pos, false); err != nil {
		return err
	}
	return nil
}

// CancelOrder cancels a not-yet-filled order. Cancelling a filled order is a
// no-op failure.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*Result, error) {
	order, err := e.store.GetOrder(orderID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.Ef(apperr.KindNotFound, "order %s not found", orderID)
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load order", err)
	}

	switch order.Status {
	case types.OrderStatusFilled, types.OrderStatusCancelled, types.OrderStatusRejected,
		types.OrderStatusExpired, types.OrderStatusFailed:
		return &Result{
			Success: false,
			OrderID: order.ID,
			Status:  order.Status,
			Reason:  fmt.Sprintf("order is already %s", order.Status),
		}, nil
	}

	if order.BrokerOrderID != "" {
		adapter, ok := e.Adapter(order.BrokerType)
		if !ok {
			return nil, apperr.Ef(apperr.KindDependency, "no adapter registered for broker %q", order.BrokerType)
		}
		res, err := adapter.CancelOrder(ctx, order.BrokerOrderID)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			e.appendLog(order.SignalID, order.ID, "cancel_failed", order.Status, res.Error)
			return &Result{Success: false, OrderID: order.ID, Status: order.Status, Reason: res.Error}, nil
		}
	}

	order.Status = types.OrderStatusCancelled
	if err := e.store.SaveOrder(order); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "save order", err)
	}
	e.appendLog(order.SignalID, order.ID, "cancelled", types.OrderStatusCancelled, "")
	return &Result{Success: true, OrderID: order.ID, Status: types.OrderStatusCancelled}, nil
}

// GetOrderStatus returns the stored order, refreshed from the adapter when it
// is still in flight.
func (e *Engine) GetOrderStatus(ctx context.Context, orderID string) (*types.ExecutionOrder, error) {
	order, err := e.store.GetOrder(orderID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.Ef(apperr.KindNotFound, "order %s not found", orderID)
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load order", err)
	}

	if order.Status == types.OrderStatusPending && order.BrokerOrderID != "" {
		if adapter, ok := e.Adapter(order.BrokerType); ok {
			if res, err := adapter.GetOrderStatus(ctx, order.BrokerOrderID); err == nil {
				if res.Status == string(types.OrderStatusFilled) {
					fillT := time.Now().UTC()
					order.Status = types.OrderStatusFilled
					order.AvgFillPrice = res.FilledPrice
					order.FilledQuantity = res.FilledQuantity
					order.Commission = res.Commission
					order.FilledAt = &fillT
					if err := e.store.SaveOrder(order); err != nil {
						return nil, apperr.Wrap(apperr.KindDependency, "save order", err)
					}
					e.appendLog(order.SignalID, order.ID, "filled", types.OrderStatusFilled, "")
				}
			}
		}
	}
	return order, nil
}

// GetExecutionLogs returns the audit trail for one order.
func (e *Engine) GetExecutionLogs(orderID string) ([]types.ExecutionLog, error) {
	return e.store.ListExecutionLogs(orderID)
}

func (e *Engine) appendLog(signalID, orderID, event string, status types.OrderStatus, detail string) {
	err := e.store.AppendExecutionLog(&types.ExecutionLog{
		OrderID:   orderID,
		SignalID:  signalID,
		Event:     event,
		Status:    status,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("Failed to append execution log",
			zap.String("order_id", orderID), zap.Error(err))
	}
}

// effectiveMode resolves the mode gate input: an explicit force wins,
// otherwise the stored settings decide.
func (e *Engine) effectiveMode(force types.Mode) (types.Mode, error) {
	if force == types.ModeGuide || force == types.ModeAutonomous {
		return force, nil
	}
	settings, err := e.store.GetSettings(risk.DefaultSettings())
	if err != nil {
		return "", apperr.Wrap(apperr.KindDependency, "load settings", err)
	}
	return settings.Mode, nil
}

// accountBalances resolves the balance pair for risk validation, preferring
// the monitored account state and falling back to the adapter.
func (e *Engine) accountBalances(ctx context.Context, brokerType string) (decimal.Decimal, decimal.Decimal, error) {
	state, err := e.monitor.State()
	if err != nil {
		return decimal.Zero, decimal.Zero, apperr.Wrap(apperr.KindDependency, "load account state", err)
	}
	if state.Balance.IsPositive() {
		return state.Balance, state.PeakBalance, nil
	}
	if adapter, ok := e.Adapter(brokerType); ok {
		if info, err := adapter.GetAccountInfo(ctx); err == nil {
			if _, uerr := e.monitor.UpdateAccount(info.Balance, info.Balance); uerr != nil {
				return decimal.Zero, decimal.Zero, uerr
			}
			return info.Balance, info.Balance, nil
		}
	}
	return state.Balance, state.PeakBalance, nil
}

func orderSide(side types.SignalSide) types.OrderSide {
	if side == types.SideShort {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}
