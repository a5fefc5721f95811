// Package broker defines the venue adapter contract shared by the simulated
// and remote brokers.
package broker

import (
	"context"
	"time"

	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
)

// OrderRequest is the venue-neutral order shape.
type OrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          types.OrderSide `json:"side"`
	Type          types.OrderType `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
}

// Result is the uniform envelope every adapter operation returns.
type Result struct {
	Success        bool            `json:"success"`
	BrokerOrderID  string          `json:"brokerOrderId,omitempty"`
	Status         string          `json:"status,omitempty"`
	FilledPrice    decimal.Decimal `json:"filledPrice,omitempty"`
	FilledQuantity decimal.Decimal `json:"filledQuantity,omitempty"`
	Commission     decimal.Decimal `json:"commission,omitempty"`
	Error          string          `json:"error,omitempty"`
	Raw            string          `json:"raw,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// AccountInfo is the adapter's view of the trading account.
type AccountInfo struct {
	Balance         decimal.Decimal `json:"balance"`
	Equity          decimal.Decimal `json:"equity"`
	MarginUsed      decimal.Decimal `json:"marginUsed"`
	MarginAvailable decimal.Decimal `json:"marginAvailable"`
	Currency        string          `json:"currency"`
}

// PositionInfo is the adapter's view of one open exposure.
type PositionInfo struct {
	Symbol        string          `json:"symbol"`
	Side          types.OrderSide `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// Quote is a bid/ask pair for one symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   time.Time       `json:"time"`
}

// Adapter is the capability set every venue must satisfy. Implementations
// must validate order shape before any side effect.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SubmitOrder(ctx context.Context, req OrderRequest) (*Result, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (*Result, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*Result, error)
	GetPositions(ctx context.Context) ([]PositionInfo, error)
	GetPosition(ctx context.Context, symbol string) (*PositionInfo, error)
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetCurrentPrice(ctx context.Context, symbol string) (*Quote, error)
	HealthCheck(ctx context.Context) error
}

// ValidateOrder checks the request shape. Adapters call this before touching
// any state.
func ValidateOrder(req OrderRequest) error {
	if req.Symbol == "" {
		return apperr.E(apperr.KindValidation, "order symbol is required")
	}
	if req.Side != types.OrderSideBuy && req.Side != types.OrderSideSell {
		return apperr.Ef(apperr.KindValidation, "invalid order side %q", req.Side)
	}
	if !req.Quantity.IsPositive() {
		return apperr.Ef(apperr.KindValidation, "order quantity must be positive, got %s", req.Quantity)
	}
	switch req.Type {
	case types.OrderTypeMarket:
	case types.OrderTypeLimit:
		if !req.LimitPrice.IsPositive() {
			return apperr.E(apperr.KindValidation, "limit order requires limit_price")
		}
	case types.OrderTypeStop:
		if !req.StopPrice.IsPositive() {
			return apperr.E(apperr.KindValidation, "stop order requires stop_price")
		}
	case types.OrderTypeStopLimit:
		if !req.LimitPrice.IsPositive() {
			return apperr.E(apperr.KindValidation, "stop-limit order requires limit_price")
		}
		if !req.StopPrice.IsPositive() {
			return apperr.E(apperr.KindValidation, "stop-limit order requires stop_price")
		}
	default:
		return apperr.Ef(apperr.KindValidation, "invalid order type %q", req.Type)
	}
	return nil
}
