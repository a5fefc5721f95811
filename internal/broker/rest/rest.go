// Package rest implements the broker adapter contract against a remote
// broker bridge speaking JSON over HTTP.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/crestline-labs/trading-core/internal/broker"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	resty "github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Config holds the remote bridge connection parameters.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	RetryCount int
}

// DefaultConfig returns the bridge defaults: a 30-second total deadline and a
// small bounded retry for transient transport failures.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		RetryCount: 3,
	}
}

// Adapter talks to the remote bridge. A rejected order is never re-submitted;
// retries apply to transport failures only.
type Adapter struct {
	logger *zap.Logger
	cfg    Config
	client *resty.Client
}

// New creates a remote broker adapter.
func New(logger *zap.Logger, cfg Config) *Adapter {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.APIKey)
	return &Adapter{
		logger: logger.Named("rest-broker"),
		cfg:    cfg,
		client: client,
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	return a.HealthCheck(ctx)
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	resp, err := a.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "broker bridge unreachable", err)
	}
	if resp.IsError() {
		return apperr.Ef(apperr.KindDependency, "broker bridge unhealthy: %s", resp.Status())
	}
	return nil
}

func (a *Adapter) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Result, error) {
	if err := broker.ValidateOrder(req); err != nil {
		return nil, err
	}
	var out broker.Result
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "submit order", err)
	}
	if resp.IsError() {
		return nil, apperr.Ef(apperr.KindDependency, "submit order: %s: %s", resp.Status(), resp.String())
	}
	out.Timestamp = time.Now().UTC()
	a.logger.Info("Order submitted",
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("broker_order_id", out.BrokerOrderID),
		zap.Bool("success", out.Success))
	return &out, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string) (*broker.Result, error) {
	var out broker.Result
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Delete(fmt.Sprintf("/orders/%s", brokerOrderID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "cancel order", err)
	}
	if resp.IsError() {
		return nil, apperr.Ef(apperr.KindDependency, "cancel order: %s", resp.Status())
	}
	out.Timestamp = time.Now().UTC()
	return &out, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (*broker.Result, error) {
	var out broker.Result
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/orders/%s", brokerOrderID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "get order status", err)
	}
	if resp.StatusCode() == 404 {
		return nil, apperr.Ef(apperr.KindNotFound, "order %s not found", brokerOrderID)
	}
	if resp.IsError() {
		return nil, apperr.Ef(apperr.KindDependency, "get order status: %s", resp.Status())
	}
	out.Timestamp = time.Now().UTC()
	return &out, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	var out []broker.PositionInfo
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/positions")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "get positions", err)
	}
	if resp.IsError() {
		return nil, apperr.Ef(apperr.KindDependency, "get positions: %s", resp.Status())
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*broker.PositionInfo, error) {
	var out broker.PositionInfo
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/positions/%s", symbol))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "get position", err)
	}
	if resp.StatusCode() == 404 {
		return nil, apperr.Ef(apperr.KindNotFound, "no open position for %s", symbol)
	}
	if resp.IsError() {
		return nil, apperr.Ef(apperr.KindDependency, "get position: %s", resp.Status())
	}
	return &out, nil
}

func (a *Adapter) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	var out broker.AccountInfo
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/account")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "get account info", err)
	}
	if resp.IsError() {
		return nil, apperr.Ef(apperr.KindDependency, "get account info: %s", resp.Status())
	}
	return &out, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol string) (*broker.Quote, error) {
	var out broker.Quote
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/quotes/%s", symbol))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "get quote", err)
	}
	if resp.IsError() {
		return nil, apperr.Ef(apperr.KindDependency, "get quote: %s", resp.Status())
	}
	return &out, nil
}
