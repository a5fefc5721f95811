// Package sim implements the persistent, deterministic simulated trading
// venue used as the default execution target.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/crestline-labs/trading-core/internal/broker"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BrokerType is the adapter identifier for the simulated venue.
const BrokerType = "simulation"

// Config holds the venue defaults applied when a user's simulation account is
// first created. Per-user overrides live on the account row.
type Config struct {
	User               string
	InitialBalance     decimal.Decimal
	SlippagePips       decimal.Decimal
	CommissionPerLot   decimal.Decimal
	LatencyMs          int
	FillProbability    float64
	PipSize            decimal.Decimal
	ContractMultiplier decimal.Decimal
	Seed               int64
}

// DefaultConfig returns production-like simulation defaults.
func DefaultConfig() Config {
	return Config{
		User:               "system",
		InitialBalance:     decimal.NewFromInt(10000),
		SlippagePips:       decimal.NewFromFloat(0.5),
		CommissionPerLot:   decimal.NewFromFloat(7.0),
		LatencyMs:          50,
		FillProbability:    0.98,
		PipSize:            decimal.NewFromFloat(0.0001),
		ContractMultiplier: decimal.NewFromInt(100000),
		Seed:               0,
	}
}

// pendingOrder is a submitted but not yet triggered LIMIT/STOP order.
type pendingOrder struct {
	brokerOrderID string
	req           broker.OrderRequest
	stopTriggered bool
	submittedAt   time.Time
}

// CloseEvent describes a position close the venue performed itself (TP/SL) or
// through an opposite-side fill.
type CloseEvent struct {
	User       string
	Symbol     string
	Side       types.OrderSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	PnL        decimal.Decimal
	Commission decimal.Decimal
	Reason     types.ExitReason
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// Broker is the simulated venue. All per-account mutation is serialized; no
// lock is held across the simulated latency wait.
type Broker struct {
	logger *zap.Logger
	store  *store.Store
	cfg    Config
	rng    *rand.Rand

	mu          sync.Mutex
	connected   bool
	prices      map[string]broker.Quote
	pending     map[string]*pendingOrder
	completed   map[string]*broker.Result
	submissions int
	onClose     func(CloseEvent)
}

// New creates a simulated broker. A zero seed derives one from the clock;
// tests pass a fixed seed for reproducible fills.
func New(logger *zap.Logger, st *store.Store, cfg Config) *Broker {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Broker{
		logger:    logger.Named("sim-broker"),
		store:     st,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		prices:    make(map[string]broker.Quote),
		pending:   make(map[string]*pendingOrder),
		completed: make(map[string]*broker.Result),
	}
}

// OnClose registers a hook invoked after every venue-side position close.
func (b *Broker) OnClose(fn func(CloseEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClose = fn
}

// Submissions reports how many orders reached the venue.
func (b *Broker) Submissions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submissions
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	b.logger.Info("Simulated broker connected", zap.String("user", b.cfg.User))
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *Broker) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return apperr.E(apperr.KindDependency, "simulated broker not connected")
	}
	return b.store.Ping()
}

// User returns the account owner this venue instance is bound to.
func (b *Broker) User() string { return b.cfg.User }

// AccountDefaults returns the account row seeded on first use.
func (b *Broker) AccountDefaults() types.SimulationAccount {
	return b.accountDefaults()
}

// SettingsUpdate carries fill-model overrides. Nil fields are untouched.
type SettingsUpdate struct {
	SlippagePips     *decimal.Decimal
	CommissionPerLot *decimal.Decimal
	LatencyMs        *int
	FillProbability  *float64
}

// UpdateSettings adjusts the persisted fill model for this account. Later
// fills pick the new values up from the account row.
func (b *Broker) UpdateSettings(u SettingsUpdate) (*types.SimulationAccount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct, err := b.store.GetSimAccount(b.cfg.User, b.accountDefaults())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load simulation account", err)
	}
	if u.SlippagePips != nil {
		if u.SlippagePips.IsNegative() {
			return nil, apperr.E(apperr.KindValidation, "slippage_pips must not be negative")
		}
		acct.SlippagePips = *u.SlippagePips
	}
	if u.CommissionPerLot != nil {
		if u.CommissionPerLot.IsNegative() {
			return nil, apperr.E(apperr.KindValidation, "commission_per_lot must not be negative")
		}
		acct.CommissionPerLot = *u.CommissionPerLot
	}
	if u.LatencyMs != nil {
		if *u.LatencyMs < 0 {
			return nil, apperr.E(apperr.KindValidation, "latency_ms must not be negative")
		}
		acct.LatencyMs = *u.LatencyMs
	}
	if u.FillProbability != nil {
		if *u.FillProbability <= 0 || *u.FillProbability > 1 {
			return nil, apperr.E(apperr.KindValidation, "fill_probability must be in (0, 1]")
		}
		acct.FillProbability = *u.FillProbability
	}
	if err := b.store.SaveSimAccount(acct); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "save simulation account", err)
	}
	return acct, nil
}

func (b *Broker) accountDefaults() types.SimulationAccount {
	return types.SimulationAccount{
		Balance:          b.cfg.InitialBalance,
		Equity:           b.cfg.InitialBalance,
		MarginAvailable:  b.cfg.InitialBalance,
		InitialBalance:   b.cfg.InitialBalance,
		SlippagePips:     b.cfg.SlippagePips,
		CommissionPerLot: b.cfg.CommissionPerLot,
		LatencyMs:        b.cfg.LatencyMs,
		FillProbability:  b.cfg.FillProbability,
	}
}

// SetMidPrice publishes a quote derived from a mid price and a spread in
// pips, then re-evaluates pending orders and open positions.
func (b *Broker) SetMidPrice(symbol string, mid decimal.Decimal, spreadPips decimal.Decimal) error {
	half := spreadPips.Mul(b.cfg.PipSize).Div(decimal.NewFromInt(2))
	return b.UpdatePrice(symbol, mid.Sub(half), mid.Add(half))
}

// UpdatePrice publishes a bid/ask pair. Pending orders are re-evaluated and
// open positions check take-profit before stop-loss.
func (b *Broker) UpdatePrice(symbol string, bid, ask decimal.Decimal) error {
	b.mu.Lock()
	quote := broker.Quote{Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now().UTC()}
	b.prices[symbol] = quote

	var closes []CloseEvent
	var err error
	for id, po := range b.pending {
		if po.req.Symbol != symbol {
			continue
		}
		fillPrice, ok := b.evaluateOrderLocked(po, quote)
		if !ok {
			continue
		}
		res, ferr := b.fillLocked(po.req, fillPrice, &closes)
		if ferr != nil {
			err = ferr
			break
		}
		res.BrokerOrderID = po.brokerOrderID
		b.completed[po.brokerOrderID] = res
		delete(b.pending, id)
	}
	if err == nil {
		err = b.markPositionsLocked(symbol, quote, &closes)
	}
	hook := b.onClose
	b.mu.Unlock()

	if hook != nil {
		for _, ev := range closes {
			hook(ev)
		}
	}
	return err
}

func (b *Broker) GetCurrentPrice(ctx context.Context, symbol string) (*broker.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.prices[symbol]
	if !ok {
		return nil, apperr.Ef(apperr.KindNotFound, "no market data for %s", symbol)
	}
	return &q, nil
}

// SubmitOrder runs the fill pipeline: latency, fill-probability draw, slipped
// price resolution, order-type gate, margin check, position update.
func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Result, error) {
	if err := broker.ValidateOrder(req); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, apperr.E(apperr.KindDependency, "simulated broker not connected")
	}
	b.submissions++
	acct, err := b.store.GetSimAccount(b.cfg.User, b.accountDefaults())
	if err != nil {
		b.mu.Unlock()
		return nil, apperr.Wrap(apperr.KindDependency, "load simulation account", err)
	}
	latency := acct.LatencyMs
	jitter := b.rng.Float64()
	draw := b.rng.Float64()
	b.mu.Unlock()

	if latency > 0 {
		// ±20% jitter around the configured latency.
		factor := 0.8 + 0.4*jitter
		wait := time.Duration(float64(latency)*factor) * time.Millisecond
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindTimeout, "order submission cancelled", ctx.Err())
		}
	}

	b.mu.Lock()
	if draw > acct.FillProbability {
		res := rejected("order rejected due to market conditions")
		b.completed[req.ClientOrderID] = res
		b.mu.Unlock()
		return res, nil
	}

	quote, ok := b.prices[req.Symbol]
	if !ok {
		res := rejected(fmt.Sprintf("no market data for %s", req.Symbol))
		b.mu.Unlock()
		return res, nil
	}

	brokerOrderID := uuid.NewString()
	po := &pendingOrder{brokerOrderID: brokerOrderID, req: req, submittedAt: time.Now().UTC()}
	fillPrice, triggered := b.evaluateOrderLocked(po, quote)
	if !triggered {
		b.pending[brokerOrderID] = po
		b.mu.Unlock()
		return &broker.Result{
			Success:       true,
			BrokerOrderID: brokerOrderID,
			Status:        string(types.OrderStatusPending),
			Timestamp:     time.Now().UTC(),
		}, nil
	}

	var closes []CloseEvent
	res, err := b.fillLocked(req, fillPrice, &closes)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	res.BrokerOrderID = brokerOrderID
	b.completed[brokerOrderID] = res
	hook := b.onClose
	b.mu.Unlock()

	if hook != nil {
		for _, ev := range closes {
			hook(ev)
		}
	}
	return res, nil
}

// evaluateOrderLocked resolves the slipped fill price and the order-type
// gate. Returns ok=false when the order stays pending.
func (b *Broker) evaluateOrderLocked(po *pendingOrder, quote broker.Quote) (decimal.Decimal, bool) {
	req := po.req
	acct, err := b.store.GetSimAccount(b.cfg.User, b.accountDefaults())
	if err != nil {
		return decimal.Zero, false
	}

	var base decimal.Decimal
	if req.Side == types.OrderSideBuy {
		base = quote.Ask
	} else {
		base = quote.Bid
	}

	// Unfavorable slippage: uniform over [0, slippage_pips) in price units.
	slip := decimal.NewFromFloat(b.rng.Float64()).Mul(acct.SlippagePips).Mul(b.cfg.PipSize)
	price := base.Add(slip)
	if req.Side == types.OrderSideSell {
		price = base.Sub(slip)
	}

	switch req.Type {
	case types.OrderTypeMarket:
		return price, true
	case types.OrderTypeLimit:
		return limitFill(req, base, price)
	case types.OrderTypeStop:
		if stopTriggered(req, base) {
			return price, true
		}
		return decimal.Zero, false
	case types.OrderTypeStopLimit:
		if !po.stopTriggered && stopTriggered(req, base) {
			po.stopTriggered = true
		}
		if !po.stopTriggered {
			return decimal.Zero, false
		}
		return limitFill(req, base, price)
	}
	return decimal.Zero, false
}

func limitFill(req broker.OrderRequest, base, slipped decimal.Decimal) (decimal.Decimal, bool) {
	if req.Side == types.OrderSideBuy {
		if base.LessThanOrEqual(req.LimitPrice) {
			return decimal.Min(slipped, req.LimitPrice), true
		}
	} else {
		if base.GreaterThanOrEqual(req.LimitPrice) {
			return decimal.Max(slipped, req.LimitPrice), true
		}
	}
	return decimal.Zero, false
}

func stopTriggered(req broker.OrderRequest, base decimal.Decimal) bool {
	if req.Side == types.OrderSideBuy {
		return base.GreaterThanOrEqual(req.StopPrice)
	}
	return base.LessThanOrEqual(req.StopPrice)
}

// fillLocked applies one fill to the account and position set.
func (b *Broker) fillLocked(req broker.OrderRequest, fillPrice decimal.Decimal, closes *[]CloseEvent) (*broker.Result, error) {
	acct, err := b.store.GetSimAccount(b.cfg.User, b.accountDefaults())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load simulation account", err)
	}

	commission := acct.CommissionPerLot.Mul(req.Quantity)
	notional := fillPrice.Mul(req.Quantity).Mul(b.cfg.ContractMultiplier)
	requiredMargin := notional.Mul(decimal.NewFromFloat(0.01))

	positions, err := b.store.ListSimPositions(b.cfg.User)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "list simulation positions", err)
	}
	var existing *types.SimulationPosition
	for i := range positions {
		if positions[i].Symbol == req.Symbol {
			existing = &positions[i]
			break
		}
	}

	opening := existing == nil || existing.Side == req.Side
	if opening && req.Side == types.OrderSideBuy {
		if requiredMargin.Add(commission).GreaterThan(acct.MarginAvailable) {
			return rejected(fmt.Sprintf("insufficient margin: need %s, available %s",
				requiredMargin.Add(commission).StringFixed(2), acct.MarginAvailable.StringFixed(2))), nil
		}
	}

	now := time.Now().UTC()
	switch {
	case existing == nil:
		pos := &types.SimulationPosition{
			ID:           uuid.NewString(),
			User:         b.cfg.User,
			Symbol:       req.Symbol,
			Side:         req.Side,
			Quantity:     req.Quantity,
			EntryPrice:   fillPrice,
			CurrentPrice: fillPrice,
			StopLoss:     req.StopLoss,
			TakeProfit:   req.TakeProfit,
			OpenedAt:     now,
		}
		if err := b.store.CreateSimPosition(pos); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "create simulation position", err)
		}
		acct.MarginUsed = acct.MarginUsed.Add(requiredMargin)
		acct.Balance = acct.Balance.Sub(commission)

	case existing.Side == req.Side:
		// Same-side add: weighted-average the entry.
		total := existing.Quantity.Add(req.Quantity)
		existing.EntryPrice = existing.EntryPrice.Mul(existing.Quantity).
			Add(fillPrice.Mul(req.Quantity)).Div(total)
		existing.Quantity = total
		existing.CurrentPrice = fillPrice
		existing.UnrealizedPnL = unrealized(existing, fillPrice, b.cfg.ContractMultiplier)
		if err := b.store.SaveSimPosition(existing); err != nil {
			return nil, apperr.Wrap(apperr.KindDependency, "save simulation position", err)
		}
		acct.MarginUsed = acct.MarginUsed.Add(requiredMargin)
		acct.Balance = acct.Balance.Sub(commission)

	default:
		// Opposite side reduces or closes.
		closeQty := decimal.Min(existing.Quantity, req.Quantity)
		pnl := priceDelta(existing.Side, existing.EntryPrice, fillPrice).
			Mul(closeQty).Mul(b.cfg.ContractMultiplier).Sub(commission)
		fraction := closeQty.Div(existing.Quantity)
		releasedMargin := acct.MarginUsed.Mul(fraction)
		if existing.Quantity.Equal(closeQty) {
			releasedMargin = existing.EntryPrice.Mul(existing.Quantity).
				Mul(b.cfg.ContractMultiplier).Mul(decimal.NewFromFloat(0.01))
		}

		acct.Balance = acct.Balance.Add(pnl)
		acct.MarginUsed = acct.MarginUsed.Sub(releasedMargin)
		if acct.MarginUsed.IsNegative() {
			acct.MarginUsed = decimal.Zero
		}
		acct.TotalTrades++
		if pnl.IsPositive() {
			acct.WinningTrades++
		}
		acct.TotalPnL = acct.TotalPnL.Add(pnl)

		*closes = append(*closes, CloseEvent{
			User:       b.cfg.User,
			Symbol:     existing.Symbol,
			Side:       existing.Side,
			Quantity:   closeQty,
			EntryPrice: existing.EntryPrice,
			ExitPrice:  fillPrice,
			PnL:        pnl,
			Commission: commission,
			Reason:     types.ExitManual,
			OpenedAt:   existing.OpenedAt,
			ClosedAt:   now,
		})

		remaining := existing.Quantity.Sub(closeQty)
		excess := req.Quantity.Sub(closeQty)
		switch {
		case remaining.IsPositive():
			existing.Quantity = remaining
			existing.CurrentPrice = fillPrice
			existing.UnrealizedPnL = unrealized(existing, fillPrice, b.cfg.ContractMultiplier)
			if err := b.store.SaveSimPosition(existing); err != nil {
				return nil, apperr.Wrap(apperr.KindDependency, "save simulation position", err)
			}
		case excess.IsPositive():
			if err := b.store.DeleteSimPosition(existing.ID); err != nil {
				return nil, apperr.Wrap(apperr.KindDependency, "delete simulation position", err)
			}
			flip := &types.SimulationPosition{
				ID:           uuid.NewString(),
				User:         b.cfg.User,
				Symbol:       req.Symbol,
				Side:         req.Side,
				Quantity:     excess,
				EntryPrice:   fillPrice,
				CurrentPrice: fillPrice,
				StopLoss:     req.StopLoss,
				TakeProfit:   req.TakeProfit,
				OpenedAt:     now,
			}
			if err := b.store.CreateSimPosition(flip); err != nil {
				return nil, apperr.Wrap(apperr.KindDependency, "create simulation position", err)
			}
			acct.MarginUsed = acct.MarginUsed.Add(
				fillPrice.Mul(excess).Mul(b.cfg.ContractMultiplier).Mul(decimal.NewFromFloat(0.01)))
		default:
			if err := b.store.DeleteSimPosition(existing.ID); err != nil {
				return nil, apperr.Wrap(apperr.KindDependency, "delete simulation position", err)
			}
		}
	}

	if err := b.refreshEquityLocked(acct); err != nil {
		return nil, err
	}

	return &broker.Result{
		Success:        true,
		Status:         string(types.OrderStatusFilled),
		FilledPrice:    fillPrice,
		FilledQuantity: req.Quantity,
		Commission:     commission,
		Timestamp:      now,
	}, nil
}

// markPositionsLocked updates marks for a symbol and self-closes positions
// whose take-profit or stop-loss triggered. Take-profit evaluates first.
func (b *Broker) markPositionsLocked(symbol string, quote broker.Quote, closes *[]CloseEvent) error {
	positions, err := b.store.ListSimPositions(b.cfg.User)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "list simulation positions", err)
	}
	acct, err := b.store.GetSimAccount(b.cfg.User, b.accountDefaults())
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "load simulation account", err)
	}

	for i := range positions {
		pos := &positions[i]
		if pos.Symbol != symbol {
			continue
		}
		// A long marks against the bid, a short against the ask.
		mark := quote.Bid
		if pos.Side == types.OrderSideSell {
			mark = quote.Ask
		}

		exit, reason := triggerPrice(pos, mark)
		if reason == "" {
			pos.CurrentPrice = mark
			pos.UnrealizedPnL = unrealized(pos, mark, b.cfg.ContractMultiplier)
			if err := b.store.SaveSimPosition(pos); err != nil {
				return apperr.Wrap(apperr.KindDependency, "save simulation position", err)
			}
			continue
		}

		commission := acct.CommissionPerLot.Mul(pos.Quantity)
		pnl := priceDelta(pos.Side, pos.EntryPrice, exit).
			Mul(pos.Quantity).Mul(b.cfg.ContractMultiplier).Sub(commission)
		released := pos.EntryPrice.Mul(pos.Quantity).
			Mul(b.cfg.ContractMultiplier).Mul(decimal.NewFromFloat(0.01))

		acct.Balance = acct.Balance.Add(pnl)
		acct.MarginUsed = acct.MarginUsed.Sub(released)
		if acct.MarginUsed.IsNegative() {
			acct.MarginUsed = decimal.Zero
		}
		acct.TotalTrades++
		if pnl.IsPositive() {
			acct.WinningTrades++
		}
		acct.TotalPnL = acct.TotalPnL.Add(pnl)

		*closes = append(*closes, CloseEvent{
			User:       b.cfg.User,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Quantity:   pos.Quantity,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  exit,
			PnL:        pnl,
			Commission: commission,
			Reason:     reason,
			OpenedAt:   pos.OpenedAt,
			ClosedAt:   time.Now().UTC(),
		})

		if err := b.store.DeleteSimPosition(pos.ID); err != nil {
			return apperr.Wrap(apperr.KindDependency, "delete simulation position", err)
		}
		b.logger.Info("Position self-closed",
			zap.String("symbol", pos.Symbol),
			zap.String("reason", string(reason)),
			zap.String("pnl", pnl.StringFixed(2)))
	}
	return b.refreshEquityLocked(acct)
}

// triggerPrice returns the self-close price and reason, or empty reason when
// neither level triggered. Take-profit is checked before stop-loss.
func triggerPrice(pos *types.SimulationPosition, mark decimal.Decimal) (decimal.Decimal, types.ExitReason) {
	if pos.Side == types.OrderSideBuy {
		if pos.TakeProfit.IsPositive() && mark.GreaterThanOrEqual(pos.TakeProfit) {
			return pos.TakeProfit, types.ExitTakeProfit
		}
		if pos.StopLoss.IsPositive() && mark.LessThanOrEqual(pos.StopLoss) {
			return pos.StopLoss, types.ExitStopLoss
		}
	} else {
		if pos.TakeProfit.IsPositive() && mark.LessThanOrEqual(pos.TakeProfit) {
			return pos.TakeProfit, types.ExitTakeProfit
		}
		if pos.StopLoss.IsPositive() && mark.GreaterThanOrEqual(pos.StopLoss) {
			return pos.StopLoss, types.ExitStopLoss
		}
	}
	return decimal.Zero, ""
}

func (b *Broker) refreshEquityLocked(acct *types.SimulationAccount) error {
	positions, err := b.store.ListSimPositions(b.cfg.User)
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "list simulation positions", err)
	}
	equity := acct.Balance
	for i := range positions {
		equity = equity.Add(positions[i].UnrealizedPnL)
	}
	acct.Equity = equity
	acct.MarginAvailable = equity.Sub(acct.MarginUsed)
	if err := b.store.SaveSimAccount(acct); err != nil {
		return apperr.Wrap(apperr.KindDependency, "save simulation account", err)
	}
	return nil
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) (*broker.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[brokerOrderID]; ok {
		delete(b.pending, brokerOrderID)
		res := &broker.Result{
			Success:       true,
			BrokerOrderID: brokerOrderID,
			Status:        string(types.OrderStatusCancelled),
			Timestamp:     time.Now().UTC(),
		}
		b.completed[brokerOrderID] = res
		return res, nil
	}
	if prev, ok := b.completed[brokerOrderID]; ok {
		// Cancel after a terminal state is a no-op failure.
		return &broker.Result{
			Success:       false,
			BrokerOrderID: brokerOrderID,
			Status:        prev.Status,
			Error:         fmt.Sprintf("order already %s", prev.Status),
			Timestamp:     time.Now().UTC(),
		}, nil
	}
	return &broker.Result{
		Success:   false,
		Error:     "order not found",
		Timestamp: time.Now().UTC(),
	}, nil
}

func (b *Broker) GetOrderStatus(ctx context.Context, brokerOrderID string) (*broker.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[brokerOrderID]; ok {
		return &broker.Result{
			Success:       true,
			BrokerOrderID: brokerOrderID,
			Status:        string(types.OrderStatusPending),
			Timestamp:     time.Now().UTC(),
		}, nil
	}
	if res, ok := b.completed[brokerOrderID]; ok {
		return res, nil
	}
	return nil, apperr.Ef(apperr.KindNotFound, "order %s not found", brokerOrderID)
}

func (b *Broker) GetPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions, err := b.store.ListSimPositions(b.cfg.User)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "list simulation positions", err)
	}
	infos := make([]broker.PositionInfo, 0, len(positions))
	for i := range positions {
		infos = append(infos, positionInfo(&positions[i]))
	}
	return infos, nil
}

func (b *Broker) GetPosition(ctx context.Context, symbol string) (*broker.PositionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions, err := b.store.ListSimPositions(b.cfg.User)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "list simulation positions", err)
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			info := positionInfo(&positions[i])
			return &info, nil
		}
	}
	return nil, apperr.Ef(apperr.KindNotFound, "no open position for %s", symbol)
}

func (b *Broker) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, err := b.store.GetSimAccount(b.cfg.User, b.accountDefaults())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load simulation account", err)
	}
	return &broker.AccountInfo{
		Balance:         acct.Balance,
		Equity:          acct.Equity,
		MarginUsed:      acct.MarginUsed,
		MarginAvailable: acct.MarginAvailable,
		Currency:        "USD",
	}, nil
}

// ResetAccount atomically deletes all positions and restores the initial
// balance. Pending orders are dropped.
func (b *Broker) ResetAccount(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.store.Transaction(func(tx *store.Store) error {
		if err := tx.DeleteSimAccount(b.cfg.User); err != nil {
			return err
		}
		_, err := tx.GetSimAccount(b.cfg.User, b.accountDefaults())
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, "reset simulation account", err)
	}
	b.pending = make(map[string]*pendingOrder)
	b.logger.Info("Simulation account reset", zap.String("user", b.cfg.User))
	return nil
}

func rejected(reason string) *broker.Result {
	return &broker.Result{
		Success:   false,
		Status:    string(types.OrderStatusRejected),
		Error:     reason,
		Timestamp: time.Now().UTC(),
	}
}

func positionInfo(pos *types.SimulationPosition) broker.PositionInfo {
	return broker.PositionInfo{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Quantity:      pos.Quantity,
		EntryPrice:    pos.EntryPrice,
		CurrentPrice:  pos.CurrentPrice,
		UnrealizedPnL: pos.UnrealizedPnL,
	}
}

func unrealized(pos *types.SimulationPosition, mark decimal.Decimal, multiplier decimal.Decimal) decimal.Decimal {
	return priceDelta(pos.Side, pos.EntryPrice, mark).Mul(pos.Quantity).Mul(multiplier)
}

func priceDelta(side types.OrderSide, entry, current decimal.Decimal) decimal.Decimal {
	if side == types.OrderSideBuy {
		return current.Sub(entry)
	}
	return entry.Sub(current)
}
