package sim_test

import (
	"context"
	"testing"

	"github.com/crestline-labs/trading-core/internal/broker"
	"github.com/crestline-labs/trading-core/internal/broker/sim"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestBroker(t *testing.T) *sim.Broker {
	t.Helper()
	st, err := store.Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := sim.DefaultConfig()
	cfg.User = "u1"
	cfg.LatencyMs = 0
	cfg.FillProbability = 1.0
	cfg.SlippagePips = decimal.Zero
	cfg.Seed = 42
	b := sim.New(zap.NewNop(), st, cfg)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestLimitOrderFillsOnPriceUpdate(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.SetMidPrice("EURUSD", d(1.1000), d(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	res, err := b.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: "c1",
		Symbol:        "EURUSD",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeLimit,
		Quantity:      d(0.1),
		LimitPrice:    d(1.0995),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Success || res.Status != string(types.OrderStatusPending) {
		t.Fatalf("expected pending limit order, got %+v", res)
	}

	// Mid drops to 1.0990: ask 1.0991 is now at least as favorable as the
	// limit, so the order fills.
	if err := b.SetMidPrice("EURUSD", d(1.0990), d(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	status, err := b.GetOrderStatus(ctx, res.BrokerOrderID)
	if err != nil {
		t.Fatalf("order status: %v", err)
	}
	if status.Status != string(types.OrderStatusFilled) {
		t.Fatalf("status = %s, want filled", status.Status)
	}
	if status.FilledPrice.GreaterThan(d(1.0995)) {
		t.Errorf("fill price %s exceeds limit 1.0995", status.FilledPrice)
	}

	cfg := sim.DefaultConfig()
	wantCommission := cfg.CommissionPerLot.Mul(d(0.1))
	if !status.Commission.Equal(wantCommission) {
		t.Errorf("commission = %s, want %s", status.Commission, wantCommission)
	}

	acct, err := b.GetAccountInfo(ctx)
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	wantMargin := status.FilledPrice.Mul(d(0.1)).Mul(d(100000)).Mul(d(0.01))
	if !acct.MarginUsed.Equal(wantMargin) {
		t.Errorf("margin used = %s, want %s", acct.MarginUsed, wantMargin)
	}
}

func TestCancelPendingOrderRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.SetMidPrice("EURUSD", d(1.1000), d(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	before, err := b.GetAccountInfo(ctx)
	if err != nil {
		t.Fatalf("account info: %v", err)
	}

	res, err := b.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: "c1",
		Symbol:        "EURUSD",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeLimit,
		Quantity:      d(0.1),
		LimitPrice:    d(1.0900),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancel, err := b.CancelOrder(ctx, res.BrokerOrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancel.Success {
		t.Fatalf("cancel failed: %s", cancel.Error)
	}

	after, err := b.GetAccountInfo(ctx)
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if !after.Balance.Equal(before.Balance) {
		t.Errorf("balance changed across submit+cancel: %s -> %s", before.Balance, after.Balance)
	}
	positions, err := b.GetPositions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("expected no positions, got %d", len(positions))
	}

	// A second cancel is a no-op failure.
	again, err := b.CancelOrder(ctx, res.BrokerOrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if again.Success {
		t.Error("cancel of an already-cancelled order should fail")
	}
}

func TestTakeProfitTriggersBeforeStopLoss(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.SetMidPrice("EURUSD", d(1.1000), d(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	var closed []sim.CloseEvent
	b.OnClose(func(ev sim.CloseEvent) { closed = append(closed, ev) })

	res, err := b.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: "c1",
		Symbol:        "EURUSD",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      d(0.1),
		StopLoss:      d(1.0950),
		TakeProfit:    d(1.1050),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != string(types.OrderStatusFilled) {
		t.Fatalf("market order not filled: %+v", res)
	}

	if err := b.SetMidPrice("EURUSD", d(1.1060), d(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	if len(closed) != 1 {
		t.Fatalf("expected one close event, got %d", len(closed))
	}
	if closed[0].Reason != types.ExitTakeProfit {
		t.Errorf("exit reason = %s, want tp", closed[0].Reason)
	}
	if !closed[0].ExitPrice.Equal(d(1.1050)) {
		t.Errorf("exit price = %s, want take-profit level", closed[0].ExitPrice)
	}
	if !closed[0].PnL.IsPositive() {
		t.Errorf("take-profit close should realize a gain, got %s", closed[0].PnL)
	}

	positions, err := b.GetPositions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("position should have self-closed")
	}
}

func TestEquityTracksUnrealizedPnL(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.SetMidPrice("EURUSD", d(1.1000), d(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := b.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: "c1",
		Symbol:        "EURUSD",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      d(0.1),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	mids := []float64{1.1005, 1.0990, 1.1012}
	for _, mid := range mids {
		if err := b.SetMidPrice("EURUSD", d(mid), d(2)); err != nil {
			t.Fatalf("set price: %v", err)
		}
		acct, err := b.GetAccountInfo(ctx)
		if err != nil {
			t.Fatalf("account info: %v", err)
		}
		positions, err := b.GetPositions(ctx)
		if err != nil {
			t.Fatalf("positions: %v", err)
		}
		sum := acct.Balance
		for _, p := range positions {
			sum = sum.Add(p.UnrealizedPnL)
		}
		if !acct.Equity.Sub(sum).Abs().LessThan(d(1e-6)) {
			t.Errorf("at mid %v equity %s != balance+unrealized %s", mid, acct.Equity, sum)
		}
	}
}

func TestResetAccountRestoresInitialState(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.SetMidPrice("EURUSD", d(1.1000), d(2)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := b.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: "c1",
		Symbol:        "EURUSD",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      d(0.1),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := b.ResetAccount(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	acct, err := b.GetAccountInfo(ctx)
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if !acct.Balance.Equal(sim.DefaultConfig().InitialBalance) {
		t.Errorf("balance = %s, want initial", acct.Balance)
	}
	positions, err := b.GetPositions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("expected empty position set after reset")
	}
}

func TestOrderShapeValidation(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	cases := []broker.OrderRequest{
		{Symbol: "", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d(1)},
		{Symbol: "EURUSD", Side: "hold", Type: types.OrderTypeMarket, Quantity: d(1)},
		{Symbol: "EURUSD", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d(-1)},
		{Symbol: "EURUSD", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d(1)},
		{Symbol: "EURUSD", Side: types.OrderSideBuy, Type: types.OrderTypeStop, Quantity: d(1)},
	}
	for i, req := range cases {
		if _, err := b.SubmitOrder(ctx, req); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	if got := b.Submissions(); got != 0 {
		t.Errorf("invalid orders should not count as submissions, got %d", got)
	}
}
