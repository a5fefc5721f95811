// Package types provides shared type definitions for the trading core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the top-level operating mode. GUIDE records decisions but never
// submits to a broker; AUTONOMOUS may submit.
type Mode string

const (
	ModeGuide      Mode = "guide"
	ModeAutonomous Mode = "autonomous"
)

// ExecutionMode selects the consequence level of the execution target.
type ExecutionMode string

const (
	ExecutionModeSimulation ExecutionMode = "simulation"
	ExecutionModePaper      ExecutionMode = "paper"
	ExecutionModeLive       ExecutionMode = "live"
)

// SignalSide is the intended market direction of a signal.
type SignalSide string

const (
	SideLong  SignalSide = "long"
	SideShort SignalSide = "short"
)

// SignalStatus tracks the signal lifecycle. Only the execution engine
// transitions a signal out of PENDING.
type SignalStatus string

const (
	SignalPending   SignalStatus = "pending"
	SignalExecuted  SignalStatus = "executed"
	SignalCancelled SignalStatus = "cancelled"
	SignalExpired   SignalStatus = "expired"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus represents the status of an execution order. Transitions are
// monotonic along the order-lifecycle DAG.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusFailed          OrderStatus = "failed"
)

// PositionStatus represents open or closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// ExitReason is emitted by whichever component closes a position.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "tp"
	ExitStopLoss   ExitReason = "sl"
	ExitManual     ExitReason = "manual"
	ExitExpired    ExitReason = "expired"
)

// JournalSource identifies where a journal entry came from.
type JournalSource string

const (
	SourceBacktest JournalSource = "backtest"
	SourceLive     JournalSource = "live"
	SourcePaper    JournalSource = "paper"
)

// MessageType classifies inter-agent messages.
type MessageType string

const (
	MsgCommand  MessageType = "command"
	MsgRequest  MessageType = "request"
	MsgResponse MessageType = "response"
	MsgEvent    MessageType = "event"
	MsgHalt     MessageType = "halt"
)

// MessagePriority orders bus delivery; lower is more urgent.
type MessagePriority int

const (
	PriorityCritical MessagePriority = 0
	PriorityHigh     MessagePriority = 1
	PriorityNormal   MessagePriority = 2
	PriorityLow      MessagePriority = 3
)

// CyclePhase is a state in the coordination phase machine.
type CyclePhase string

const (
	PhaseInitializing     CyclePhase = "initializing"
	PhaseStrategyAnalysis CyclePhase = "strategy_analysis"
	PhaseRiskValidation   CyclePhase = "risk_validation"
	PhaseExecution        CyclePhase = "execution"
	PhaseCompleted        CyclePhase = "completed"
	PhaseHalted           CyclePhase = "halted"
	PhaseFailed           CyclePhase = "failed"
)

// Terminal reports whether the phase is a terminal state.
func (p CyclePhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseHalted || p == PhaseFailed
}

// RiskSeverity grades a risk rejection.
type RiskSeverity string

const (
	SeverityWarning   RiskSeverity = "warning"
	SeverityCritical  RiskSeverity = "critical"
	SeverityEmergency RiskSeverity = "emergency"
)

// Signal is a proposed trade from a strategy producer.
type Signal struct {
	ID         string          `json:"id" gorm:"primaryKey"`
	Strategy   string          `json:"strategy" gorm:"index"`
	Symbol     string          `json:"symbol" gorm:"index"`
	Side       SignalSide      `json:"side"`
	Entry      decimal.Decimal `json:"entry" gorm:"type:decimal(20,8)"`
	StopLoss   decimal.Decimal `json:"stopLoss" gorm:"type:decimal(20,8)"`
	TakeProfit decimal.Decimal `json:"takeProfit" gorm:"type:decimal(20,8)"`
	RiskPct    decimal.Decimal `json:"riskPct" gorm:"type:decimal(10,4)"`
	Timeframe  string          `json:"timeframe"`
	Status     SignalStatus    `json:"status" gorm:"index"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
}

// RiskReward returns |tp-entry| / |entry-sl|, or zero when the stop distance
// is zero.
func (s *Signal) RiskReward() decimal.Decimal {
	riskPerUnit := s.Entry.Sub(s.StopLoss).Abs()
	if riskPerUnit.IsZero() {
		return decimal.Zero
	}
	return s.TakeProfit.Sub(s.Entry).Abs().Div(riskPerUnit)
}

// Position is a market exposure owned by its broker adapter while open and an
// immutable record once closed.
type Position struct {
	ID          string          `json:"id" gorm:"primaryKey"`
	Strategy    string          `json:"strategy" gorm:"index"`
	Symbol      string          `json:"symbol" gorm:"index"`
	Side        SignalSide      `json:"side"`
	Entry       decimal.Decimal `json:"entry" gorm:"type:decimal(20,8)"`
	Size        decimal.Decimal `json:"size" gorm:"type:decimal(20,8)"`
	StopLoss    decimal.Decimal `json:"stopLoss" gorm:"type:decimal(20,8)"`
	TakeProfit  decimal.Decimal `json:"takeProfit" gorm:"type:decimal(20,8)"`
	Status      PositionStatus  `json:"status" gorm:"index"`
	Exit        decimal.Decimal `json:"exit" gorm:"type:decimal(20,8)"`
	RealizedPnL decimal.Decimal `json:"realizedPnl" gorm:"type:decimal(20,8)"`
	Commission  decimal.Decimal `json:"commission" gorm:"type:decimal(20,8)"`
	ExitReason  ExitReason      `json:"exitReason,omitempty"`
	OpenedAt    time.Time       `json:"openedAt"`
	ClosedAt    *time.Time      `json:"closedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ExecutionOrder is the engine's durable record of one submission attempt.
type ExecutionOrder struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	ClientOrderID  string          `json:"clientOrderId" gorm:"uniqueIndex"`
	BrokerOrderID  string          `json:"brokerOrderId,omitempty"`
	BrokerType     string          `json:"brokerType"`
	SignalID       string          `json:"signalId" gorm:"index"`
	Strategy       string          `json:"strategy" gorm:"index"`
	Symbol         string          `json:"symbol"`
	OrderType      OrderType       `json:"orderType"`
	Side           OrderSide       `json:"side"`
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8)"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(20,8)"`
	StopPrice      decimal.Decimal `json:"stopPrice" gorm:"type:decimal(20,8)"`
	StopLoss       decimal.Decimal `json:"stopLoss" gorm:"type:decimal(20,8)"`
	TakeProfit     decimal.Decimal `json:"takeProfit" gorm:"type:decimal(20,8)"`
	Status         OrderStatus     `json:"status" gorm:"index"`
	StatusReason   string          `json:"statusReason,omitempty"`
	FilledQuantity decimal.Decimal `json:"filledQuantity" gorm:"type:decimal(20,8)"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice" gorm:"type:decimal(20,8)"`
	Commission     decimal.Decimal `json:"commission" gorm:"type:decimal(20,8)"`
	SubmittedAt    *time.Time      `json:"submittedAt,omitempty"`
	FilledAt       *time.Time      `json:"filledAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ExecutionLog is one structured event in an order's audit trail.
type ExecutionLog struct {
	ID        uint        `json:"id" gorm:"primaryKey;autoIncrement"`
	OrderID   string      `json:"orderId" gorm:"index"`
	SignalID  string      `json:"signalId" gorm:"index"`
	Event     string      `json:"event"`
	Status    OrderStatus `json:"status"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// AccountRiskState is the singleton per-account risk rollup.
type AccountRiskState struct {
	Account                 string          `json:"account" gorm:"primaryKey"`
	Balance                 decimal.Decimal `json:"balance" gorm:"type:decimal(20,8)"`
	PeakBalance             decimal.Decimal `json:"peakBalance" gorm:"type:decimal(20,8)"`
	DrawdownPct             decimal.Decimal `json:"drawdownPct" gorm:"type:decimal(10,4)"`
	DailyPnL                decimal.Decimal `json:"dailyPnl" gorm:"type:decimal(20,8)"`
	DailyLossPct            decimal.Decimal `json:"dailyLossPct" gorm:"type:decimal(10,4)"`
	TradesToday             int             `json:"tradesToday"`
	TradesThisHour          int             `json:"tradesThisHour"`
	HourWindowStart         time.Time       `json:"hourWindowStart"`
	OpenPositions           int             `json:"openPositions"`
	TotalExposure           decimal.Decimal `json:"totalExposure" gorm:"type:decimal(20,8)"`
	EmergencyShutdownActive bool            `json:"emergencyShutdownActive"`
	ThrottlingActive        bool            `json:"throttlingActive"`
	LastUpdated             time.Time       `json:"lastUpdated"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// StrategyBudget tracks per-(strategy, symbol) exposure and the auto-disable
// counter.
type StrategyBudget struct {
	ID                uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	Strategy          string          `json:"strategy" gorm:"index:idx_budget_key,unique"`
	Symbol            string          `json:"symbol" gorm:"index:idx_budget_key,unique"`
	CurrentExposure   decimal.Decimal `json:"currentExposure" gorm:"type:decimal(20,8)"`
	DailyPnL          decimal.Decimal `json:"dailyPnl" gorm:"type:decimal(20,8)"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	Enabled           bool            `json:"enabled"`
	DisabledReason    string          `json:"disabledReason,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// RiskDecision is the audit row written for every validator invocation.
type RiskDecision struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	SignalID       string          `json:"signalId" gorm:"index"`
	Strategy       string          `json:"strategy"`
	Symbol         string          `json:"symbol"`
	Approved       bool            `json:"approved"`
	Reason         string          `json:"reason,omitempty"`
	Severity       RiskSeverity    `json:"severity,omitempty"`
	PositionSize   decimal.Decimal `json:"positionSize" gorm:"type:decimal(20,8)"`
	RiskPct        decimal.Decimal `json:"riskPct" gorm:"type:decimal(10,4)"`
	RiskReward     decimal.Decimal `json:"riskReward" gorm:"type:decimal(10,4)"`
	LimitsSnapshot string          `json:"limitsSnapshot"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Message is one durable inter-agent mailbox entry.
type Message struct {
	ID                string          `json:"id" gorm:"primaryKey"`
	From              string          `json:"from" gorm:"column:from_agent"`
	To                string          `json:"to" gorm:"column:to_agent;index"`
	Type              MessageType     `json:"type"`
	Priority          MessagePriority `json:"priority"`
	Subject           string          `json:"subject"`
	Payload           string          `json:"payload"`
	SentAt            time.Time       `json:"sentAt"`
	ExpiresAt         *time.Time      `json:"expiresAt,omitempty"`
	Processed         bool            `json:"processed" gorm:"index"`
	ResponseMessageID string          `json:"responseMessageId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// CycleState is the per-cycle phase machine plus scratchpad snapshot.
type CycleState struct {
	CycleID       string     `json:"cycleId" gorm:"primaryKey"`
	Phase         CyclePhase `json:"phase"`
	ActiveAgents  string     `json:"activeAgents"`
	SharedData    string     `json:"sharedData"`
	HaltRequested bool       `json:"haltRequested"`
	HaltReason    string     `json:"haltReason,omitempty"`
	Result        string     `json:"result,omitempty"`
	Errors        string     `json:"errors,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// AgentHealth is the per-agent liveness and error-rate record.
type AgentHealth struct {
	Name          string    `json:"name" gorm:"primaryKey"`
	IsHealthy     bool      `json:"isHealthy"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	AvgResponseMs float64   `json:"avgResponseMs"`
	ErrorCount    int       `json:"errorCount"`
	SuccessCount  int       `json:"successCount"`
	StatusMsg     string    `json:"statusMsg,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// JournalEntry is an immutable snapshot of a completed trade. The store
// exposes no update or delete path for it.
type JournalEntry struct {
	EntryID         string          `json:"entryId" gorm:"primaryKey"`
	Source          JournalSource   `json:"source" gorm:"index"`
	ParentID        string          `json:"parentId"`
	Strategy        string          `json:"strategy" gorm:"index:idx_journal_key"`
	Symbol          string          `json:"symbol" gorm:"index:idx_journal_key"`
	Side            SignalSide      `json:"side"`
	Entry           decimal.Decimal `json:"entry" gorm:"type:decimal(20,8)"`
	Exit            decimal.Decimal `json:"exit" gorm:"type:decimal(20,8)"`
	Size            decimal.Decimal `json:"size" gorm:"type:decimal(20,8)"`
	PnL             decimal.Decimal `json:"pnl" gorm:"type:decimal(20,8)"`
	Commission      decimal.Decimal `json:"commission" gorm:"type:decimal(20,8)"`
	Slippage        decimal.Decimal `json:"slippage" gorm:"type:decimal(20,8)"`
	IsWinner        bool            `json:"isWinner"`
	ExitReason      ExitReason      `json:"exitReason"`
	EntryTime       time.Time       `json:"entryTime"`
	ExitTime        time.Time       `json:"exitTime" gorm:"index"`
	DurationMinutes int             `json:"durationMinutes"`
	StrategyConfig  string          `json:"strategyConfig"`
	MarketContext   string          `json:"marketContext,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// FeedbackDecision records one rule-based feedback cycle outcome.
type FeedbackDecision struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Strategy  string    `json:"strategy" gorm:"index"`
	Symbol    string    `json:"symbol"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	Issues    string    `json:"issues,omitempty"`
	Executed  bool      `json:"executed"`
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PerformanceSnapshot is a stored analysis window used as a deviation
// baseline.
type PerformanceSnapshot struct {
	ID           string          `json:"id" gorm:"primaryKey"`
	Strategy     string          `json:"strategy" gorm:"index:idx_snapshot_key"`
	Symbol       string          `json:"symbol" gorm:"index:idx_snapshot_key"`
	Source       JournalSource   `json:"source"`
	TotalTrades  int             `json:"totalTrades"`
	WinRate      decimal.Decimal `json:"winRate" gorm:"type:decimal(10,4)"`
	ProfitFactor decimal.Decimal `json:"profitFactor" gorm:"type:decimal(10,4)"`
	AvgPnL       decimal.Decimal `json:"avgPnl" gorm:"type:decimal(20,8)"`
	TotalPnL     decimal.Decimal `json:"totalPnl" gorm:"type:decimal(20,8)"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// SimulationAccount is the simulated venue's per-user account.
type SimulationAccount struct {
	User             string          `json:"user" gorm:"primaryKey"`
	Balance          decimal.Decimal `json:"balance" gorm:"type:decimal(20,8)"`
	Equity           decimal.Decimal `json:"equity" gorm:"type:decimal(20,8)"`
	MarginUsed       decimal.Decimal `json:"marginUsed" gorm:"type:decimal(20,8)"`
	MarginAvailable  decimal.Decimal `json:"marginAvailable" gorm:"type:decimal(20,8)"`
	InitialBalance   decimal.Decimal `json:"initialBalance" gorm:"type:decimal(20,8)"`
	SlippagePips     decimal.Decimal `json:"slippagePips" gorm:"type:decimal(10,4)"`
	CommissionPerLot decimal.Decimal `json:"commissionPerLot" gorm:"type:decimal(20,8)"`
	LatencyMs        int             `json:"latencyMs"`
	FillProbability  float64         `json:"fillProbability"`
	TotalTrades      int             `json:"totalTrades"`
	WinningTrades    int             `json:"winningTrades"`
	TotalPnL         decimal.Decimal `json:"totalPnl" gorm:"type:decimal(20,8)"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// SimulationPosition is an open exposure at the simulated venue.
type SimulationPosition struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	User          string          `json:"user" gorm:"index"`
	Symbol        string          `json:"symbol" gorm:"index"`
	Side          OrderSide       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8)"`
	EntryPrice    decimal.Decimal `json:"entryPrice" gorm:"type:decimal(20,8)"`
	CurrentPrice  decimal.Decimal `json:"currentPrice" gorm:"type:decimal(20,8)"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl" gorm:"type:decimal(20,8)"`
	StopLoss      decimal.Decimal `json:"stopLoss" gorm:"type:decimal(20,8)"`
	TakeProfit    decimal.Decimal `json:"takeProfit" gorm:"type:decimal(20,8)"`
	OpenedAt      time.Time       `json:"openedAt"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// User is an authenticated API identity.
type User struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	Email        string    `json:"email" gorm:"uniqueIndex"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UserPreference is one namespaced preference value for a user.
type UserPreference struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    string    `json:"userId" gorm:"index:idx_pref_key,unique"`
	Key       string    `json:"key" gorm:"index:idx_pref_key,unique"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SystemSettings is the single writable source for soft limits and modes.
type SystemSettings struct {
	ID                 uint            `json:"-" gorm:"primaryKey"`
	Mode               Mode            `json:"mode"`
	ExecutionMode      ExecutionMode   `json:"executionMode"`
	BrokerType         string          `json:"brokerType"`
	MaxRiskPerTradePct decimal.Decimal `json:"maxRiskPerTradePct" gorm:"type:decimal(10,4)"`
	MaxDailyLossPct    decimal.Decimal `json:"maxDailyLossPct" gorm:"type:decimal(10,4)"`
	MaxOpenPositions   int             `json:"maxOpenPositions"`
	MaxTradesPerDay    int             `json:"maxTradesPerDay"`
	MaxTradesPerHour   int             `json:"maxTradesPerHour"`
	MaxPositionSize    decimal.Decimal `json:"maxPositionSize" gorm:"type:decimal(20,8)"`
	MinRiskReward      decimal.Decimal `json:"minRiskReward" gorm:"type:decimal(10,4)"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// SettingsAudit is one append-only settings change record.
type SettingsAudit struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ChangeType string    `json:"changeType"`
	OldValue   string    `json:"oldValue"`
	NewValue   string    `json:"newValue"`
	Reason     string    `json:"reason"`
	User       string    `json:"user" gorm:"column:changed_by"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ExecutionModeAudit records execution-mode transitions with the confirmation
// context the LIVE gate requires.
type ExecutionModeAudit struct {
	ID               uint          `json:"id" gorm:"primaryKey;autoIncrement"`
	OldMode          ExecutionMode `json:"oldMode"`
	NewMode          ExecutionMode `json:"newMode"`
	Reason           string        `json:"reason"`
	User             string        `json:"user" gorm:"column:changed_by"`
	PasswordVerified bool          `json:"passwordVerified"`
	Confirmed        bool          `json:"confirmed"`
	IPAddress        string        `json:"ipAddress,omitempty"`
	UserAgent        string        `json:"userAgent,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// BrokerConnection tracks adapter connectivity per broker type.
type BrokerConnection struct {
	BrokerType  string    `json:"brokerType" gorm:"primaryKey"`
	Connected   bool      `json:"connected"`
	LastError   string    `json:"lastError,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
