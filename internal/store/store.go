// Package store provides the durable persistence layer over gorm. All logical
// tables live here; journal entries and audit rows are append-only (no update
// or delete methods exist for them).
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/crestline-labs/trading-core/pkg/types"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the database handle.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// Open connects to the database at dsn and migrates the schema. A plain path
// opens SQLite; ":memory:" is accepted for tests.
func Open(logger *zap.Logger, dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&types.User{},
		&types.UserPreference{},
		&types.Signal{},
		&types.Position{},
		&types.ExecutionOrder{},
		&types.ExecutionLog{},
		&types.BrokerConnection{},
		&types.RiskDecision{},
		&types.AccountRiskState{},
		&types.StrategyBudget{},
		&types.Message{},
		&types.CycleState{},
		&types.AgentHealth{},
		&types.JournalEntry{},
		&types.FeedbackDecision{},
		&types.PerformanceSnapshot{},
		&types.SystemSettings{},
		&types.SettingsAudit{},
		&types.ExecutionModeAudit{},
		&types.SimulationAccount{},
		&types.SimulationPosition{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("Database initialized", zap.String("dsn", dsn))
	return &Store{logger: logger.Named("store"), db: db}, nil
}

// Ping verifies the underlying connection is alive.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Transaction runs fn inside a database transaction. The callback receives a
// Store bound to the transaction handle.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{logger: s.logger, db: tx})
	})
}

// ---- signals ----

func (s *Store) CreateSignal(sig *types.Signal) error {
	return s.db.Create(sig).Error
}

func (s *Store) GetSignal(id string) (*types.Signal, error) {
	var sig types.Signal
	if err := s.db.First(&sig, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &sig, nil
}

func (s *Store) SaveSignal(sig *types.Signal) error {
	return s.db.Save(sig).Error
}

func (s *Store) ListPendingSignals(symbol string, strategies []string) ([]types.Signal, error) {
	q := s.db.Where("status = ?", types.SignalPending)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if len(strategies) > 0 {
		q = q.Where("strategy IN ?", strategies)
	}
	var sigs []types.Signal
	err := q.Order("created_at ASC").Find(&sigs).Error
	return sigs, err
}

// ExpirePendingSignals marks pending signals past their expiry as expired and
// returns how many rows changed.
func (s *Store) ExpirePendingSignals(now time.Time) (int64, error) {
	res := s.db.Model(&types.Signal{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", types.SignalPending, now).
		Updates(map[string]any{"status": types.SignalExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}

// ---- positions ----

func (s *Store) CreatePosition(p *types.Position) error {
	return s.db.Create(p).Error
}

func (s *Store) SavePosition(p *types.Position) error {
	return s.db.Save(p).Error
}

func (s *Store) GetPosition(id string) (*types.Position, error) {
	var p types.Position
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListOpenPositions() ([]types.Position, error) {
	var ps []types.Position
	err := s.db.Where("status = ?", types.PositionOpen).Find(&ps).Error
	return ps, err
}

// ---- execution orders and logs ----

func (s *Store) CreateOrder(o *types.ExecutionOrder) error {
	return s.db.Create(o).Error
}

func (s *Store) SaveOrder(o *types.ExecutionOrder) error {
	return s.db.Save(o).Error
}

func (s *Store) GetOrder(id string) (*types.ExecutionOrder, error) {
	var o types.ExecutionOrder
	if err := s.db.First(&o, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetOrderByClientID(clientOrderID string) (*types.ExecutionOrder, error) {
	var o types.ExecutionOrder
	if err := s.db.First(&o, "client_order_id = ?", clientOrderID).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) ListOrders(limit int) ([]types.ExecutionOrder, error) {
	var os []types.ExecutionOrder
	err := s.db.Order("created_at DESC").Limit(limit).Find(&os).Error
	return os, err
}

func (s *Store) AppendExecutionLog(l *types.ExecutionLog) error {
	return s.db.Create(l).Error
}

func (s *Store) ListExecutionLogs(orderID string) ([]types.ExecutionLog, error) {
	var ls []types.ExecutionLog
	err := s.db.Where("order_id = ?", orderID).Order("id ASC").Find(&ls).Error
	return ls, err
}

// ---- broker connections ----

func (s *Store) UpsertBrokerConnection(c *types.BrokerConnection) error {
	return s.db.Save(c).Error
}

func (s *Store) GetBrokerConnection(brokerType string) (*types.BrokerConnection, error) {
	var c types.BrokerConnection
	if err := s.db.First(&c, "broker_type = ?", brokerType).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ---- risk ----

func (s *Store) GetAccountRiskState(account string) (*types.AccountRiskState, error) {
	var st types.AccountRiskState
	err := s.db.Where(types.AccountRiskState{Account: account}).FirstOrCreate(&st).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) SaveAccountRiskState(st *types.AccountRiskState) error {
	return s.db.Save(st).Error
}

func (s *Store) GetStrategyBudget(strategy, symbol string) (*types.StrategyBudget, error) {
	var b types.StrategyBudget
	err := s.db.Where(types.StrategyBudget{Strategy: strategy, Symbol: symbol}).
		Attrs(types.StrategyBudget{Enabled: true}).
		FirstOrCreate(&b).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) SaveStrategyBudget(b *types.StrategyBudget) error {
	return s.db.Save(b).Error
}

func (s *Store) ListStrategyBudgets() ([]types.StrategyBudget, error) {
	var bs []types.StrategyBudget
	err := s.db.Order("strategy ASC, symbol ASC").Find(&bs).Error
	return bs, err
}

func (s *Store) CreateRiskDecision(d *types.RiskDecision) error {
	return s.db.Create(d).Error
}

func (s *Store) ListRiskDecisions(limit int) ([]types.RiskDecision, error) {
	var ds []types.RiskDecision
	err := s.db.Order("created_at DESC").Limit(limit).Find(&ds).Error
	return ds, err
}

// ---- agent messages ----

func (s *Store) CreateMessage(m *types.Message) error {
	return s.db.Create(m).Error
}

func (s *Store) GetMessage(id string) (*types.Message, error) {
	var m types.Message
	if err := s.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) SaveMessage(m *types.Message) error {
	return s.db.Save(m).Error
}

// ReceiveMessages returns unprocessed, unexpired messages for an agent in
// priority-then-time order.
func (s *Store) ReceiveMessages(agent string, msgType types.MessageType, limit int, now time.Time) ([]types.Message, error) {
	q := s.db.Where("to_agent = ? AND processed = ?", agent, false).
		Where("expires_at IS NULL OR expires_at > ?", now)
	if msgType != "" {
		q = q.Where("type = ?", msgType)
	}
	var ms []types.Message
	err := q.Order("priority ASC, sent_at ASC").Limit(limit).Find(&ms).Error
	return ms, err
}

func (s *Store) ListMessages(limit int) ([]types.Message, error) {
	var ms []types.Message
	err := s.db.Order("sent_at DESC").Limit(limit).Find(&ms).Error
	return ms, err
}

// ---- coordination ----

func (s *Store) SaveCycleState(c *types.CycleState) error {
	return s.db.Save(c).Error
}

func (s *Store) GetCycleState(cycleID string) (*types.CycleState, error) {
	var c types.CycleState
	if err := s.db.First(&c, "cycle_id = ?", cycleID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCycles(limit int) ([]types.CycleState, error) {
	var cs []types.CycleState
	err := s.db.Order("started_at DESC").Limit(limit).Find(&cs).Error
	return cs, err
}

func (s *Store) SaveAgentHealth(h *types.AgentHealth) error {
	return s.db.Save(h).Error
}

func (s *Store) GetAgentHealth(name string) (*types.AgentHealth, error) {
	var h types.AgentHealth
	if err := s.db.First(&h, "name = ?", name).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Store) ListAgentHealth() ([]types.AgentHealth, error) {
	var hs []types.AgentHealth
	err := s.db.Order("name ASC").Find(&hs).Error
	return hs, err
}

// ---- journal (append-only) ----

func (s *Store) CreateJournalEntry(e *types.JournalEntry) error {
	return s.db.Create(e).Error
}

func (s *Store) GetJournalEntry(entryID string) (*types.JournalEntry, error) {
	var e types.JournalEntry
	if err := s.db.First(&e, "entry_id = ?", entryID).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// JournalFilter narrows journal queries. Zero values mean "any".
type JournalFilter struct {
	Strategy string
	Symbol   string
	Source   types.JournalSource
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (s *Store) ListJournalEntries(f JournalFilter) ([]types.JournalEntry, error) {
	q := s.db.Model(&types.JournalEntry{})
	if f.Strategy != "" {
		q = q.Where("strategy = ?", f.Strategy)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if !f.Since.IsZero() {
		q = q.Where("exit_time >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("exit_time <= ?", f.Until)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var es []types.JournalEntry
	err := q.Order("exit_time ASC").Find(&es).Error
	return es, err
}

// JournalPairs returns the distinct (strategy, symbol) pairs with entries in
// the window, for batch feedback runs.
func (s *Store) JournalPairs(since time.Time) ([][2]string, error) {
	type row struct {
		Strategy string
		Symbol   string
	}
	var rows []row
	err := s.db.Model(&types.JournalEntry{}).
		Select("DISTINCT strategy, symbol").
		Where("exit_time >= ?", since).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	pairs := make([][2]string, 0, len(rows))
	for _, r := range rows {
		pairs = append(pairs, [2]string{r.Strategy, r.Symbol})
	}
	return pairs, nil
}

// ---- feedback and snapshots ----

func (s *Store) CreateFeedbackDecision(d *types.FeedbackDecision) error {
	return s.db.Create(d).Error
}

func (s *Store) SaveFeedbackDecision(d *types.FeedbackDecision) error {
	return s.db.Save(d).Error
}

func (s *Store) ListFeedbackDecisions(limit int) ([]types.FeedbackDecision, error) {
	var ds []types.FeedbackDecision
	err := s.db.Order("created_at DESC").Limit(limit).Find(&ds).Error
	return ds, err
}

func (s *Store) CreateSnapshot(snap *types.PerformanceSnapshot) error {
	return s.db.Create(snap).Error
}

func (s *Store) LatestSnapshot(strategy, symbol string) (*types.PerformanceSnapshot, error) {
	var snap types.PerformanceSnapshot
	err := s.db.Where("strategy = ? AND symbol = ?", strategy, symbol).
		Order("created_at DESC").First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) ListSnapshots(limit int) ([]types.PerformanceSnapshot, error) {
	var snaps []types.PerformanceSnapshot
	err := s.db.Order("created_at DESC").Limit(limit).Find(&snaps).Error
	return snaps, err
}

// ---- settings ----

// GetSettings returns the singleton settings row, creating it from defaults
// on first access.
func (s *Store) GetSettings(defaults types.SystemSettings) (*types.SystemSettings, error) {
	var st types.SystemSettings
	defaults.ID = 1
	err := s.db.Where(types.SystemSettings{ID: 1}).Attrs(defaults).FirstOrCreate(&st).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) SaveSettings(st *types.SystemSettings) error {
	return s.db.Save(st).Error
}

func (s *Store) CreateSettingsAudit(a *types.SettingsAudit) error {
	return s.db.Create(a).Error
}

func (s *Store) ListSettingsAudit(limit int) ([]types.SettingsAudit, error) {
	var as []types.SettingsAudit
	err := s.db.Order("created_at DESC").Limit(limit).Find(&as).Error
	return as, err
}

func (s *Store) CreateExecutionModeAudit(a *types.ExecutionModeAudit) error {
	return s.db.Create(a).Error
}

func (s *Store) ListExecutionModeAudit(limit int) ([]types.ExecutionModeAudit, error) {
	var as []types.ExecutionModeAudit
	err := s.db.Order("created_at DESC").Limit(limit).Find(&as).Error
	return as, err
}

// ---- users and preferences ----

func (s *Store) CreateUser(u *types.User) error {
	return s.db.Create(u).Error
}

func (s *Store) GetUser(id string) (*types.User, error) {
	var u types.User
	if err := s.db.First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(email string) (*types.User, error) {
	var u types.User
	if err := s.db.First(&u, "email = ?", strings.ToLower(email)).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UpsertPreference(p *types.UserPreference) error {
	var existing types.UserPreference
	err := s.db.Where("user_id = ? AND key = ?", p.UserID, p.Key).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.Create(p).Error
	}
	if err != nil {
		return err
	}
	existing.Value = p.Value
	return s.db.Save(&existing).Error
}

func (s *Store) ListPreferences(userID string) ([]types.UserPreference, error) {
	var ps []types.UserPreference
	err := s.db.Where("user_id = ?", userID).Order("key ASC").Find(&ps).Error
	return ps, err
}

// ---- simulation ----

func (s *Store) GetSimAccount(user string, defaults types.SimulationAccount) (*types.SimulationAccount, error) {
	var a types.SimulationAccount
	defaults.User = user
	err := s.db.Where(types.SimulationAccount{User: user}).Attrs(defaults).FirstOrCreate(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) SaveSimAccount(a *types.SimulationAccount) error {
	return s.db.Save(a).Error
}

func (s *Store) CreateSimPosition(p *types.SimulationPosition) error {
	return s.db.Create(p).Error
}

func (s *Store) SaveSimPosition(p *types.SimulationPosition) error {
	return s.db.Save(p).Error
}

func (s *Store) DeleteSimPosition(id string) error {
	return s.db.Delete(&types.SimulationPosition{}, "id = ?", id).Error
}

func (s *Store) ListSimPositions(user string) ([]types.SimulationPosition, error) {
	var ps []types.SimulationPosition
	err := s.db.Where("user = ?", user).Order("opened_at ASC").Find(&ps).Error
	return ps, err
}

// DeleteSimAccount walks the account's positions before removing the account
// row itself. Cascades are explicit; nothing relies on foreign-key actions.
func (s *Store) DeleteSimAccount(user string) error {
	return s.Transaction(func(tx *Store) error {
		if err := tx.db.Delete(&types.SimulationPosition{}, "user = ?", user).Error; err != nil {
			return err
		}
		return tx.db.Delete(&types.SimulationAccount{}, "user = ?", user).Error
	})
}

// IsNotFound reports whether err is the store's record-not-found error.
func IsNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}
