package journal_test

import (
	"strings"
	"testing"
	"time"

	"github.com/crestline-labs/trading-core/internal/journal"
	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func record(pnl float64, exitOffset time.Duration) journal.TradeRecord {
	entryTime := time.Now().UTC().Add(exitOffset - 90*time.Minute)
	return journal.TradeRecord{
		Source:     types.SourceLive,
		ParentID:   "pos1",
		Strategy:   "MA",
		Symbol:     "EURUSD",
		Side:       types.SideLong,
		Entry:      decimal.NewFromFloat(1.1000),
		Exit:       decimal.NewFromFloat(1.1050),
		Size:       decimal.NewFromFloat(0.1),
		PnL:        decimal.NewFromFloat(pnl),
		Commission: decimal.NewFromFloat(0.7),
		ExitReason: types.ExitTakeProfit,
		EntryTime:  entryTime,
		ExitTime:   entryTime.Add(90 * time.Minute),
	}
}

func TestWriterEntryShape(t *testing.T) {
	st := newTestStore(t)
	w := journal.NewWriter(zap.NewNop(), st)

	entry, err := w.Record(record(50, -time.Hour))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !strings.HasPrefix(entry.EntryID, "LIVE_pos1_") {
		t.Errorf("entry id = %q, want LIVE_pos1_<hex> prefix", entry.EntryID)
	}
	if !entry.IsWinner {
		t.Error("positive pnl must mark a winner")
	}
	if entry.DurationMinutes != 90 {
		t.Errorf("duration = %d, want 90", entry.DurationMinutes)
	}

	loser, err := w.Record(record(-10, -time.Hour))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if loser.IsWinner {
		t.Error("negative pnl must not mark a winner")
	}
	if loser.EntryID == entry.EntryID {
		t.Error("entry ids must be unique")
	}

	flat := record(0, -time.Hour)
	zero, err := w.Record(flat)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if zero.IsWinner {
		t.Error("zero pnl is not a win")
	}
}

func TestWriterRejectsInvertedTimes(t *testing.T) {
	st := newTestStore(t)
	w := journal.NewWriter(zap.NewNop(), st)

	rec := record(10, -time.Hour)
	rec.EntryTime = rec.ExitTime.Add(time.Minute)
	if _, err := w.Record(rec); err == nil {
		t.Fatal("expected validation error for exit before entry")
	}
}

func TestAnalyzerMetricsAndStreaks(t *testing.T) {
	st := newTestStore(t)
	w := journal.NewWriter(zap.NewNop(), st)
	a := journal.NewAnalyzer(zap.NewNop(), st)

	// W W L L L W, ordered by exit time.
	pnls := []float64{100, 50, -30, -30, -40, 80}
	for i, pnl := range pnls {
		if _, err := w.Record(record(pnl, time.Duration(i-10)*time.Minute)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	perf, err := a.Analyze("MA", "EURUSD", types.SourceLive, 24*time.Hour)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if perf.TotalTrades != 6 || perf.WinningTrades != 3 || perf.LosingTrades != 3 {
		t.Fatalf("counts = %d/%d/%d", perf.TotalTrades, perf.WinningTrades, perf.LosingTrades)
	}
	if !perf.WinRate.Equal(decimal.NewFromInt(50)) {
		t.Errorf("win rate = %s, want 50", perf.WinRate)
	}
	if !perf.TotalPnL.Equal(decimal.NewFromInt(130)) {
		t.Errorf("total pnl = %s, want 130", perf.TotalPnL)
	}
	if perf.MaxConsecutiveWins != 2 || perf.MaxConsecutiveLosses != 3 {
		t.Errorf("streaks = %d/%d, want 2/3", perf.MaxConsecutiveWins, perf.MaxConsecutiveLosses)
	}
	// PF = 230 / 100 = 2.3
	if !perf.ProfitFactor.Equal(decimal.NewFromFloat(2.3)) {
		t.Errorf("profit factor = %s, want 2.3", perf.ProfitFactor)
	}
}

func TestAnalyzerClampsInfiniteProfitFactor(t *testing.T) {
	st := newTestStore(t)
	w := journal.NewWriter(zap.NewNop(), st)
	a := journal.NewAnalyzer(zap.NewNop(), st)

	for i := 0; i < 3; i++ {
		if _, err := w.Record(record(25, time.Duration(i-10)*time.Minute)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	perf, err := a.Analyze("MA", "EURUSD", types.SourceLive, 24*time.Hour)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !perf.ProfitFactor.Equal(decimal.NewFromInt(99)) {
		t.Errorf("profit factor = %s, want clamp 99", perf.ProfitFactor)
	}
}

func TestDeviationSeverities(t *testing.T) {
	baseline := &types.PerformanceSnapshot{
		WinRate:      decimal.NewFromInt(60),
		ProfitFactor: decimal.NewFromFloat(1.8),
		AvgPnL:       decimal.NewFromInt(20),
	}

	critical := journal.CompareToBaseline(&journal.Performance{
		WinRate:      decimal.NewFromInt(35),
		ProfitFactor: decimal.NewFromFloat(1.2),
	}, baseline)
	if critical.Severity != "critical" {
		t.Errorf("|diff| > 20 should be critical, got %s", critical.Severity)
	}

	warning := journal.CompareToBaseline(&journal.Performance{
		WinRate:      decimal.NewFromInt(48),
		ProfitFactor: decimal.NewFromFloat(1.5),
	}, baseline)
	if warning.Severity != "warning" {
		t.Errorf("|diff| > 10 should be warning, got %s", warning.Severity)
	}

	unprofitable := journal.CompareToBaseline(&journal.Performance{
		WinRate:      decimal.NewFromInt(58),
		ProfitFactor: decimal.NewFromFloat(0.9),
	}, baseline)
	if unprofitable.Severity != "critical" {
		t.Errorf("live PF < 1 with baseline >= 1 should be critical, got %s", unprofitable.Severity)
	}

	normal := journal.CompareToBaseline(&journal.Performance{
		WinRate:      decimal.NewFromInt(57),
		ProfitFactor: decimal.NewFromFloat(1.7),
	}, baseline)
	if normal.Severity != "normal" {
		t.Errorf("small diffs should be normal, got %s", normal.Severity)
	}
}

func TestFeedbackDisablesLosingStrategy(t *testing.T) {
	st := newTestStore(t)
	w := journal.NewWriter(zap.NewNop(), st)
	a := journal.NewAnalyzer(zap.NewNop(), st)
	m := risk.NewMonitor(zap.NewNop(), st, "main")
	loop := journal.NewFeedbackLoop(zap.NewNop(), st, a, m, 24*time.Hour)

	// Six straight losses: unprofitable, low win rate, excessive streak.
	for i := 0; i < 6; i++ {
		if _, err := w.Record(record(-20, time.Duration(i-10)*time.Minute)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	dec, err := loop.Run("MA", "EURUSD")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if dec.Action != journal.RecommendDisableStrategy {
		t.Fatalf("action = %s, want disable_strategy", dec.Action)
	}
	if !dec.Executed || dec.Result == "" {
		t.Errorf("decision not stamped: %+v", dec)
	}

	budget, err := st.GetStrategyBudget("MA", "EURUSD")
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	if budget.Enabled {
		t.Error("budget should be disabled by feedback")
	}
}

func TestFeedbackMonitorsHealthyStrategy(t *testing.T) {
	st := newTestStore(t)
	w := journal.NewWriter(zap.NewNop(), st)
	a := journal.NewAnalyzer(zap.NewNop(), st)
	m := risk.NewMonitor(zap.NewNop(), st, "main")
	loop := journal.NewFeedbackLoop(zap.NewNop(), st, a, m, 24*time.Hour)

	for i, pnl := range []float64{50, 40, -20, 60, 30} {
		if _, err := w.Record(record(pnl, time.Duration(i-10)*time.Minute)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	dec, err := loop.Run("MA", "EURUSD")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if dec.Action != journal.RecommendMonitorClosely {
		t.Errorf("action = %s, want monitor_closely", dec.Action)
	}

	budget, err := st.GetStrategyBudget("MA", "EURUSD")
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	if !budget.Enabled {
		t.Error("healthy strategy must stay enabled")
	}
}

func TestSnapshotPersistsBaseline(t *testing.T) {
	st := newTestStore(t)
	w := journal.NewWriter(zap.NewNop(), st)
	a := journal.NewAnalyzer(zap.NewNop(), st)

	for i, pnl := range []float64{50, -20, 60} {
		if _, err := w.Record(record(pnl, time.Duration(i-10)*time.Minute)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	snap, err := a.Snapshot("MA", "EURUSD", types.SourceLive, 24*time.Hour)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalTrades != 3 {
		t.Errorf("snapshot trades = %d, want 3", snap.TotalTrades)
	}

	latest, err := st.LatestSnapshot("MA", "EURUSD")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != snap.ID {
		t.Errorf("latest snapshot mismatch")
	}
}
