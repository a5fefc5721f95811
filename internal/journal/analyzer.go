package journal

import (
	"time"

	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// profitFactorClamp caps an infinite profit factor (zero gross loss).
var profitFactorClamp = decimal.NewFromInt(99)

// DefaultLookback is the analysis window when the caller does not narrow it.
const DefaultLookback = 30 * 24 * time.Hour

// Performance is one windowed metric set for a (strategy, symbol, source).
type Performance struct {
	Strategy             string          `json:"strategy"`
	Symbol               string          `json:"symbol"`
	Source               types.JournalSource `json:"source"`
	TotalTrades          int             `json:"totalTrades"`
	WinningTrades        int             `json:"winningTrades"`
	LosingTrades         int             `json:"losingTrades"`
	WinRate              decimal.Decimal `json:"winRate"`
	TotalPnL             decimal.Decimal `json:"totalPnl"`
	AvgPnL               decimal.Decimal `json:"avgPnl"`
	GrossProfit          decimal.Decimal `json:"grossProfit"`
	GrossLoss            decimal.Decimal `json:"grossLoss"`
	ProfitFactor         decimal.Decimal `json:"profitFactor"`
	AvgWin               decimal.Decimal `json:"avgWin"`
	AvgLoss              decimal.Decimal `json:"avgLoss"`
	MaxConsecutiveWins   int             `json:"maxConsecutiveWins"`
	MaxConsecutiveLosses int             `json:"maxConsecutiveLosses"`
	AvgDurationMinutes   decimal.Decimal `json:"avgDurationMinutes"`
}

// Deviation compares live performance against a baseline snapshot.
type Deviation struct {
	WinRateDiff      decimal.Decimal `json:"winRateDiff"`
	ProfitFactorDiff decimal.Decimal `json:"profitFactorDiff"`
	AvgPnLDiff       decimal.Decimal `json:"avgPnlDiff"`
	Severity         string          `json:"severity"`
}

// Assessment is the underperformance detector output.
type Assessment struct {
	Performance    Performance `json:"performance"`
	Deviation      *Deviation  `json:"deviation,omitempty"`
	Issues         []string    `json:"issues"`
	Recommendation string      `json:"recommendation"`
}

// Recommendations emitted by the detector.
const (
	RecommendTriggerOptimization = "trigger_optimization"
	RecommendDisableStrategy     = "disable_strategy"
	RecommendMonitorClosely      = "monitor_closely"
)

// Analyzer computes rolling-window performance over the journal.
type Analyzer struct {
	logger *zap.Logger
	store  *store.Store
}

// NewAnalyzer creates the performance analyzer.
func NewAnalyzer(logger *zap.Logger, st *store.Store) *Analyzer {
	return &Analyzer{logger: logger.Named("analyzer"), store: st}
}

// Analyze computes the window metrics for one (strategy, symbol, source).
func (a *Analyzer) Analyze(strategy, symbol string, source types.JournalSource, lookback time.Duration) (*Performance, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	entries, err := a.store.ListJournalEntries(store.JournalFilter{
		Strategy: strategy,
		Symbol:   symbol,
		Source:   source,
		Since:    time.Now().UTC().Add(-lookback),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "load journal entries", err)
	}

	perf := &Performance{Strategy: strategy, Symbol: symbol, Source: source}
	if len(entries) == 0 {
		return perf, nil
	}

	var durations decimal.Decimal
	var winStreak, lossStreak int
	for i := range entries {
		e := &entries[i]
		perf.TotalTrades++
		perf.TotalPnL = perf.TotalPnL.Add(e.PnL)
		durations = durations.Add(decimal.NewFromInt(int64(e.DurationMinutes)))

		// Entries arrive ordered by exit time; streaks walk that order.
		if e.IsWinner {
			perf.WinningTrades++
			perf.GrossProfit = perf.GrossProfit.Add(e.PnL)
			winStreak++
			lossStreak = 0
		} else {
			perf.LosingTrades++
			perf.GrossLoss = perf.GrossLoss.Add(e.PnL.Abs())
			lossStreak++
			winStreak = 0
		}
		if winStreak > perf.MaxConsecutiveWins {
			perf.MaxConsecutiveWins = winStreak
		}
		if lossStreak > perf.MaxConsecutiveLosses {
			perf.MaxConsecutiveLosses = lossStreak
		}
	}

	total := decimal.NewFromInt(int64(perf.TotalTrades))
	perf.WinRate = decimal.NewFromInt(int64(perf.WinningTrades)).Div(total).Mul(decimal.NewFromInt(100))
	perf.AvgPnL = perf.TotalPnL.Div(total)
	perf.AvgDurationMinutes = durations.Div(total)
	if perf.WinningTrades > 0 {
		perf.AvgWin = perf.GrossProfit.Div(decimal.NewFromInt(int64(perf.WinningTrades)))
	}
	if perf.LosingTrades > 0 {
		perf.AvgLoss = perf.GrossLoss.Div(decimal.NewFromInt(int64(perf.LosingTrades)))
	}
	if perf.GrossLoss.IsPositive() {
		perf.ProfitFactor = perf.GrossProfit.Div(perf.GrossLoss)
		if perf.ProfitFactor.GreaterThan(profitFactorClamp) {
			perf.ProfitFactor = profitFactorClamp
		}
	} else if perf.GrossProfit.IsPositive() {
		perf.ProfitFactor = profitFactorClamp
	}
	return perf, nil
}

// CompareToBaseline grades live deviation against a stored baseline.
func CompareToBaseline(live *Performance, baseline *types.PerformanceSnapshot) *Deviation {
	d := &Deviation{
		WinRateDiff:      live.WinRate.Sub(baseline.WinRate),
		ProfitFactorDiff: live.ProfitFactor.Sub(baseline.ProfitFactor),
		AvgPnLDiff:       live.AvgPnL.Sub(baseline.AvgPnL),
		Severity:         "normal",
	}
	if d.ProfitFactorDiff.GreaterThan(profitFactorClamp) {
		d.ProfitFactorDiff = profitFactorClamp
	}
	if d.ProfitFactorDiff.LessThan(profitFactorClamp.Neg()) {
		d.ProfitFactorDiff = profitFactorClamp.Neg()
	}

	one := decimal.NewFromInt(1)
	switch {
	case d.WinRateDiff.Abs().GreaterThan(decimal.NewFromInt(20)):
		d.Severity = "critical"
	case live.ProfitFactor.LessThan(one) && baseline.ProfitFactor.GreaterThanOrEqual(one):
		d.Severity = "critical"
	case d.WinRateDiff.Abs().GreaterThan(decimal.NewFromInt(10)):
		d.Severity = "warning"
	}
	return d
}

// DetectUnderperformance combines live metrics, the backtest baseline, and
// streaks into an issue set and a recommendation.
func (a *Analyzer) DetectUnderperformance(strategy, symbol string, lookback time.Duration) (*Assessment, error) {
	live, err := a.Analyze(strategy, symbol, types.SourceLive, lookback)
	if err != nil {
		return nil, err
	}
	if live.TotalTrades == 0 {
		// Paper fills stand in for live history when nothing live exists yet.
		live, err = a.Analyze(strategy, symbol, types.SourcePaper, lookback)
		if err != nil {
			return nil, err
		}
	}

	out := &Assessment{Performance: *live, Issues: []string{}, Recommendation: RecommendMonitorClosely}

	baseline, err := a.store.LatestSnapshot(strategy, symbol)
	if err == nil {
		out.Deviation = CompareToBaseline(live, baseline)
	} else if !store.IsNotFound(err) {
		return nil, apperr.Wrap(apperr.KindDependency, "load baseline snapshot", err)
	}

	one := decimal.NewFromInt(1)
	minTrades := 5
	lowWinRate := live.TotalTrades >= minTrades && live.WinRate.LessThan(decimal.NewFromInt(40))
	unprofitable := live.TotalTrades >= minTrades && live.ProfitFactor.LessThan(one)
	criticalDeviation := out.Deviation != nil && out.Deviation.Severity == "critical"
	excessiveLosses := live.MaxConsecutiveLosses >= 5

	if lowWinRate {
		out.Issues = append(out.Issues, "win rate below 40%")
	}
	if unprofitable {
		out.Issues = append(out.Issues, "profit factor below 1")
	}
	if criticalDeviation {
		out.Issues = append(out.Issues, "critical deviation from baseline")
	}
	if excessiveLosses {
		out.Issues = append(out.Issues, "excessive consecutive losses")
	}

	switch {
	case excessiveLosses, unprofitable && lowWinRate:
		out.Recommendation = RecommendDisableStrategy
	case criticalDeviation, unprofitable && !lowWinRate:
		out.Recommendation = RecommendTriggerOptimization
	}
	return out, nil
}

// Snapshot persists the current window metrics as a baseline.
func (a *Analyzer) Snapshot(strategy, symbol string, source types.JournalSource, lookback time.Duration) (*types.PerformanceSnapshot, error) {
	perf, err := a.Analyze(strategy, symbol, source, lookback)
	if err != nil {
		return nil, err
	}
	snap := &types.PerformanceSnapshot{
		ID:           uuid.NewString(),
		Strategy:     strategy,
		Symbol:       symbol,
		Source:       source,
		TotalTrades:  perf.TotalTrades,
		WinRate:      perf.WinRate,
		ProfitFactor: perf.ProfitFactor,
		AvgPnL:       perf.AvgPnL,
		TotalPnL:     perf.TotalPnL,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateSnapshot(snap); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "persist snapshot", err)
	}
	return snap, nil
}
