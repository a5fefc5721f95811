package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FeedbackLoop runs the rule-based analyze -> decide -> act cycle. Decisions
// never submit orders; the only trading side effect is disabling a strategy
// budget.
type FeedbackLoop struct {
	logger   *zap.Logger
	store    *store.Store
	analyzer *Analyzer
	monitor  *risk.Monitor
	lookback time.Duration
}

// NewFeedbackLoop creates the loop. A zero lookback uses the analyzer
// default.
func NewFeedbackLoop(logger *zap.Logger, st *store.Store, analyzer *Analyzer, monitor *risk.Monitor, lookback time.Duration) *FeedbackLoop {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &FeedbackLoop{
		logger:   logger.Named("feedback"),
		store:    st,
		analyzer: analyzer,
		monitor:  monitor,
		lookback: lookback,
	}
}

// Run executes one feedback cycle for a (strategy, symbol) pair.
func (f *FeedbackLoop) Run(strategy, symbol string) (*types.FeedbackDecision, error) {
	assessment, err := f.analyzer.DetectUnderperformance(strategy, symbol, f.lookback)
	if err != nil {
		return nil, err
	}

	issues, _ := json.Marshal(assessment.Issues)
	decision := &types.FeedbackDecision{
		ID:       uuid.NewString(),
		Strategy: strategy,
		Symbol:   symbol,
		Action:   assessment.Recommendation,
		Reason:   reasonFor(assessment),
		Issues:   string(issues),
	}
	if err := f.store.CreateFeedbackDecision(decision); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "persist feedback decision", err)
	}

	result, err := f.act(assessment, decision)
	if err != nil {
		return nil, err
	}
	decision.Executed = true
	decision.Result = result
	if err := f.store.SaveFeedbackDecision(decision); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "stamp feedback decision", err)
	}
	f.logger.Info("Feedback cycle complete",
		zap.String("strategy", strategy),
		zap.String("symbol", symbol),
		zap.String("action", decision.Action))
	return decision, nil
}

// RunBatch runs one feedback cycle for every pair with recent journal
// entries.
func (f *FeedbackLoop) RunBatch() ([]types.FeedbackDecision, error) {
	pairs, err := f.store.JournalPairs(time.Now().UTC().Add(-f.lookback))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "list journal pairs", err)
	}
	out := make([]types.FeedbackDecision, 0, len(pairs))
	for _, pair := range pairs {
		dec, err := f.Run(pair[0], pair[1])
		if err != nil {
			return out, err
		}
		out = append(out, *dec)
	}
	return out, nil
}

// Decisions returns recent feedback decisions, newest first.
func (f *FeedbackLoop) Decisions(limit int) ([]types.FeedbackDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	return f.store.ListFeedbackDecisions(limit)
}

func (f *FeedbackLoop) act(assessment *Assessment, decision *types.FeedbackDecision) (string, error) {
	switch decision.Action {
	case RecommendDisableStrategy:
		budget, err := f.store.GetStrategyBudget(decision.Strategy, decision.Symbol)
		if err != nil {
			return "", apperr.Wrap(apperr.KindDependency, "load strategy budget", err)
		}
		budget.Enabled = false
		budget.DisabledReason = "feedback: " + decision.Reason
		if err := f.store.SaveStrategyBudget(budget); err != nil {
			return "", apperr.Wrap(apperr.KindDependency, "disable strategy budget", err)
		}
		return "strategy budget disabled", nil

	case RecommendTriggerOptimization:
		// The recommendation is a job parameterization; nothing trades here.
		job, _ := json.Marshal(map[string]any{
			"strategy":       decision.Strategy,
			"symbol":         decision.Symbol,
			"lookback_hours": int(f.lookback.Hours()),
			"objective":      "profit_factor",
			"trigger":        assessment.Issues,
		})
		return "optimization recommended: " + string(job), nil

	default:
		return "monitoring", nil
	}
}

func reasonFor(a *Assessment) string {
	if len(a.Issues) == 0 {
		return fmt.Sprintf("no issues over %d trades", a.Performance.TotalTrades)
	}
	return strings.Join(a.Issues, "; ")
}
