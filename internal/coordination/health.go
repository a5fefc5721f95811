package coordination

import (
	"sync"
	"time"

	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"go.uber.org/zap"
)

// DefaultHeartbeatTimeout is how stale a heartbeat may be before check_all
// reports the agent unhealthy.
const DefaultHeartbeatTimeout = 60 * time.Second

// HealthMonitor tracks per-agent liveness, response times, and error rates.
type HealthMonitor struct {
	logger  *zap.Logger
	store   *store.Store
	timeout time.Duration

	mu sync.Mutex
}

// NewHealthMonitor creates the monitor. A zero timeout uses the default.
func NewHealthMonitor(logger *zap.Logger, st *store.Store, timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &HealthMonitor{
		logger:  logger.Named("health"),
		store:   st,
		timeout: timeout,
	}
}

// Initialize registers an agent as healthy with a fresh heartbeat.
func (h *HealthMonitor) Initialize(agent string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := &types.AgentHealth{
		Name:          agent,
		IsHealthy:     true,
		LastHeartbeat: time.Now().UTC(),
	}
	if err := h.store.SaveAgentHealth(rec); err != nil {
		return apperr.Wrap(apperr.KindDependency, "initialize agent health", err)
	}
	return nil
}

// Heartbeat records a liveness signal and folds responseMs into the running
// mean over all recorded operations.
func (h *HealthMonitor) Heartbeat(agent string, responseMs float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, err := h.load(agent)
	if err != nil {
		return err
	}
	total := rec.ErrorCount + rec.SuccessCount
	if total > 0 {
		rec.AvgResponseMs = (rec.AvgResponseMs*float64(total) + responseMs) / float64(total+1)
	} else {
		rec.AvgResponseMs = responseMs
	}
	rec.LastHeartbeat = time.Now().UTC()
	return h.save(rec)
}

// RecordSuccess counts one successful operation.
func (h *HealthMonitor) RecordSuccess(agent string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, err := h.load(agent)
	if err != nil {
		return err
	}
	rec.SuccessCount++
	return h.save(rec)
}

// RecordError counts one failed operation. Crossing a 50% error rate flips
// the agent unhealthy.
func (h *HealthMonitor) RecordError(agent, msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, err := h.load(agent)
	if err != nil {
		return err
	}
	rec.ErrorCount++
	rec.StatusMsg = msg
	total := rec.ErrorCount + rec.SuccessCount
	if float64(rec.ErrorCount)/float64(total) > 0.5 {
		rec.IsHealthy = false
		h.logger.Warn("Agent marked unhealthy",
			zap.String("agent", agent),
			zap.Int("errors", rec.ErrorCount),
			zap.Int("successes", rec.SuccessCount),
			zap.String("last_error", msg))
	}
	return h.save(rec)
}

// CheckAll reports per-agent health: healthy iff the flag is set and the
// heartbeat is fresh.
func (h *HealthMonitor) CheckAll() (map[string]bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records, err := h.store.ListAgentHealth()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "list agent health", err)
	}
	cutoff := time.Now().UTC().Add(-h.timeout)
	out := make(map[string]bool, len(records))
	for i := range records {
		out[records[i].Name] = records[i].IsHealthy && records[i].LastHeartbeat.After(cutoff)
	}
	return out, nil
}

// Snapshot returns the raw per-agent records.
func (h *HealthMonitor) Snapshot() ([]types.AgentHealth, error) {
	return h.store.ListAgentHealth()
}

// Reset restores an agent to a clean healthy record.
func (h *HealthMonitor) Reset(agent string) error {
	return h.Initialize(agent)
}

func (h *HealthMonitor) load(agent string) (*types.AgentHealth, error) {
	rec, err := h.store.GetAgentHealth(agent)
	if err != nil {
		if store.IsNotFound(err) {
			return &types.AgentHealth{
				Name:          agent,
				IsHealthy:     true,
				LastHeartbeat: time.Now().UTC(),
			}, nil
		}
		return nil, apperr.Wrap(apperr.KindDependency, "load agent health", err)
	}
	return rec, nil
}

func (h *HealthMonitor) save(rec *types.AgentHealth) error {
	if err := h.store.SaveAgentHealth(rec); err != nil {
		return apperr.Wrap(apperr.KindDependency, "save agent health", err)
	}
	return nil
}
