// Package workers runs the platform's periodic maintenance jobs: expiring
// stale signals, the nightly risk reset, and the feedback batch.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of scheduled work.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Job is a named task with its own cadence.
type Job struct {
	Name     string
	Interval time.Duration
	Task     Task
}

// JobStats counts one job's outcomes.
type JobStats struct {
	Runs           int64         `json:"runs"`
	Failures       int64         `json:"failures"`
	PanicRecovered int64         `json:"panic_recovered"`
	LastDuration   time.Duration `json:"last_duration"`
	LastError      string        `json:"last_error,omitempty"`
}

type jobState struct {
	job   Job
	mu    sync.Mutex
	stats JobStats
}

// Scheduler runs each registered job on its own ticker until stopped. Job
// panics are recovered and counted; one misbehaving job cannot take the
// process down.
type Scheduler struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	jobs    []*jobState
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates an empty scheduler. Each job run is bounded by
// timeout; zero means 30 seconds.
func NewScheduler(logger *zap.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		timeout: timeout,
	}
}

// Register adds a job. Registration after Start has no effect until the next
// Start.
func (s *Scheduler) Register(name string, interval time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobState{job: Job{Name: name, Interval: interval, Task: task}})
}

// RegisterFunc adds a function job.
func (s *Scheduler) RegisterFunc(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.Register(name, interval, TaskFunc(fn))
}

// Start launches one goroutine per job.
func (s *Scheduler) Start() {
	if s.running.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.mu.Lock()
	jobs := make([]*jobState, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, js := range jobs {
		s.wg.Add(1)
		go s.runJob(ctx, js)
	}
	s.logger.Info("Scheduler started", zap.Int("jobs", len(jobs)))
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Stats returns a snapshot per job name.
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.jobs))
	for _, js := range s.jobs {
		js.mu.Lock()
		out[js.job.Name] = js.stats
		js.mu.Unlock()
	}
	return out
}

func (s *Scheduler) runJob(ctx context.Context, js *jobState) {
	defer s.wg.Done()
	ticker := time.NewTicker(js.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.executeOnce(ctx, js)
		}
	}
}

func (s *Scheduler) executeOnce(ctx context.Context, js *jobState) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				js.mu.Lock()
				js.stats.PanicRecovered++
				js.mu.Unlock()
				s.logger.Error("Job panicked",
					zap.String("job", js.job.Name),
					zap.Any("panic", r))
			}
		}()
		return js.job.Task.Execute(runCtx)
	}()

	js.mu.Lock()
	js.stats.Runs++
	js.stats.LastDuration = time.Since(start)
	if err != nil {
		js.stats.Failures++
		js.stats.LastError = err.Error()
	} else {
		js.stats.LastError = ""
	}
	js.mu.Unlock()

	if err != nil {
		s.logger.Warn("Job failed",
			zap.String("job", js.job.Name),
			zap.Error(err))
	}
}
