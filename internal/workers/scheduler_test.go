package workers_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crestline-labs/trading-core/internal/workers"
	"go.uber.org/zap"
)

func TestSchedulerRunsJobs(t *testing.T) {
	s := workers.NewScheduler(zap.NewNop(), time.Second)
	var runs atomic.Int64
	s.RegisterFunc("tick", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("job ran %d times, want >= 3", runs.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerCountsFailuresAndPanics(t *testing.T) {
	s := workers.NewScheduler(zap.NewNop(), time.Second)
	var calls atomic.Int64
	s.RegisterFunc("flaky", 10*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return errors.New("always fails")
	})
	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		stats := s.Stats()["flaky"]
		if stats.PanicRecovered >= 1 && stats.Failures >= 1 {
			if stats.LastError == "" && stats.Failures > 0 {
				t.Error("last error not recorded")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("stats = %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerStopWaits(t *testing.T) {
	s := workers.NewScheduler(zap.NewNop(), time.Second)
	var runs atomic.Int64
	s.RegisterFunc("tick", 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Error("jobs kept running after Stop")
	}
}
