package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", time.Second, func(context.Context) {}); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if _, err := New("retry-scan", 0, func(context.Context) {}); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := New("retry-scan", time.Second, nil); err == nil {
		t.Fatalf("expected error for nil tick")
	}
}

func TestScheduler_TicksImmediatelyAndPeriodically(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	s, err := New("retry-scan", 10*time.Millisecond, func(context.Context) {
		ticks.Add(1)
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if !s.Start(context.Background()) {
		t.Fatalf("expected Start to succeed")
	}
	t.Cleanup(func() { s.Stop() })

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := New("retry-scan", time.Hour, func(context.Context) {})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if !s.Start(context.Background()) {
		t.Fatalf("first Start should succeed")
	}
	t.Cleanup(func() { s.Stop() })

	if s.Start(context.Background()) {
		t.Fatalf("second Start should report already running")
	}
	if !s.IsRunning() {
		t.Fatalf("expected IsRunning true")
	}
}

func TestScheduler_StopWaitsForLoop(t *testing.T) {
	t.Parallel()

	s, err := New("retry-scan", time.Hour, func(context.Context) {})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	s.Start(context.Background())
	if !s.Stop() {
		t.Fatalf("expected Stop to succeed")
	}
	if s.IsRunning() {
		t.Fatalf("expected IsRunning false after Stop")
	}
	if s.Stop() {
		t.Fatalf("second Stop should report not running")
	}
}

func TestScheduler_RecoversFromPanickingTick(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	s, err := New("retry-scan", 10*time.Millisecond, func(context.Context) {
		ticks.Add(1)
		panic("boom")
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	s.Start(context.Background())
	t.Cleanup(func() { s.Stop() })

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected the loop to survive a panic, got %d ticks", ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScheduler_ParentCancelStopsLoop(t *testing.T) {
	t.Parallel()

	s, err := New("retry-scan", 10*time.Millisecond, func(context.Context) {})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	deadline := time.After(2 * time.Second)
	for s.IsRunning() {
		select {
		case <-deadline:
			t.Fatalf("expected loop to stop on parent cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
