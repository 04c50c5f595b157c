// Package scheduler runs a named periodic job with panic isolation. The
// worker engine uses it for the retry scan; a panicking tick is logged and
// the loop keeps going.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Scheduler struct {
	name     string
	interval time.Duration
	tick     func(context.Context)

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, interval time.Duration, tick func(context.Context)) (*Scheduler, error) {
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tick == nil {
		return nil, errors.New("tick must not be nil")
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		tick:     tick,
	}, nil
}

// Start launches the tick loop, firing once immediately. The loop stops when
// Stop is called or the parent context is cancelled. Returns false if the
// scheduler is already running.
func (s *Scheduler) Start(parent context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)
		defer s.running.Store(false)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("scheduler started", "name", s.name, "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopping", "name", s.name)
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop halts the loop and waits for an in-flight tick to finish. Returns
// false if the scheduler was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done

	slog.Info("scheduler stopped", "name", s.name)
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panic recovered", "name", s.name, "panic", r)
		}
	}()

	start := time.Now()
	s.tick(ctx)
	slog.Debug("scheduler tick completed",
		"name", s.name,
		"duration_ms", time.Since(start).Milliseconds())
}
