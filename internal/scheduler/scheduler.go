// Package scheduler owns every recurring task of the process so interval
// lifecycles start and stop in one place.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Task func(ctx context.Context)

type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*entry
	closed bool
	wg     sync.WaitGroup
}

type entry struct {
	cancel context.CancelFunc
}

func New(parent context.Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "scheduler"),
		tasks:  map[string]*entry{},
	}
}

// Every runs fn after initialDelay and then every interval until the task is
// stopped. A zero initialDelay runs fn immediately. Starting a name that is
// already running is a no-op and reports false.
func (s *Scheduler) Every(name string, initialDelay, interval time.Duration, fn Task) (bool, error) {
	if interval <= 0 {
		return false, fmt.Errorf("task %s: interval must be positive", name)
	}
	if fn == nil {
		return false, fmt.Errorf("task %s: nil func", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, fmt.Errorf("task %s: scheduler closed", name)
	}
	if _, ok := s.tasks[name]; ok {
		return false, nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	e := &entry{cancel: cancel}
	s.tasks[name] = e
	s.wg.Add(1)
	go s.loop(ctx, name, e, initialDelay, interval, fn)
	s.logger.Debug("task started", "task", name, "interval", interval)
	return true, nil
}

func (s *Scheduler) loop(ctx context.Context, name string, e *entry, initialDelay, interval time.Duration, fn Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.tasks[name] == e {
			delete(s.tasks, name)
		}
		s.mu.Unlock()
	}()

	if initialDelay > 0 {
		timer := time.NewTimer(initialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	s.run(ctx, name, fn)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, name, fn)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, name string, fn Task) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", name, "panic", r)
		}
	}()
	fn(ctx)
}

// Stop cancels a task. It does not wait for a run in progress, so a task may
// stop itself.
func (s *Scheduler) Stop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[name]
	if !ok {
		return false
	}
	delete(s.tasks, name)
	e.cancel()
	s.logger.Debug("task stopped", "task", name)
	return true
}

func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops every task and waits for running ones to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.tasks = map[string]*entry{}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
