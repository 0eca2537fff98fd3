package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/posguard/internal/model"
)

type Prober interface {
	CheckHealth(ctx context.Context) error
}

type ActiveReader interface {
	Active(ctx context.Context) bool
}

// Prompter asks the operator whether to enter contingency after a failed
// probe. It returns true when the operator accepts.
type Prompter interface {
	OfferContingency(ctx context.Context, status model.HealthStatus) bool
}

type PrompterFunc func(ctx context.Context, status model.HealthStatus) bool

func (f PrompterFunc) OfferContingency(ctx context.Context, status model.HealthStatus) bool {
	return f(ctx, status)
}

type Monitor struct {
	prober     Prober
	store      ActiveReader
	prompter   Prompter
	onAccept   func(ctx context.Context, status model.HealthStatus)
	thresholds Thresholds
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	stopped bool
}

type MonitorOptions struct {
	Prober     Prober
	Store      ActiveReader
	Prompter   Prompter
	OnAccept   func(ctx context.Context, status model.HealthStatus)
	Thresholds Thresholds
	Now        func() time.Time
	Logger     *slog.Logger
}

func NewMonitor(opts MonitorOptions) *Monitor {
	m := &Monitor{
		prober:     opts.Prober,
		store:      opts.Store,
		prompter:   opts.Prompter,
		onAccept:   opts.OnAccept,
		thresholds: opts.Thresholds,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.thresholds.DownFailures <= 0 {
		m.thresholds.DownFailures = 2
	}
	if m.thresholds.RecoverSuccesses <= 0 {
		m.thresholds.RecoverSuccesses = 1
	}
	m.logger = m.logger.With("component", "health")
	return m
}

// Poll runs one probe. On failure, and only while the terminal is not in
// contingency, the operator is offered activation. Results that arrive after
// Stop are dropped.
func (m *Monitor) Poll(ctx context.Context) model.HealthStatus {
	if m.Stopped() {
		return model.HealthUnknown
	}
	status := Classify(m.prober.CheckHealth(ctx))

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return model.HealthUnknown
	}
	prevLevel := m.state.Level
	m.state = Next(m.thresholds, m.state, status, m.now())
	level := m.state.Level
	m.mu.Unlock()

	if level != prevLevel {
		m.logger.Info("health level changed", "from", prevLevel, "to", level, "status", status)
	}
	if !status.Failed() {
		return status
	}
	m.logger.Warn("health check failed", "status", status)
	if m.store != nil && m.store.Active(ctx) {
		return status
	}
	if m.prompter == nil {
		return status
	}
	if !m.prompter.OfferContingency(ctx, status) {
		m.logger.Info("contingency offer declined", "status", status)
		return status
	}
	if m.Stopped() {
		return status
	}
	if m.onAccept != nil {
		m.onAccept(ctx, status)
	}
	return status
}

func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

// Resume undoes Stop so a remounted owner can poll again.
func (m *Monitor) Resume() {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()
}

func (m *Monitor) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
