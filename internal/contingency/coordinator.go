// Package contingency drives the terminal in and out of offline invoicing:
// registering significant events with the backend, keeping the countdown,
// and submitting the offline package.
package contingency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/g960059/posguard/internal/backend"
	"github.com/g960059/posguard/internal/bus"
	"github.com/g960059/posguard/internal/config"
	"github.com/g960059/posguard/internal/db"
	"github.com/g960059/posguard/internal/health"
	"github.com/g960059/posguard/internal/model"
	"github.com/g960059/posguard/internal/scheduler"
	"github.com/g960059/posguard/internal/statestore"
)

const (
	TaskHealth     = "health"
	TaskCountdown  = "countdown"
	TaskStoreWatch = "store_watch"
)

// Backend is the subset of the tax backend the coordinator drives.
type Backend interface {
	CheckHealth(ctx context.Context) error
	ListReasons(ctx context.Context) ([]model.EventReason, error)
	RegisterEventStart(ctx context.Context, req backend.EventRequest, idempotencyKey string) (backend.StartEventResponse, error)
	RegisterEventRange(ctx context.Context, req backend.RangeEventRequest, idempotencyKey string) (backend.RangeEventResponse, error)
	RegisterEventEnd(ctx context.Context, req backend.EndEventRequest, idempotencyKey string) (backend.EndEventResponse, error)
	SubmitPackage(ctx context.Context, pointOfSaleID, branchID, eventID int64, req backend.PackageRequest) (backend.PackageResponse, error)
}

type Options struct {
	Config    config.Config
	Store     *statestore.Store
	Records   *db.Store
	Backend   Backend
	Scheduler *scheduler.Scheduler
	// Watcher, when set, is polled on StoreWatchInterval.
	Watcher *bus.StoreWatcher
	// Prompter is asked after a failed health probe; OnAccept runs when the
	// operator agrees to enter contingency.
	Prompter health.Prompter
	OnAccept func(ctx context.Context, status model.HealthStatus)
	Logger   *slog.Logger
}

type Coordinator struct {
	cfg       config.Config
	loc       *time.Location
	store     *statestore.Store
	records   *db.Store
	backend   Backend
	sched     *scheduler.Scheduler
	watcher   *bus.StoreWatcher
	monitor   *health.Monitor
	countdown *Countdown
	logger    *slog.Logger

	flights singleflight.Group
	// transition serializes every operation that moves the stored mode.
	transition sync.Mutex

	mu      sync.Mutex
	mounted bool
	unsub   func()
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil || opts.Records == nil || opts.Backend == nil || opts.Scheduler == nil {
		return nil, fmt.Errorf("coordinator: store, records, backend and scheduler are required")
	}
	loc, err := opts.Config.Location()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:     opts.Config,
		loc:     loc,
		store:   opts.Store,
		records: opts.Records,
		backend: opts.Backend,
		sched:   opts.Scheduler,
		watcher: opts.Watcher,
		logger:  logger.With("component", "contingency", "terminal_id", opts.Store.TerminalID()),
	}
	c.countdown = NewCountdown(opts.Store, c.Expire, c.logger)
	c.monitor = health.NewMonitor(health.MonitorOptions{
		Prober:   opts.Backend,
		Store:    opts.Store,
		Prompter: opts.Prompter,
		OnAccept: opts.OnAccept,
		Thresholds: health.Thresholds{
			DownFailures:     opts.Config.DownFailures,
			RecoverSuccesses: opts.Config.RecoverSuccesses,
		},
		Now:    opts.Store.Now,
		Logger: logger,
	})
	return c, nil
}

func (c *Coordinator) Store() *statestore.Store {
	return c.store
}

func (c *Coordinator) Records() *db.Store {
	return c.records
}

func (c *Coordinator) Monitor() *health.Monitor {
	return c.monitor
}

func (c *Coordinator) Countdown() *Countdown {
	return c.countdown
}

func (c *Coordinator) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// Mount subscribes to the bus and starts the scheduled tasks. The countdown
// runs whenever the store holds a contingency row, so a window that lapsed
// while the process was down is expired on the first tick.
func (c *Coordinator) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.mounted = true
	c.unsub = c.store.Bus().Subscribe(c.handleEvent)
	c.mu.Unlock()

	c.monitor.Resume()

	if c.cfg.HealthPollInterval > 0 {
		if _, err := c.sched.Every(TaskHealth, c.cfg.HealthInitialDelay, c.cfg.HealthPollInterval, func(ctx context.Context) {
			c.monitor.Poll(ctx)
		}); err != nil {
			return fmt.Errorf("start health task: %w", err)
		}
	}
	if c.watcher != nil && c.cfg.StoreWatchInterval > 0 {
		if _, err := c.sched.Every(TaskStoreWatch, c.cfg.StoreWatchInterval, c.cfg.StoreWatchInterval, func(ctx context.Context) {
			if _, err := c.watcher.Check(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("store watch failed", "err", err)
			}
		}); err != nil {
			return fmt.Errorf("start store watch task: %w", err)
		}
	}
	if c.store.Read(ctx).Mode == model.ModeContingency {
		c.startCountdown()
	}
	return nil
}

// Close stops every task the coordinator owns. In-flight health results are
// dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.mounted = false
	c.mu.Unlock()

	c.monitor.Stop()
	c.sched.Stop(TaskHealth)
	c.sched.Stop(TaskStoreWatch)
	c.sched.Stop(TaskCountdown)
}

func (c *Coordinator) handleEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.KindActivated:
		c.startCountdown()
	case bus.KindDeactivated:
		c.sched.Stop(TaskCountdown)
	case bus.KindResync:
		if c.store.Read(context.Background()).Mode == model.ModeContingency {
			c.startCountdown()
		} else {
			c.sched.Stop(TaskCountdown)
		}
	}
}

func (c *Coordinator) startCountdown() {
	tick := c.cfg.CountdownTick
	if tick <= 0 {
		tick = time.Second
	}
	if _, err := c.sched.Every(TaskCountdown, 0, tick, func(ctx context.Context) {
		if _, active := c.countdown.Tick(ctx); !active {
			c.sched.Stop(TaskCountdown)
		}
	}); err != nil {
		c.logger.Error("start countdown", "err", err)
	}
}

func (c *Coordinator) now() time.Time {
	return c.store.Now()
}
