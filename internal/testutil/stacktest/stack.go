// Package stacktest assembles a coordinator over a temp store and a fake
// backend for packages that sit above contingency.
package stacktest

import (
	"context"
	"testing"
	"time"

	"github.com/g960059/posguard/internal/backend"
	"github.com/g960059/posguard/internal/bus"
	"github.com/g960059/posguard/internal/config"
	"github.com/g960059/posguard/internal/contingency"
	"github.com/g960059/posguard/internal/db"
	"github.com/g960059/posguard/internal/health"
	"github.com/g960059/posguard/internal/scheduler"
	"github.com/g960059/posguard/internal/statestore"
	"github.com/g960059/posguard/internal/testutil"
)

var Epoch = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type Stack struct {
	Ctx       context.Context
	Config    config.Config
	Records   *db.Store
	Store     *statestore.Store
	Bus       *bus.Bus
	Fake      *testutil.FakeBackend
	Clock     *testutil.Clock
	Scheduler *scheduler.Scheduler
	Coord     *contingency.Coordinator
}

type Options struct {
	Configure func(*config.Config)
	Prompter  health.Prompter
}

func New(t *testing.T, opts Options) *Stack {
	t.Helper()
	records, ctx := testutil.NewStore(t)
	fake := testutil.NewFakeBackend(t)

	cfg := config.DefaultConfig()
	cfg.TerminalID = "t1"
	cfg.PointOfSaleID = 3
	cfg.BranchID = 1
	cfg.TimeZone = "UTC"
	cfg.BackendURL = fake.URL
	cfg.HealthPollInterval = 0
	cfg.MutationRate = 0
	if opts.Configure != nil {
		opts.Configure(&cfg)
	}

	s := &Stack{
		Ctx:     ctx,
		Config:  cfg,
		Records: records,
		Fake:    fake,
		Clock:   testutil.NewClock(Epoch),
		Bus:     bus.New(nil),
	}
	s.Store = statestore.New(records, cfg.TerminalID, s.Bus, statestore.WithClock(s.Clock.Now))
	s.Scheduler = scheduler.New(ctx, nil)
	t.Cleanup(s.Scheduler.Close)

	coord, err := contingency.New(contingency.Options{
		Config:    cfg,
		Store:     s.Store,
		Records:   records,
		Backend:   backend.New(fake.URL, "", time.Second),
		Scheduler: s.Scheduler,
		Prompter:  opts.Prompter,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(coord.Close)
	s.Coord = coord
	return s
}
