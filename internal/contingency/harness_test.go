package contingency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/g960059/posguard/internal/backend"
	"github.com/g960059/posguard/internal/bus"
	"github.com/g960059/posguard/internal/config"
	"github.com/g960059/posguard/internal/db"
	"github.com/g960059/posguard/internal/model"
	"github.com/g960059/posguard/internal/scheduler"
	"github.com/g960059/posguard/internal/statestore"
	"github.com/g960059/posguard/internal/testutil"
)

type harness struct {
	ctx     context.Context
	cfg     config.Config
	coord   *Coordinator
	store   *statestore.Store
	records *db.Store
	fake    *testutil.FakeBackend
	clock   *testutil.Clock
	bus     *bus.Bus
	sched   *scheduler.Scheduler

	mu     sync.Mutex
	events []bus.Kind
}

type harnessOptions struct {
	configure    func(*config.Config)
	stateBackend statestore.Backend
	prompter     func(model.HealthStatus) bool
	onAccept     func(h *harness, status model.HealthStatus)
}

var testEpoch = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts harnessOptions) *harness {
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
	if opts.configure != nil {
		opts.configure(&cfg)
	}

	h := &harness{
		ctx:     ctx,
		cfg:     cfg,
		records: records,
		fake:    fake,
		clock:   testutil.NewClock(testEpoch),
		bus:     bus.New(nil),
	}
	stateBackend := opts.stateBackend
	if stateBackend == nil {
		stateBackend = records
	}
	h.store = statestore.New(stateBackend, cfg.TerminalID, h.bus, statestore.WithClock(h.clock.Now))
	h.bus.Subscribe(func(ev bus.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev.Kind)
		h.mu.Unlock()
	})
	h.sched = scheduler.New(ctx, nil)
	t.Cleanup(h.sched.Close)

	coordOpts := Options{
		Config:    cfg,
		Store:     h.store,
		Records:   records,
		Backend:   backend.New(fake.URL, "", time.Second),
		Scheduler: h.sched,
	}
	if opts.prompter != nil {
		coordOpts.Prompter = promptFunc(opts.prompter)
	}
	if opts.onAccept != nil {
		coordOpts.OnAccept = func(_ context.Context, status model.HealthStatus) { opts.onAccept(h, status) }
	}
	coord, err := New(coordOpts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.coord = coord
	t.Cleanup(coord.Close)
	return h
}

type promptFunc func(model.HealthStatus) bool

func (f promptFunc) OfferContingency(_ context.Context, status model.HealthStatus) bool {
	return f(status)
}

func (h *harness) kinds() []bus.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bus.Kind(nil), h.events...)
}

func (h *harness) count(kind bus.Kind) int {
	n := 0
	for _, k := range h.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (h *harness) activateInstant(t *testing.T) model.ContingencyState {
	t.Helper()
	res, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 2, Description: "INACCESIBILIDAD AL SERVICIO WEB"})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return res.State
}

func at(hour, minute int) *time.Time {
	v := time.Date(2026, 10, 16, hour, minute, 0, 0, time.UTC)
	return &v
}

// memStateBackend keeps state in memory so tests can stage rows the SQLite
// schema refuses.
type memStateBackend struct {
	mu  sync.Mutex
	st  model.ContingencyState
	rev int64
}

func (m *memStateBackend) GetContingencyState(context.Context, string) (model.ContingencyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.st
	if st.Mode == "" {
		st = model.NormalState()
	}
	st.Revision = m.rev
	return st, nil
}

func (m *memStateBackend) ReplaceContingencyState(_ context.Context, _ string, st model.ContingencyState) (model.ContingencyState, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.st
	if prev.Mode == "" {
		prev = model.NormalState()
	}
	m.st = st
	m.rev++
	return prev, m.rev, nil
}

func (m *memStateBackend) ClearContingencyState(context.Context, string, time.Time) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.st.Mode == model.ModeContingency
	m.st = model.NormalState()
	m.rev++
	return removed, m.rev, nil
}

func (m *memStateBackend) GetRevision(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rev, nil
}
