// Package consumer implements what every mode-aware view of the terminal
// does: read the stored mode, follow the bus, and narrow invoice queries to
// the offline subset while contingency is in force.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/posguard/internal/bus"
	"github.com/g960059/posguard/internal/health"
	"github.com/g960059/posguard/internal/model"
)

// StateReader is the part of the state store a surface reads.
type StateReader interface {
	Read(ctx context.Context) model.ContingencyState
	Now() time.Time
	Bus() *bus.Bus
}

// HealthSource reports the monitor's last classification.
type HealthSource interface {
	Snapshot() health.State
}

// Query is the invoice listing a surface is allowed to issue.
type Query struct {
	Statuses []model.InvoiceStatus
	EventID  *int64
}

type View struct {
	Mode        model.Mode
	Active      bool
	Remaining   time.Duration
	EventID     int64
	Reason      model.EventReason
	WindowKind  model.WindowKind
	ActivatedAt *time.Time
	ExpiresAt   *time.Time
	Health      model.HealthStatus
	HealthLevel model.HealthLevel
	Query       Query
}

// QueryFor returns the invoice query for a state: offline invoices of the
// current event while in contingency, every status otherwise.
func QueryFor(st model.ContingencyState) Query {
	if st.Mode != model.ModeContingency {
		return Query{Statuses: append([]model.InvoiceStatus(nil), model.AllInvoiceStatuses...)}
	}
	q := Query{Statuses: []model.InvoiceStatus{model.InvoiceOffline}}
	if st.EventID != 0 {
		id := st.EventID
		q.EventID = &id
	}
	return q
}

type Options struct {
	Store  StateReader
	Health HealthSource
	// OnRefetch runs with the fresh view whenever the surface must reload
	// its dataset.
	OnRefetch func(ctx context.Context, v View)
	Logger    *slog.Logger
}

type Surface struct {
	store     StateReader
	health    HealthSource
	onRefetch func(ctx context.Context, v View)
	logger    *slog.Logger

	mu      sync.Mutex
	mounted bool
	gen     uint64
	unsub   func()
	view    View
}

func New(opts Options) *Surface {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		store:     opts.Store,
		health:    opts.Health,
		onRefetch: opts.OnRefetch,
		logger:    logger.With("component", "consumer"),
	}
}

// Mount reads the store, subscribes to the bus and issues the first fetch.
// Mounting twice is a no-op.
func (s *Surface) Mount(ctx context.Context) View {
	s.mu.Lock()
	if s.mounted {
		v := s.view
		s.mu.Unlock()
		return v
	}
	s.mounted = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	unsub := func() {}
	if b := s.store.Bus(); b != nil {
		unsub = b.Subscribe(func(ev bus.Event) {
			s.handle(gen, ev)
		})
	}
	v := s.compute(ctx)

	s.mu.Lock()
	if !s.mounted || s.gen != gen {
		s.mu.Unlock()
		unsub()
		return v
	}
	s.unsub = unsub
	s.view = v
	s.mu.Unlock()

	s.refetch(ctx, gen, v)
	return v
}

// Unmount detaches from the bus. Callbacks already in flight are dropped.
func (s *Surface) Unmount() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mounted = false
	s.gen++
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *Surface) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// View recomputes the countdown and health fields against the last read mode.
func (s *Surface) View(ctx context.Context) View {
	if !s.Mounted() {
		return s.compute(ctx)
	}
	v := s.compute(ctx)
	s.mu.Lock()
	if s.mounted {
		s.view = v
	}
	s.mu.Unlock()
	return v
}

func (s *Surface) handle(gen uint64, ev bus.Event) {
	ctx := context.Background()
	s.mu.Lock()
	if !s.mounted || s.gen != gen {
		s.mu.Unlock()
		return
	}
	prevMode := s.view.Mode
	s.mu.Unlock()

	v := s.compute(ctx)

	s.mu.Lock()
	if !s.mounted || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.view = v
	s.mu.Unlock()

	if ev.Kind.Discrete() || v.Mode != prevMode {
		s.refetch(ctx, gen, v)
	}
}

func (s *Surface) refetch(ctx context.Context, gen uint64, v View) {
	if s.onRefetch == nil {
		return
	}
	s.mu.Lock()
	stale := !s.mounted || s.gen != gen
	s.mu.Unlock()
	if stale {
		s.logger.Debug("dropping refetch after unmount")
		return
	}
	s.onRefetch(ctx, v)
}

func (s *Surface) compute(ctx context.Context) View {
	st := s.store.Read(ctx)
	now := s.store.Now()
	v := View{
		Mode:        st.Mode,
		Active:      st.Active(now),
		Remaining:   st.Remaining(now),
		EventID:     st.EventID,
		Reason:      st.EventReason,
		WindowKind:  st.WindowKind,
		ActivatedAt: st.ActivatedAt,
		Query:       QueryFor(st),
	}
	if expiresAt, ok := st.ExpiresAt(); ok {
		v.ExpiresAt = &expiresAt
	}
	if s.health != nil {
		snap := s.health.Snapshot()
		v.Health = snap.Last
		v.HealthLevel = snap.Level
	}
	return v
}
