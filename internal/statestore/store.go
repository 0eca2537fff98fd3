// Package statestore is the single source of truth for the terminal's
// contingency state. Every mutation announces itself on the bus.
package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/g960059/posguard/internal/bus"
	"github.com/g960059/posguard/internal/model"
)

// Backend is the persistence the store needs; *db.Store satisfies it.
type Backend interface {
	GetContingencyState(ctx context.Context, terminalID string) (model.ContingencyState, error)
	ReplaceContingencyState(ctx context.Context, terminalID string, st model.ContingencyState) (model.ContingencyState, int64, error)
	ClearContingencyState(ctx context.Context, terminalID string, at time.Time) (bool, int64, error)
	GetRevision(ctx context.Context, terminalID string) (int64, error)
}

type Store struct {
	backend    Backend
	terminalID string
	bus        *bus.Bus
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(backend Backend, terminalID string, b *bus.Bus, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		terminalID: terminalID,
		bus:        b,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "statestore", "terminal_id", terminalID)
	return s
}

func (s *Store) TerminalID() string {
	return s.terminalID
}

func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Now() time.Time {
	return s.now()
}

// Read returns the persisted state. Storage failures degrade to Normal.
func (s *Store) Read(ctx context.Context) model.ContingencyState {
	st, err := s.backend.GetContingencyState(ctx, s.terminalID)
	if err != nil {
		s.logger.Error("read contingency state", "err", err)
		return model.NormalState()
	}
	return st
}

func (s *Store) Active(ctx context.Context) bool {
	return s.Read(ctx).Active(s.now())
}

func (s *Store) Revision(ctx context.Context) (int64, error) {
	return s.backend.GetRevision(ctx, s.terminalID)
}

// Write persists st and publishes contingency_activated when it turns an
// inactive terminal active, resync otherwise.
func (s *Store) Write(ctx context.Context, st model.ContingencyState) error {
	now := s.now()
	st.UpdatedAt = now
	prev, rev, err := s.backend.ReplaceContingencyState(ctx, s.terminalID, st)
	if err != nil {
		return fmt.Errorf("write contingency state: %w", err)
	}
	kind := bus.KindResync
	if !prev.Active(now) && st.Active(now) {
		kind = bus.KindActivated
	}
	s.publish(kind, rev, now)
	return nil
}

// Clear removes the state row and every related key in one step. The
// deactivated event fires only for the caller that actually removed a row.
func (s *Store) Clear(ctx context.Context) error {
	now := s.now()
	removed, rev, err := s.backend.ClearContingencyState(ctx, s.terminalID, now)
	if err != nil {
		return fmt.Errorf("clear contingency state: %w", err)
	}
	kind := bus.KindResync
	if removed {
		kind = bus.KindDeactivated
	}
	s.publish(kind, rev, now)
	return nil
}

func (s *Store) publish(kind bus.Kind, rev int64, at time.Time) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(bus.Event{Kind: kind, Revision: rev, At: at}); err != nil {
		s.logger.Error("publish state event", "kind", kind, "err", err)
	}
}
