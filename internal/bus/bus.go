// Package bus carries contingency state-change notifications between the
// components of one process and, through relays, between processes sharing
// the same state file.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindActivated   Kind = "contingency_activated"
	KindDeactivated Kind = "contingency_deactivated"
	KindResync      Kind = "resync"
)

func (k Kind) Valid() bool {
	switch k {
	case KindActivated, KindDeactivated, KindResync:
		return true
	default:
		return false
	}
}

// Discrete reports whether the kind marks a mode transition.
func (k Kind) Discrete() bool {
	return k == KindActivated || k == KindDeactivated
}

type Event struct {
	Kind     Kind      `json:"kind"`
	Origin   string    `json:"origin"`
	Revision int64     `json:"revision"`
	At       time.Time `json:"at"`
}

type Handler func(Event)

type Bus struct {
	origin string
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]Handler
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		origin: uuid.NewString(),
		logger: logger.With("component", "bus"),
		subs:   map[uint64]Handler{},
	}
}

// Origin identifies this process on cross-process relays.
func (b *Bus) Origin() string {
	return b.origin
}

// Subscribe registers h and returns a function that removes it. The returned
// function may be called any number of times, including from inside h.
func (b *Bus) Subscribe(h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers ev synchronously to every current subscriber. Handlers run
// outside the bus lock so they may subscribe, unsubscribe or publish.
func (b *Bus) Publish(ev Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		h, ok := b.subs[id]
		b.mu.Unlock()
		if !ok {
			// unsubscribed by an earlier handler in this round
			continue
		}
		b.deliver(h, ev)
	}
	return nil
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	h(ev)
}
