package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Relays re-deliver changes made by other processes as local resync events.
// A remote change only tells consumers to re-read the store, never what
// changed.

const relayPublishTimeout = 2 * time.Second

// RedisRelay mirrors locally originated events onto a Redis channel and turns
// events from other origins into local resyncs.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	bus     *Bus
	logger  *slog.Logger

	mu     sync.Mutex
	detach func()
}

func NewRedisRelay(client redis.UniversalClient, channel string, b *Bus, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		bus:     b,
		logger:  logger.With("component", "redis_relay", "channel", channel),
	}
}

// Attach starts forwarding this process's events to Redis.
func (r *RedisRelay) Attach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detach != nil {
		return
	}
	r.detach = r.bus.Subscribe(func(ev Event) {
		if ev.Origin != r.bus.Origin() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		defer cancel()
		if err := r.Announce(ctx, ev); err != nil {
			r.logger.Warn("relay publish failed", "kind", ev.Kind, "err", err)
		}
	})
}

func (r *RedisRelay) Announce(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode relay event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Run consumes the channel until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay channel: %w", err)
	}
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("drop malformed relay event", "err", err)
		return
	}
	if ev.Origin == "" || ev.Origin == r.bus.Origin() {
		return
	}
	_ = r.bus.Publish(Event{Kind: KindResync, Origin: ev.Origin, Revision: ev.Revision})
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	if r.detach != nil {
		r.detach()
		r.detach = nil
	}
	r.mu.Unlock()
	return r.client.Close()
}

// RevisionFunc returns the current store revision.
type RevisionFunc func(ctx context.Context) (int64, error)

// StoreWatcher polls the store revision and emits a resync when another
// process moved it. Revisions carried by this process's own events are
// recorded so local writes do not echo back.
type StoreWatcher struct {
	revision RevisionFunc
	bus      *Bus
	logger   *slog.Logger

	mu     sync.Mutex
	seen   int64
	primed bool
	detach func()
}

func NewStoreWatcher(revision RevisionFunc, b *Bus, logger *slog.Logger) *StoreWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &StoreWatcher{
		revision: revision,
		bus:      b,
		logger:   logger.With("component", "store_watcher"),
	}
	w.detach = b.Subscribe(func(ev Event) {
		if ev.Origin == b.Origin() {
			w.observe(ev.Revision)
		}
	})
	return w
}

func (w *StoreWatcher) observe(rev int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rev > w.seen {
		w.seen = rev
	}
}

// Check polls once. The first successful poll only records the baseline.
func (w *StoreWatcher) Check(ctx context.Context) (bool, error) {
	rev, err := w.revision(ctx)
	if err != nil {
		return false, fmt.Errorf("read store revision: %w", err)
	}
	w.mu.Lock()
	if !w.primed {
		w.primed = true
		if rev > w.seen {
			w.seen = rev
		}
		w.mu.Unlock()
		return false, nil
	}
	if rev <= w.seen {
		w.mu.Unlock()
		return false, nil
	}
	w.seen = rev
	w.mu.Unlock()

	_ = w.bus.Publish(Event{Kind: KindResync, Origin: "store", Revision: rev})
	return true, nil
}

func (w *StoreWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detach != nil {
		w.detach()
		w.detach = nil
	}
}
