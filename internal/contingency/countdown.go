package contingency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/posguard/internal/model"
	"github.com/g960059/posguard/internal/statestore"
)

// Countdown derives the remaining window from the persisted activation on
// every tick. The expiry callback runs at most once per activation.
type Countdown struct {
	store    *statestore.Store
	onExpire func(ctx context.Context) error
	logger   *slog.Logger

	mu       sync.Mutex
	firedKey string
}

func NewCountdown(store *statestore.Store, onExpire func(ctx context.Context) error, logger *slog.Logger) *Countdown {
	if logger == nil {
		logger = slog.Default()
	}
	return &Countdown{store: store, onExpire: onExpire, logger: logger}
}

// Tick reports the remaining time and whether further ticks are needed.
func (c *Countdown) Tick(ctx context.Context) (time.Duration, bool) {
	st := c.store.Read(ctx)
	if st.Mode != model.ModeContingency {
		return 0, false
	}
	now := c.store.Now()
	if remaining := st.Remaining(now); remaining > 0 {
		return remaining, true
	}

	key := st.ActivationKey()
	c.mu.Lock()
	if key == c.firedKey {
		c.mu.Unlock()
		return 0, false
	}
	c.firedKey = key
	c.mu.Unlock()

	if c.onExpire == nil {
		return 0, false
	}
	if err := c.onExpire(ctx); err != nil {
		c.logger.Error("automatic deactivation failed", "event_id", st.EventID, "err", err)
		c.mu.Lock()
		if c.firedKey == key {
			c.firedKey = ""
		}
		c.mu.Unlock()
		// keep ticking so the next tick retries
		return 0, true
	}
	return 0, false
}
