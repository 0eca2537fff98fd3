package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/posguard/internal/model"
)

type Offer struct {
	Status    model.HealthStatus
	OfferedAt time.Time
}

// OfferBox is the daemon's prompter. The daemon has no operator at hand, so
// it records the offer for clients to surface and declines in the meantime;
// the operator accepts by activating through the API.
type OfferBox struct {
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	pending *Offer
}

func NewOfferBox(now func() time.Time, logger *slog.Logger) *OfferBox {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OfferBox{now: now, logger: logger.With("component", "offers")}
}

func (o *OfferBox) OfferContingency(_ context.Context, status model.HealthStatus) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		o.logger.Warn("backend unavailable, contingency offered", "status", status)
	}
	o.pending = &Offer{Status: status, OfferedAt: o.now()}
	return false
}

func (o *OfferBox) Pending() (Offer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return Offer{}, false
	}
	return *o.pending, true
}

func (o *OfferBox) Clear() {
	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()
}
