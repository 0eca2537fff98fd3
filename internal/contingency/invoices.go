package contingency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/g960059/posguard/internal/db"
	"github.com/g960059/posguard/internal/model"
)

type InvoiceInput struct {
	InvoiceID string
	Number    string
	Total     decimal.Decimal
	IssuedAt  time.Time
	Manual    bool
	Payload   string
}

// RecordInvoice stores an issued invoice. While contingency is active it is
// kept as offline and tagged with the event id; a manual invoice in a ranged
// window must be dated inside the range.
func (c *Coordinator) RecordInvoice(ctx context.Context, in InvoiceInput) (model.OfflineInvoice, error) {
	number := strings.TrimSpace(in.Number)
	if number == "" {
		return model.OfflineInvoice{}, fmt.Errorf("%w: number is required", ErrInvoiceInvalid)
	}
	if in.Total.IsNegative() {
		return model.OfflineInvoice{}, fmt.Errorf("%w: total must not be negative", ErrInvoiceInvalid)
	}
	now := c.now()
	inv := model.OfflineInvoice{
		InvoiceID:  strings.TrimSpace(in.InvoiceID),
		Number:     number,
		Total:      in.Total,
		IssuedAt:   in.IssuedAt.UTC(),
		Status:     model.InvoiceOnline,
		Manual:     in.Manual,
		Payload:    in.Payload,
		RecordedAt: now,
	}
	if inv.InvoiceID == "" {
		inv.InvoiceID = uuid.NewString()
	}
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = now
	}

	st := c.store.Read(ctx)
	if st.Active(now) {
		inv.Status = model.InvoiceOffline
		inv.EventID = st.EventID
		if st.WindowKind == model.WindowRanged && inv.Manual {
			if !c.withinRange(ctx, st, inv.IssuedAt) {
				return model.OfflineInvoice{}, ErrOutsideRange
			}
		}
	}

	if err := c.records.InsertInvoice(ctx, c.store.TerminalID(), inv); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return model.OfflineInvoice{}, fmt.Errorf("%w: %s", ErrDuplicateInvoice, number)
		}
		return model.OfflineInvoice{}, err
	}
	return inv, nil
}

func (c *Coordinator) withinRange(ctx context.Context, st model.ContingencyState, at time.Time) bool {
	if draft, ok := c.RangeDraft(ctx); ok {
		return draft.Contains(at)
	}
	if st.RangeStart == nil || st.RangeEnd == nil {
		return false
	}
	return model.RangeDraft{RangeStart: *st.RangeStart, RangeEnd: *st.RangeEnd}.Contains(at)
}

func (c *Coordinator) ListInvoices(ctx context.Context, statuses []model.InvoiceStatus) ([]model.OfflineInvoice, error) {
	return c.records.ListInvoices(ctx, c.store.TerminalID(), db.InvoiceFilter{Statuses: statuses})
}

// QueryInvoices lists invoices restricted to statuses and, when eventID is
// set, to that significant event.
func (c *Coordinator) QueryInvoices(ctx context.Context, statuses []model.InvoiceStatus, eventID *int64) ([]model.OfflineInvoice, error) {
	return c.records.ListInvoices(ctx, c.store.TerminalID(), db.InvoiceFilter{Statuses: statuses, EventID: eventID})
}
