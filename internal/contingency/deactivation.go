package contingency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/posguard/internal/backend"
	"github.com/g960059/posguard/internal/db"
	"github.com/g960059/posguard/internal/model"
)

type DeactivationRequest struct {
	RequestRef string
}

type DeactivationResult struct {
	RequestRef string
	EventID    int64
	Message    string
	Replayed   bool
}

// Deactivate closes the current significant event with the backend and
// returns the terminal to normal invoicing. The caller is responsible for
// having confirmed the operator's intent.
func (c *Coordinator) Deactivate(ctx context.Context, req DeactivationRequest) (DeactivationResult, error) {
	ref := strings.TrimSpace(req.RequestRef)
	if ref == "" {
		ref = uuid.NewString()
	}
	v, err, _ := c.flights.Do("deactivate:"+ref, func() (any, error) {
		return c.deactivate(ctx, ref)
	})
	if err != nil {
		return DeactivationResult{RequestRef: ref}, err
	}
	return v.(DeactivationResult), nil
}

func (c *Coordinator) deactivate(ctx context.Context, ref string) (DeactivationResult, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	rec, err := c.records.GetRequest(ctx, c.store.TerminalID(), model.RequestDeactivate, ref)
	switch {
	case err == nil:
		res := DeactivationResult{RequestRef: ref, Replayed: true}
		if rec.StateJSON != nil {
			var st model.ContingencyState
			if json.Unmarshal([]byte(*rec.StateJSON), &st) == nil {
				res.EventID = st.EventID
			}
		}
		return res, nil
	case !errors.Is(err, db.ErrNotFound):
		return DeactivationResult{}, fmt.Errorf("lookup request ref: %w", err)
	}

	st := c.store.Read(ctx)
	if st.Mode != model.ModeContingency {
		return DeactivationResult{}, ErrNotActive
	}
	if st.EventID == 0 {
		c.logger.Error("contingency state without event id", "activated_at", st.ActivatedAt)
		return DeactivationResult{}, ErrInconsistentState
	}
	if !st.Active(c.now()) {
		return DeactivationResult{}, ErrNotActive
	}

	resp, err := c.backend.RegisterEventEnd(ctx, backend.EndEventRequest{EventID: st.EventID}, ref)
	if err != nil {
		return DeactivationResult{}, registrationFailed("register event end", err)
	}
	if err := c.store.Clear(ctx); err != nil {
		return DeactivationResult{}, err
	}
	c.logger.Info("contingency deactivated", "event_id", st.EventID, "request_ref", ref)
	c.recordRequest(ctx, model.RequestDeactivate, ref, st)
	return DeactivationResult{RequestRef: ref, EventID: st.EventID, Message: resp.Message}, nil
}

// Expire clears a lapsed window without contacting the backend. A window
// that is still open is left alone.
func (c *Coordinator) Expire(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	st := c.store.Read(ctx)
	if st.Mode != model.ModeContingency || st.Active(c.now()) {
		return nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.logger.Info("contingency expired", "event_id", st.EventID, "window", st.WindowKind)
	return nil
}

type PackageResult struct {
	EventID       int64
	Submitted     int
	ReceptionCode string
	Message       string
	Deactivated   bool
}

// SubmitPackage sends every offline invoice of the current event, or of the
// latest event with pending invoices once the window has lapsed. Invoices are
// marked submitted, and the stored contingency cleared, only after the
// backend confirms.
func (c *Coordinator) SubmitPackage(ctx context.Context) (PackageResult, error) {
	v, err, _ := c.flights.Do("package", func() (any, error) {
		return c.submitPackage(ctx)
	})
	if err != nil {
		return PackageResult{}, err
	}
	return v.(PackageResult), nil
}

func (c *Coordinator) submitPackage(ctx context.Context) (PackageResult, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	terminalID := c.store.TerminalID()
	st := c.store.Read(ctx)

	eventID := int64(0)
	if st.Mode == model.ModeContingency && st.EventID > 0 {
		eventID = st.EventID
	} else {
		latest, err := c.records.LatestPendingEventID(ctx, terminalID)
		if errors.Is(err, db.ErrNotFound) {
			return PackageResult{}, ErrNothingToSubmit
		}
		if err != nil {
			return PackageResult{}, fmt.Errorf("find pending event: %w", err)
		}
		eventID = latest
	}

	invoices, err := c.records.ListInvoices(ctx, terminalID, db.InvoiceFilter{
		Statuses: []model.InvoiceStatus{model.InvoiceOffline},
		EventID:  &eventID,
	})
	if err != nil {
		return PackageResult{}, fmt.Errorf("list offline invoices: %w", err)
	}
	if len(invoices) == 0 {
		return PackageResult{}, ErrNothingToSubmit
	}

	payload := backend.PackageRequest{Invoices: make([]backend.PackageInvoice, 0, len(invoices))}
	ids := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		item := backend.PackageInvoice{
			InvoiceID: inv.InvoiceID,
			Number:    inv.Number,
			Total:     inv.Total.StringFixed(2),
			IssuedAt:  inv.IssuedAt.In(c.loc).Format(model.DisplayLayout),
			Manual:    inv.Manual,
		}
		if p := strings.TrimSpace(inv.Payload); p != "" && json.Valid([]byte(p)) {
			item.Payload = json.RawMessage(p)
		}
		payload.Invoices = append(payload.Invoices, item)
		ids = append(ids, inv.InvoiceID)
	}

	resp, err := c.backend.SubmitPackage(ctx, c.cfg.PointOfSaleID, c.cfg.BranchID, eventID, payload)
	if err != nil {
		return PackageResult{}, registrationFailed("submit package", err)
	}
	if !resp.Success {
		return PackageResult{}, registrationFailed("submit package", unconfirmed(resp.Message))
	}

	marked, err := c.records.MarkInvoicesSubmitted(ctx, terminalID, ids, c.now())
	if err != nil {
		return PackageResult{}, fmt.Errorf("mark invoices submitted: %w", err)
	}
	res := PackageResult{
		EventID:       eventID,
		Submitted:     int(marked),
		ReceptionCode: resp.ReceptionCode,
		Message:       resp.Message,
	}
	current := c.store.Read(ctx)
	if current.Mode == model.ModeContingency && current.EventID == eventID {
		if err := c.store.Clear(ctx); err != nil {
			return res, err
		}
		res.Deactivated = true
	}
	c.logger.Info("offline package submitted",
		"event_id", eventID,
		"invoices", res.Submitted,
		"reception_code", res.ReceptionCode,
		"deactivated", res.Deactivated,
	)
	return res, nil
}
