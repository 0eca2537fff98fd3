package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/g960059/posguard/internal/api"
	"github.com/g960059/posguard/internal/backend"
	"github.com/g960059/posguard/internal/consumer"
	"github.com/g960059/posguard/internal/contingency"
	"github.com/g960059/posguard/internal/health"
	"github.com/g960059/posguard/internal/model"
)

func (s *Server) toState(ctx context.Context, st model.ContingencyState) api.ContingencyState {
	now := s.coord.Store().Now()
	out := api.ContingencyState{
		Mode:             string(st.Mode),
		Active:           st.Active(now),
		RemainingSeconds: int64(st.Remaining(now).Seconds()),
		EventID:          st.EventID,
		Revision:         st.Revision,
		ActivatedAt:      st.ActivatedAt,
		RangeStart:       st.RangeStart,
		RangeEnd:         st.RangeEnd,
	}
	if st.Mode == model.ModeContingency {
		out.WindowKind = string(st.WindowKind)
		reason := s.toReason(st.EventReason)
		out.Reason = &reason
		if expiresAt, ok := st.ExpiresAt(); ok {
			out.ExpiresAt = &expiresAt
		}
	}
	if draft, ok := s.coord.RangeDraft(ctx); ok {
		out.RangeDraft = &api.RangeDraft{
			ClassifierCode: draft.ClassifierCode,
			RangeStart:     draft.RangeStart,
			RangeEnd:       draft.RangeEnd,
		}
	}
	return out
}

func (s *Server) toReason(r model.EventReason) api.Reason {
	return api.Reason{
		ID:             r.ID,
		ClassifierCode: r.ClassifierCode,
		Description:    r.Description,
		Ranged:         s.coord.Ranged(r.ClassifierCode),
	}
}

func toBackendHealth(st health.State) api.BackendHealth {
	out := api.BackendHealth{
		Last:                string(st.Last),
		Level:               string(st.Level),
		ConsecutiveFailures: st.ConsecutiveFailures,
	}
	if out.Last == "" {
		out.Last = "unknown"
	}
	if out.Level == "" {
		out.Level = string(model.HealthLevelOK)
	}
	if !st.CheckedAt.IsZero() {
		checkedAt := st.CheckedAt
		out.CheckedAt = &checkedAt
	}
	return out
}

func toInvoice(inv model.OfflineInvoice) api.Invoice {
	return api.Invoice{
		InvoiceID:   inv.InvoiceID,
		EventID:     inv.EventID,
		Number:      inv.Number,
		Total:       inv.Total.StringFixed(2),
		IssuedAt:    inv.IssuedAt,
		Status:      string(inv.Status),
		Manual:      inv.Manual,
		RecordedAt:  inv.RecordedAt,
		SubmittedAt: inv.SubmittedAt,
	}
}

func toInvoiceQuery(q consumer.Query) api.InvoiceQuery {
	statuses := make([]string, 0, len(q.Statuses))
	for _, st := range q.Statuses {
		statuses = append(statuses, string(st))
	}
	return api.InvoiceQuery{Statuses: statuses, EventID: q.EventID}
}

func queryRestricted(q consumer.Query) bool {
	return len(q.Statuses) == 1 && q.Statuses[0] == model.InvoiceOffline
}

func parseStatuses(raw string) ([]model.InvoiceStatus, error) {
	var out []model.InvoiceStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status := model.InvoiceStatus(part)
		switch status {
		case model.InvoiceOnline, model.InvoiceOffline, model.InvoiceSubmitted:
			out = append(out, status)
		default:
			return nil, fmt.Errorf("invalid status %q", part)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("status filter is empty")
	}
	return out, nil
}

// classifyError maps coordinator errors to an HTTP status and contract code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, contingency.ErrRangeInvalid):
		return http.StatusBadRequest, model.ErrRangeInvalid
	case errors.Is(err, contingency.ErrReasonUnknown):
		return http.StatusBadRequest, model.ErrReasonUnknown
	case errors.Is(err, contingency.ErrInvoiceInvalid):
		return http.StatusBadRequest, model.ErrInvoiceInvalid
	case errors.Is(err, contingency.ErrOutsideRange):
		return http.StatusUnprocessableEntity, model.ErrOutsideRange
	case errors.Is(err, contingency.ErrAlreadyActive):
		return http.StatusConflict, model.ErrAlreadyActive
	case errors.Is(err, contingency.ErrNotActive):
		return http.StatusConflict, model.ErrNotActive
	case errors.Is(err, contingency.ErrInconsistentState):
		return http.StatusConflict, model.ErrInconsistentState
	case errors.Is(err, contingency.ErrNothingToSubmit):
		return http.StatusConflict, model.ErrNothingToSubmit
	case errors.Is(err, contingency.ErrIdempotencyConflict):
		return http.StatusConflict, model.ErrIdempotencyConflict
	case errors.Is(err, contingency.ErrDuplicateInvoice):
		return http.StatusConflict, model.ErrDuplicateInvoice
	}
	if unreachable(err) {
		return http.StatusServiceUnavailable, model.ErrBackendUnreachable
	}
	var regErr *contingency.RegistrationError
	if errors.As(err, &regErr) {
		return http.StatusBadGateway, model.ErrRegistrationFailed
	}
	if _, ok := backend.AsRequestError(err); ok {
		return http.StatusBadGateway, model.ErrRegistrationFailed
	}
	return http.StatusInternalServerError, model.ErrInternal
}

// unreachable reports whether err came from a backend call that got no HTTP
// answer at all.
func unreachable(err error) bool {
	if _, ok := backend.AsRequestError(err); ok {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
