package contingency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/posguard/internal/backend"
	"github.com/g960059/posguard/internal/db"
	"github.com/g960059/posguard/internal/model"
)

type ActivationRequest struct {
	RequestRef     string
	ClassifierCode int
	// Description is looked up in the catalog when empty.
	Description string
	RangeStart  *time.Time
	RangeEnd    *time.Time
}

type ActivationResult struct {
	RequestRef string
	State      model.ContingencyState
	Replayed   bool
}

// ListReasons returns the significant-event catalog, lowest classifier first.
func (c *Coordinator) ListReasons(ctx context.Context) ([]model.EventReason, error) {
	reasons, err := c.backend.ListReasons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reasons: %w", err)
	}
	sort.SliceStable(reasons, func(i, j int) bool {
		return reasons[i].ClassifierCode < reasons[j].ClassifierCode
	})
	return reasons, nil
}

// Ranged reports whether a classifier code needs an explicit window.
func (c *Coordinator) Ranged(code int) bool {
	return code > c.cfg.InstantReasonMax
}

// RangeDraft returns the operator's last chosen range, kept across failed
// registrations.
func (c *Coordinator) RangeDraft(ctx context.Context) (model.RangeDraft, bool) {
	draft, err := c.records.GetRangeDraft(ctx, c.store.TerminalID())
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			c.logger.Warn("read range draft", "err", err)
		}
		return model.RangeDraft{}, false
	}
	return draft, true
}

// Activate registers a significant event and enters contingency. Repeating a
// request ref replays the recorded outcome without contacting the backend;
// concurrent calls with the same ref share one registration. Submissions with
// different refs run one at a time, so only the first can register.
func (c *Coordinator) Activate(ctx context.Context, req ActivationRequest) (ActivationResult, error) {
	ref := strings.TrimSpace(req.RequestRef)
	if ref == "" {
		ref = uuid.NewString()
	}
	req.RequestRef = ref
	v, err, _ := c.flights.Do("activate:"+ref, func() (any, error) {
		return c.activate(ctx, req)
	})
	if err != nil {
		return ActivationResult{RequestRef: ref}, err
	}
	return v.(ActivationResult), nil
}

func (c *Coordinator) activate(ctx context.Context, req ActivationRequest) (ActivationResult, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	terminalID := c.store.TerminalID()
	if res, ok, err := c.replayActivation(ctx, req); ok || err != nil {
		return res, err
	}

	ranged := c.Ranged(req.ClassifierCode)
	if ranged {
		if req.RangeStart == nil || req.RangeEnd == nil || !req.RangeEnd.After(*req.RangeStart) {
			return ActivationResult{}, ErrRangeInvalid
		}
		// a window that has already closed would never be active
		if !req.RangeEnd.After(c.now()) {
			return ActivationResult{}, ErrRangeInvalid
		}
	}
	if c.store.Active(ctx) {
		return ActivationResult{}, ErrAlreadyActive
	}

	reason, err := c.resolveReason(ctx, req.ClassifierCode, req.Description)
	if err != nil {
		return ActivationResult{}, err
	}
	identity := backend.EventRequest{
		PointOfSaleID:  c.cfg.PointOfSaleID,
		BranchID:       c.cfg.BranchID,
		ClassifierCode: reason.ClassifierCode,
		Description:    reason.Description,
	}

	st := model.ContingencyState{
		Mode:            model.ModeContingency,
		EventReason:     reason,
		OpenEndedWindow: c.cfg.OpenEndedWindow,
	}
	if ranged {
		start, end := req.RangeStart.UTC(), req.RangeEnd.UTC()
		if err := c.records.SaveRangeDraft(ctx, terminalID, model.RangeDraft{
			ClassifierCode: reason.ClassifierCode,
			RangeStart:     start,
			RangeEnd:       end,
		}); err != nil {
			return ActivationResult{}, fmt.Errorf("save range draft: %w", err)
		}
		resp, err := c.backend.RegisterEventRange(ctx, backend.RangeEventRequest{
			EventRequest: identity,
			RangeStart:   start.In(c.loc).Format(model.DisplayLayout),
			RangeEnd:     end.In(c.loc).Format(model.DisplayLayout),
		}, req.RequestRef)
		if err != nil {
			return ActivationResult{}, registrationFailed("register event range", err)
		}
		if resp.EventID == 0 || !c.rangeConfirmed(resp.Message) {
			return ActivationResult{}, registrationFailed("register event range", unconfirmed(resp.Message))
		}
		st.WindowKind = model.WindowRanged
		st.RangeStart = &start
		st.RangeEnd = &end
		st.EventID = resp.EventID
	} else {
		resp, err := c.backend.RegisterEventStart(ctx, identity, req.RequestRef)
		if err != nil {
			return ActivationResult{}, registrationFailed("register event start", err)
		}
		if resp.EventID == 0 {
			return ActivationResult{}, registrationFailed("register event start", unconfirmed("missing event id"))
		}
		st.WindowKind = model.WindowOpenEnded
		st.EventID = resp.EventID
	}

	activatedAt := c.now()
	st.ActivatedAt = &activatedAt
	if err := c.store.Write(ctx, st); err != nil {
		return ActivationResult{}, err
	}
	stored := c.store.Read(ctx)
	c.logger.Info("contingency activated",
		"event_id", stored.EventID,
		"classifier_code", reason.ClassifierCode,
		"window", stored.WindowKind,
		"request_ref", req.RequestRef,
	)
	c.recordRequest(ctx, model.RequestActivate, req.RequestRef, stored)
	return ActivationResult{RequestRef: req.RequestRef, State: stored}, nil
}

func (c *Coordinator) replayActivation(ctx context.Context, req ActivationRequest) (ActivationResult, bool, error) {
	rec, err := c.records.GetRequest(ctx, c.store.TerminalID(), model.RequestActivate, req.RequestRef)
	if errors.Is(err, db.ErrNotFound) {
		return ActivationResult{}, false, nil
	}
	if err != nil {
		return ActivationResult{}, false, fmt.Errorf("lookup request ref: %w", err)
	}
	var st model.ContingencyState
	if rec.StateJSON != nil {
		if err := json.Unmarshal([]byte(*rec.StateJSON), &st); err != nil {
			return ActivationResult{}, false, fmt.Errorf("decode recorded activation: %w", err)
		}
	}
	if st.EventReason.ClassifierCode != req.ClassifierCode {
		return ActivationResult{}, false, ErrIdempotencyConflict
	}
	return ActivationResult{RequestRef: req.RequestRef, State: st, Replayed: true}, true, nil
}

func (c *Coordinator) resolveReason(ctx context.Context, code int, description string) (model.EventReason, error) {
	if desc := strings.TrimSpace(description); desc != "" {
		return model.EventReason{ClassifierCode: code, Description: desc}, nil
	}
	reasons, err := c.ListReasons(ctx)
	if err != nil {
		return model.EventReason{}, registrationFailed("resolve reason", err)
	}
	for _, r := range reasons {
		if r.ClassifierCode == code {
			return r, nil
		}
	}
	return model.EventReason{}, fmt.Errorf("%w: classifier code %d", ErrReasonUnknown, code)
}

// rangeConfirmed reports whether the range registration message carries the
// configured confirmation phrase.
func (c *Coordinator) rangeConfirmed(message string) bool {
	marker := strings.ToLower(strings.TrimSpace(c.cfg.RangeSuccessMarker))
	if marker == "" {
		return true
	}
	return strings.Contains(strings.ToLower(message), marker)
}

func (c *Coordinator) recordRequest(ctx context.Context, kind model.RequestKind, ref string, st model.ContingencyState) {
	raw, err := json.Marshal(st)
	if err != nil {
		c.logger.Warn("encode request outcome", "request_ref", ref, "err", err)
		return
	}
	stateJSON := string(raw)
	err = c.records.InsertRequest(ctx, c.store.TerminalID(), model.RequestRecord{
		Kind:        kind,
		RequestRef:  ref,
		ResultCode:  "completed",
		StateJSON:   &stateJSON,
		RequestedAt: c.now(),
	})
	if err != nil && !errors.Is(err, db.ErrDuplicate) {
		c.logger.Warn("record request outcome", "request_ref", ref, "err", err)
	}
}
