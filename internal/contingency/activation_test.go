package contingency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/g960059/posguard/internal/backend"
	"github.com/g960059/posguard/internal/bus"
	"github.com/g960059/posguard/internal/config"
	"github.com/g960059/posguard/internal/model"
	"github.com/g960059/posguard/internal/testutil"
)

func TestActivateInstantReasonOpensOpenEndedWindow(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	res, err := h.coord.Activate(h.ctx, ActivationRequest{RequestRef: "ref-a", ClassifierCode: 2, Description: "INACCESIBILIDAD AL SERVICIO WEB"})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, "ref-a", res.RequestRef)

	st := h.store.Read(h.ctx)
	require.Equal(t, model.ModeContingency, st.Mode)
	require.EqualValues(t, 77, st.EventID)
	require.Equal(t, model.WindowOpenEnded, st.WindowKind)
	require.True(t, st.ActivatedAt.Equal(testEpoch))
	expiresAt, ok := st.ExpiresAt()
	require.True(t, ok)
	require.True(t, expiresAt.Equal(testEpoch.Add(2*time.Hour)))

	require.Equal(t, 1, h.fake.Calls("start"))
	require.Equal(t, 0, h.fake.Calls("range"))
	require.Equal(t, "ref-a", h.fake.LastHeader("start").Get(backend.IdempotencyHeader))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(h.fake.LastBody("start"), &sent))
	require.Equal(t, float64(3), sent["pointOfSaleId"])
	require.Equal(t, float64(1), sent["branchId"])
	require.Equal(t, float64(2), sent["classifierCode"])
	require.Equal(t, "INACCESIBILIDAD AL SERVICIO WEB", sent["description"])

	require.Equal(t, []bus.Kind{bus.KindActivated}, h.kinds())
}

func TestActivateRangedRejectsInvalidRangeLocally(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, RangeStart: at(9, 0), RangeEnd: at(8, 0)})
	require.ErrorIs(t, err, ErrRangeInvalid)

	_, err = h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, RangeStart: at(9, 0), RangeEnd: at(9, 0)})
	require.ErrorIs(t, err, ErrRangeInvalid)

	_, err = h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, RangeStart: at(9, 0)})
	require.ErrorIs(t, err, ErrRangeInvalid)

	require.Equal(t, 0, h.fake.Calls("range"))
	require.Equal(t, 0, h.fake.Calls("start"))
	require.Equal(t, 0, h.fake.Calls("reasons"))
	require.Equal(t, model.ModeNormal, h.store.Read(h.ctx).Mode)
	_, ok := h.coord.RangeDraft(h.ctx)
	require.False(t, ok)
	require.Empty(t, h.kinds())
}

func TestActivateRangedRegistersFormattedWindow(t *testing.T) {
	h := newHarness(t, harnessOptions{configure: func(c *config.Config) {
		c.TimeZone = "America/La_Paz"
	}})

	res, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, Description: "VIRUS", RangeStart: at(12, 0), RangeEnd: at(15, 30)})
	require.NoError(t, err)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(h.fake.LastBody("range"), &sent))
	// La Paz is UTC-4 all year
	require.Equal(t, "2026-10-16 08:00:00", sent["rangeStart"])
	require.Equal(t, "2026-10-16 11:30:00", sent["rangeEnd"])
	require.Equal(t, float64(6), sent["classifierCode"])

	st := res.State
	require.Equal(t, model.WindowRanged, st.WindowKind)
	require.EqualValues(t, 501, st.EventID)
	require.True(t, st.RangeStart.Equal(*at(12, 0)))
	require.True(t, st.RangeEnd.Equal(*at(15, 30)))
	require.True(t, st.ActivatedAt.Equal(testEpoch))

	draft, ok := h.coord.RangeDraft(h.ctx)
	require.True(t, ok)
	require.Equal(t, 6, draft.ClassifierCode)
	require.Equal(t, []bus.Kind{bus.KindActivated}, h.kinds())
}

func TestActivateRangedRequiresConfirmationPhrase(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.fake.Update(func(s *testutil.FakeBackendState) { s.RangeMessage = "Error: rango superpuesto" })

	_, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, Description: "VIRUS", RangeStart: at(8, 0), RangeEnd: at(10, 0)})
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, model.ModeNormal, h.store.Read(h.ctx).Mode)
	require.Empty(t, h.kinds())

	// the operator's selection survives for a retry
	draft, ok := h.coord.RangeDraft(h.ctx)
	require.True(t, ok)
	require.True(t, draft.RangeStart.Equal(*at(8, 0)))

	h.fake.Update(func(s *testutil.FakeBackendState) { s.RangeMessage = "Evento REGISTRADO" })
	_, err = h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, Description: "VIRUS", RangeStart: at(8, 0), RangeEnd: at(10, 0)})
	require.NoError(t, err)
	require.True(t, h.store.Active(h.ctx))
}

func TestActivateRangedRequiresEventID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.fake.Update(func(s *testutil.FakeBackendState) { s.RangeEventID = 0 })

	_, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, Description: "VIRUS", RangeStart: at(8, 0), RangeEnd: at(10, 0)})
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, model.ModeNormal, h.store.Read(h.ctx).Mode)
}

func TestActivateBackendFailureLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.fake.Update(func(s *testutil.FakeBackendState) { s.StartStatus = http.StatusInternalServerError })

	_, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 2, Description: "INACCESIBILIDAD AL SERVICIO WEB"})
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	reqErr, ok := backend.AsRequestError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)

	st := h.store.Read(h.ctx)
	require.Equal(t, model.ModeNormal, st.Mode)
	require.Zero(t, st.EventID)
	require.Empty(t, h.kinds())
	n, err := h.records.CountRows(h.ctx, "requests")
	require.NoError(t, err)
	require.Zero(t, n, "failed attempts must stay retryable")
}

func TestActivateRejectsWhileActive(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.activateInstant(t)

	_, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 1, Description: "CORTE"})
	require.ErrorIs(t, err, ErrAlreadyActive)
	require.Equal(t, 1, h.fake.Calls("start"))
	require.Equal(t, 1, h.count(bus.KindActivated))
}

func TestActivateReplaysRequestRef(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	req := ActivationRequest{RequestRef: "double-click", ClassifierCode: 2, Description: "INACCESIBILIDAD AL SERVICIO WEB"}

	first, err := h.coord.Activate(h.ctx, req)
	require.NoError(t, err)
	second, err := h.coord.Activate(h.ctx, req)
	require.NoError(t, err)

	require.True(t, second.Replayed)
	require.Equal(t, first.State.EventID, second.State.EventID)
	require.Equal(t, 1, h.fake.Calls("start"))
	require.Equal(t, 1, h.count(bus.KindActivated))

	_, err = h.coord.Activate(h.ctx, ActivationRequest{RequestRef: "double-click", ClassifierCode: 1, Description: "CORTE"})
	require.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestActivateConcurrentSubmissionsRegisterOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	req := ActivationRequest{RequestRef: "burst", ClassifierCode: 2, Description: "INACCESIBILIDAD AL SERVICIO WEB"}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Activate(h.ctx, req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, h.fake.Calls("start"))
	require.Equal(t, 1, h.count(bus.KindActivated))
}

func TestActivateResolvesDescriptionFromCatalog(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 3})
	require.ErrorIs(t, err, ErrReasonUnknown)
	require.Equal(t, 0, h.fake.Calls("start"))

	res, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 1})
	require.NoError(t, err)
	require.Equal(t, "CORTE DEL SERVICIO DE INTERNET", res.State.EventReason.Description)
	require.Equal(t, 1, h.fake.Calls("reasons"))
}

func TestListReasonsIsSortedByClassifier(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	reasons, err := h.coord.ListReasons(h.ctx)
	require.NoError(t, err)
	codes := make([]int, 0, len(reasons))
	for _, r := range reasons {
		codes = append(codes, r.ClassifierCode)
	}
	require.Equal(t, []int{1, 2, 5, 6}, codes)

	h.fake.Close()
	_, err = h.coord.ListReasons(h.ctx)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrReasonUnknown))
}

func TestInstantReasonThresholdIsConfigurable(t *testing.T) {
	h := newHarness(t, harnessOptions{configure: func(c *config.Config) { c.InstantReasonMax = 6 }})
	require.False(t, h.coord.Ranged(6))
	_, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, Description: "VIRUS"})
	require.NoError(t, err)
	require.Equal(t, 1, h.fake.Calls("start"))
	require.Equal(t, model.WindowOpenEnded, h.store.Read(h.ctx).WindowKind)
}

func TestActivateRangedRejectsWindowThatAlreadyClosed(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, Description: "VIRUS", RangeStart: at(7, 0), RangeEnd: at(8, 0)})
	require.ErrorIs(t, err, ErrRangeInvalid)
	_, err = h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, Description: "VIRUS", RangeStart: at(8, 0), RangeEnd: at(9, 0)})
	require.ErrorIs(t, err, ErrRangeInvalid, "a range ending now is already closed")

	require.Equal(t, 0, h.fake.Calls("range"))
	require.Equal(t, model.ModeNormal, h.store.Read(h.ctx).Mode)
	_, ok := h.coord.RangeDraft(h.ctx)
	require.False(t, ok)
	require.Empty(t, h.kinds())

	// a range that started earlier but is still open is accepted
	res, err := h.coord.Activate(h.ctx, ActivationRequest{ClassifierCode: 6, Description: "VIRUS", RangeStart: at(7, 0), RangeEnd: at(10, 0)})
	require.NoError(t, err)
	require.True(t, res.State.Active(h.clock.Now()))
	require.Equal(t, []bus.Kind{bus.KindActivated}, h.kinds())

	inv, err := h.coord.RecordInvoice(h.ctx, InvoiceInput{Number: "F-1", Total: decimal.NewFromInt(5), IssuedAt: *at(7, 30), Manual: true})
	require.NoError(t, err)
	require.Equal(t, model.InvoiceOffline, inv.Status)
	require.Equal(t, res.State.EventID, inv.EventID)
}

func TestActivateDifferentRefsRegisterOneEvent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	refs := []string{"op-a", "op-b", "op-c", "op-d"}

	var wg sync.WaitGroup
	errs := make(chan error, len(refs))
	for _, ref := range refs {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			_, err := h.coord.Activate(h.ctx, ActivationRequest{RequestRef: ref, ClassifierCode: 2, Description: "INACCESIBILIDAD AL SERVICIO WEB"})
			errs <- err
		}(ref)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyActive)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, h.fake.Calls("start"))
	require.Equal(t, 1, h.count(bus.KindActivated))
}

// unsortedCatalog hands the catalog back in backend order.
type unsortedCatalog struct {
	*backend.Client
	reasons []model.EventReason
}

func (u unsortedCatalog) ListReasons(context.Context) ([]model.EventReason, error) {
	return append([]model.EventReason(nil), u.reasons...), nil
}

func TestListReasonsSortsWhateverTheBackendReturns(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	coord, err := New(Options{
		Config:  h.cfg,
		Store:   h.store,
		Records: h.records,
		Backend: unsortedCatalog{
			Client:  backend.New(h.fake.URL, "", time.Second),
			reasons: testutil.DefaultReasons(),
		},
		Scheduler: h.sched,
	})
	require.NoError(t, err)

	reasons, err := coord.ListReasons(h.ctx)
	require.NoError(t, err)
	codes := make([]int, 0, len(reasons))
	for _, r := range reasons {
		codes = append(codes, r.ClassifierCode)
	}
	require.Equal(t, []int{1, 2, 5, 6}, codes)
}
