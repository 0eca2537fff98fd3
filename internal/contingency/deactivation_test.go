package contingency

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/g960059/posguard/internal/bus"
	"github.com/g960059/posguard/internal/model"
	"github.com/g960059/posguard/internal/testutil"
)

func TestDeactivateClosesEventAndClearsStore(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.activateInstant(t)
	require.NoError(t, h.records.SaveRangeDraft(h.ctx, "t1", model.RangeDraft{ClassifierCode: 6, RangeStart: *at(8, 0), RangeEnd: *at(9, 0)}))

	res, err := h.coord.Deactivate(h.ctx, DeactivationRequest{RequestRef: "end-1"})
	require.NoError(t, err)
	require.EqualValues(t, 77, res.EventID)
	require.Equal(t, "Evento cerrado", res.Message)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(h.fake.LastBody("end"), &sent))
	require.Equal(t, float64(77), sent["eventId"])

	st := h.store.Read(h.ctx)
	require.Equal(t, model.ModeNormal, st.Mode)
	require.Nil(t, st.ActivatedAt)
	_, ok := h.coord.RangeDraft(h.ctx)
	require.False(t, ok, "all persisted keys clear together")
	require.Equal(t, []bus.Kind{bus.KindActivated, bus.KindDeactivated}, h.kinds())

	again, err := h.coord.Deactivate(h.ctx, DeactivationRequest{RequestRef: "end-1"})
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.EqualValues(t, 77, again.EventID)
	require.Equal(t, 1, h.fake.Calls("end"))
}

func TestDeactivateWhenNormal(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.coord.Deactivate(h.ctx, DeactivationRequest{})
	require.ErrorIs(t, err, ErrNotActive)
	require.Equal(t, 0, h.fake.Calls("end"))
}

func TestDeactivateBackendFailureKeepsState(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.activateInstant(t)
	h.fake.Update(func(s *testutil.FakeBackendState) { s.EndStatus = http.StatusServiceUnavailable })

	_, err := h.coord.Deactivate(h.ctx, DeactivationRequest{RequestRef: "end-2"})
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	require.True(t, h.store.Active(h.ctx))
	require.Equal(t, 0, h.count(bus.KindDeactivated))

	// same ref retries once the backend recovers
	h.fake.Update(func(s *testutil.FakeBackendState) { s.EndStatus = 0 })
	res, err := h.coord.Deactivate(h.ctx, DeactivationRequest{RequestRef: "end-2"})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.False(t, h.store.Active(h.ctx))
}

func TestDeactivateWithoutEventIDIsInconsistent(t *testing.T) {
	mem := &memStateBackend{}
	h := newHarness(t, harnessOptions{stateBackend: mem})
	activatedAt := testEpoch.Add(-10 * time.Minute)
	mem.st = model.ContingencyState{Mode: model.ModeContingency, ActivatedAt: &activatedAt, WindowKind: model.WindowOpenEnded}

	_, err := h.coord.Deactivate(h.ctx, DeactivationRequest{})
	require.ErrorIs(t, err, ErrInconsistentState)
	require.Equal(t, 0, h.fake.Calls("end"))

	st := h.store.Read(h.ctx)
	require.Equal(t, model.ModeContingency, st.Mode)
	require.NotNil(t, st.ActivatedAt)
	require.Empty(t, h.kinds())
}

func TestExpireOnlyClearsLapsedWindows(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.activateInstant(t)

	require.NoError(t, h.coord.Expire(h.ctx))
	require.True(t, h.store.Active(h.ctx), "open window must survive an early expire")

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.coord.Expire(h.ctx))
	require.Equal(t, model.ModeNormal, h.store.Read(h.ctx).Mode)
	require.Equal(t, 0, h.fake.Calls("end"), "expiry does not notify the backend")
	require.Equal(t, 1, h.count(bus.KindDeactivated))
}

func recordOffline(t *testing.T, h *harness, number, total string) model.OfflineInvoice {
	t.Helper()
	inv, err := h.coord.RecordInvoice(h.ctx, InvoiceInput{Number: number, Total: decimal.RequireFromString(total), IssuedAt: h.clock.Now()})
	require.NoError(t, err)
	return inv
}

func TestSubmitPackageClosesContingency(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.activateInstant(t)
	recordOffline(t, h, "F-1", "10.5")
	h.clock.Advance(time.Minute)
	recordOffline(t, h, "F-2", "4.25")

	res, err := h.coord.SubmitPackage(h.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 77, res.EventID)
	require.Equal(t, 2, res.Submitted)
	require.True(t, res.Deactivated)
	require.Equal(t, "RC-1", res.ReceptionCode)
	require.Equal(t, "/api/v1/packages/3/1/77", h.fake.LastPath("package"))

	var sent struct {
		Invoices []struct {
			Number string `json:"number"`
			Total  string `json:"total"`
		} `json:"invoices"`
	}
	require.NoError(t, json.Unmarshal(h.fake.LastBody("package"), &sent))
	require.Len(t, sent.Invoices, 2)
	require.Equal(t, "10.50", sent.Invoices[0].Total)

	require.Equal(t, model.ModeNormal, h.store.Read(h.ctx).Mode)
	pending, err := h.coord.ListInvoices(h.ctx, []model.InvoiceStatus{model.InvoiceOffline})
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, 1, h.count(bus.KindDeactivated))

	_, err = h.coord.SubmitPackage(h.ctx)
	require.ErrorIs(t, err, ErrNothingToSubmit)
}

func TestSubmitPackageRejectedKeepsEverything(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.activateInstant(t)
	recordOffline(t, h, "F-1", "1")
	h.fake.Update(func(s *testutil.FakeBackendState) {
		s.PackageSuccess = false
		s.PackageMessage = "firma invalida"
	})

	_, err := h.coord.SubmitPackage(h.ctx)
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	require.Contains(t, err.Error(), "firma invalida")
	require.True(t, h.store.Active(h.ctx))

	pending, err := h.coord.ListInvoices(h.ctx, []model.InvoiceStatus{model.InvoiceOffline})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	h.fake.Update(func(s *testutil.FakeBackendState) { s.PackageStatus = http.StatusBadGateway })
	_, err = h.coord.SubmitPackage(h.ctx)
	require.ErrorAs(t, err, &regErr)
	require.True(t, h.store.Active(h.ctx))
}

func TestSubmitPackageAfterExpiryUsesPendingEvent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.activateInstant(t)
	recordOffline(t, h, "F-1", "3")

	h.clock.Advance(2*time.Hour + time.Second)
	require.NoError(t, h.coord.Expire(h.ctx))
	require.Equal(t, model.ModeNormal, h.store.Read(h.ctx).Mode)

	res, err := h.coord.SubmitPackage(h.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 77, res.EventID)
	require.Equal(t, 1, res.Submitted)
	require.False(t, res.Deactivated)
	require.Equal(t, 1, h.count(bus.KindDeactivated))
}

func TestSubmitPackageWithNothingPending(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.coord.SubmitPackage(h.ctx)
	require.ErrorIs(t, err, ErrNothingToSubmit)

	h.activateInstant(t)
	_, err = h.coord.SubmitPackage(h.ctx)
	require.ErrorIs(t, err, ErrNothingToSubmit)
	require.Equal(t, 0, h.fake.Calls("package"))
	require.True(t, h.store.Active(h.ctx))
}

func TestDeactivateDifferentRefsCloseEventOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.activateInstant(t)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, ref := range []string{"end-a", "end-b", "end-c"} {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			_, err := h.coord.Deactivate(h.ctx, DeactivationRequest{RequestRef: ref})
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
		require.ErrorIs(t, err, ErrNotActive)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, h.fake.Calls("end"))
	require.Equal(t, 1, h.count(bus.KindDeactivated))
}
