package model

import (
	"testing"
	"time"
)

func TestOpenEndedExpiryIsActivationPlusTwoHours(t *testing.T) {
	activatedAt := time.Date(2026, 10, 16, 8, 30, 15, 250_000_000, time.UTC)
	st := ContingencyState{Mode: ModeContingency, ActivatedAt: &activatedAt, WindowKind: WindowOpenEnded, EventID: 77}

	expiresAt, ok := st.ExpiresAt()
	if !ok {
		t.Fatalf("expected expiry for open-ended state")
	}
	if !expiresAt.Equal(activatedAt.Add(2 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	if !st.Active(expiresAt.Add(-time.Second)) {
		t.Fatalf("expected active one second before expiry")
	}
	if st.Active(expiresAt) {
		t.Fatalf("expected inactive at expiry")
	}
	if got := st.Remaining(activatedAt.Add(90 * time.Minute)); got != 30*time.Minute {
		t.Fatalf("expected 30m remaining, got %s", got)
	}
	if got := st.Remaining(expiresAt.Add(time.Hour)); got != 0 {
		t.Fatalf("remaining must floor at zero, got %s", got)
	}
}

func TestOpenEndedWindowOverride(t *testing.T) {
	activatedAt := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	st := ContingencyState{Mode: ModeContingency, ActivatedAt: &activatedAt, WindowKind: WindowOpenEnded, OpenEndedWindow: 30 * time.Minute}
	expiresAt, _ := st.ExpiresAt()
	if !expiresAt.Equal(activatedAt.Add(30 * time.Minute)) {
		t.Fatalf("override window not honored: %s", expiresAt)
	}
}

func TestRangedExpiryUsesRangeEnd(t *testing.T) {
	activatedAt := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	start := activatedAt.Add(-time.Hour)
	end := activatedAt.Add(time.Hour)
	st := ContingencyState{Mode: ModeContingency, ActivatedAt: &activatedAt, WindowKind: WindowRanged, RangeStart: &start, RangeEnd: &end}

	expiresAt, ok := st.ExpiresAt()
	if !ok || !expiresAt.Equal(end) {
		t.Fatalf("expected range end expiry, got %s %v", expiresAt, ok)
	}

	st.RangeEnd = nil
	if _, ok := st.ExpiresAt(); ok {
		t.Fatalf("ranged state without end must not have an expiry")
	}
	if st.Active(activatedAt) {
		t.Fatalf("ranged state without end must not be active")
	}
}

func TestNormalStateIsNeverActive(t *testing.T) {
	now := time.Now()
	st := NormalState()
	if st.Active(now) || st.Remaining(now) != 0 || st.ActivationKey() != "" {
		t.Fatalf("normal state must be inert: %+v", st)
	}
	st.ActivatedAt = &now
	if st.Active(now) {
		t.Fatalf("normal mode with a stray timestamp must not be active")
	}
}

func TestActivationKeyDistinguishesActivations(t *testing.T) {
	at := time.UnixMilli(1_760_000_000_000)
	a := ContingencyState{Mode: ModeContingency, ActivatedAt: &at, EventID: 1}
	b := ContingencyState{Mode: ModeContingency, ActivatedAt: &at, EventID: 2}
	if a.ActivationKey() == b.ActivationKey() {
		t.Fatalf("activation keys must differ by event")
	}
	if a.ActivationKey() != "1760000000000#1" {
		t.Fatalf("unexpected activation key %q", a.ActivationKey())
	}
}

func TestRangeDraftContainsIsInclusive(t *testing.T) {
	start := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	d := RangeDraft{RangeStart: start, RangeEnd: start.Add(time.Hour)}
	if !d.Contains(start) || !d.Contains(start.Add(time.Hour)) {
		t.Fatalf("bounds must be inclusive")
	}
	if d.Contains(start.Add(-time.Nanosecond)) || d.Contains(start.Add(time.Hour+time.Nanosecond)) {
		t.Fatalf("outside range must not be contained")
	}
}

func TestHealthStatusFailed(t *testing.T) {
	if HealthReachable.Failed() || HealthUnknown.Failed() {
		t.Fatalf("reachable/unknown are not failures")
	}
	if !HealthServerFault.Failed() || !HealthNetworkFailure.Failed() {
		t.Fatalf("server fault and network failure are failures")
	}
}
