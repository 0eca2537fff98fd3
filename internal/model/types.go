package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the invoicing path the terminal is currently using.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeContingency Mode = "contingency"
)

type WindowKind string

const (
	WindowOpenEnded WindowKind = "open_ended"
	WindowRanged    WindowKind = "ranged"
)

// DefaultOpenEndedWindow is how long an open-ended contingency lasts.
const DefaultOpenEndedWindow = 2 * time.Hour

// DisplayLayout is used for human-readable timestamps and backend range bounds.
const DisplayLayout = "2006-01-02 15:04:05"

type EventReason struct {
	ID             int64  `json:"id,omitempty"`
	ClassifierCode int    `json:"classifierCode"`
	Description    string `json:"description"`
}

// ContingencyState is the persisted record. Expiry is always derived from
// ActivatedAt and the window fields, never stored.
type ContingencyState struct {
	Mode        Mode
	ActivatedAt *time.Time
	WindowKind  WindowKind
	RangeStart  *time.Time
	RangeEnd    *time.Time
	EventID     int64
	EventReason EventReason
	// OpenEndedWindow overrides DefaultOpenEndedWindow when positive.
	OpenEndedWindow time.Duration
	Revision        int64
	UpdatedAt       time.Time
}

func NormalState() ContingencyState {
	return ContingencyState{Mode: ModeNormal}
}

func (s ContingencyState) window() time.Duration {
	if s.OpenEndedWindow > 0 {
		return s.OpenEndedWindow
	}
	return DefaultOpenEndedWindow
}

// ExpiresAt reports when the window closes. ok is false when the state has no
// activation timestamp or a ranged window lacks its end bound.
func (s ContingencyState) ExpiresAt() (time.Time, bool) {
	if s.Mode != ModeContingency || s.ActivatedAt == nil {
		return time.Time{}, false
	}
	switch s.WindowKind {
	case WindowRanged:
		if s.RangeEnd == nil {
			return time.Time{}, false
		}
		return *s.RangeEnd, true
	default:
		return s.ActivatedAt.Add(s.window()), true
	}
}

func (s ContingencyState) Active(now time.Time) bool {
	expiresAt, ok := s.ExpiresAt()
	if !ok {
		return false
	}
	return now.Before(expiresAt)
}

func (s ContingencyState) Remaining(now time.Time) time.Duration {
	expiresAt, ok := s.ExpiresAt()
	if !ok {
		return 0
	}
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ActivationKey identifies one activation so that expiry handling can fire
// once per window.
func (s ContingencyState) ActivationKey() string {
	if s.ActivatedAt == nil {
		return ""
	}
	return strconv.FormatInt(s.ActivatedAt.UnixMilli(), 10) + "#" + strconv.FormatInt(s.EventID, 10)
}

// RangeDraft is the operator-chosen range kept locally for ranged reasons. It
// outlives a failed registration so a retry keeps the selection.
type RangeDraft struct {
	ClassifierCode int
	RangeStart     time.Time
	RangeEnd       time.Time
	UpdatedAt      time.Time
}

func (d RangeDraft) Contains(t time.Time) bool {
	return !t.Before(d.RangeStart) && !t.After(d.RangeEnd)
}

// HealthStatus is the per-poll classification of the backend health check.
type HealthStatus string

const (
	HealthUnknown        HealthStatus = ""
	HealthReachable      HealthStatus = "reachable"
	HealthServerFault    HealthStatus = "server_fault"
	HealthNetworkFailure HealthStatus = "network_failure"
)

func (h HealthStatus) Failed() bool {
	return h == HealthServerFault || h == HealthNetworkFailure
}

// HealthLevel is the smoothed indicator derived from consecutive polls.
type HealthLevel string

const (
	HealthLevelOK       HealthLevel = "ok"
	HealthLevelDegraded HealthLevel = "degraded"
	HealthLevelDown     HealthLevel = "down"
)

type InvoiceStatus string

const (
	InvoiceOnline    InvoiceStatus = "online"
	InvoiceOffline   InvoiceStatus = "offline"
	InvoiceSubmitted InvoiceStatus = "submitted"
)

var AllInvoiceStatuses = []InvoiceStatus{InvoiceOnline, InvoiceOffline, InvoiceSubmitted}

type OfflineInvoice struct {
	InvoiceID   string
	EventID     int64
	Number      string
	Total       decimal.Decimal
	IssuedAt    time.Time
	Status      InvoiceStatus
	Manual      bool
	Payload     string
	RecordedAt  time.Time
	SubmittedAt *time.Time
}

type RequestKind string

const (
	RequestActivate   RequestKind = "activate"
	RequestDeactivate RequestKind = "deactivate"
)

// RequestRecord remembers the outcome of an idempotent operator request.
type RequestRecord struct {
	Kind        RequestKind
	RequestRef  string
	ResultCode  string
	ErrorCode   *string
	StateJSON   *string
	RequestedAt time.Time
}

// Error codes defined by the local API contract.
const (
	ErrRefInvalid          = "E_REF_INVALID"
	ErrRefNotFound         = "E_REF_NOT_FOUND"
	ErrRangeInvalid        = "E_RANGE_INVALID"
	ErrRegistrationFailed  = "E_REGISTRATION_FAILED"
	ErrInconsistentState   = "E_INCONSISTENT_STATE"
	ErrAlreadyActive       = "E_ALREADY_ACTIVE"
	ErrNotActive           = "E_NOT_ACTIVE"
	ErrNothingToSubmit     = "E_NOTHING_TO_SUBMIT"
	ErrOutsideRange        = "E_OUTSIDE_RANGE"
	ErrReasonUnknown       = "E_REASON_UNKNOWN"
	ErrDuplicateInvoice    = "E_DUPLICATE_INVOICE"
	ErrInvoiceInvalid      = "E_INVOICE_INVALID"
	ErrIdempotencyConflict = "E_IDEMPOTENCY_CONFLICT"
	ErrBackendUnreachable  = "E_BACKEND_UNREACHABLE"
	ErrRateLimited         = "E_RATE_LIMITED"
	ErrInternal            = "E_INTERNAL"
)
