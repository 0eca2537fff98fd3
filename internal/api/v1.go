package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type Reason struct {
	ID             int64  `json:"id,omitempty"`
	ClassifierCode int    `json:"classifier_code"`
	Description    string `json:"description"`
	Ranged         bool   `json:"ranged"`
}

type ReasonsEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Reasons       []Reason  `json:"reasons"`
}

type RangeDraft struct {
	ClassifierCode int       `json:"classifier_code"`
	RangeStart     time.Time `json:"range_start"`
	RangeEnd       time.Time `json:"range_end"`
}

type ContingencyState struct {
	Mode             string      `json:"mode"`
	Active           bool        `json:"active"`
	WindowKind       string      `json:"window_kind,omitempty"`
	ActivatedAt      *time.Time  `json:"activated_at,omitempty"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	RangeStart       *time.Time  `json:"range_start,omitempty"`
	RangeEnd         *time.Time  `json:"range_end,omitempty"`
	RemainingSeconds int64       `json:"remaining_seconds"`
	EventID          int64       `json:"event_id,omitempty"`
	Reason           *Reason     `json:"reason,omitempty"`
	Revision         int64       `json:"revision"`
	RangeDraft       *RangeDraft `json:"range_draft,omitempty"`
}

type InvoiceQuery struct {
	Statuses []string `json:"statuses"`
	EventID  *int64   `json:"event_id,omitempty"`
}

type StatusResponse struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	TerminalID    string            `json:"terminal_id"`
	State         ContingencyState  `json:"state"`
	Health        BackendHealth     `json:"health"`
	InvoiceQuery  InvoiceQuery      `json:"invoice_query"`
	Offer         *ContingencyOffer `json:"offer,omitempty"`
}

type ActivateRequest struct {
	RequestRef     string     `json:"request_ref"`
	ClassifierCode int        `json:"classifier_code"`
	Description    string     `json:"description,omitempty"`
	RangeStart     *time.Time `json:"range_start,omitempty"`
	RangeEnd       *time.Time `json:"range_end,omitempty"`
}

type ActivateResponse struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	RequestRef    string           `json:"request_ref"`
	Replayed      bool             `json:"replayed"`
	State         ContingencyState `json:"state"`
}

type DeactivateRequest struct {
	RequestRef string `json:"request_ref"`
}

type DeactivateResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	RequestRef    string    `json:"request_ref"`
	Replayed      bool      `json:"replayed"`
	EventID       int64     `json:"event_id"`
	Message       string    `json:"message,omitempty"`
}

type PackageResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	EventID       int64     `json:"event_id"`
	Submitted     int       `json:"submitted"`
	ReceptionCode string    `json:"reception_code,omitempty"`
	Message       string    `json:"message,omitempty"`
	Deactivated   bool      `json:"deactivated"`
}

type Invoice struct {
	InvoiceID   string     `json:"invoice_id"`
	EventID     int64      `json:"event_id,omitempty"`
	Number      string     `json:"number"`
	Total       string     `json:"total"`
	IssuedAt    time.Time  `json:"issued_at"`
	Status      string     `json:"status"`
	Manual      bool       `json:"manual"`
	RecordedAt  time.Time  `json:"recorded_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

type InvoicesEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Query         InvoiceQuery `json:"query"`
	Invoices      []Invoice    `json:"invoices"`
}

type RecordInvoiceRequest struct {
	InvoiceID string     `json:"invoice_id,omitempty"`
	Number    string     `json:"number"`
	Total     string     `json:"total"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	Manual    bool       `json:"manual"`
	Payload   string     `json:"payload,omitempty"`
}

type InvoiceResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Invoice       Invoice   `json:"invoice"`
}

// WatchLine is one NDJSON line of /v1/watch. The first line is a snapshot;
// later lines carry one bus event each with the state as read after it.
type WatchLine struct {
	SchemaVersion string           `json:"schema_version"`
	EmittedAt     time.Time        `json:"emitted_at"`
	StreamID      string           `json:"stream_id"`
	Sequence      int64            `json:"sequence"`
	Type          string           `json:"type"`
	Origin        string           `json:"origin,omitempty"`
	Revision      int64            `json:"revision,omitempty"`
	State         ContingencyState `json:"state"`
	Health        BackendHealth    `json:"health"`
}

// ContingencyOffer is raised when a health probe failed while the terminal
// was in normal mode. It stays until the operator activates or the backend
// answers again.
type ContingencyOffer struct {
	Status    string    `json:"status"`
	OfferedAt time.Time `json:"offered_at"`
}
