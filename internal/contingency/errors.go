package contingency

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRangeInvalid rejects a ranged activation whose bounds are missing or
	// not strictly ordered. No state is written and the backend is not called.
	ErrRangeInvalid = errors.New("range end must be after range start")
	// ErrInconsistentState means the store claims contingency without the
	// backend event id needed to close it.
	ErrInconsistentState = errors.New("contingency state has no event id")

	ErrAlreadyActive       = errors.New("contingency already active")
	ErrNotActive           = errors.New("contingency not active")
	ErrNothingToSubmit     = errors.New("no offline invoices pending submission")
	ErrOutsideRange        = errors.New("invoice issued outside the contingency range")
	ErrReasonUnknown       = errors.New("unknown significant event reason")
	ErrIdempotencyConflict = errors.New("request ref reused for a different request")
	ErrDuplicateInvoice    = errors.New("invoice number already recorded")
	ErrInvoiceInvalid      = errors.New("invalid invoice")

	errUnconfirmed = errors.New("backend did not confirm registration")
)

// RegistrationError is a failed or unconfirmed backend registration. The
// local state is left as it was before the call.
type RegistrationError struct {
	Op  string
	Err error
}

func (e *RegistrationError) Error() string {
	if e == nil {
		return ""
	}
	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "registration"
	}
	return fmt.Sprintf("%s failed: %v", op, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func registrationFailed(op string, err error) error {
	return &RegistrationError{Op: op, Err: err}
}

func unconfirmed(detail string) error {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return errUnconfirmed
	}
	return fmt.Errorf("%w: %s", errUnconfirmed, detail)
}
