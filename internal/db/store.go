package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/g960059/posguard/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Migrations are the caller's concern.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const contingencyColumns = `mode, activated_at_ms, window_kind, window_ms, range_start_ms, range_end_ms, event_id, reason_code, reason_description, updated_at`

// GetContingencyState returns the stored state for a terminal, or a normal
// state when no row exists. Revision is filled in either case.
func (s *Store) GetContingencyState(ctx context.Context, terminalID string) (model.ContingencyState, error) {
	return getContingencyState(ctx, s.db, terminalID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getContingencyState(ctx context.Context, q queryer, terminalID string) (model.ContingencyState, error) {
	rev, err := getRevision(ctx, q, terminalID)
	if err != nil {
		return model.ContingencyState{}, err
	}
	row := q.QueryRowContext(ctx, `SELECT `+contingencyColumns+` FROM contingency_state WHERE terminal_id = ?`, terminalID)
	st, err := scanContingencyState(row)
	if errors.Is(err, ErrNotFound) {
		st = model.NormalState()
	} else if err != nil {
		return model.ContingencyState{}, err
	}
	st.Revision = rev
	return st, nil
}

// ReplaceContingencyState stores st as the terminal's only state row and bumps
// the revision. It returns the state that was stored before.
func (s *Store) ReplaceContingencyState(ctx context.Context, terminalID string, st model.ContingencyState) (model.ContingencyState, int64, error) {
	if st.Mode != model.ModeContingency {
		return model.ContingencyState{}, 0, fmt.Errorf("replace contingency state: mode must be %s", model.ModeContingency)
	}
	if st.ActivatedAt == nil {
		return model.ContingencyState{}, 0, fmt.Errorf("replace contingency state: activated_at is required")
	}
	if st.EventID <= 0 {
		return model.ContingencyState{}, 0, fmt.Errorf("replace contingency state: event_id is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ContingencyState{}, 0, fmt.Errorf("begin replace state tx: %w", err)
	}
	prev, err := getContingencyState(ctx, tx, terminalID)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.ContingencyState{}, 0, err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO contingency_state(terminal_id, `+contingencyColumns+`, activated_at_display)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(terminal_id) DO UPDATE SET
	mode=excluded.mode,
	activated_at_ms=excluded.activated_at_ms,
	window_kind=excluded.window_kind,
	window_ms=excluded.window_ms,
	range_start_ms=excluded.range_start_ms,
	range_end_ms=excluded.range_end_ms,
	event_id=excluded.event_id,
	reason_code=excluded.reason_code,
	reason_description=excluded.reason_description,
	updated_at=excluded.updated_at,
	activated_at_display=excluded.activated_at_display
`, terminalID,
		string(st.Mode),
		st.ActivatedAt.UnixMilli(),
		string(st.WindowKind),
		st.OpenEndedWindow.Milliseconds(),
		nullableMillis(st.RangeStart),
		nullableMillis(st.RangeEnd),
		st.EventID,
		st.EventReason.ClassifierCode,
		st.EventReason.Description,
		ts(st.UpdatedAt),
		st.ActivatedAt.Local().Format(model.DisplayLayout),
	)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.ContingencyState{}, 0, fmt.Errorf("upsert contingency state: %w", err)
	}
	rev, err := bumpRevision(ctx, tx, terminalID, st.UpdatedAt)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.ContingencyState{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return model.ContingencyState{}, 0, fmt.Errorf("commit replace state: %w", err)
	}
	return prev, rev, nil
}

// ClearContingencyState removes the state row and the range draft together.
// removed reports whether a contingency row existed.
func (s *Store) ClearContingencyState(ctx context.Context, terminalID string, at time.Time) (bool, int64, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin clear state tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM contingency_state WHERE terminal_id = ?`, terminalID)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return false, 0, fmt.Errorf("delete contingency state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return false, 0, fmt.Errorf("rows affected clear state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM range_drafts WHERE terminal_id = ?`, terminalID); err != nil {
		tx.Rollback() //nolint:errcheck
		return false, 0, fmt.Errorf("delete range draft: %w", err)
	}
	rev, err := bumpRevision(ctx, tx, terminalID, at)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit clear state: %w", err)
	}
	return affected > 0, rev, nil
}

func (s *Store) GetRevision(ctx context.Context, terminalID string) (int64, error) {
	return getRevision(ctx, s.db, terminalID)
}

func getRevision(ctx context.Context, q queryer, terminalID string) (int64, error) {
	var rev int64
	err := q.QueryRowContext(ctx, `SELECT revision FROM store_revisions WHERE terminal_id = ?`, terminalID).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read store revision: %w", err)
	}
	return rev, nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx, terminalID string, at time.Time) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO store_revisions(terminal_id, revision, updated_at)
VALUES (?, 1, ?)
ON CONFLICT(terminal_id) DO UPDATE SET
	revision = store_revisions.revision + 1,
	updated_at = excluded.updated_at
`, terminalID, ts(at)); err != nil {
		return 0, fmt.Errorf("bump store revision: %w", err)
	}
	return getRevision(ctx, tx, terminalID)
}

func scanContingencyState(scanner interface{ Scan(dest ...any) error }) (model.ContingencyState, error) {
	var (
		st          model.ContingencyState
		mode        string
		activatedMS int64
		windowKind  string
		windowMS    int64
		rangeStart  sql.NullInt64
		rangeEnd    sql.NullInt64
		updatedAt   string
	)
	if err := scanner.Scan(&mode, &activatedMS, &windowKind, &windowMS, &rangeStart, &rangeEnd, &st.EventID, &st.EventReason.ClassifierCode, &st.EventReason.Description, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ContingencyState{}, ErrNotFound
		}
		return model.ContingencyState{}, fmt.Errorf("scan contingency state: %w", err)
	}
	st.Mode = model.Mode(mode)
	activatedAt := time.UnixMilli(activatedMS).UTC()
	st.ActivatedAt = &activatedAt
	st.WindowKind = model.WindowKind(windowKind)
	st.OpenEndedWindow = time.Duration(windowMS) * time.Millisecond
	st.RangeStart = millisPtr(rangeStart)
	st.RangeEnd = millisPtr(rangeEnd)
	var err error
	st.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.ContingencyState{}, fmt.Errorf("parse contingency updated_at: %w", err)
	}
	return st, nil
}

func (s *Store) SaveRangeDraft(ctx context.Context, terminalID string, draft model.RangeDraft) error {
	if !draft.RangeEnd.After(draft.RangeStart) {
		return fmt.Errorf("range draft end must be after start")
	}
	if draft.UpdatedAt.IsZero() {
		draft.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO range_drafts(terminal_id, classifier_code, range_start_ms, range_end_ms, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(terminal_id) DO UPDATE SET
	classifier_code=excluded.classifier_code,
	range_start_ms=excluded.range_start_ms,
	range_end_ms=excluded.range_end_ms,
	updated_at=excluded.updated_at
`, terminalID, draft.ClassifierCode, draft.RangeStart.UnixMilli(), draft.RangeEnd.UnixMilli(), ts(draft.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save range draft: %w", err)
	}
	return nil
}

func (s *Store) GetRangeDraft(ctx context.Context, terminalID string) (model.RangeDraft, error) {
	var (
		draft     model.RangeDraft
		startMS   int64
		endMS     int64
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT classifier_code, range_start_ms, range_end_ms, updated_at
FROM range_drafts
WHERE terminal_id = ?
`, terminalID).Scan(&draft.ClassifierCode, &startMS, &endMS, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RangeDraft{}, ErrNotFound
	}
	if err != nil {
		return model.RangeDraft{}, fmt.Errorf("get range draft: %w", err)
	}
	draft.RangeStart = time.UnixMilli(startMS).UTC()
	draft.RangeEnd = time.UnixMilli(endMS).UTC()
	draft.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.RangeDraft{}, fmt.Errorf("parse range draft updated_at: %w", err)
	}
	return draft, nil
}

func (s *Store) InsertInvoice(ctx context.Context, terminalID string, inv model.OfflineInvoice) error {
	if strings.TrimSpace(inv.InvoiceID) == "" {
		return fmt.Errorf("invoice_id is required")
	}
	if strings.TrimSpace(inv.Number) == "" {
		return fmt.Errorf("invoice number is required")
	}
	if inv.RecordedAt.IsZero() {
		inv.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO invoices(invoice_id, terminal_id, event_id, number, total, issued_at, status, manual, payload, recorded_at, submitted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, inv.InvoiceID, terminalID, inv.EventID, strings.TrimSpace(inv.Number), inv.Total.String(), ts(inv.IssuedAt), string(inv.Status), boolToInt(inv.Manual), inv.Payload, ts(inv.RecordedAt), nullableTS(inv.SubmittedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

type InvoiceFilter struct {
	Statuses []model.InvoiceStatus
	EventID  *int64
}

func (s *Store) ListInvoices(ctx context.Context, terminalID string, filter InvoiceFilter) ([]model.OfflineInvoice, error) {
	query := `
SELECT invoice_id, event_id, number, total, issued_at, status, manual, payload, recorded_at, submitted_at
FROM invoices
WHERE terminal_id = ?`
	args := []any{terminalID}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ",") + `)`
	}
	if filter.EventID != nil {
		query += ` AND event_id = ?`
		args = append(args, *filter.EventID)
	}
	query += ` ORDER BY issued_at ASC, number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]model.OfflineInvoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter invoices: %w", err)
	}
	return out, nil
}

// LatestPendingEventID returns the event of the most recently recorded
// offline invoice that has not been submitted yet.
func (s *Store) LatestPendingEventID(ctx context.Context, terminalID string) (int64, error) {
	var eventID int64
	err := s.db.QueryRowContext(ctx, `
SELECT event_id
FROM invoices
WHERE terminal_id = ? AND status = 'offline' AND event_id > 0
ORDER BY recorded_at DESC
LIMIT 1
`, terminalID).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("latest pending event: %w", err)
	}
	return eventID, nil
}

func (s *Store) MarkInvoicesSubmitted(ctx context.Context, terminalID string, invoiceIDs []string, at time.Time) (int64, error) {
	if len(invoiceIDs) == 0 {
		return 0, nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	placeholders := make([]string, 0, len(invoiceIDs))
	args := []any{ts(at), terminalID}
	for _, id := range invoiceIDs {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE invoices
SET status = 'submitted', submitted_at = ?
WHERE terminal_id = ? AND status = 'offline' AND invoice_id IN (`+strings.Join(placeholders, ",")+`)
`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark invoices submitted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected mark submitted: %w", err)
	}
	return affected, nil
}

func scanInvoice(scanner interface{ Scan(dest ...any) error }) (model.OfflineInvoice, error) {
	var (
		inv         model.OfflineInvoice
		total       string
		issuedAt    string
		status      string
		manual      int
		recordedAt  string
		submittedAt sql.NullString
	)
	if err := scanner.Scan(&inv.InvoiceID, &inv.EventID, &inv.Number, &total, &issuedAt, &status, &manual, &inv.Payload, &recordedAt, &submittedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OfflineInvoice{}, ErrNotFound
		}
		return model.OfflineInvoice{}, fmt.Errorf("scan invoice: %w", err)
	}
	var err error
	inv.Total, err = decimal.NewFromString(total)
	if err != nil {
		return model.OfflineInvoice{}, fmt.Errorf("parse invoice total: %w", err)
	}
	inv.IssuedAt, err = parseTS(issuedAt)
	if err != nil {
		return model.OfflineInvoice{}, fmt.Errorf("parse invoice issued_at: %w", err)
	}
	inv.RecordedAt, err = parseTS(recordedAt)
	if err != nil {
		return model.OfflineInvoice{}, fmt.Errorf("parse invoice recorded_at: %w", err)
	}
	if submittedAt.Valid {
		v, err := parseTS(submittedAt.String)
		if err != nil {
			return model.OfflineInvoice{}, fmt.Errorf("parse invoice submitted_at: %w", err)
		}
		inv.SubmittedAt = &v
	}
	inv.Status = model.InvoiceStatus(status)
	inv.Manual = manual == 1
	return inv, nil
}

func (s *Store) GetRequest(ctx context.Context, terminalID string, kind model.RequestKind, requestRef string) (model.RequestRecord, error) {
	var (
		rec         model.RequestRecord
		kindRaw     string
		errorCode   sql.NullString
		stateJSON   sql.NullString
		requestedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT kind, request_ref, result_code, error_code, state_json, requested_at
FROM requests
WHERE terminal_id = ? AND kind = ? AND request_ref = ?
`, terminalID, string(kind), requestRef).Scan(&kindRaw, &rec.RequestRef, &rec.ResultCode, &errorCode, &stateJSON, &requestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RequestRecord{}, ErrNotFound
	}
	if err != nil {
		return model.RequestRecord{}, fmt.Errorf("get request: %w", err)
	}
	rec.Kind = model.RequestKind(kindRaw)
	if errorCode.Valid {
		v := errorCode.String
		rec.ErrorCode = &v
	}
	if stateJSON.Valid {
		v := stateJSON.String
		rec.StateJSON = &v
	}
	rec.RequestedAt, err = parseTS(requestedAt)
	if err != nil {
		return model.RequestRecord{}, fmt.Errorf("parse request requested_at: %w", err)
	}
	return rec, nil
}

func (s *Store) InsertRequest(ctx context.Context, terminalID string, rec model.RequestRecord) error {
	if strings.TrimSpace(rec.RequestRef) == "" {
		return fmt.Errorf("request_ref is required")
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO requests(terminal_id, kind, request_ref, result_code, error_code, state_json, requested_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, terminalID, string(rec.Kind), rec.RequestRef, rec.ResultCode, nullableStr(rec.ErrorCode), nullableStr(rec.StateJSON), ts(rec.RequestedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "contingency_state", "range_drafts", "invoices", "requests", "store_revisions":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableMillis(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
