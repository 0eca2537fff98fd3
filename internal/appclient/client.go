package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/posguard/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout       = 30 * time.Second
)

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type WatchOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

type ListInvoicesOptions struct {
	Statuses []string
	EventID  int64
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	return out, c.getJSON(ctx, "/v1/health", nil, &out)
}

func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	return out, c.getJSON(ctx, "/v1/status", nil, &out)
}

func (c *Client) Reasons(ctx context.Context) (api.ReasonsEnvelope, error) {
	var out api.ReasonsEnvelope
	return out, c.getJSON(ctx, "/v1/reasons", nil, &out)
}

func (c *Client) Activate(ctx context.Context, req api.ActivateRequest) (api.ActivateResponse, error) {
	var out api.ActivateResponse
	return out, c.postJSON(ctx, "/v1/contingency/activate", req, &out)
}

func (c *Client) Deactivate(ctx context.Context, req api.DeactivateRequest) (api.DeactivateResponse, error) {
	var out api.DeactivateResponse
	return out, c.postJSON(ctx, "/v1/contingency/deactivate", req, &out)
}

func (c *Client) SubmitPackage(ctx context.Context) (api.PackageResponse, error) {
	var out api.PackageResponse
	return out, c.postJSON(ctx, "/v1/packages/submit", struct{}{}, &out)
}

func (c *Client) ListInvoices(ctx context.Context, opts ListInvoicesOptions) (api.InvoicesEnvelope, error) {
	query := url.Values{}
	var statuses []string
	for _, st := range opts.Statuses {
		if st = strings.TrimSpace(st); st != "" {
			statuses = append(statuses, st)
		}
	}
	if len(statuses) > 0 {
		query.Set("status", strings.Join(statuses, ","))
	}
	if opts.EventID > 0 {
		query.Set("event_id", strconv.FormatInt(opts.EventID, 10))
	}
	var out api.InvoicesEnvelope
	return out, c.getJSON(ctx, "/v1/invoices", query, &out)
}

func (c *Client) RecordInvoice(ctx context.Context, req api.RecordInvoiceRequest) (api.InvoiceResponse, error) {
	var out api.InvoiceResponse
	return out, c.postJSON(ctx, "/v1/invoices", req, &out)
}

// WatchOnce returns the daemon's current snapshot line.
func (c *Client) WatchOnce(ctx context.Context) (api.WatchLine, error) {
	query := url.Values{}
	query.Set("once", "1")
	body, err := c.request(ctx, http.MethodGet, "/v1/watch", query, nil, false)
	if err != nil {
		return api.WatchLine{}, err
	}
	lines, err := decodeWatchLines(bytes.NewReader(body), nil)
	if err != nil {
		return api.WatchLine{}, err
	}
	if len(lines) == 0 {
		return api.WatchLine{}, fmt.Errorf("%w: empty snapshot", ErrWatchPayloadInvalid)
	}
	return lines[0], nil
}

// Watch follows the daemon's event stream until ctx ends or onLine fails.
// A dropped stream is reopened with backoff; every reopened stream starts
// with a fresh snapshot.
func (c *Client) Watch(ctx context.Context, opts WatchOptions, onLine func(api.WatchLine) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delivered := false
		err := c.stream(ctx, func(line api.WatchLine) error {
			delivered = true
			if onLine == nil {
				return nil
			}
			return onLine(line)
		})
		if err == nil || errors.Is(err, io.EOF) {
			err = nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		if errors.Is(err, ErrWatchPayloadInvalid) {
			return err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
		if delivered {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return e.err.Error() }

func (c *Client) stream(ctx context.Context, onLine func(api.WatchLine) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/watch", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return responseError(resp.StatusCode, payload)
	}
	_, err = decodeWatchLines(resp.Body, func(line api.WatchLine) error {
		if err := onLine(line); err != nil {
			return &callbackError{err: err}
		}
		return nil
	})
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.request(ctx, http.MethodGet, path, query, nil, false)
	if err != nil {
		return err
	}
	return decodeBody(path, body, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := c.request(ctx, http.MethodPost, path, nil, in, false)
	if err != nil {
		return err
	}
	return decodeBody(path, body, out)
}

func decodeBody(path string, body []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, responseError(resp.StatusCode, payload)
	}
	return payload, nil
}

func responseError(status int, payload []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

// decodeWatchLines reads NDJSON lines from r. With onLine set, lines are
// handed over as they arrive instead of being collected.
func decodeWatchLines(r io.Reader, onLine func(api.WatchLine) error) ([]api.WatchLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	lines := make([]api.WatchLine, 0)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("%w: decode watch line: %v", ErrWatchPayloadInvalid, err)
		}
		if onLine != nil {
			if err := onLine(line); err != nil {
				return nil, err
			}
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
