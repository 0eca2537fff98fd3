// Package backend talks to the remote tax-compliance service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/posguard/internal/model"
	"github.com/g960059/posguard/internal/security"
)

const (
	defaultTimeout = 10 * time.Second

	pathHealth     = "/api/v1/communication/health"
	pathReasons    = "/api/v1/significant-events/reasons"
	pathEventStart = "/api/v1/significant-events/start"
	pathEventRange = "/api/v1/significant-events/range"
	pathEventEnd   = "/api/v1/significant-events/end"
	pathPackages   = "/api/v1/packages"

	IdempotencyHeader = "Idempotency-Key"
)

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return NewWithClient(baseURL, token, &http.Client{}, timeout)
}

func NewWithClient(baseURL, token string, client *http.Client, timeout time.Duration) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		client:  client,
		timeout: timeout,
	}
}

// RequestError is a non-2xx backend response. Transport failures are
// returned unwrapped from net/http.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return fmt.Sprintf("backend http %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("backend http %d", e.StatusCode)
}

func (e *RequestError) ServerFault() bool {
	return e != nil && e.StatusCode >= 500
}

// AsRequestError unwraps err to a *RequestError when it came from an HTTP
// response.
func AsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}

type EventRequest struct {
	PointOfSaleID  int64  `json:"pointOfSaleId"`
	BranchID       int64  `json:"branchId"`
	ClassifierCode int    `json:"classifierCode"`
	Description    string `json:"description"`
}

type RangeEventRequest struct {
	EventRequest
	RangeStart string `json:"rangeStart"`
	RangeEnd   string `json:"rangeEnd"`
}

type StartEventResponse struct {
	EventID int64 `json:"eventId"`
}

type RangeEventResponse struct {
	Code    int    `json:"code"`
	EventID int64  `json:"eventId"`
	Message string `json:"message"`
}

type EndEventRequest struct {
	EventID int64 `json:"eventId"`
}

type EndEventResponse struct {
	Message string `json:"message"`
}

type PackageInvoice struct {
	InvoiceID string          `json:"invoiceId"`
	Number    string          `json:"number"`
	Total     string          `json:"total"`
	IssuedAt  string          `json:"issuedAt"`
	Manual    bool            `json:"manual"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type PackageRequest struct {
	Invoices []PackageInvoice `json:"invoices"`
}

type PackageResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	ReceptionCode string `json:"receptionCode"`
}

// CheckHealth probes the communication-health endpoint. A nil error means the
// backend answered 2xx.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodGet, pathHealth, nil, "")
	return err
}

// ListReasons returns the significant-event catalog ordered by classifier code.
func (c *Client) ListReasons(ctx context.Context) ([]model.EventReason, error) {
	body, err := c.request(ctx, http.MethodGet, pathReasons, nil, "")
	if err != nil {
		return nil, err
	}
	var reasons []model.EventReason
	if err := json.Unmarshal(body, &reasons); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	sort.SliceStable(reasons, func(i, j int) bool {
		return reasons[i].ClassifierCode < reasons[j].ClassifierCode
	})
	return reasons, nil
}

func (c *Client) RegisterEventStart(ctx context.Context, req EventRequest, idempotencyKey string) (StartEventResponse, error) {
	body, err := c.request(ctx, http.MethodPost, pathEventStart, req, idempotencyKey)
	if err != nil {
		return StartEventResponse{}, err
	}
	var resp StartEventResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StartEventResponse{}, fmt.Errorf("decode start event response: %w", err)
	}
	return resp, nil
}

func (c *Client) RegisterEventRange(ctx context.Context, req RangeEventRequest, idempotencyKey string) (RangeEventResponse, error) {
	body, err := c.request(ctx, http.MethodPost, pathEventRange, req, idempotencyKey)
	if err != nil {
		return RangeEventResponse{}, err
	}
	var resp RangeEventResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return RangeEventResponse{}, fmt.Errorf("decode range event response: %w", err)
	}
	return resp, nil
}

func (c *Client) RegisterEventEnd(ctx context.Context, req EndEventRequest, idempotencyKey string) (EndEventResponse, error) {
	body, err := c.request(ctx, http.MethodPost, pathEventEnd, req, idempotencyKey)
	if err != nil {
		return EndEventResponse{}, err
	}
	var resp EndEventResponse
	if len(bytes.TrimSpace(body)) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return EndEventResponse{}, fmt.Errorf("decode end event response: %w", err)
	}
	return resp, nil
}

func (c *Client) SubmitPackage(ctx context.Context, pointOfSaleID, branchID, eventID int64, req PackageRequest) (PackageResponse, error) {
	path := pathPackages + "/" +
		url.PathEscape(strconv.FormatInt(pointOfSaleID, 10)) + "/" +
		url.PathEscape(strconv.FormatInt(branchID, 10)) + "/" +
		url.PathEscape(strconv.FormatInt(eventID, 10))
	body, err := c.request(ctx, http.MethodPost, path, req, "")
	if err != nil {
		return PackageResponse{}, err
	}
	var resp PackageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return PackageResponse{}, fmt.Errorf("decode package response: %w", err)
	}
	return resp, nil
}

func (c *Client) request(ctx context.Context, method, path string, body any, idempotencyKey string) ([]byte, error) {
	reqCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.timeout {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set(IdempotencyHeader, key)
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
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload),
		}
	}
	return payload, nil
}

// errorMessage pulls a human message out of an error body, falling back to the
// raw text.
func errorMessage(payload []byte) string {
	return security.Redact(rawErrorMessage(payload))
}

func rawErrorMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if msg := strings.TrimSpace(body.Message); msg != "" {
			return msg
		}
		switch v := body.Error.(type) {
		case string:
			return strings.TrimSpace(v)
		case map[string]any:
			if msg, ok := v["message"].(string); ok {
				return strings.TrimSpace(msg)
			}
		}
	}
	return strings.TrimSpace(string(payload))
}
