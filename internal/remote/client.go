// Package remote sends queued mutations to the sync endpoint and classifies
// failures into the queue's error kinds.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/queue"
)

const DefaultTimeout = 30 * time.Second

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

type Request struct {
	EntityType string          `json:"entity_type"`
	Operation  queue.Operation `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	Batch      []BatchEntry    `json:"batch,omitempty"`
}

type BatchEntry struct {
	Operation queue.Operation `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

type Response struct {
	Success        bool          `json:"success"`
	ProcessedCount int           `json:"processedCount,omitempty"`
	Errors         []EntityError `json:"errors,omitempty"`
	Timestamp      string        `json:"timestamp,omitempty"`
}

// PartialFailure reports the entity errors carried by a successful response.
// Callers decide which entities to retry; the rest were accepted.
func (r Response) PartialFailure() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &Error{Kind: queue.ErrorKindUnknown, Message: responseErrors(r, "partial failure")}
}

type EntityError struct {
	EntityID string `json:"entityId,omitempty"`
	Error    string `json:"error"`
}

// Client sends one request per call. Implementations must not retry; the
// queue owns retry scheduling.
type Client interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// Error is a classified remote failure.
type Error struct {
	Kind       queue.ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

var (
	ErrNetwork   = &Error{Kind: queue.ErrorKindNetwork}
	ErrAuth      = &Error{Kind: queue.ErrorKindAuth}
	ErrRateLimit = &Error{Kind: queue.ErrorKindRateLimit}
	ErrUnknown   = &Error{Kind: queue.ErrorKindUnknown}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrAuth) works
// regardless of status code or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Classify maps any error to a kind and the server's retry hint, if any.
// Errors that did not come from this package are network failures when they
// look like transport problems and unknown otherwise.
func Classify(err error) (queue.ErrorKind, time.Duration) {
	if err == nil {
		return queue.ErrorKindNone, 0
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		kind := remoteErr.Kind
		if !kind.Valid() {
			kind = queue.ErrorKindUnknown
		}
		return kind, remoteErr.RetryAfter
	}
	if isTransportError(err) {
		return queue.ErrorKindNetwork, 0
	}
	return queue.ErrorKindUnknown, 0
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

func NewHTTPClient(endpoint, apiKey string, httpClient *http.Client) *HTTPClient {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8080/api/sync"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
		timeout:    DefaultTimeout,
	}
}

// SetTimeout bounds each Send. Non-positive values restore the default.
func (c *HTTPClient) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.timeout = timeout
}

func (c *HTTPClient) Send(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, &Error{Kind: queue.ErrorKindUnknown, Message: "encode request", Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, &Error{Kind: queue.ErrorKindUnknown, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-Id", correlationID())
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &Error{Kind: queue.ErrorKindNetwork, Message: err.Error(), Err: err}
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		return Response{}, &Error{Kind: queue.ErrorKindNetwork, StatusCode: resp.StatusCode, Message: "read response", Err: readErr}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Response{}, &Error{Kind: queue.ErrorKindAuth, StatusCode: resp.StatusCode, Message: errorMessage(payload, resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Response{}, &Error{
			Kind:       queue.ErrorKindRateLimit,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload, resp.Status),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Response{}, &Error{Kind: queue.ErrorKindUnknown, StatusCode: resp.StatusCode, Message: errorMessage(payload, resp.Status)}
	}

	if err := validateResponse(payload); err != nil {
		return Response{}, &Error{Kind: queue.ErrorKindUnknown, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	var out Response
	if err := json.Unmarshal(payload, &out); err != nil {
		return Response{}, &Error{Kind: queue.ErrorKindUnknown, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if !out.Success {
		return out, &Error{Kind: queue.ErrorKindUnknown, StatusCode: resp.StatusCode, Message: responseErrors(out, "remote reported failure")}
	}
	return out, nil
}

func errorMessage(payload []byte, fallback string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fallback
}

func responseErrors(resp Response, prefix string) string {
	if len(resp.Errors) == 0 {
		return prefix
	}
	parts := make([]string, 0, len(resp.Errors))
	for _, entityErr := range resp.Errors {
		if entityErr.EntityID != "" {
			parts = append(parts, entityErr.EntityID+": "+entityErr.Error)
			continue
		}
		parts = append(parts, entityErr.Error)
	}
	return fmt.Sprintf("%s (%d errors): %s", prefix, len(resp.Errors), strings.Join(parts, "; "))
}

func correlationID() string {
	return uuid.NewString()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
