package syncclient

import (
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
	"time"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for the relay server.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a new sync client. timeout bounds a whole request and
// connectTimeout bounds dialing; zero values use 30s and 5s.
func New(baseURL, token string, timeout, connectTimeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout, Transport: transport},
	}
}

// --- Wire types (mirror internal/api/sync.go, independently defined) ---

// WireRecord is a record as carried over HTTP. Data is base64 in JSON.
type WireRecord struct {
	ID        string  `json:"id"`
	Host      string  `json:"host"`
	Tag       string  `json:"tag"`
	Parent    *string `json:"parent"`
	Timestamp uint64  `json:"timestamp"`
	Version   string  `json:"version"`
	Data      []byte  `json:"data"`
}

// TailEntry is one log in the server's tail map.
type TailEntry struct {
	Host  string  `json:"host"`
	Tag   string  `json:"tag"`
	Tail  *string `json:"tail"`
	Count int64   `json:"count"`
}

// TailsResponse is the response from GET /sync/tails.
type TailsResponse struct {
	Tails []TailEntry `json:"tails"`
}

// RecordsResponse is the response from GET /sync/records.
type RecordsResponse struct {
	Records []WireRecord `json:"records"`
}

// PostRequest is the body for POST /sync/records.
type PostRequest struct {
	Records []WireRecord `json:"records"`
}

// PostResponse is the response from POST /sync/records.
type PostResponse struct {
	Accepted int `json:"accepted"`
}

// RegisterResponse is the response from POST /v1/register.
type RegisterResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Token  string `json:"token"`
}

// MeResponse is the response from GET /v1/me.
type MeResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// --- Methods ---

// Health hits the /healthz endpoint to verify server reachability.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Register creates an account and returns its first token.
func (c *Client) Register(ctx context.Context, email string) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.doNoAuth(ctx, "POST", "/v1/register", map[string]string{"email": email}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context) (*MeResponse, error) {
	var resp MeResponse
	if err := c.do(ctx, "GET", "/v1/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Tails fetches the server's tail map for the account.
func (c *Client) Tails(ctx context.Context) (*TailsResponse, error) {
	var resp TailsResponse
	if err := c.do(ctx, "GET", "/sync/tails", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Records fetches up to limit records of one log after the given id
// (empty for genesis), in chain order.
func (c *Client) Records(ctx context.Context, host, tag, after string, limit int) (*RecordsResponse, error) {
	params := url.Values{}
	params.Set("host", host)
	params.Set("tag", tag)
	if after != "" {
		params.Set("after", after)
	}
	params.Set("limit", strconv.Itoa(limit))

	var resp RecordsResponse
	if err := c.do(ctx, "GET", "/sync/records?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostRecords sends records to the server. A chain mismatch is returned as
// *ConflictError.
func (c *Client) PostRecords(ctx context.Context, recs []WireRecord) (*PostResponse, error) {
	var resp PostResponse
	if err := c.do(ctx, "POST", "/sync/records", &PostRequest{Records: recs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Errors ---

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// Temporary reports whether retrying the request may succeed.
func (e *HTTPError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// CodeDuplicate is the conflict code for a record id the server already
// holds with different content.
const CodeDuplicate = "duplicate_record"

// ConflictError is a 409 from POST /sync/records: the server refused
// RecordID because its tail for the log is Tail.
type ConflictError struct {
	Code     string
	Message  string
	RecordID string
	Tail     *string
}

func (e *ConflictError) Error() string {
	tail := "-"
	if e.Tail != nil {
		tail = *e.Tail
	}
	return fmt.Sprintf("conflict on record %s (server tail %s): %s", e.RecordID, tail, e.Message)
}

// IsTemporary reports whether err is worth retrying: transport failures,
// timeouts, 5xx and 429. Context cancellation is never temporary.
func IsTemporary(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// --- HTTP helpers ---

// errorBody is the standard error envelope from the server. Conflicts add
// record_id and tail.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RecordID string  `json:"record_id,omitempty"`
	Tail     *string `json:"tail,omitempty"`
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

func decodeError(status int, body []byte) error {
	var eb errorBody
	if json.Unmarshal(body, &eb) != nil || eb.Error.Code == "" {
		return &HTTPError{Status: status, Message: string(bytes.TrimSpace(body))}
	}
	msg := eb.Error.Message
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusConflict:
		return &ConflictError{Code: eb.Error.Code, Message: msg, RecordID: eb.RecordID, Tail: eb.Tail}
	}
	return &HTTPError{Status: status, Code: eb.Error.Code, Message: msg}
}
