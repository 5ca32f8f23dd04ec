// Package client talks to the prock management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/getmockd/prock/pkg/requestlog"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/routetable"
)

// DefaultAdminURL is where a locally started prock listens.
const DefaultAdminURL = "http://localhost:4280"

var (
	// ErrNotFound is matched by errors.Is for 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrConnection is matched by errors.Is when the server cannot be reached.
	ErrConnection = errors.New("cannot connect to prock")
)

// APIError represents an error response from the management API.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
	err        error
}

func (e *APIError) Error() string {
	return e.Message
}

// Is lets callers test against ErrNotFound and ErrConnection.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConnection:
		return e.StatusCode == 0
	}
	return false
}

func (e *APIError) Unwrap() error {
	return e.err
}

// Health is the GET /healthz payload.
type Health struct {
	Status   string `json:"status"`
	Uptime   int    `json:"uptime"`
	Version  string `json:"version"`
	Routes   int    `json:"routes"`
	Upstream string `json:"upstream,omitempty"`
}

// RestartResult is the POST /restart payload.
type RestartResult struct {
	Status  string `json:"status"`
	Routes  int    `json:"routes"`
	Version uint64 `json:"version"`
}

// RouteTable is the GET /route-table payload.
type RouteTable struct {
	Version uint64             `json:"version"`
	Count   int                `json:"count"`
	Entries []routetable.Entry `json:"entries"`
}

// RequestFilter selects request log entries.
type RequestFilter struct {
	Method  string
	Path    string
	RouteID string
	Mocked  *bool
	Limit   int
	Offset  int
}

// RequestList is the GET /requests payload.
type RequestList struct {
	Requests []*requestlog.Entry `json:"requests"`
	Count    int                 `json:"count"`
	Total    int                 `json:"total"`
}

// Client is an HTTP client for the management API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout for the client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultAdminURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListRoutes returns every mock route.
func (c *Client) ListRoutes(ctx context.Context) ([]route.DTO, error) {
	var out []route.DTO
	err := c.do(ctx, http.MethodGet, "/mock-routes", nil, http.StatusOK, &out)
	return out, err
}

// GetRoute returns one mock route.
func (c *Client) GetRoute(ctx context.Context, id string) (*route.DTO, error) {
	var out route.DTO
	if err := c.do(ctx, http.MethodGet, "/mock-routes/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRoute creates a mock route and returns it as stored.
func (c *Client) CreateRoute(ctx context.Context, dto route.DTO) (*route.DTO, error) {
	var out route.DTO
	if err := c.do(ctx, http.MethodPost, "/mock-routes", dto, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateRoute replaces the mock route named by dto.RouteID.
func (c *Client) UpdateRoute(ctx context.Context, dto route.DTO) (*route.DTO, error) {
	var out route.DTO
	if err := c.do(ctx, http.MethodPut, "/mock-routes", dto, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnableRoute enables a mock route.
func (c *Client) EnableRoute(ctx context.Context, id string) (*route.DTO, error) {
	return c.toggle(ctx, id, "enable")
}

// DisableRoute disables a mock route.
func (c *Client) DisableRoute(ctx context.Context, id string) (*route.DTO, error) {
	return c.toggle(ctx, id, "disable")
}

func (c *Client) toggle(ctx context.Context, id, action string) (*route.DTO, error) {
	var out route.DTO
	path := "/mock-routes/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRoute deletes a mock route.
func (c *Client) DeleteRoute(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/mock-routes/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// GetConfig returns the proxy configuration.
func (c *Client) GetConfig(ctx context.Context) (*route.ProckConfig, error) {
	var out route.ProckConfig
	if err := c.do(ctx, http.MethodGet, "/config", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetUpstream changes the upstream URL.
func (c *Client) SetUpstream(ctx context.Context, upstreamURL string) (*route.ProckConfig, error) {
	var out route.ProckConfig
	in := route.ProckConfig{UpstreamURL: upstreamURL}
	if err := c.do(ctx, http.MethodPut, "/config", in, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Restart reloads configuration and rebuilds the route table.
func (c *Client) Restart(ctx context.Context) (*RestartResult, error) {
	var out RestartResult
	if err := c.do(ctx, http.MethodPost, "/restart", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RouteTable returns the live route table.
func (c *Client) RouteTable(ctx context.Context) (*RouteTable, error) {
	var out RouteTable
	if err := c.do(ctx, http.MethodGet, "/route-table", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Requests lists recent proxied requests.
func (c *Client) Requests(ctx context.Context, f RequestFilter) (*RequestList, error) {
	q := url.Values{}
	if f.Method != "" {
		q.Set("method", f.Method)
	}
	if f.Path != "" {
		q.Set("path", f.Path)
	}
	if f.RouteID != "" {
		q.Set("routeId", f.RouteID)
	}
	if f.Mocked != nil {
		q.Set("mocked", strconv.FormatBool(*f.Mocked))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	path := "/requests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out RequestList
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a JSON request and decodes the response into out when the
// status matches want.
func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{
			ErrorCode: "connection_error",
			Message:   fmt.Sprintf("cannot connect to prock at %s: %v", c.baseURL, err),
			err:       err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorCode:  errResp.Error,
			Message:    msg,
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		ErrorCode:  "unknown_error",
		Message:    fmt.Sprintf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}
}
