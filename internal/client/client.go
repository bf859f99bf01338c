// Package client is a Go client for the podium HTTP and stream API.
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

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/types"
)

// DefaultTimeout bounds every request made by a Client.
const DefaultTimeout = 10 * time.Second

// ErrRateLimited is matched by APIErrors with status 429.
var ErrRateLimited = errors.New("rate limited")

// APIError is a non-2xx response.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the response code back to the domain sentinel so callers can
// use errors.Is(err, model.ErrNotFound) and friends.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_input":
		return model.ErrInvalidInput
	case "duplicate_name":
		return model.ErrDuplicateName
	case "not_found":
		return model.ErrNotFound
	case "store_unavailable":
		return model.ErrStoreUnavailable
	case "rate_limited":
		return ErrRateLimited
	default:
		return nil
	}
}

// Client talks to one podium server.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New returns a client for the server at baseURL, e.g. http://localhost:9080.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{baseURL: u, http: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// Users lists registered users.
func (c *Client) Users(ctx context.Context) ([]types.UserView, error) {
	var out []types.UserView
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Register creates a user.
func (c *Client) Register(ctx context.Context, name string) (types.UserView, error) {
	var out types.UserView
	err := c.do(ctx, http.MethodPost, "/api/users", nil, types.RegisterRequest{Name: name}, &out)
	return out, err
}

// Claim awards points to the user with id. A non-empty key makes retries
// safe.
func (c *Client) Claim(ctx context.Context, id, key string) (types.ClaimResponse, error) {
	var out types.ClaimResponse
	header := http.Header{}
	if key != "" {
		header.Set("Idempotency-Key", key)
	}
	err := c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(id)+"/claim", header, nil, &out)
	return out, err
}

// Leaderboard returns the current ranking.
func (c *Client) Leaderboard(ctx context.Context) ([]types.RankedEntityView, error) {
	var out []types.RankedEntityView
	if err := c.do(ctx, http.MethodGet, "/api/leaderboard", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns one page of claim history. Zero values use the server
// defaults.
func (c *Client) History(ctx context.Context, page, limit int) (types.HistoryResponse, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out types.HistoryResponse
	err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

// Stats returns service statistics.
func (c *Client) Stats(ctx context.Context) (types.Stats, error) {
	var out types.Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, nil, &out)
	return out, err
}

// Ready reports whether the server is ready to take traffic.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(n) * time.Second
		}
	}
	var body types.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(raw, &body); err == nil && body.Code != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
