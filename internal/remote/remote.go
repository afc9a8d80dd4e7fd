// Package remote is the HTTP client for the fintrack server API.
package remote

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

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/sync"
)

// DefaultTimeout bounds every request unless the client is built with a
// different one.
const DefaultTimeout = 15 * time.Second

// Client talks to one fintrack server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusError is a non-2xx response that maps to no sync sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Register creates an account and returns its token.
func (c *Client) Register(ctx context.Context, creds schema.Credentials) (*schema.AuthResponse, error) {
	var resp schema.AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", "", creds, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, creds schema.Credentials) (*schema.AuthResponse, error) {
	var resp schema.AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", "", creds, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches changes after cursor.
func (c *Client) Pull(ctx context.Context, token string, cursor int64) (*schema.PullResponse, error) {
	path := "/api/sync/pull?" + url.Values{"lastSyncTimestamp": {strconv.FormatInt(cursor, 10)}}.Encode()
	var resp schema.PullResponse
	if err := c.do(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push sends a batch of local changes.
func (c *Client) Push(ctx context.Context, token string, req schema.PushRequest) (*schema.PushResponse, error) {
	var resp schema.PushResponse
	if err := c.do(ctx, http.MethodPost, "/api/sync/push", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete removes a transaction by server id or client reference.
func (c *Client) Delete(ctx context.Context, token, id string) (*schema.DeleteResponse, error) {
	var resp schema.DeleteResponse
	if err := c.do(ctx, http.MethodDelete, "/api/transactions/"+url.PathEscape(id), token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Balance returns the server's balance for the signed-in user.
func (c *Client) Balance(ctx context.Context, token string) (money.Amount, error) {
	var resp schema.BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/api/users/balance", token, nil, &resp); err != nil {
		return money.Zero, err
	}
	return resp.Balance, nil
}

// PutSettings replaces the settings blob.
func (c *Client) PutSettings(ctx context.Context, token string, settings json.RawMessage) (json.RawMessage, error) {
	var resp schema.SettingsRequest
	if err := c.do(ctx, http.MethodPut, "/api/sync/settings", token, schema.SettingsRequest{Settings: settings}, &resp); err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

// News returns the server's news feed.
func (c *Client) News(ctx context.Context, token string) (*schema.NewsResponse, error) {
	var resp schema.NewsResponse
	if err := c.do(ctx, http.MethodGet, "/api/news", token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends one request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
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
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", sync.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", sync.ErrNetwork, err)
	}

	if err := statusError(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// statusError maps a response status to the sync error taxonomy.
func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	var msg schema.ErrorResponse
	_ = json.Unmarshal(body, &msg)

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", sync.ErrUnauthorized, msg.Error)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", sync.ErrNotFound, msg.Error)
	case code >= 500:
		return fmt.Errorf("%w: %w", sync.ErrServer, &StatusError{Code: code, Message: msg.Error})
	default:
		return &StatusError{Code: code, Message: msg.Error}
	}
}
