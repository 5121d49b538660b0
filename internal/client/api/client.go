// Package api is the REST client for the civic report backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"
	"civicreport-service/internal/domain/notification"
)

// Error is a non-2xx reply from the backend.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken swaps the bearer credential used for later calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Login(ctx context.Context, space auth.IdentitySpace, email, password string) (*auth.LoginResponse, error) {
	var out auth.LoginResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/"+string(space)+"/login", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Notifications(ctx context.Context, limit int) (*notification.ListResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out notification.ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, ids []string) (int64, error) {
	var out notification.MarkReadResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/notifications/mark-read", nil, notification.MarkReadRequest{IDs: ids}, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func (c *Client) MyIssues(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error) {
	return c.issues(ctx, "/api/v1/issues/mine", filters)
}

func (c *Client) AllIssues(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error) {
	return c.issues(ctx, "/api/v1/issues", filters)
}

func (c *Client) AdminIssues(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error) {
	return c.issues(ctx, "/api/v1/admin/issues", filters)
}

func (c *Client) StaffIssues(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error) {
	return c.issues(ctx, "/api/v1/staff/issues", filters)
}

func (c *Client) SubmitIssue(ctx context.Context, req *issue.SubmitRequest) (*issue.SubmitResponse, error) {
	var out issue.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/issues", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStatus uses the admin or staff route depending on role.
func (c *Client) UpdateStatus(ctx context.Context, role string, req *issue.UpdateStatusRequest) (*issue.Issue, error) {
	path := "/api/v1/admin/issues/status"
	if role == auth.RoleStaff {
		path = "/api/v1/staff/issues/status"
	}
	var out issue.Issue
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) issues(ctx context.Context, path string, filters *issue.ListFilters) ([]issue.Issue, error) {
	var out issue.ListResponse
	if err := c.do(ctx, http.MethodGet, path, filterQuery(filters), nil, &out); err != nil {
		return nil, err
	}
	return out.Issues, nil
}

func filterQuery(f *issue.ListFilters) url.Values {
	q := url.Values{}
	if f == nil {
		return q
	}
	if f.Category != nil {
		q.Set("category", string(*f.Category))
	}
	if f.Status != nil {
		q.Set("status", string(*f.Status))
	}
	if f.Location != "" {
		q.Set("location", f.Location)
	}
	return q
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || (decodeErr == nil && !env.Success) {
		msg := env.Message
		if env.Error != "" {
			msg = strings.TrimSpace(msg + ": " + env.Error)
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("decoding response: %w", decodeErr)
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
