package northstarsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Northstar HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API service-request model.
type Request struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    int            `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	SubmittedAt string         `json:"submitted_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// Response represents a provider response.
type Response struct {
	ID            string  `json:"id"`
	RequestID     string  `json:"request_id"`
	ProviderID    string  `json:"provider_id"`
	Quote         float64 `json:"quote"`
	Message       string  `json:"message,omitempty"`
	EstimatedDays *int    `json:"estimated_days,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
}

// Note represents a request note.
type Note struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// AuditRecord represents one audit trail entry.
type AuditRecord struct {
	ID         int64          `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// Job represents a queued job.
type Job struct {
	ID             string `json:"id"`
	Queue          string `json:"queue"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	State          string `json:"state"`
	Attempts       int    `json:"attempts"`
	MaxAttempts    int    `json:"max_attempts"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RequestPage wraps paginated request listings.
type RequestPage struct {
	Items []Request `json:"items"`
	Total int       `json:"total"`
}

// JobPage wraps paginated job listings.
type JobPage struct {
	Items []Job `json:"items"`
	Total int   `json:"total"`
}

// CreateRequest creates a DRAFT service request owned by the caller.
func (c *Client) CreateRequest(ctx context.Context, title, description string, priority int, metadata map[string]any) (Request, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"priority":    priority,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests returns a page of requests, optionally filtered by status.
func (c *Client) ListRequests(ctx context.Context, status string, limit, offset int) (RequestPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	endpoint := "requests"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp RequestPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a request to a new status.
func (c *Client) Transition(ctx context.Context, id, status string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("requests/%s/transition", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// Submit is shorthand for transitioning a draft to SUBMITTED.
func (c *Client) Submit(ctx context.Context, id string) (Request, error) {
	return c.Transition(ctx, id, "SUBMITTED")
}

// Cancel transitions a request to CANCELLED.
func (c *Client) Cancel(ctx context.Context, id string) (Request, error) {
	return c.Transition(ctx, id, "CANCELLED")
}

// Respond records a provider response on a request.
func (c *Client) Respond(ctx context.Context, requestID string, quote float64, message string, estimatedDays *int) (Response, error) {
	body := map[string]any{
		"quote":   quote,
		"message": message,
	}
	if estimatedDays != nil {
		body["estimated_days"] = *estimatedDays
	}
	var resp Response
	endpoint := fmt.Sprintf("requests/%s/responses", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Responses lists provider responses for a request.
func (c *Client) Responses(ctx context.Context, requestID string) ([]Response, error) {
	var resp struct {
		Items []Response `json:"items"`
	}
	endpoint := fmt.Sprintf("requests/%s/responses", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AddNote records a note on a request.
func (c *Client) AddNote(ctx context.Context, requestID, body string) (Note, error) {
	var resp Note
	endpoint := fmt.Sprintf("requests/%s/notes", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"body": body}, &resp)
	return resp, err
}

// Audit returns recent audit records (staff only).
func (c *Client) Audit(ctx context.Context, limit int) ([]AuditRecord, error) {
	endpoint := "audit"
	if limit > 0 {
		endpoint = fmt.Sprintf("audit?limit=%d", limit)
	}
	var resp struct {
		Items []AuditRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Jobs returns a page of jobs (staff only).
func (c *Client) Jobs(ctx context.Context, queue, state string, limit int) (JobPage, error) {
	q := url.Values{}
	if queue != "" {
		q.Set("queue", queue)
	}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "jobs"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp JobPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RetryJob re-enqueues a dead-lettered job (staff only).
func (c *Client) RetryJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("jobs/%s/retry", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
