// Package api provides the HTTP client the console uses to talk to the
// SOAR server.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"boundary-soar/internal/api/dashboard"
	"boundary-soar/internal/incident"
	"boundary-soar/internal/response"
)

// Client handles API communication with the SOAR server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HealthResponse mirrors the /health payload.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Healthy reports whether the server answered healthy.
func (h *HealthResponse) Healthy() bool {
	return h != nil && h.Status == "healthy"
}

// Responses bundles the response-side views shown together in the console.
type Responses struct {
	Executions []*response.Execution `json:"executions"`
	Blocks     []response.IPBlock    `json:"blocks"`
	Reviews    []*response.Review    `json:"reviews"`
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout overrides the default 5s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a new API client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client points at.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusError is returned when the server answers with a non-2xx code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Code)
}

func (c *Client) getJSON(path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetHealth fetches health status. A 503 still carries a body, so it is
// decoded rather than reported as an error.
func (c *Client) GetHealth() (*HealthResponse, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &health, nil
}

// GetDashboard fetches the aggregated dashboard stats.
func (c *Client) GetDashboard() (*dashboard.Stats, error) {
	var stats dashboard.Stats
	if err := c.getJSON("/v1/dashboard", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetIncidents fetches incidents, newest first. activeOnly restricts the
// list to incidents that are neither resolved nor false positives.
func (c *Client) GetIncidents(activeOnly bool, limit int) ([]*incident.Incident, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("active", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Incidents []*incident.Incident `json:"incidents"`
	}
	if err := c.getJSON("/v1/incidents", q, &body); err != nil {
		return nil, err
	}
	return body.Incidents, nil
}

// GetExecutions fetches the most recent response executions.
func (c *Client) GetExecutions(limit int) ([]*response.Execution, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Executions []*response.Execution `json:"executions"`
	}
	if err := c.getJSON("/v1/executions", q, &body); err != nil {
		return nil, err
	}
	return body.Executions, nil
}

// GetBlocks fetches the active IP blocks.
func (c *Client) GetBlocks() ([]response.IPBlock, error) {
	var body struct {
		Blocks []response.IPBlock `json:"blocks"`
	}
	if err := c.getJSON("/v1/blocks", nil, &body); err != nil {
		return nil, err
	}
	return body.Blocks, nil
}

// GetReviews fetches the pending manual reviews.
func (c *Client) GetReviews() ([]*response.Review, error) {
	var body struct {
		Reviews []*response.Review `json:"reviews"`
	}
	if err := c.getJSON("/v1/reviews", nil, &body); err != nil {
		return nil, err
	}
	return body.Reviews, nil
}

// GetResponses fetches executions, blocks and pending reviews in one call.
// The first failure aborts the rest.
func (c *Client) GetResponses(limit int) (*Responses, error) {
	execs, err := c.GetExecutions(limit)
	if err != nil {
		return nil, err
	}
	blocks, err := c.GetBlocks()
	if err != nil {
		return nil, err
	}
	reviews, err := c.GetReviews()
	if err != nil {
		return nil, err
	}
	return &Responses{Executions: execs, Blocks: blocks, Reviews: reviews}, nil
}

// FormatAge renders the time since t in a compact form.
func FormatAge(t, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours >= 24 {
		return fmt.Sprintf("%dd %dh", hours/24, hours%24)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
