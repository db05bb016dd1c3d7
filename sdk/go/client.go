package signoffsdk

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

// Client is a minimal Signoff HTTP API client.
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

// Request represents the API approval request model (partial).
type Request struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	FlowID         string         `json:"flow_id"`
	CurrentStepID  *string        `json:"current_step_id,omitempty"`
	Status         string         `json:"status"`
	Context        map[string]any `json:"context,omitempty"`
	RequestedBy    string         `json:"requested_by"`
	RequestedAt    string         `json:"requested_at"`
	ResolvedAt     *string        `json:"resolved_at,omitempty"`
	Priority       string         `json:"priority"`
	PriorRequestID *string        `json:"prior_request_id,omitempty"`
}

// Decision represents one approver's verdict on a step.
type Decision struct {
	ID          string         `json:"id"`
	StepID      string         `json:"step_id"`
	DecidedBy   string         `json:"decided_by"`
	Decision    string         `json:"decision"`
	Comment     *string        `json:"comment,omitempty"`
	Conditions  map[string]any `json:"conditions,omitempty"`
	DelegatedTo *string        `json:"delegated_to,omitempty"`
	DecidedAt   string         `json:"decided_at"`
}

// AuditEntry represents one line of a request's audit trail.
type AuditEntry struct {
	ID        int64          `json:"id"`
	RequestID *string        `json:"request_id,omitempty"`
	Seq       int            `json:"seq"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id"`
	ActorType string         `json:"actor_type"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// RequestDetail bundles a request with its decisions and audit trail.
type RequestDetail struct {
	Request   Request      `json:"request"`
	Decisions []Decision   `json:"decisions"`
	Audit     []AuditEntry `json:"audit"`
}

// QueueItem is one entry of an approver's work queue.
type QueueItem struct {
	Request      Request `json:"request"`
	StepID       string  `json:"step_id"`
	StepOrder    int     `json:"step_order"`
	FlowName     string  `json:"flow_name"`
	WaitingHours float64 `json:"waiting_hours"`
}

// HistoryItem is one request of an entity's approval history.
type HistoryItem struct {
	Request   Request    `json:"request"`
	Decisions []Decision `json:"decisions,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit opens an approval request for an entity.
func (c *Client) Submit(ctx context.Context, entityType, entityID string, snapshot map[string]any) (Request, error) {
	body := map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"context":     snapshot,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v1/requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request with its decisions and audit trail.
func (c *Client) GetRequest(ctx context.Context, id string) (RequestDetail, error) {
	var resp RequestDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/requests/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Decide records a decision on a request's current step.
func (c *Client) Decide(ctx context.Context, requestID, decision, comment string) (Request, error) {
	body := map[string]any{
		"decision": decision,
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Request
	endpoint := fmt.Sprintf("v1/requests/%s/decide", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Delegate hands the caller's seat on the current step to a stand-in.
func (c *Client) Delegate(ctx context.Context, requestID, delegateTo, comment string) (Request, error) {
	body := map[string]any{
		"decision":    "delegated",
		"delegate_to": delegateTo,
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Request
	endpoint := fmt.Sprintf("v1/requests/%s/decide", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Cancel withdraws a pending request.
func (c *Client) Cancel(ctx context.Context, requestID string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v1/requests/%s/cancel", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Resubmit opens a fresh request linked to a returned or rejected one.
func (c *Client) Resubmit(ctx context.Context, requestID string, snapshot map[string]any, note string) (Request, error) {
	body := map[string]any{}
	if snapshot != nil {
		body["context"] = snapshot
	}
	if note != "" {
		body["note"] = note
	}
	var resp Request
	endpoint := fmt.Sprintf("v1/requests/%s/resubmit", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Queue returns everything waiting on the authenticated user.
func (c *Client) Queue(ctx context.Context) ([]QueueItem, error) {
	var resp []QueueItem
	err := c.do(ctx, http.MethodGet, "v1/queue", nil, &resp)
	return resp, err
}

// QueueCount returns the size of the authenticated user's queue.
func (c *Client) QueueCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "v1/queue/count", nil, &resp)
	return resp.Count, err
}

// EntityHistory returns every request ever opened for an entity, newest first.
func (c *Client) EntityHistory(ctx context.Context, entityType, entityID string) ([]HistoryItem, error) {
	var resp []HistoryItem
	endpoint := fmt.Sprintf("v1/entities/%s/%s/history",
		url.PathEscape(entityType), url.PathEscape(entityID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
