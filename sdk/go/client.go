package actionlinesdk

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

// Client is a minimal Actionline HTTP API client.
type Client struct {
	BaseURL     string
	ContextID   string
	ContextType string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, contextID, contextType string) *Client {
	return &Client{
		BaseURL:     baseURL,
		ContextID:   contextID,
		ContextType: contextType,
		Timeout:     10 * time.Second,
	}
}

// FieldBinding is one key/value pair carried by an action.
type FieldBinding struct {
	FieldKey string `json:"field_key"`
	Value    string `json:"value"`
}

// Action represents the API action model.
type Action struct {
	ID            string         `json:"id"`
	ContextID     string         `json:"context_id"`
	ContextType   string         `json:"context_type"`
	Type          string         `json:"type"`
	FieldBindings []FieldBinding `json:"field_bindings"`
	CreatedAt     string         `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	ContextID   string         `json:"context_id"`
	ContextType string         `json:"context_type"`
	Seq         int64          `json:"seq"`
	ActionID    string         `json:"action_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	OccurredAt  string         `json:"occurred_at"`
}

// ActionView is the interpreted projection of one action.
type ActionView struct {
	ActionID   string `json:"action_id"`
	ViewType   string `json:"view_type"`
	Data       struct {
		Title           string  `json:"title"`
		Description     string  `json:"description"`
		Status          string  `json:"status"`
		Assignee        *string `json:"assignee"`
		DueDate         *string `json:"due_date"`
		PercentComplete *int    `json:"percent_complete"`
	} `json:"data"`
	Retracted  bool   `json:"retracted"`
	EventCount int    `json:"event_count"`
	RenderedAt string `json:"rendered_at"`
}

// SurfaceNode is one row of a rendered workflow surface.
type SurfaceNode struct {
	ActionID       string  `json:"action_id"`
	ParentActionID *string `json:"parent_action_id"`
	Position       int     `json:"position"`
	Payload        struct {
		Title     string   `json:"title"`
		Status    string   `json:"status"`
		Assignees []string `json:"assignees"`
	} `json:"payload"`
	Flags struct {
		HasChildren bool `json:"has_children"`
		EventCount  int  `json:"event_count"`
	} `json:"flags"`
}

// Reference is a link from an action to an external record.
type Reference struct {
	ID             string  `json:"id"`
	ActionID       string  `json:"action_id"`
	SourceRecordID *string `json:"source_record_id"`
	TargetFieldKey *string `json:"target_field_key"`
	Mode           string  `json:"mode"`
	SnapshotValue  string  `json:"snapshot_value"`
	CreatedAt      string  `json:"created_at"`
}

// Resolution reports a resolved reference with drift detection.
type Resolution struct {
	ReferenceID   string `json:"reference_id"`
	Mode          string `json:"mode"`
	LiveValue     string `json:"live_value"`
	SnapshotValue string `json:"snapshot_value"`
	Drifted       bool   `json:"drifted"`
	Stale         bool   `json:"stale"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DeclareAction declares an action into the client's context.
func (c *Client) DeclareAction(ctx context.Context, actionType string, bindings []FieldBinding) (Action, error) {
	body := map[string]any{
		"context_id":     c.ContextID,
		"context_type":   c.ContextType,
		"type":           actionType,
		"field_bindings": bindings,
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/actions", body, &resp)
	return resp, err
}

// GetAction fetches an action by id.
func (c *Client) GetAction(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, "v0/actions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// View returns the interpreted view of an action.
func (c *Client) View(ctx context.Context, id string) (ActionView, error) {
	var resp struct {
		View ActionView `json:"view"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/actions/%s/view", url.PathEscape(id)), nil, &resp)
	return resp.View, err
}

// StartWork marks work started on an action.
func (c *Client) StartWork(ctx context.Context, id, note string) error {
	return c.workEvent(ctx, id, "start", note)
}

// FinishWork marks work finished on an action.
func (c *Client) FinishWork(ctx context.Context, id, note string) error {
	return c.workEvent(ctx, id, "finish", note)
}

func (c *Client) workEvent(ctx context.Context, id, verb, note string) error {
	body := map[string]any{}
	if note != "" {
		body["note"] = note
	}
	endpoint := fmt.Sprintf("v0/actions/%s/%s", url.PathEscape(id), verb)
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// AddDependency records that an action waits on another.
func (c *Client) AddDependency(ctx context.Context, actionID, dependsOnActionID string) error {
	body := map[string]any{"depends_on_action_id": dependsOnActionID}
	endpoint := fmt.Sprintf("v0/actions/%s/dependencies", url.PathEscape(actionID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// Surface renders a workflow surface for the client's context.
func (c *Client) Surface(ctx context.Context, surfaceType string) ([]SurfaceNode, error) {
	var resp struct {
		Nodes []SurfaceNode `json:"nodes"`
	}
	err := c.do(ctx, http.MethodGet, c.contextPath("surfaces/"+url.PathEscape(surfaceType)), nil, &resp)
	return resp.Nodes, err
}

// Events returns events of the client's context after a sequence number.
func (c *Client) Events(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events/context/%s/%s?after_seq=%d",
		url.PathEscape(c.ContextType), url.PathEscape(c.ContextID), afterSeq)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ListReferences returns the references of an action.
func (c *Client) ListReferences(ctx context.Context, actionID string) ([]Reference, error) {
	var resp struct {
		Items []Reference `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/actions/%s/references", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ResolveReference resolves one reference with drift detection.
func (c *Client) ResolveReference(ctx context.Context, referenceID string) (Resolution, error) {
	var resp Resolution
	endpoint := fmt.Sprintf("v0/references/%s/resolve", url.PathEscape(referenceID))
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

func (c *Client) contextPath(p string) string {
	return fmt.Sprintf("v0/contexts/%s/%s/%s",
		url.PathEscape(c.ContextType), url.PathEscape(c.ContextID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
