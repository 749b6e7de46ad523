package tracker

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

// HTTPClient talks to a REST-style tracker API with bearer auth.
//
// Endpoint shape:
//
//	GET  {base}/items?status=<status>        → [WorkItem]
//	POST {base}/items/{id}/claim             → 200 on success, 409 on conflict
//	POST {base}/items/{id}/status            ← {"status": "<status>"}
//	POST {base}/items/{id}/comments          ← {"body": "<text>"}
//	GET  {base}/items/{id}/comments          → [Comment]
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a tracker client for the given base URL. A zero
// timeout defaults to 15s per call.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ListByStatus(ctx context.Context, status Status) ([]WorkItem, error) {
	u := c.baseURL + "/items?status=" + url.QueryEscape(string(status))
	var items []WorkItem
	if err := c.getJSON(ctx, u, &items); err != nil {
		return nil, fmt.Errorf("list items by status %q: %w", status, err)
	}
	return items, nil
}

func (c *HTTPClient) Claim(ctx context.Context, id string) error {
	u := c.baseURL + "/items/" + url.PathEscape(id) + "/claim"
	resp, err := c.do(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("claim item %s: %w", id, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return ErrConflict
	default:
		return fmt.Errorf("claim item %s: %s", id, readError(resp))
	}
}

func (c *HTTPClient) SetStatus(ctx context.Context, id string, status Status) error {
	u := c.baseURL + "/items/" + url.PathEscape(id) + "/status"
	body := map[string]string{"status": string(status)}
	resp, err := c.do(ctx, http.MethodPost, u, body)
	if err != nil {
		return fmt.Errorf("set status %s=%s: %w", id, status, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("set status %s=%s: %s", id, status, readError(resp))
	}
	return nil
}

func (c *HTTPClient) AddNote(ctx context.Context, id, text string) error {
	u := c.baseURL + "/items/" + url.PathEscape(id) + "/comments"
	body := map[string]string{"body": text}
	resp, err := c.do(ctx, http.MethodPost, u, body)
	if err != nil {
		return fmt.Errorf("add note on %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("add note on %s: %s", id, readError(resp))
	}
	return nil
}

func (c *HTTPClient) ListComments(ctx context.Context, id string) ([]Comment, error) {
	u := c.baseURL + "/items/" + url.PathEscape(id) + "/comments"
	var comments []Comment
	if err := c.getJSON(ctx, u, &comments); err != nil {
		return nil, fmt.Errorf("list comments on %s: %w", id, err)
	}
	return comments, nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

func (c *HTTPClient) getJSON(ctx context.Context, u string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s", readError(resp))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func readError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Sprintf("tracker returned %d", resp.StatusCode)
	}
	return fmt.Sprintf("tracker returned %d: %s", resp.StatusCode, msg)
}
