// Package client is the engine's HTTP transport to the section API.
package client

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
	"time"

	"teamdash/api/internal/engine"
	"teamdash/api/internal/store"
	"teamdash/api/internal/util"
)

const defaultTimeout = 30 * time.Second

// StatusError is a non-2xx reply from the API.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api returned %d", e.Status)
	}
	return fmt.Sprintf("api returned %d: %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to one API server. It satisfies engine.Transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ engine.Transport = (*Client)(nil)

// New creates a client for the server at baseURL. A nil httpClient gets a
// client with a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) FetchSnapshot(ctx context.Context, since int64) (engine.Snapshot, error) {
	var snap engine.Snapshot
	path := "/api/sections?version=" + strconv.FormatInt(since, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return engine.Snapshot{}, fmt.Errorf("fetch sections: %w", err)
	}
	return snap, nil
}

func (c *Client) PutSection(ctx context.Context, section string, value json.RawMessage, author, note string) error {
	body := map[string]any{"value": value, "author": author, "note": note}
	if err := c.do(ctx, http.MethodPut, "/api/sections/"+url.PathEscape(section), body, nil); err != nil {
		return fmt.Errorf("save %s: %w", section, err)
	}
	return nil
}

func (c *Client) PutReadReceipts(ctx context.Context, receipts map[string]map[string]int64) error {
	if err := c.do(ctx, http.MethodPut, "/api/read-receipts", receipts, nil); err != nil {
		return fmt.Errorf("save read receipts: %w", err)
	}
	return nil
}

func (c *Client) Presence(ctx context.Context, name, action string) error {
	body := map[string]string{"name": name, "action": action}
	if err := c.do(ctx, http.MethodPost, "/api/presence", body, nil); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	return nil
}

// OnlineUsers lists users the server has seen recently.
func (c *Client) OnlineUsers(ctx context.Context) ([]store.OnlineUser, error) {
	var users []store.OnlineUser
	if err := c.do(ctx, http.MethodGet, "/api/presence", nil, &users); err != nil {
		return nil, fmt.Errorf("online users: %w", err)
	}
	return users, nil
}

// Logs reads the access or modification log.
func (c *Client) Logs(ctx context.Context, kind store.LogKind, sinceDays int) ([]store.LogEntry, error) {
	path := "/api/logs/" + url.PathEscape(string(kind))
	if sinceDays > 0 {
		path += "?sinceDays=" + strconv.Itoa(sinceDays)
	}
	var entries []store.LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, fmt.Errorf("%s log: %w", kind, err)
	}
	return entries, nil
}

// Health checks the server's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", util.NewID("dash"))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Status: resp.StatusCode}
		var envelope struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&envelope); err == nil {
			statusErr.Code = envelope.Code
			statusErr.Message = envelope.Error
		}
		return statusErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
