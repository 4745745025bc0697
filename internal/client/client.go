// Package client provides the HTTP client for backend agent processes and
// the per-directory connection registry.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/thebtf/agentpool/pkg/models"
)

// ErrSessionNotFound is returned when the backend reports no such session.
var ErrSessionNotFound = errors.New("session not found")

// Client is a lightweight connection handle bound to one backend process's
// base URL. It is valid only while the backing ProcessRecord exists; the
// registry tears it down alongside the process.
type Client struct {
	directory string
	baseURL   string
	http      *http.Client
}

// NewClient creates a client bound to a backend base URL.
func NewClient(directory, baseURL string) *Client {
	return &Client{
		directory: directory,
		baseURL:   baseURL,
		// No client-wide timeout: callers bound each request with their
		// own context, and chat turns can legitimately run long.
		http: &http.Client{Timeout: 0},
	}
}

// Directory returns the normalized project directory this handle serves.
func (c *Client) Directory() string { return c.directory }

// BaseURL returns the backend base URL this handle is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// ListSessions fetches the session list for the directory.
func (c *Client) ListSessions(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := c.do(ctx, http.MethodGet, "/api/sessions?directory="+url.QueryEscape(c.directory), nil, &sessions)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", c.directory, err)
	}
	return sessions, nil
}

// CreateSession asks the backend to create a session. Title may be empty;
// the backend assigns a default.
func (c *Client) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	body := map[string]string{
		"title":     title,
		"directory": c.directory,
	}
	var session models.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", body, &session); err != nil {
		return nil, fmt.Errorf("create session for %s: %w", c.directory, err)
	}
	return &session, nil
}

// DeleteSession deletes a session by id.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "?directory=" + url.QueryEscape(c.directory)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete session %s for %s: %w", sessionID, c.directory, err)
	}
	return nil
}

// GetMessages fetches the full message history of a session.
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/messages?directory=" + url.QueryEscape(c.directory)
	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("get messages for session %s in %s: %w", sessionID, c.directory, err)
	}
	return messages, nil
}

// SendMessage posts a user message to a session and returns the assistant's
// reply turn. Blocks until the backend finishes the turn or ctx is
// cancelled.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*models.Message, error) {
	body := map[string]any{
		"parts": []models.Part{{Type: models.PartTypeText, Text: text}},
	}
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/messages?directory=" + url.QueryEscape(c.directory)
	var reply models.Message
	if err := c.do(ctx, http.MethodPost, path, body, &reply); err != nil {
		return nil, fmt.Errorf("send message to session %s in %s: %w", sessionID, c.directory, err)
	}
	return &reply, nil
}

// WorkingDirectory asks the backend for its own working directory.
func (c *Client) WorkingDirectory(ctx context.Context) (string, error) {
	var payload struct {
		CWD string `json:"cwd"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/cwd", nil, &payload); err != nil {
		return "", fmt.Errorf("query cwd of %s: %w", c.baseURL, err)
	}
	return payload.CWD, nil
}

// do performs one request against the backend, encoding body and decoding
// the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionNotFound
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
