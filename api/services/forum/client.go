// Package forum talks to the community site that owns users, private
// messages and group membership.
package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrAPI is returned for non-2xx answers other than the idempotent no-op cases.
var ErrAPI = errors.New("forum api error")

// Client sends private messages and edits group membership over the forum's
// admin HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger,
	}
}

type message struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
}

// Send delivers a system private message to the user.
func (c *Client) Send(ctx context.Context, userID, title, body string) error {
	status, err := c.do(ctx, http.MethodPost, "/notifications", message{UserID: userID, Title: title, Body: body})
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("%w: send notification: status %d", ErrAPI, status)
	}
	return nil
}

// Grant adds the user to the group. An unknown group or an existing
// membership is not an error.
func (c *Client) Grant(ctx context.Context, userID, group string) error {
	status, err := c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(group)+"/members", map[string]string{"user_id": userID})
	if err != nil {
		return err
	}
	switch {
	case status/100 == 2, status == http.StatusConflict:
		return nil
	case status == http.StatusNotFound:
		c.log.Warn("grant skipped, group not found", "group", group, "user_id", userID)
		return nil
	}
	return fmt.Errorf("%w: grant %s: status %d", ErrAPI, group, status)
}

// Revoke removes the user from the group; absent group or membership is a no-op.
func (c *Client) Revoke(ctx context.Context, userID, group string) error {
	path := "/groups/" + url.PathEscape(group) + "/members/" + url.PathEscape(userID)
	status, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if status/100 == 2 || status == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("%w: revoke %s: status %d", ErrAPI, group, status)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode forum request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build forum request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Api-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", ErrAPI, method, path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// LogOnly stands in for the forum when FORUM_API_URL is not configured.
type LogOnly struct {
	Log *slog.Logger
}

func (l LogOnly) logger() *slog.Logger {
	if l.Log == nil {
		return slog.Default()
	}
	return l.Log
}

func (l LogOnly) Send(_ context.Context, userID, title, body string) error {
	l.logger().Info("notification", "user_id", userID, "title", title, "body", body)
	return nil
}

func (l LogOnly) Grant(_ context.Context, userID, group string) error {
	l.logger().Info("grant group", "user_id", userID, "group", group)
	return nil
}

func (l LogOnly) Revoke(_ context.Context, userID, group string) error {
	l.logger().Info("revoke group", "user_id", userID, "group", group)
	return nil
}
