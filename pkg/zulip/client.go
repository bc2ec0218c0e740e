// Copyright 2024-2026 Aiku AI

// Package zulip is a minimal client for the Zulip REST API covering the
// surface the bridge needs: event queue registration and long-polling,
// sending and mutating stream messages, reactions, and user/stream lookups.
// All requests authenticate with HTTP basic auth (bot email + API key).
package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// APIError is a Zulip API-level error ({"result":"error",...}). Transport
// failures are returned as plain wrapped errors, never as *APIError, so
// callers can tell the two apart.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zulip: %s (%s)", e.Msg, e.Code)
}

// Is matches any *APIError with the same code, so
// errors.Is(err, ErrBadEventQueueID) works on returned errors.
func (e *APIError) Is(target error) bool {
	var t *APIError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// ErrBadEventQueueID is returned from Events when the server no longer
// knows the queue, typically after it was garbage collected server-side.
// The caller must register a fresh queue and accept the gap.
var ErrBadEventQueueID = &APIError{Code: "BAD_EVENT_QUEUE_ID"}

// IsAuthError reports whether err is an API error caused by rejected
// credentials. These are fatal: retrying with the same key cannot succeed.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// Client talks to one Zulip realm on behalf of one bot account.
type Client struct {
	site   string
	email  string
	apiKey string
	http   *http.Client
}

// NewClient creates a client for the given realm. The site may be given
// with or without a scheme; a bare host defaults to https.
func NewClient(site, email, apiKey string) *Client {
	if !strings.Contains(site, "://") {
		site = "https://" + site
	}
	return &Client{
		site:   strings.TrimRight(site, "/"),
		email:  email,
		apiKey: apiKey,
		http:   &http.Client{},
	}
}

// SetHTTPClient overrides the underlying HTTP client. The default client
// has no timeout because the events endpoint long-polls; callers bound
// requests with the context instead.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.http = hc
}

// Site returns the normalized realm URL.
func (c *Client) Site() string {
	return c.site
}

type apiResponse struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
	Code   string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	var body io.Reader
	reqURL := c.site + path
	if params != nil {
		if method == http.MethodGet {
			reqURL += "?" + params.Encode()
		} else {
			body = strings.NewReader(params.Encode())
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	var meta apiResponse
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("invalid response from %s (HTTP %d): %w", path, resp.StatusCode, err)
	}
	if meta.Result != "success" {
		return &APIError{StatusCode: resp.StatusCode, Code: meta.Code, Msg: meta.Msg}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

// Me fetches the profile of the authenticated bot. It doubles as the
// credential check at connect time.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser fetches a single realm user by ID.
func (c *Client) GetUser(ctx context.Context, userID int64) (*User, error) {
	var out struct {
		User User `json:"user"`
	}
	path := "/api/v1/users/" + strconv.FormatInt(userID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// GetStreamID resolves a stream name to its ID. Unknown streams come back
// as an *APIError from the server.
func (c *Client) GetStreamID(ctx context.Context, stream string) (int64, error) {
	params := url.Values{"stream": {stream}}
	var out struct {
		StreamID int64 `json:"stream_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/get_stream_id", params, &out); err != nil {
		return 0, err
	}
	return out.StreamID, nil
}

// AddSubscription subscribes the bot account to a stream so its messages
// are delivered on the event queue.
func (c *Client) AddSubscription(ctx context.Context, stream string) error {
	subs, err := json.Marshal([]map[string]string{{"name": stream}})
	if err != nil {
		return err
	}
	params := url.Values{"subscriptions": {string(subs)}}
	return c.do(ctx, http.MethodPost, "/api/v1/users/me/subscriptions", params, nil)
}

// RemoveSubscription unsubscribes the bot account from a stream.
func (c *Client) RemoveSubscription(ctx context.Context, stream string) error {
	subs, err := json.Marshal([]string{stream})
	if err != nil {
		return err
	}
	params := url.Values{"subscriptions": {string(subs)}}
	return c.do(ctx, http.MethodDelete, "/api/v1/users/me/subscriptions", params, nil)
}

// RegisterQueue registers an event queue limited to the event types the
// bridge handles. Content is requested as raw markdown so the bridge owns
// the rendering on the Matrix side.
func (c *Client) RegisterQueue(ctx context.Context) (*Queue, error) {
	eventTypes, err := json.Marshal([]string{
		EventTypeMessage,
		EventTypeUpdateMessage,
		EventTypeDeleteMessage,
		EventTypeReaction,
		EventTypeRealmUser,
	})
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"event_types":    {string(eventTypes)},
		"apply_markdown": {"false"},
	}
	var queue Queue
	if err := c.do(ctx, http.MethodPost, "/api/v1/register", params, &queue); err != nil {
		return nil, err
	}
	return &queue, nil
}

// Events long-polls for the next batch after lastEventID. The server
// holds the request until events arrive or its own timeout passes, so the
// caller should bound the call with a context deadline. A dead queue is
// reported as ErrBadEventQueueID.
func (c *Client) Events(ctx context.Context, queueID string, lastEventID int64) ([]Event, error) {
	params := url.Values{
		"queue_id":      {queueID},
		"last_event_id": {strconv.FormatInt(lastEventID, 10)},
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/events", params, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// SendMessage posts to a stream topic and returns the new message ID.
func (c *Client) SendMessage(ctx context.Context, stream, topic, content string) (int64, error) {
	params := url.Values{
		"type":    {MessageTypeStream},
		"to":      {stream},
		"topic":   {topic},
		"content": {content},
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", params, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// EditMessage replaces the content of an existing message.
func (c *Client) EditMessage(ctx context.Context, messageID int64, content string) error {
	params := url.Values{"content": {content}}
	path := "/api/v1/messages/" + strconv.FormatInt(messageID, 10)
	return c.do(ctx, http.MethodPatch, path, params, nil)
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	path := "/api/v1/messages/" + strconv.FormatInt(messageID, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// AddReaction adds an emoji reaction by Zulip emoji name.
func (c *Client) AddReaction(ctx context.Context, messageID int64, emojiName string) error {
	params := url.Values{"emoji_name": {emojiName}}
	path := "/api/v1/messages/" + strconv.FormatInt(messageID, 10) + "/reactions"
	return c.do(ctx, http.MethodPost, path, params, nil)
}

// RemoveReaction removes an emoji reaction by Zulip emoji name.
func (c *Client) RemoveReaction(ctx context.Context, messageID int64, emojiName string) error {
	params := url.Values{"emoji_name": {emojiName}}
	path := "/api/v1/messages/" + strconv.FormatInt(messageID, 10) + "/reactions"
	return c.do(ctx, http.MethodDelete, path, params, nil)
}
