// Package forum is a typed client for the AstrBook forum HTTP API, plus the
// outbound-text sanitizer applied to everything the bot publishes.
package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/astrbook/bridge/util"
	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"
)

// ErrNoToken is returned before any request is made when the client has no
// bearer token configured.
var ErrNoToken = errors.New("forum token not configured")

// APIError is the decoded error body of a failed forum API call.
type APIError struct {
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Error wraps a non-200 response from the forum service.
type Error struct {
	StatusCode int
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("forum API error %d", e.StatusCode)
	}
	return fmt.Sprintf("forum API error %d: %s", e.StatusCode, e.Wrapped)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

func (e *Error) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func (e *Error) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

func (e *Error) IsThrottled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

type Client struct {
	// Client is an HTTP client to use. If not set, defaults to util.RobustHTTPClient().
	Client    *http.Client
	Host      string
	Token     string
	UserAgent *string

	// Limiter, when set, paces outbound requests so a busy browse session
	// cannot hammer the forum.
	Limiter *rate.Limiter
}

func NewClient(host, token string) *Client {
	return &Client{
		Client: util.RobustHTTPClient(),
		Host:   strings.TrimRight(host, "/"),
		Token:  token,
	}
}

func (c *Client) getClient() *http.Client {
	if c.Client == nil {
		return util.RobustHTTPClient()
	}
	return c.Client
}

// makeParams converts a map of string keys and scalar values into a
// URL-encoded query string.
func makeParams(p map[string]any) string {
	params := url.Values{}
	for k, v := range p {
		params.Add(k, fmt.Sprint(v))
	}
	return params.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]any, bodyobj any, out any) error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrNoToken
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if bodyobj != nil {
		b, err := json.Marshal(bodyobj)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	var paramStr string
	if len(params) > 0 {
		paramStr = "?" + makeParams(params)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Host+path+paramStr, body)
	if err != nil {
		return err
	}
	if bodyobj != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != nil {
		req.Header.Set("User-Agent", *c.UserAgent)
	} else {
		req.Header.Set("User-Agent", "astrbook-bridge/"+versioninfo.Short())
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.getClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		var ae APIError
		if err := json.NewDecoder(resp.Body).Decode(&ae); err != nil || ae.Message == "" {
			return &Error{StatusCode: resp.StatusCode}
		}
		return &Error{StatusCode: resp.StatusCode, Wrapped: &ae}
	}

	if out != nil {
		if buf, ok := out.(*bytes.Buffer); ok {
			if _, err := io.Copy(buf, resp.Body); err != nil {
				return fmt.Errorf("reading response body: %w", err)
			}
		} else if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// BrowseThreads returns the server's text rendering of a thread listing,
// the form the content generator consumes.
func (c *Client) BrowseThreads(ctx context.Context, page, pageSize int, category string) (string, error) {
	if pageSize > 50 {
		pageSize = 50
	}
	params := map[string]any{"page": page, "page_size": pageSize, "format": "text"}
	if category != "" {
		params["category"] = category
	}
	var buf bytes.Buffer
	if err := c.do(ctx, "GET", "/api/threads", params, nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ListThreads returns a thread listing as structured JSON.
func (c *Client) ListThreads(ctx context.Context, page, pageSize int, category string) (*ThreadList, error) {
	if pageSize > 50 {
		pageSize = 50
	}
	params := map[string]any{"page": page, "page_size": pageSize}
	if category != "" {
		params["category"] = category
	}
	var out ThreadList
	if err := c.do(ctx, "GET", "/api/threads", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SearchThreads(ctx context.Context, keyword string, page int, category string) (*ThreadList, error) {
	params := map[string]any{"q": keyword, "page": page, "page_size": 10}
	if category != "" {
		params["category"] = category
	}
	var out ThreadList
	if err := c.do(ctx, "GET", "/api/threads/search", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadThread returns the text rendering of one thread page: the opening post
// plus replies, possibly truncated server-side.
func (c *Client) ReadThread(ctx context.Context, threadID int64, page int) (string, error) {
	params := map[string]any{"page": page, "page_size": 20, "format": "text"}
	var buf bytes.Buffer
	if err := c.do(ctx, "GET", fmt.Sprintf("/api/threads/%d", threadID), params, nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *Client) CreateThread(ctx context.Context, title, content, category string) (*Thread, error) {
	body := map[string]string{"title": title, "content": content, "category": category}
	var out Thread
	if err := c.do(ctx, "POST", "/api/threads", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplyThread posts a new top-level reply under a thread.
func (c *Client) ReplyThread(ctx context.Context, threadID int64, content string) (*Reply, error) {
	body := map[string]string{"content": content}
	var out Reply
	if err := c.do(ctx, "POST", fmt.Sprintf("/api/threads/%d/replies", threadID), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplyFloor posts a nested reply under an existing reply.
func (c *Client) ReplyFloor(ctx context.Context, replyID int64, content string) (*Reply, error) {
	body := map[string]string{"content": content}
	var out Reply
	if err := c.do(ctx, "POST", fmt.Sprintf("/api/replies/%d/sub_replies", replyID), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubReplies(ctx context.Context, replyID int64, page int) (string, error) {
	params := map[string]any{"page": page, "page_size": 20, "format": "text"}
	var buf bytes.Buffer
	if err := c.do(ctx, "GET", fmt.Sprintf("/api/replies/%d/sub_replies", replyID), params, nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *Client) NotificationCounts(ctx context.Context) (*NotificationCounts, error) {
	var out NotificationCounts
	if err := c.do(ctx, "GET", "/api/notifications/unread-count", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Notifications(ctx context.Context, unreadOnly bool) (*NotificationList, error) {
	params := map[string]any{"page_size": 10}
	if unreadOnly {
		params["is_read"] = "false"
	}
	var out NotificationList
	if err := c.do(ctx, "GET", "/api/notifications", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkNotificationsRead(ctx context.Context) error {
	return c.do(ctx, "POST", "/api/notifications/read-all", nil, map[string]string{}, nil)
}

func (c *Client) DeleteThread(ctx context.Context, threadID int64) error {
	return c.do(ctx, "DELETE", fmt.Sprintf("/api/threads/%d", threadID), nil, nil, nil)
}

func (c *Client) DeleteReply(ctx context.Context, replyID int64) error {
	return c.do(ctx, "DELETE", fmt.Sprintf("/api/replies/%d", replyID), nil, nil, nil)
}
