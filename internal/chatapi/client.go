package chatapi

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

	"github.com/agentworkforce/chatsync/internal/chatsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HTTPError is a non-2xx response. It matches chatsync.ErrUnauthorized for
// 401 and chatsync.ErrRequestFailed otherwise.
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Detail)
}

func (e *HTTPError) Is(target error) bool {
	if e.StatusCode == http.StatusUnauthorized {
		return target == chatsync.ErrUnauthorized
	}
	return target == chatsync.ErrRequestFailed
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the chat REST API. It satisfies chatsync.API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *Client) FetchHistory(ctx context.Context, peer string) ([]chatsync.Message, error) {
	q := url.Values{}
	q.Set("peer", strings.TrimSpace(peer))
	var out []chatsync.Message
	err := c.doJSON(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, &out)
	return out, err
}

// SendMessage creates a message through the request path. It is never
// retried: a lost response would otherwise duplicate the message.
func (c *Client) SendMessage(ctx context.Context, peer, content string) (chatsync.Message, error) {
	body := map[string]string{
		"recipient": strings.TrimSpace(peer),
		"content":   content,
	}
	var out chatsync.Message
	err := c.doJSON(ctx, http.MethodPost, "/messages", body, &out)
	return out, err
}

func (c *Client) FetchUsers(ctx context.Context) ([]chatsync.PeerUnread, error) {
	var out []chatsync.PeerUnread
	err := c.doJSON(ctx, http.MethodGet, "/users", nil, &out)
	return out, err
}

func (c *Client) FetchActivity(ctx context.Context) ([]chatsync.Activity, error) {
	var out []chatsync.Activity
	err := c.doJSON(ctx, http.MethodGet, "/activity", nil, &out)
	return out, err
}

func (c *Client) Me(ctx context.Context) (chatsync.Profile, error) {
	var out chatsync.Profile
	err := c.doJSON(ctx, http.MethodGet, "/users/me", nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	retryable := method == http.MethodGet
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", "req_"+uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retryable && attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug("request failed; retrying",
					zap.String("method", method),
					zap.String("path", requestPath),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return errors.Wrapf(err, "%s %s", method, requestPath)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return errors.Wrapf(readErr, "read %s response", requestPath)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return errors.Wrapf(err, "decode %s response", requestPath)
			}
			return nil
		}

		if retryable && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &HTTPError{StatusCode: resp.StatusCode, Detail: errorDetail(payload)}
	}
}

// errorDetail extracts the server's "detail" field, which is a string for
// handled errors and a list for validation failures.
func errorDetail(payload []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || len(envelope.Detail) == 0 {
		return strings.TrimSpace(string(payload))
	}
	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return text
	}
	return string(envelope.Detail)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
