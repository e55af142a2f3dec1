// Package relayclient calls the relay's HTTP API on behalf of one identity.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/natemellendorf/relaychat/internal/model"
)

// ErrDuplicate is returned by Send when the relay already holds the id.
var ErrDuplicate = errors.New("relay already has this message id")

// StatusError is a non-2xx response from the relay.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether a call that failed with err may succeed later.
// Network failures, 5xx and 429 are retryable; other statuses are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrDuplicate) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// Client is a Relay API client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the relay at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send submits a message. A 409 from the relay is returned as ErrDuplicate.
func (c *Client) Send(ctx context.Context, req model.SendRequest) (*model.SendResponse, error) {
	var resp model.SendResponse
	err := c.do(ctx, http.MethodPost, "/relay/send", req, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "send %s", req.MessageID)
	}
	return &resp, nil
}

// Pending returns the caller's deliverable messages, oldest first.
func (c *Client) Pending(ctx context.Context) ([]*model.RelayMessage, error) {
	var resp model.PendingResponse
	if err := c.do(ctx, http.MethodGet, "/relay/pending", nil, &resp); err != nil {
		return nil, errors.WithMessage(err, "pending")
	}
	return resp.Messages, nil
}

// Acknowledge removes a message from the relay. "not_found" is a success.
func (c *Client) Acknowledge(ctx context.Context, id string) (*model.AckResponse, error) {
	var resp model.AckResponse
	if err := c.do(ctx, http.MethodPost, "/relay/acknowledge", model.AckRequest{MessageID: id}, &resp); err != nil {
		return nil, errors.WithMessagef(err, "acknowledge %s", id)
	}
	return &resp, nil
}

// Stats returns the relay aggregates.
func (c *Client) Stats(ctx context.Context) (model.Stats, error) {
	var resp model.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/relay/stats", nil, &resp); err != nil {
		return model.Stats{}, errors.WithMessage(err, "stats")
	}
	return resp.Stats, nil
}

// Cleanup asks the relay to sweep expired messages now.
func (c *Client) Cleanup(ctx context.Context) (int, error) {
	var resp model.CleanupResponse
	if err := c.do(ctx, http.MethodPost, "/relay/cleanup", nil, &resp); err != nil {
		return 0, errors.WithMessage(err, "cleanup")
	}
	return resp.DeletedCount, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er model.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er)
		return &StatusError{Code: resp.StatusCode, Message: er.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}
