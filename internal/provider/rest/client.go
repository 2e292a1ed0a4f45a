// Package rest implements deployment.Provider against an HTTP deployment
// API:
//
//	POST   {base}/activities/{name}       -> {"resource_id": "..."}
//	GET    {base}/deployments/{id}        -> {"state": "..."}
//	GET    {base}/deployments/{id}/errors -> {"errors": ["..."]}
//	GET    {base}/deployments/{id}/outputs -> {"outputs": {...}}
//	DELETE {base}/deployments/{id}
package rest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/conductor/internal/deployment"
	"github.com/mattjoyce/conductor/internal/workflow"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

// Config configures the client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to one deployment API.
type Client struct {
	base   *url.URL
	token  string
	client *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse provider base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("provider base url must be http or https, got %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   base,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Start posts the activity input. The Idempotency-Key is derived from the
// activity name and input so a retried start is recognisable to the API.
func (c *Client) Start(ctx context.Context, activity string, input json.RawMessage) (string, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var out struct {
		ResourceID string `json:"resource_id"`
	}
	headers := map[string]string{IdempotencyHeader: IdempotencyKey(activity, input)}
	if err := c.do(ctx, http.MethodPost, []string{"activities", activity}, input, headers, &out); err != nil {
		return "", err
	}
	return out.ResourceID, nil
}

func (c *Client) GetState(ctx context.Context, resourceID string) (deployment.State, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, []string{"deployments", resourceID}, nil, nil, &out); err != nil {
		return deployment.StateUnknown, err
	}
	return deployment.ParseState(out.State), nil
}

func (c *Client) GetErrors(ctx context.Context, resourceID string) ([]string, error) {
	var out struct {
		Errors []string `json:"errors"`
	}
	if err := c.do(ctx, http.MethodGet, []string{"deployments", resourceID, "errors"}, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Errors, nil
}

func (c *Client) GetOutput(ctx context.Context, resourceID string) (json.RawMessage, error) {
	var out struct {
		Outputs json.RawMessage `json:"outputs"`
	}
	if err := c.do(ctx, http.MethodGet, []string{"deployments", resourceID, "outputs"}, nil, nil, &out); err != nil {
		return nil, err
	}
	if string(out.Outputs) == "null" {
		return nil, nil
	}
	return out.Outputs, nil
}

// Delete removes the deployment. A deployment that is already gone counts
// as deleted.
func (c *Client) Delete(ctx context.Context, resourceID string) error {
	err := c.do(ctx, http.MethodDelete, []string{"deployments", resourceID}, nil, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Permanent reports client errors that a retry cannot fix.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusRequestTimeout &&
		e.Code != http.StatusConflict &&
		e.Code != http.StatusTooManyRequests
}

func (c *Client) do(ctx context.Context, method string, path []string, body []byte, headers map[string]string, out any) error {
	u := c.base.JoinPath(path...)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return workflow.Permanent(fmt.Errorf("build %s request: %w", method, err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", method, u.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			Method: method,
			URL:    u.Redacted(),
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, u.Redacted(), err)
	}
	return nil
}

// IdempotencyKey is the blake3 hash of activity and input.
func IdempotencyKey(activity string, input json.RawMessage) string {
	h := blake3.New()
	_, _ = h.Write([]byte(activity))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

var _ deployment.Provider = (*Client)(nil)
