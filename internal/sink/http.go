package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/workflow"
)

const (
	SignatureHeader = "X-Conductor-Signature"
	MessageIDHeader = "X-Conductor-Message-Id"
)

// HTTPSink POSTs results to http(s) callbacks, signing the body when a
// secret is configured.
type HTTPSink struct {
	client *http.Client
	secret string
}

// NewHTTPSink returns a sink using client. A zero timeout defaults to 10s.
func NewHTTPSink(secret string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		client: &http.Client{Timeout: timeout},
		secret: secret,
	}
}

// Post sends body to target. Non-2xx responses are errors; client errors
// other than 408 and 429 are not retried.
func (s *HTTPSink) Post(ctx context.Context, target, messageID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return workflow.Permanent(fmt.Errorf("build callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if messageID != "" {
		req.Header.Set(MessageIDHeader, messageID)
	}
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("callback returned %s", resp.Status)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return workflow.Permanent(err)
	}
	return err
}

// Sign returns the "sha256=<hex>" HMAC of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a Sign signature in constant time. Receivers can use it to
// authenticate callbacks. Errors are generic.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("signature verification failed")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("signature verification failed")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
