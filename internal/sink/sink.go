// Package sink hands terminal command results to the caller's callback
// address. The address scheme picks the transport: http and https POST the
// result, mqtt publishes it to a topic, and an empty address means the
// stored result is the only delivery.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/workflow"
)

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks github.com/mattjoyce/conductor/internal/sink Sink,Publisher

// Sink delivers a terminal result for msg.
type Sink interface {
	Deliver(ctx context.Context, msg command.Message, result command.Result) error
}

// Composite routes each delivery by callback scheme.
type Composite struct {
	http    *HTTPSink
	mqtt    *MQTTSink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Composite)

func WithHTTP(h *HTTPSink) Option           { return func(c *Composite) { c.http = h } }
func WithMQTT(m *MQTTSink) Option           { return func(c *Composite) { c.mqtt = m } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Composite) { c.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(c *Composite) { c.logger = l } }

func NewComposite(opts ...Option) *Composite {
	c := &Composite{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Composite) Deliver(ctx context.Context, msg command.Message, result command.Result) error {
	addr := strings.TrimSpace(msg.CallbackURL)
	if addr == "" {
		c.metrics.ResultDelivered("none", nil)
		return nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return workflow.Permanent(fmt.Errorf("parse callback address: %w", err))
	}
	scheme := strings.ToLower(u.Scheme)

	body, err := json.Marshal(result)
	if err != nil {
		return workflow.Permanent(fmt.Errorf("encode result: %w", err))
	}

	switch scheme {
	case "http", "https":
		if c.http == nil {
			err = workflow.Permanent(fmt.Errorf("no http sink configured"))
			break
		}
		err = c.http.Post(ctx, u.String(), msg.ID, body)
	case "mqtt":
		if c.mqtt == nil {
			err = workflow.Permanent(fmt.Errorf("no mqtt sink configured"))
			break
		}
		err = c.mqtt.Publish(ctx, topicOf(u), body)
	default:
		err = workflow.Permanent(fmt.Errorf("unsupported callback scheme %q", u.Scheme))
	}

	c.metrics.ResultDelivered(scheme, err)
	if err != nil {
		c.logger.Warn("result delivery failed",
			"command_id", result.CommandID,
			"message_id", msg.ID,
			"scheme", scheme,
			"error", err,
		)
		return err
	}
	c.logger.Debug("result delivered", "command_id", result.CommandID, "scheme", scheme)
	return nil
}

// topicOf maps mqtt://results/deploy to "results/deploy".
func topicOf(u *url.URL) string {
	return strings.Trim(u.Host+u.Path, "/")
}
