package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Publisher sends a payload to an MQTT topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTSink publishes results through a Publisher.
type MQTTSink struct {
	pub    Publisher
	prefix string
}

// NewMQTTSink publishes to the callback topic, joined under prefix when one
// is set.
func NewMQTTSink(pub Publisher, prefix string) *MQTTSink {
	return &MQTTSink{pub: pub, prefix: prefix}
}

func (s *MQTTSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("mqtt callback topic is empty")
	}
	if s.prefix != "" {
		topic = s.prefix + "/" + topic
	}
	if err := s.pub.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish result to %s: %w", topic, err)
	}
	return nil
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      uint16
	ConnectTimeout time.Duration
	QoS            byte
}

func (c *MQTTConfig) setDefaults() {
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ClientID == "" {
		c.ClientID = "conductor"
	}
}

// PahoPublisher is a Publisher backed by an autopaho connection manager.
// The manager reconnects on its own; Publish waits for a live connection.
type PahoPublisher struct {
	cfg    MQTTConfig
	cm     *autopaho.ConnectionManager
	logger *slog.Logger
}

// DialMQTT starts the connection manager. The connection is established in
// the background and lives until ctx is cancelled or Close is called.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*PahoPublisher, error) {
	cfg.setDefaults()
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &PahoPublisher{cfg: cfg, logger: logger}
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                cfg.ConnectTimeout,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Info("mqtt connection established", "broker", cfg.BrokerURL)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection failed, retrying", "broker", cfg.BrokerURL, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				logger.Error("mqtt client error", "error", err)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("start mqtt connection: %w", err)
	}
	p.cm = cm
	return p, nil
}

func (p *PahoPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("await mqtt connection: %w", err)
	}
	_, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     p.cfg.QoS,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	return err
}

// Close disconnects from the broker.
func (p *PahoPublisher) Close(ctx context.Context) error {
	return p.cm.Disconnect(ctx)
}
