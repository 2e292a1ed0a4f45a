package config

import (
	"time"

	"github.com/mattjoyce/conductor/internal/resolver"
	"github.com/mattjoyce/conductor/internal/workflow"
)

// Config represents the complete conductor configuration.
type Config struct {
	Include []string      `yaml:"include,omitempty"`
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`

	// Types extends the built-in command type catalog.
	Types []resolver.TypeInfo `yaml:"types,omitempty"`
	// Registrations maps a command type, base class, or interface to a
	// handler name.
	Registrations map[string]string `yaml:"registrations,omitempty"`
	// Ignored lists types that complete without running a handler.
	Ignored []string `yaml:"ignored,omitempty"`

	Deployment DeploymentConfig `yaml:"deployment"`
	// Retry overrides activity retry policies by name. See PolicyNames.
	Retry map[string]workflow.RetryPolicy `yaml:"retry,omitempty"`
	Sinks SinksConfig                    `yaml:"sinks,omitempty"`
	// Webhooks enables signed webhook intake when set.
	Webhooks *WebhooksConfig `yaml:"webhooks,omitempty"`

	// SourceFiles lists every file the configuration was read from.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	Workers      int           `yaml:"workers" env:"WORKERS"`
	LogLevel     string        `yaml:"log_level" env:"LOG_LEVEL"`
	// Retention is how long finished workflows, queue items, and results
	// are kept. It also bounds how long a redelivered command id is
	// recognised.
	Retention  time.Duration `yaml:"retention" env:"RETENTION"`
	PruneEvery time.Duration `yaml:"prune_every"`
	// IntakeInterval is how often the command queue is polled.
	IntakeInterval time.Duration `yaml:"intake_interval"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path" env:"STATE_PATH"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled" env:"API_ENABLED"`
	Listen  string        `yaml:"listen" env:"API_LISTEN"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with every scope.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key" env:"API_KEY"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// DeploymentConfig configures the deployment machine and its provider.
type DeploymentConfig struct {
	PollInterval time.Duration  `yaml:"poll_interval"`
	Retention    time.Duration  `yaml:"retention"`
	MaxStalls    int            `yaml:"max_stalls"`
	Provider     ProviderConfig `yaml:"provider"`
}

// ProviderConfig points at the deployment API.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url" env:"PROVIDER_URL"`
	Token   string        `yaml:"token" env:"PROVIDER_TOKEN"`
	Timeout time.Duration `yaml:"timeout"`
}

// SinksConfig configures result delivery.
type SinksConfig struct {
	Callback CallbackConfig `yaml:"callback"`
	MQTT     *MQTTConfig    `yaml:"mqtt,omitempty"`
}

// CallbackConfig configures http(s) callbacks.
type CallbackConfig struct {
	Secret  string        `yaml:"secret" env:"CALLBACK_SECRET"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig configures mqtt:// callbacks.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// WebhooksConfig configures the signed webhook listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint maps one path to one command type.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	CommandType     string `yaml:"command_type"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	IDHeader        string `yaml:"id_header"`
	Provider        string `yaml:"provider"`
	CallbackURL     string `yaml:"callback_url"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize string `yaml:"max_body_size"`
}

// Retry policy names accepted under retry:.
const (
	PolicyMarkRunning = "mark_running"
	PolicyDispatch    = "dispatch"
	PolicyDeliver     = "deliver"
	PolicyStart       = "start"
	PolicyState       = "state"
	PolicyErrors      = "errors"
	PolicyOutput      = "output"
	PolicyDelete      = "delete"
)

// PolicyNames lists every configurable retry policy.
var PolicyNames = []string{
	PolicyMarkRunning, PolicyDispatch, PolicyDeliver,
	PolicyStart, PolicyState, PolicyErrors, PolicyOutput, PolicyDelete,
}

// RetryPolicy returns the configured policy for name, falling back to def
// field by field.
func (c *Config) RetryPolicy(name string, def workflow.RetryPolicy) workflow.RetryPolicy {
	p, ok := c.Retry[name]
	if !ok {
		return def
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	if p.Timeout == 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:           "conductor",
			TickInterval:   time.Second,
			Workers:        4,
			LogLevel:       "info",
			Retention:      30 * 24 * time.Hour,
			PruneEvery:     time.Hour,
			IntakeInterval: time.Second,
		},
		State: StateConfig{
			Path: "./data/conductor.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Deployment: DeploymentConfig{
			PollInterval: 30 * time.Second,
			Retention:    7 * 24 * time.Hour,
			MaxStalls:    10,
			Provider: ProviderConfig{
				Timeout: 30 * time.Second,
			},
		},
		Sinks: SinksConfig{
			Callback: CallbackConfig{Timeout: 10 * time.Second},
		},
	}
}
