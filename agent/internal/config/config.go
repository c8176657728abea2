package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultSource              = SourceHTTP
	DefaultPrometheusPath      = "/metrics"
	DefaultBatchPath           = "/status/batch"
	DefaultTopologyPath        = "/flowchart"
	DefaultTopologyInterval    = 5 * time.Minute
	DefaultLiveMode            = LiveStream
	DefaultStreamPath          = "/api/status/stream"
	DefaultSocketPath          = "/ws/status"
	DefaultBaseInterval        = 30 * time.Second
	DefaultAcceleratedInterval = 5 * time.Second
	DefaultReconnectDelay      = 5 * time.Second
	DefaultListen              = ":8080"
	DefaultAlertCooldown       = 15 * time.Minute
	DefaultNATSSubject         = "depwatch.outages"
	DefaultAPIKeyHeader        = "X-API-Key"
)

// Status sources.
const (
	SourceHTTP       = "http"
	SourcePrometheus = "prometheus"
	SourceGRPCHealth = "grpc_health"
)

// Live channel modes.
const (
	LiveStream = "stream"
	LiveSocket = "socket"
	LiveNone   = "none"
)

// Config is the top-level configuration. Fields map 1:1 to config.example.yaml.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent settings.
type AgentConfig struct {
	// Endpoint is the base URL of the status server.
	Endpoint string `yaml:"endpoint"`

	// Source selects where status records come from: http | prometheus | grpc_health.
	// Topology is always fetched over HTTP from Endpoint.
	Source string `yaml:"source"`

	// GRPCTarget is the host:port of the gRPC health service (grpc_health only).
	GRPCTarget string `yaml:"grpc_target"`

	// PrometheusPath is appended to Endpoint for the prometheus source.
	PrometheusPath string `yaml:"prometheus_path"`

	BatchPath        string        `yaml:"batch_path"`
	TopologyPath     string        `yaml:"topology_path"`
	TopologyInterval time.Duration `yaml:"topology_interval"`

	Live LiveConfig `yaml:"live"`
	Poll PollConfig `yaml:"poll"`

	// ReconnectDelay is the fixed wait between a live channel closing and the
	// next dial.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// Auth configures how the agent authenticates to the status server.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`

	// Listen is the address of the view API and push feed.
	Listen string `yaml:"listen"`

	// APIAuth protects the view API.
	APIAuth APIAuthConfig `yaml:"api_auth"`

	// OutageRoots lists services manually flagged as outage origins.
	OutageRoots []string `yaml:"outage_roots"`

	Log    LogConfig    `yaml:"log"`
	Alerts AlertsConfig `yaml:"alerts"`
}

// LiveConfig selects the live push channel.
type LiveConfig struct {
	// Mode is one of: stream | socket | none.
	Mode       string `yaml:"mode"`
	StreamPath string `yaml:"stream_path"`
	SocketPath string `yaml:"socket_path"`
}

// PollConfig controls the fallback poller.
type PollConfig struct {
	// Enabled is a pointer so an explicit false can be told apart from absent.
	Enabled             *bool         `yaml:"enabled"`
	BaseInterval        time.Duration `yaml:"base_interval"`
	AcceleratedInterval time.Duration `yaml:"accelerated_interval"`
}

// On reports whether fallback polling is enabled. Absent means enabled.
func (p PollConfig) On() bool {
	return p.Enabled == nil || *p.Enabled
}

// AuthConfig specifies the authentication mode used against the status server.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the header name for apikey mode.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string { return env(a.KeyEnv) }

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string { return env(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string { return env(a.PasswordEnv) }

// TLSConfig holds TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// APIAuthConfig configures view API authentication.
type APIAuthConfig struct {
	// Mode is one of: apikey | none.
	Mode   string `yaml:"mode"`
	Header string `yaml:"header"`
	KeyEnv string `yaml:"key_env"`
}

// Key returns the expected API key resolved from the environment.
func (a APIAuthConfig) Key() string { return env(a.KeyEnv) }

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
	// Format is one of: json | text.
	Format string `yaml:"format"`
}

// AlertsConfig holds outage notification settings.
type AlertsConfig struct {
	// Cooldown suppresses repeat notifications for the same failing service.
	Cooldown time.Duration   `yaml:"cooldown"`
	Watchers []Watcher       `yaml:"watchers"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	NATS     NATSConfig      `yaml:"nats"`
}

// Watcher subscribes an email address to failures affecting a service.
type Watcher struct {
	ServiceID string `yaml:"service_id"`
	Email     string `yaml:"email"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http | email. An email target receives
	// one request per watcher address.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string { return env(w.URLEnv) }

// NATSConfig publishes outage events to a NATS subject when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.Agent.Endpoint = strings.TrimRight(cfg.Agent.Endpoint, "/")
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Source:           DefaultSource,
			PrometheusPath:   DefaultPrometheusPath,
			BatchPath:        DefaultBatchPath,
			TopologyPath:     DefaultTopologyPath,
			TopologyInterval: DefaultTopologyInterval,
			Live: LiveConfig{
				Mode:       DefaultLiveMode,
				StreamPath: DefaultStreamPath,
				SocketPath: DefaultSocketPath,
			},
			Poll: PollConfig{
				BaseInterval:        DefaultBaseInterval,
				AcceleratedInterval: DefaultAcceleratedInterval,
			},
			ReconnectDelay: DefaultReconnectDelay,
			Listen:         DefaultListen,
			APIAuth:        APIAuthConfig{Header: DefaultAPIKeyHeader},
			Log:            LogConfig{Level: "info", Format: "json"},
			Alerts: AlertsConfig{
				Cooldown: DefaultAlertCooldown,
				NATS:     NATSConfig{Subject: DefaultNATSSubject},
			},
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := &cfg.Agent
	if a.Endpoint == "" {
		return fmt.Errorf("agent.endpoint is required")
	}
	switch a.Source {
	case SourceHTTP, SourcePrometheus:
	case SourceGRPCHealth:
		if a.GRPCTarget == "" {
			return fmt.Errorf("agent.grpc_target is required for source %q", a.Source)
		}
	default:
		return fmt.Errorf("agent.source: unknown source %q", a.Source)
	}
	switch a.Live.Mode {
	case LiveStream, LiveSocket, LiveNone:
	default:
		return fmt.Errorf("agent.live.mode: unknown mode %q", a.Live.Mode)
	}
	if a.Live.Mode == LiveNone && !a.Poll.On() {
		return fmt.Errorf("agent: live.mode none requires poll.enabled")
	}
	if a.Poll.BaseInterval <= 0 {
		return fmt.Errorf("agent.poll.base_interval must be positive")
	}
	if a.Poll.AcceleratedInterval <= 0 {
		return fmt.Errorf("agent.poll.accelerated_interval must be positive")
	}
	if a.Poll.AcceleratedInterval > a.Poll.BaseInterval {
		return fmt.Errorf("agent.poll.accelerated_interval must not exceed base_interval")
	}
	if a.ReconnectDelay <= 0 {
		return fmt.Errorf("agent.reconnect_delay must be positive")
	}
	if a.TopologyInterval <= 0 {
		return fmt.Errorf("agent.topology_interval must be positive")
	}
	switch a.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("agent.auth: unknown mode %q", a.Auth.Mode)
	}
	if a.Auth.Mode == "apikey" && a.Auth.Header == "" {
		return fmt.Errorf("agent.auth: header is required for apikey mode")
	}
	if a.Auth.Mode == "mtls" && (a.Auth.CertFile == "" || a.Auth.KeyFile == "") {
		return fmt.Errorf("agent.auth: cert_file and key_file are required for mtls mode")
	}
	switch a.APIAuth.Mode {
	case "apikey":
		if a.APIAuth.KeyEnv == "" {
			return fmt.Errorf("agent.api_auth: key_env is required for apikey mode")
		}
	case "none", "":
	default:
		return fmt.Errorf("agent.api_auth: unknown mode %q", a.APIAuth.Mode)
	}
	if _, err := ParseLevel(a.Log.Level); err != nil {
		return fmt.Errorf("agent.log: %w", err)
	}
	switch a.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("agent.log: unknown format %q", a.Log.Format)
	}
	if a.Alerts.Cooldown < 0 {
		return fmt.Errorf("agent.alerts.cooldown must not be negative")
	}
	for i, w := range a.Alerts.Watchers {
		if w.ServiceID == "" || w.Email == "" {
			return fmt.Errorf("agent.alerts.watchers[%d]: service_id and email are required", i)
		}
	}
	for i, wh := range a.Alerts.Webhooks {
		switch wh.Type {
		case "slack", "teams", "http", "email":
		default:
			return fmt.Errorf("agent.alerts.webhooks[%d]: unknown type %q", i, wh.Type)
		}
	}
	return nil
}
