// Package config defines and loads the windrose client configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the transport core.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Conn   ConnConfig   `yaml:"connection"`
	Outbox OutboxConfig `yaml:"outbox"`
	Log    LogConfig    `yaml:"log"`
	Trace  TraceConfig  `yaml:"trace"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	// APIBaseURL is the REST endpoint root, e.g. "https://api.example.com".
	APIBaseURL string `yaml:"api_base_url"`

	// WSURL is the websocket endpoint, e.g. "wss://api.example.com/ws".
	WSURL string `yaml:"ws_url"`
}

// AuthConfig controls credential storage and renewal.
type AuthConfig struct {
	// CredentialsPath is the durable credential record location.
	CredentialsPath string `yaml:"credentials_path"`

	// ExpirySkew is how long before expiry a token is treated as expired.
	ExpirySkew time.Duration `yaml:"expiry_skew"`
}

// ConnConfig controls the connection manager's timing.
type ConnConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeatLimit int           `yaml:"missed_heartbeat_limit"`
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffCap           time.Duration `yaml:"backoff_cap"`
	BackoffJitter        time.Duration `yaml:"backoff_jitter"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	// PendingQueueSize bounds the in-memory action queue held while the
	// socket is down. Distinct from the durable outbox.
	PendingQueueSize int `yaml:"pending_queue_size"`
}

// OutboxConfig controls the durable offline queue.
type OutboxConfig struct {
	// Path is the SQLite database file; ":memory:" for tests.
	Path string `yaml:"path"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TraceConfig controls OpenTelemetry export.
type TraceConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the reference configuration. Timing constants follow the
// defaults the protocol was tuned with; all are overridable.
func Default() Config {
	return Config{
		Auth: AuthConfig{
			CredentialsPath: "windrose-credentials.json",
			ExpirySkew:      30 * time.Second,
		},
		Conn: ConnConfig{
			ConnectTimeout:       10 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			MissedHeartbeatLimit: 3,
			BackoffBase:          time.Second,
			BackoffCap:           30 * time.Second,
			BackoffJitter:        time.Second,
			MaxReconnectAttempts: 5,
			PendingQueueSize:     256,
		},
		Outbox: OutboxConfig{Path: "windrose-outbox.db"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// ApplyDefaults fills zero values from Default. Load and Parse call it;
// callers constructing a Config directly should too.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.Auth.CredentialsPath == "" {
		c.Auth.CredentialsPath = def.Auth.CredentialsPath
	}
	if c.Auth.ExpirySkew <= 0 {
		c.Auth.ExpirySkew = def.Auth.ExpirySkew
	}
	if c.Conn.ConnectTimeout <= 0 {
		c.Conn.ConnectTimeout = def.Conn.ConnectTimeout
	}
	if c.Conn.HeartbeatInterval <= 0 {
		c.Conn.HeartbeatInterval = def.Conn.HeartbeatInterval
	}
	if c.Conn.MissedHeartbeatLimit <= 0 {
		c.Conn.MissedHeartbeatLimit = def.Conn.MissedHeartbeatLimit
	}
	if c.Conn.BackoffBase <= 0 {
		c.Conn.BackoffBase = def.Conn.BackoffBase
	}
	if c.Conn.BackoffCap <= 0 {
		c.Conn.BackoffCap = def.Conn.BackoffCap
	}
	if c.Conn.BackoffJitter <= 0 {
		c.Conn.BackoffJitter = def.Conn.BackoffJitter
	}
	if c.Conn.MaxReconnectAttempts <= 0 {
		c.Conn.MaxReconnectAttempts = def.Conn.MaxReconnectAttempts
	}
	if c.Conn.PendingQueueSize <= 0 {
		c.Conn.PendingQueueSize = def.Conn.PendingQueueSize
	}
	if c.Outbox.Path == "" {
		c.Outbox.Path = def.Outbox.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate reports configuration errors that cannot be defaulted away.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.APIBaseURL) == "" {
		return fmt.Errorf("server.api_base_url is required")
	}
	if strings.TrimSpace(c.Server.WSURL) == "" {
		return fmt.Errorf("server.ws_url is required")
	}
	if !strings.HasPrefix(c.Server.WSURL, "ws://") && !strings.HasPrefix(c.Server.WSURL, "wss://") {
		return fmt.Errorf("server.ws_url must use ws:// or wss://, got %q", c.Server.WSURL)
	}
	return nil
}
