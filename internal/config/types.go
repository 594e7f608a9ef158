package config

import "time"

// Config represents the main configuration structure
type Config struct {
	LogLevel             string        `json:"logLevel"`
	Host                 string        `json:"host"`   // host[:port] of the dashboard stream server
	Secure               bool          `json:"secure"` // use wss
	StreamRoot           string        `json:"streamRoot"`
	ReconnectBase        int           `json:"reconnectBase"` // ms - first reconnect delay
	ReconnectCap         int           `json:"reconnectCap"`  // ms - upper bound of the reconnect delay
	ReconnectJitter      float64       `json:"reconnectJitter"`
	ReconnectMaxAttempts int           `json:"reconnectMaxAttempts"` // 0 retries forever
	KeepaliveInterval    int           `json:"keepaliveInterval"`    // ms
	HandshakeTimeout     int           `json:"handshakeTimeout"`     // ms
	MessageTimeout       int           `json:"messageTimeout"`       // ms - read deadline per frame, 0 disables it
	DedupCacheSize       int           `json:"dedupCacheSize"`
	StatusLogInterval    int           `json:"statusLogInterval"` // ms
	Filters              *FilterConfig `json:"filters,omitempty"`
	Topics               []TopicConfig `json:"topics"`
}

// FilterConfig represents event filter configuration
type FilterConfig struct {
	Enabled   bool   `json:"enabled"`
	Directory string `json:"directory"` // path to filter scripts
	Timeout   int    `json:"timeout"`   // execution timeout in milliseconds
}

// TopicConfig represents one subscribed topic
type TopicConfig struct {
	Name    string   `json:"name"`
	Backlog int      `json:"backlog"` // recent events replayed on connect
	Kinds   []string `json:"kinds"`   // empty subscribes to every kind
}

// Default values
const (
	DefaultLogLevel          = "info"
	DefaultHost              = "localhost:8000"
	DefaultStreamRoot        = "ws/stream"
	DefaultReconnectBase     = 1000  // ms
	DefaultReconnectCap      = 30000 // ms
	DefaultReconnectJitter   = 0.2
	DefaultKeepaliveInterval = 30000 // ms
	DefaultHandshakeTimeout  = 10000 // ms
	DefaultDedupCacheSize    = 10000
	DefaultStatusLogInterval = 60000 // ms
	DefaultFilterDirectory   = "./filters"
	DefaultFilterTimeout     = 100 // ms
)

// GetReconnectBaseDuration returns the first reconnect delay as time.Duration
func (c *Config) GetReconnectBaseDuration() time.Duration {
	return time.Duration(c.ReconnectBase) * time.Millisecond
}

// GetReconnectCapDuration returns the reconnect delay cap as time.Duration
func (c *Config) GetReconnectCapDuration() time.Duration {
	return time.Duration(c.ReconnectCap) * time.Millisecond
}

// GetKeepaliveIntervalDuration returns keepalive interval as time.Duration
func (c *Config) GetKeepaliveIntervalDuration() time.Duration {
	return time.Duration(c.KeepaliveInterval) * time.Millisecond
}

// GetHandshakeTimeoutDuration returns handshake timeout as time.Duration
func (c *Config) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Millisecond
}

// GetMessageTimeoutDuration returns message timeout as time.Duration
func (c *Config) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(c.MessageTimeout) * time.Millisecond
}

// GetStatusLogIntervalDuration returns status log interval as time.Duration
func (c *Config) GetStatusLogIntervalDuration() time.Duration {
	return time.Duration(c.StatusLogInterval) * time.Millisecond
}

// IsFiltersEnabled returns true if filters are configured and enabled
func (c *Config) IsFiltersEnabled() bool {
	return c.Filters != nil && c.Filters.Enabled
}

// GetFilterDirectory returns the filter scripts directory path
func (c *Config) GetFilterDirectory() string {
	if c.Filters == nil || c.Filters.Directory == "" {
		return DefaultFilterDirectory
	}
	return c.Filters.Directory
}

// GetFilterTimeoutDuration returns filter timeout as time.Duration
func (c *Config) GetFilterTimeoutDuration() time.Duration {
	if c.Filters == nil || c.Filters.Timeout == 0 {
		return time.Duration(DefaultFilterTimeout) * time.Millisecond
	}
	return time.Duration(c.Filters.Timeout) * time.Millisecond
}

// Backlogs returns the backlog of every topic that requests one
func (c *Config) Backlogs() map[string]int {
	out := make(map[string]int)
	for _, t := range c.Topics {
		if t.Backlog > 0 {
			out[t.Name] = t.Backlog
		}
	}
	return out
}
