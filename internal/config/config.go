package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"livefeed/internal/event"
)

// configWithJitterDefault is used for proper default handling of reconnectJitter,
// where an explicit 0 disables jitter
type configWithJitterDefault struct {
	Config
	ReconnectJitterPtr *float64 `json:"reconnectJitter"`
}

// LoadWithDefaults reads and parses the configuration file. An absent
// reconnectJitter gets the default; an explicit 0 disables jitter.
func LoadWithDefaults(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var rawCfg configWithJitterDefault
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &rawCfg.Config

	if rawCfg.ReconnectJitterPtr != nil {
		cfg.ReconnectJitter = *rawCfg.ReconnectJitterPtr
	} else {
		cfg.ReconnectJitter = DefaultReconnectJitter
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.StreamRoot == "" {
		cfg.StreamRoot = DefaultStreamRoot
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectCap == 0 {
		cfg.ReconnectCap = DefaultReconnectCap
	}
	// ReconnectMaxAttempts default is 0, retry forever
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.StatusLogInterval == 0 {
		cfg.StatusLogInterval = DefaultStatusLogInterval
	}
}

// kindList returns the known event kinds for error messages
func kindList() string {
	kinds := event.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if len(cfg.Topics) == 0 {
		return errors.New("at least one topic is required")
	}

	topicNames := make(map[string]bool)
	for i, topic := range cfg.Topics {
		if strings.TrimSpace(topic.Name) == "" {
			return fmt.Errorf("topic[%d]: name is required", i)
		}

		if topicNames[topic.Name] {
			return fmt.Errorf("topic[%d]: duplicate topic name '%s'", i, topic.Name)
		}
		topicNames[topic.Name] = true

		if topic.Backlog < 0 {
			return fmt.Errorf("topic '%s': backlog must be non-negative", topic.Name)
		}

		for _, k := range topic.Kinds {
			kind := event.Kind(k)
			if kind != event.KindAny && !kind.Known() {
				return fmt.Errorf("topic '%s': unknown event kind '%s' (want one of %s or '*')",
					topic.Name, k, kindList())
			}
		}
	}

	if strings.ContainsAny(cfg.Host, "/?# ") {
		return fmt.Errorf("host must be host[:port], got '%s'", cfg.Host)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.ReconnectBase < 0 {
		return fmt.Errorf("reconnectBase must be non-negative")
	}

	if cfg.ReconnectCap < cfg.ReconnectBase {
		return fmt.Errorf("reconnectCap must not be less than reconnectBase")
	}

	if cfg.ReconnectJitter < 0 || cfg.ReconnectJitter >= 1 {
		return fmt.Errorf("reconnectJitter must be in [0, 1)")
	}

	if cfg.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnectMaxAttempts must be non-negative")
	}

	if cfg.KeepaliveInterval < 0 {
		return fmt.Errorf("keepaliveInterval must be non-negative")
	}

	if cfg.HandshakeTimeout < 0 || cfg.MessageTimeout < 0 {
		return fmt.Errorf("handshakeTimeout and messageTimeout must be non-negative")
	}

	if cfg.DedupCacheSize < 0 {
		return fmt.Errorf("dedupCacheSize must be non-negative")
	}

	if cfg.Filters != nil && cfg.Filters.Timeout < 0 {
		return fmt.Errorf("filters.timeout must be non-negative")
	}

	return nil
}
