package realtime

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid realtime configuration.
var ErrConfig = errors.New("invalid realtime config")

// Config configures the websocket transport and the coordinator's reconnect throttle.
type Config struct {
	// URL is the ws:// or wss:// endpoint. Empty disables realtime.
	URL    string `yaml:"url"`
	Origin string `yaml:"origin"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	ReconnectLimit  int           `yaml:"reconnect_limit"`
	ReconnectWindow time.Duration `yaml:"reconnect_window"`

	InboxSize int `yaml:"inbox_size"`
}

// DefaultConfig returns the transport defaults. URL is left empty.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  handshakeTimeout,
		WriteTimeout:      writeTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		ReconnectLimit:    reconnectLimit,
		ReconnectWindow:   reconnectWindow,
		InboxSize:         defaultInboxSize,
	}
}

// Enabled reports whether a realtime endpoint is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.URL) != "" }

// ApplyEnv overrides cfg from the environment.
//
// Optional:
//   - TETHER_REALTIME_URL
//   - TETHER_REALTIME_ORIGIN
//   - TETHER_REALTIME_HANDSHAKE_TIMEOUT
//   - TETHER_REALTIME_WRITE_TIMEOUT
//   - TETHER_REALTIME_HEARTBEAT_INTERVAL
//   - TETHER_REALTIME_HEARTBEAT_TIMEOUT
//   - TETHER_REALTIME_RECONNECT_LIMIT
//   - TETHER_REALTIME_RECONNECT_WINDOW
func ApplyEnv(cfg Config) (Config, error) {
	if v, ok := os.LookupEnv("TETHER_REALTIME_URL"); ok {
		cfg.URL = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("TETHER_REALTIME_ORIGIN"); ok {
		cfg.Origin = strings.TrimSpace(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TETHER_REALTIME_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"TETHER_REALTIME_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"TETHER_REALTIME_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"TETHER_REALTIME_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"TETHER_REALTIME_RECONNECT_WINDOW", &cfg.ReconnectWindow},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed <= 0 {
				return Config{}, ErrConfig
			}
			*d.dst = parsed
		}
	}

	if v := os.Getenv("TETHER_REALTIME_RECONNECT_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.ReconnectLimit = n
	}

	return cfg, cfg.Validate()
}

// Validate checks the endpoint scheme when realtime is enabled.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return ErrConfig
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	default:
		return ErrConfig
	}
}
