package config

import (
	"encoding/hex"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/HMasataka/carelink/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Realtime    RealtimeConfig    `json:"realtime" yaml:"realtime"`
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials"`
	Gateway     GatewayConfig     `json:"gateway" yaml:"gateway"`
	Logging     logging.Config    `json:"logging" yaml:"logging"`
}

// RealtimeConfig represents the realtime client configuration
type RealtimeConfig struct {
	URL                  string        `json:"url" yaml:"url"`
	HandshakeTimeout     time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	ReconnectBaseDelay   time.Duration `json:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `json:"reconnect_max_delay" yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	Jitter               float64       `json:"jitter" yaml:"jitter"`
	LaneBuffer           int           `json:"lane_buffer" yaml:"lane_buffer"`
	TypingTimeout        time.Duration `json:"typing_timeout" yaml:"typing_timeout"`
	MaxRetainedStreams   int           `json:"max_retained_streams" yaml:"max_retained_streams"`
	Rooms                []string      `json:"rooms,omitempty" yaml:"rooms,omitempty"`
}

// CredentialsConfig represents where the client keeps its token
type CredentialsConfig struct {
	// File is the token file. Empty keeps the token in memory.
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// Key is a hex encoded 32 byte key sealing the token file
	Key string `json:"key,omitempty" yaml:"key,omitempty"`

	// Token seeds the store when no file token exists
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// GatewayConfig represents the reference gateway configuration
type GatewayConfig struct {
	Host             string            `json:"host" yaml:"host"`
	Port             int               `json:"port" yaml:"port"`
	ReadTimeout      time.Duration     `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout     time.Duration     `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout      time.Duration     `json:"idle_timeout" yaml:"idle_timeout"`
	HandshakeTimeout time.Duration     `json:"handshake_timeout" yaml:"handshake_timeout"`
	Tokens           map[string]string `json:"tokens,omitempty" yaml:"tokens,omitempty"`
}

// Addr returns host:port
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// SealKey decodes Key. It reports false when no key is configured.
func (c CredentialsConfig) SealKey() ([32]byte, bool, error) {
	var key [32]byte
	if c.Key == "" {
		return key, false, nil
	}

	raw, err := hex.DecodeString(c.Key)
	if err != nil {
		return key, false, NewConfigError("credentials.key", "key must be hex encoded")
	}
	if len(raw) != len(key) {
		return key, false, NewConfigError("credentials.key", "key must be 32 bytes")
	}
	copy(key[:], raw)
	return key, true, nil
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			URL:                  "ws://localhost:3000/ws",
			HandshakeTimeout:     10 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			MaxReconnectAttempts: 5,
			Jitter:               0.5,
			LaneBuffer:           64,
			TypingTimeout:        5 * time.Second,
			MaxRetainedStreams:   256,
		},
		Gateway: GatewayConfig{
			Host:             "localhost",
			Port:             3000,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	u, err := url.Parse(c.Realtime.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return NewConfigError("realtime.url", "must be a ws:// or wss:// URL")
	}

	if c.Realtime.HandshakeTimeout <= 0 {
		return NewConfigError("realtime.handshake_timeout", "timeout must be positive")
	}

	if c.Realtime.ReconnectBaseDelay <= 0 {
		return NewConfigError("realtime.reconnect_base_delay", "delay must be positive")
	}

	if c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectBaseDelay {
		return NewConfigError("realtime.reconnect_max_delay", "must not be below the base delay")
	}

	if c.Realtime.MaxReconnectAttempts < 0 {
		return NewConfigError("realtime.max_reconnect_attempts", "cannot be negative")
	}

	if c.Realtime.Jitter < 0 || c.Realtime.Jitter >= 1 {
		return NewConfigError("realtime.jitter", "must be in [0, 1)")
	}

	if c.Realtime.LaneBuffer <= 0 {
		return NewConfigError("realtime.lane_buffer", "must be positive")
	}

	if c.Realtime.TypingTimeout <= 0 {
		return NewConfigError("realtime.typing_timeout", "timeout must be positive")
	}

	if c.Realtime.MaxRetainedStreams <= 0 {
		return NewConfigError("realtime.max_retained_streams", "must be positive")
	}

	if _, _, err := c.Credentials.SealKey(); err != nil {
		return err
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return NewConfigError("gateway.port", "invalid port number")
	}

	if c.Gateway.ReadTimeout < 0 {
		return NewConfigError("gateway.read_timeout", "timeout cannot be negative")
	}

	if c.Gateway.WriteTimeout < 0 {
		return NewConfigError("gateway.write_timeout", "timeout cannot be negative")
	}

	if c.Gateway.HandshakeTimeout <= 0 {
		return NewConfigError("gateway.handshake_timeout", "timeout must be positive")
	}

	return nil
}
