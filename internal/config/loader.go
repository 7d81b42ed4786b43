package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LoadOptions represents options for loading configuration
type LoadOptions struct {
	Path string

	// Getenv looks up environment overrides. Defaults to os.Getenv.
	Getenv func(string) string
}

// Load loads configuration from various sources
func Load(opts ...LoadOptions) (*Config, error) {
	cfg := Default()

	// Apply options
	var options LoadOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Getenv == nil {
		options.Getenv = os.Getenv
	}

	// Load from file if path is specified
	if options.Path != "" {
		if err := loadFromFile(cfg, options.Path); err != nil {
			return nil, err
		}
	}

	// Override with environment variables
	if err := loadFromEnv(cfg, options.Getenv); err != nil {
		return nil, err
	}

	// Validate the final configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a file
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// loadFromEnv loads configuration from CARELINK_* environment variables
func loadFromEnv(cfg *Config, getenv func(string) string) error {
	// Realtime configuration
	if u := getenv("CARELINK_URL"); u != "" {
		cfg.Realtime.URL = u
	}
	if rooms := getenv("CARELINK_ROOMS"); rooms != "" {
		cfg.Realtime.Rooms = splitList(rooms)
	}
	if attempts := getenv("CARELINK_MAX_RECONNECT_ATTEMPTS"); attempts != "" {
		n, err := parseInt(attempts)
		if err != nil {
			return NewConfigError("realtime.max_reconnect_attempts", "not an integer")
		}
		cfg.Realtime.MaxReconnectAttempts = n
	}
	if timeout := getenv("CARELINK_HANDSHAKE_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return NewConfigError("realtime.handshake_timeout", "not a duration")
		}
		cfg.Realtime.HandshakeTimeout = d
	}

	// Credentials configuration
	if file := getenv("CARELINK_TOKEN_FILE"); file != "" {
		cfg.Credentials.File = file
	}
	if key := getenv("CARELINK_TOKEN_KEY"); key != "" {
		cfg.Credentials.Key = key
	}
	if token := getenv("CARELINK_TOKEN"); token != "" {
		cfg.Credentials.Token = token
	}

	// Gateway configuration
	if host := getenv("CARELINK_GATEWAY_HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := getenv("CARELINK_GATEWAY_PORT"); port != "" {
		p, err := parseInt(port)
		if err != nil {
			return NewConfigError("gateway.port", "not an integer")
		}
		cfg.Gateway.Port = p
	}
	if tokens := getenv("CARELINK_GATEWAY_TOKENS"); tokens != "" {
		parsed, err := parseTokens(tokens)
		if err != nil {
			return err
		}
		cfg.Gateway.Tokens = parsed
	}

	// Logging configuration
	if level := getenv("CARELINK_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := getenv("CARELINK_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	return nil
}

// parseTokens parses "token=user,token=user"
func parseTokens(s string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range splitList(s) {
		token, user, ok := strings.Cut(pair, "=")
		if !ok || token == "" || user == "" {
			return nil, NewConfigError("gateway.tokens", "expected token=user pairs")
		}
		tokens[token] = user
	}
	return tokens, nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parseInt parses a string to int
func parseInt(s string) (int, error) {
	var i int
	_, err := fmt.Sscanf(s, "%d", &i)
	return i, err
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new configuration error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}
