package websocket

import (
	"net/http"

	"github.com/HMasataka/carelink/internal/logging"
)

// UpgraderOption is a function that configures UpgraderOptions
type UpgraderOption func(*UpgraderOptions)

// WithLogger sets the logger for the upgrader
func WithLogger(logger *logging.Logger) UpgraderOption {
	return func(o *UpgraderOptions) {
		o.Logger = logger
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) UpgraderOption {
	return func(o *UpgraderOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// WithConnOptions sets the options of upgraded connections
func WithConnOptions(options ConnOptions) UpgraderOption {
	return func(o *UpgraderOptions) {
		o.Conn = options
	}
}
