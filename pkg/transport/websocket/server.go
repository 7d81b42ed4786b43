package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/errors"
)

// UpgraderOptions represents websocket upgrader options
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Logger          *logging.Logger
	Conn            ConnOptions
}

// Upgrader turns HTTP requests into started-later Conns
type Upgrader struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger
	options  UpgraderOptions
}

// NewUpgrader creates a new upgrader
func NewUpgrader(opts ...UpgraderOption) *Upgrader {
	options := UpgraderOptions{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		Conn: DefaultConnOptions(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = logging.Nop()
	}

	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		logger:  options.Logger,
		options: options,
	}
}

// Upgrade upgrades the request. The returned Conn is not started so the
// caller can install a handler first.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.logger.Error("websocket upgrade error",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "UPGRADE_FAILED", "websocket upgrade failed")
	}

	return NewConn(xid.New().String(), ws, u.logger, u.options.Conn), nil
}
