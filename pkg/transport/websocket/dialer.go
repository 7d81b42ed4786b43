package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
)

// Dialer implements domain.Dialer for a fixed server URL.
type Dialer struct {
	url     string
	dialer  *websocket.Dialer
	logger  *logging.Logger
	options ConnOptions
}

// NewDialer creates a dialer for url (ws:// or wss://)
func NewDialer(url string, logger *logging.Logger, options ConnOptions) *Dialer {
	if logger == nil {
		logger = logging.Nop()
	}

	return &Dialer{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   options.ReadBufferSize,
			WriteBufferSize:  options.WriteBufferSize,
		},
		logger:  logger,
		options: options,
	}
}

// Dial implements domain.Dialer. The token is sent as a bearer credential
// on the upgrade request.
func (d *Dialer) Dial(ctx context.Context, token string) (domain.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Wrap(err, errors.ErrorTypeUnauthorized, domain.ErrAuthRejected.Code, "server refused the credential")
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "DIAL_TIMEOUT", "dial did not complete")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "DIAL_FAILED", "failed to dial server").WithDetails(d.url)
	}

	id := xid.New().String()
	d.logger.Debug("dialed server", "url", d.url, "conn_id", id)
	return NewConn(id, ws, d.logger, d.options), nil
}
