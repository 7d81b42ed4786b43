// Package gateway is a reference server speaking the carelink wire
// protocol. It backs local development and end-to-end tests.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
	"github.com/HMasataka/carelink/pkg/transport/protocol"
	"github.com/HMasataka/carelink/pkg/transport/websocket"
)

// Options represents gateway options
type Options struct {
	HandshakeTimeout time.Duration
	Logger           *logging.Logger
	Codec            protocol.Codec
	Registerer       prometheus.Registerer
	Gatherer         prometheus.Gatherer
	Upgrader         []websocket.UpgraderOption
}

// Option configures a Server
type Option func(*Options)

// WithHandshakeTimeout bounds how long a connection may stay unauthenticated
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.HandshakeTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithCodec replaces the wire codec
func WithCodec(codec protocol.Codec) Option {
	return func(o *Options) {
		o.Codec = codec
	}
}

// WithRegistry registers the gateway metrics on reg and serves it on /metrics
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *Options) {
		o.Registerer = reg
		o.Gatherer = reg
	}
}

// WithUpgraderOptions passes options to the websocket upgrader
func WithUpgraderOptions(opts ...websocket.UpgraderOption) Option {
	return func(o *Options) {
		o.Upgrader = append(o.Upgrader, opts...)
	}
}

// Server upgrades requests, runs the handshake and hands authenticated
// connections to the Hub.
type Server struct {
	validator TokenValidator
	hub       *Hub
	upgrader  *websocket.Upgrader
	codec     protocol.Codec
	logger    *logging.Logger
	errors    errors.Handler
	metrics   *Metrics
	options   Options
}

// NewServer creates a new gateway server
func NewServer(validator TokenValidator, opts ...Option) *Server {
	options := Options{HandshakeTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = logging.Nop()
	}
	if options.Codec == nil {
		options.Codec = protocol.NewJSONCodec(nil)
	}

	logger := options.Logger.Component("gateway")
	metrics := NewMetrics(options.Registerer)
	upgraderOpts := append([]websocket.UpgraderOption{websocket.WithLogger(logger)}, options.Upgrader...)

	return &Server{
		validator: validator,
		hub:       NewHub(options.Codec, logger, metrics),
		upgrader:  websocket.NewUpgrader(upgraderOpts...),
		codec:     options.Codec,
		logger:    logger,
		errors:    errors.NewDefaultHandler(logger.Logger),
		metrics:   metrics,
		options:   options,
	}
}

// Hub returns the server hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close closes every connection
func (s *Server) Close() {
	s.hub.Close()
}

// ServeHTTP implements http.Handler. A bearer token in the Authorization
// header is checked before the upgrade; the authenticate frame is still
// required afterwards.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var headerUser string
	if token := bearer(r.Header.Get("Authorization")); token != "" {
		userID, err := s.validator.Validate(r.Context(), token)
		if err != nil {
			s.metrics.handshake("rejected")
			s.errors.HandleWithLogger(r.Context(), err, s.logger.With("remote_addr", r.RemoteAddr))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		headerUser = userID
	}

	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		return
	}

	p := &peer{
		server:     s,
		conn:       conn,
		headerUser: headerUser,
		logger:     s.logger.WithFields(map[string]any{"conn_id": conn.ID()}),
	}
	conn.Receive(p.onFrame)
	conn.Start()

	go p.run()
}

// peer is one upgraded connection
type peer struct {
	server     *Server
	conn       *websocket.Conn
	headerUser string
	logger     *logging.Logger

	mu     sync.Mutex
	userID string
	closed bool
}

func (p *peer) run() {
	timer := time.AfterFunc(p.server.options.HandshakeTimeout, func() {
		if p.authenticated() == "" {
			p.server.metrics.handshake("timeout")
			p.logger.Info("handshake timed out")
			p.conn.Close()
		}
	})

	<-p.conn.Done()
	timer.Stop()

	p.mu.Lock()
	p.closed = true
	userID := p.userID
	p.mu.Unlock()

	if userID != "" {
		p.server.hub.Unregister(p.conn.ID())
	}
}

func (p *peer) authenticated() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

func (p *peer) onFrame(message []byte) error {
	frame, payload, err := p.server.codec.Decode(message)

	if p.authenticated() == "" {
		if frame != nil && frame.Event == domain.EventAuthenticate {
			if err != nil {
				p.reject("missing token")
				return err
			}
			return p.authenticate(payload.(domain.Authenticate).Token)
		}
		p.logger.Debug("frame before authentication dropped")
		return nil
	}

	if err != nil {
		p.logger.Debug("invalid frame dropped", "error", err)
		return err
	}
	p.server.hub.Handle(p.conn.ID(), payload)
	return nil
}

func (p *peer) authenticate(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.server.options.HandshakeTimeout)
	userID, err := p.server.validator.Validate(ctx, token)
	cancel()

	if err == nil && p.headerUser != "" && userID != p.headerUser {
		err = ErrInvalidToken
	}
	if err != nil {
		p.server.errors.HandleWithLogger(context.Background(), err, p.logger.Logger)
		p.reject("invalid token")
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrConnectionClosed
	}

	ack, err := p.server.codec.Encode(domain.AuthSuccess{UserID: userID})
	if err != nil {
		return err
	}
	if err := p.conn.Send(context.Background(), ack); err != nil {
		return err
	}

	p.userID = userID
	p.server.metrics.handshake("accepted")
	p.server.hub.Register(p.conn, userID)
	return nil
}

// reject tells the client why and closes once the reply is flushed
func (p *peer) reject(reason string) {
	p.server.metrics.handshake("rejected")
	p.logger.Info("handshake rejected", "reason", reason)

	if data, err := p.server.codec.Encode(domain.AuthError{Reason: reason}); err == nil {
		if err := p.conn.Send(context.Background(), data); err != nil {
			p.logger.Debug("rejection not sent", "error", err)
		}
	}
	p.conn.Close()
}
