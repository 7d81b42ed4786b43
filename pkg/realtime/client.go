package realtime

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/credentials"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
	"github.com/HMasataka/carelink/pkg/eventbus"
	"github.com/HMasataka/carelink/pkg/transport/protocol"
)

// ErrClientClosed is returned by Connect after Close.
var ErrClientClosed = errors.New(errors.ErrorTypeInternal, "CLIENT_CLOSED", "client closed")

// Client owns the single realtime connection of a process. It
// authenticates, reconnects with backoff after unexpected drops, replays
// room membership on every new epoch and dispatches inbound events.
type Client struct {
	dialer domain.Dialer
	store  credentials.Store
	opts   Options
	bus    eventbus.Bus
	ownBus bool
	codec  protocol.Codec
	logger *logging.Logger
	rooms  *Rooms
	group  singleflight.Group

	unwatchStore func()
	removeTaps   []func()

	mu       sync.Mutex
	state    domain.ConnectionState
	session  *session
	epoch    uint64
	attempts int
	token    string
	userID   string
	gen      uint64
	abort    context.CancelFunc
	closed   bool
}

// session is one dialed connection, from handshake until it stops
type session struct {
	conn   domain.Conn
	ctx    context.Context
	cancel context.CancelFunc
	ack    chan ackResult
	acked  bool // read pump only
	epoch  atomic.Uint64

	ready     chan struct{}
	readyOnce sync.Once
}

type ackResult struct {
	userID string
	err    error
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *session) close() {
	s.markReady()
	s.cancel()
	s.conn.Close()
}

// New creates a client. It does not connect.
func New(dialer domain.Dialer, store credentials.Store, opts ...Option) *Client {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if store == nil {
		store = credentials.NewMemoryStore("")
	}

	c := &Client{
		dialer: dialer,
		store:  store,
		opts:   o,
		bus:    o.Bus,
		codec:  o.Codec,
		logger: o.Logger.Component("realtime"),
	}

	if c.bus == nil {
		c.bus = eventbus.NewInMemoryBus(o.LaneBuffer, o.Logger)
		c.ownBus = true
	}
	if c.codec == nil {
		c.codec = protocol.NewJSONCodec(nil)
	}

	c.rooms = newRooms(c, c.logger)
	c.removeTaps = append(c.removeTaps, c.bus.Tap(LogTap(c.logger)))
	if o.Metrics != nil {
		c.removeTaps = append(c.removeTaps, c.bus.Tap(o.Metrics.Tap()))
	}

	if w, ok := store.(credentials.Watcher); ok {
		c.unwatchStore = w.Watch(c.onTokenChange)
	}

	return c
}

// Connect resolves once the connection is authenticated. An empty token is
// read from the credential store. Concurrent calls share one attempt and
// calls while connected return nil at once. Cancelling ctx stops the wait
// but not a shared attempt, which is bounded by the handshake timeout.
func (c *Client) Connect(ctx context.Context, token string) error {
	if c.IsConnected() {
		return nil
	}

	if token == "" {
		stored, err := c.store.Token(ctx)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeUnauthorized, domain.ErrNoCredential.Code, domain.ErrNoCredential.Message)
		}
		token = stored
	}

	ch := c.group.DoChan("connect", func() (any, error) {
		return nil, c.connect(context.WithoutCancel(ctx), token)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and stops any reconnect loop. The
// desired rooms are kept.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.abortLocked()
	s := c.session
	c.session = nil
	c.attempts = 0
	change := c.transitionLocked(domain.StateDisconnected, nil)
	c.mu.Unlock()

	if s != nil {
		s.close()
		c.logger.Info("disconnected", "conn_id", s.conn.ID())
	}
	c.publishChange(change)
}

// Logout disconnects, forgets every desired room and clears the stored
// token.
func (c *Client) Logout(ctx context.Context) error {
	c.Disconnect()
	c.rooms.Clear()

	c.mu.Lock()
	c.token = ""
	c.userID = ""
	c.mu.Unlock()

	return c.store.ClearToken(ctx)
}

// Close disconnects and releases the client. It must not be called from
// an event handler.
func (c *Client) Close() error {
	c.Disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.unwatchStore != nil {
		c.unwatchStore()
	}
	for _, remove := range c.removeTaps {
		remove()
	}
	if c.ownBus {
		c.bus.Stop()
	}
	return nil
}

// Emit sends p if connected and returns ErrNotConnected otherwise. Nothing
// is queued for later.
func (c *Client) Emit(ctx context.Context, p domain.Payload) error {
	epoch, connected := c.current()
	if !connected {
		return domain.ErrNotConnected
	}
	return c.emitIn(ctx, epoch, p)
}

// State returns the connection state
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is authenticated
func (c *Client) IsConnected() bool {
	_, connected := c.current()
	return connected
}

// Epoch returns the number of successful handshakes so far
func (c *Client) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Attempts returns the reconnect attempts since the last success
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// UserID returns the user id acknowledged by the server, if any
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Rooms returns the room membership manager
func (c *Client) Rooms() *Rooms {
	return c.rooms
}

// Bus returns the event bus
func (c *Client) Bus() eventbus.Bus {
	return c.bus
}

func (c *Client) connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == domain.StateConnected && c.session != nil {
		c.mu.Unlock()
		return nil
	}

	c.abortLocked()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.abort = cancel

	c.gen++
	gen := c.gen
	c.attempts = 0
	change := c.transitionLocked(domain.StateConnecting, nil)
	c.mu.Unlock()

	c.publishChange(change)

	err := c.establish(ctx, gen, token)
	if err != nil {
		c.fail(gen, err)
	}
	return err
}

// establish performs one handshake and, if gen is still current, makes the
// new session live and replays rooms.
func (c *Client) establish(ctx context.Context, gen uint64, token string) error {
	s, userID, err := c.handshake(ctx, token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		s.close()
		return errors.New(errors.ErrorTypeTransport, domain.ErrConnectionClosed.Code, "connection superseded")
	}

	c.epoch++
	epoch := c.epoch
	s.epoch.Store(epoch)
	c.session = s
	c.token = token
	c.userID = userID
	c.attempts = 0
	change := c.transitionLocked(domain.StateConnected, nil)
	c.mu.Unlock()

	c.logger.Info("connected", "conn_id", s.conn.ID(), "epoch", epoch, "user_id", userID)
	c.publishChange(change)

	c.rooms.replay(ctx, epoch)
	s.markReady()

	go c.watch(s)
	return nil
}

func (c *Client) handshake(ctx context.Context, token string) (*session, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx, token)
	if err != nil {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", errors.Wrap(err, errors.ErrorTypeTimeout, domain.ErrHandshakeTimeout.Code, domain.ErrHandshakeTimeout.Message)
		}
		if _, ok := errors.TypeOf(err); ok {
			return nil, "", err
		}
		return nil, "", errors.Wrap(err, errors.ErrorTypeTransport, "DIAL_FAILED", "failed to dial server")
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		ctx:    sctx,
		cancel: scancel,
		ack:    make(chan ackResult, 1),
		ready:  make(chan struct{}),
	}
	conn.Receive(func(message []byte) error {
		return c.onFrame(s, message)
	})
	conn.Start()

	frame, err := c.codec.Encode(domain.Authenticate{Token: token})
	if err == nil {
		err = conn.Send(ctx, frame)
	}
	if err != nil {
		s.close()
		return nil, "", err
	}

	select {
	case res := <-s.ack:
		if res.err != nil {
			s.close()
			return nil, "", res.err
		}
		return s, res.userID, nil

	case <-conn.Done():
		s.close()
		cause := conn.Err()
		if cause == nil {
			cause = domain.ErrConnectionClosed
		}
		return nil, "", errors.Wrap(cause, errors.ErrorTypeTransport, "HANDSHAKE_FAILED", "connection closed during handshake")

	case <-ctx.Done():
		s.close()
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, domain.ErrHandshakeTimeout.Code, domain.ErrHandshakeTimeout.Message)
		}
		return nil, "", errors.Wrap(ctx.Err(), errors.ErrorTypeTransport, domain.ErrConnectionClosed.Code, "handshake aborted")
	}
}

// onFrame runs on the read pump of s
func (c *Client) onFrame(s *session, message []byte) error {
	f, p, err := c.codec.Decode(message)
	if err != nil {
		var name domain.EventName
		if f != nil {
			name = f.Event
		}
		c.logger.Warn("dropping frame", "event", name, "error", err)
		c.publishLocal(domain.ConnectionError{Event: name, Err: err})
		return err
	}

	switch p := p.(type) {
	case domain.AuthSuccess:
		if s.acked {
			return nil
		}
		s.acked = true
		s.ack <- ackResult{userID: p.UserID}

		// Hold later frames until the session is live and stamped.
		select {
		case <-s.ready:
		case <-s.ctx.Done():
		}
		return nil

	case domain.AuthError:
		if !s.acked {
			s.acked = true
			s.ack <- ackResult{err: authRejected(p.Reason)}
			return nil
		}
		c.revoke(s, p.Reason)
		return nil
	}

	if !s.acked {
		c.logger.Debug("frame before handshake ack dropped", "event", f.Event)
		return nil
	}

	ev := eventbus.NewEvent(eventbus.Inbound, s.epoch.Load(), p)
	c.bus.Observe(ev)
	if err := c.bus.PublishAsync(s.ctx, ev); err != nil && s.ctx.Err() == nil {
		c.logger.Warn("event not dispatched", "event", ev.Name, "error", err)
	}
	return nil
}

// watch waits for s to stop and starts reconnecting unless the stop was
// requested locally.
func (c *Client) watch(s *session) {
	<-s.conn.Done()
	s.cancel()

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}

	cause := s.conn.Err()
	if cause == nil {
		cause = domain.ErrConnectionClosed
	}

	c.session = nil
	c.abortLocked()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.abort = cancel
	gen := c.gen
	change := c.transitionLocked(domain.StateReconnecting, cause)
	c.mu.Unlock()

	c.logger.Warn("connection lost", "conn_id", s.conn.ID(), "error", cause)
	c.publishChange(change)

	c.reconnect(ctx, gen, cause)
}

func (c *Client) reconnect(ctx context.Context, gen uint64, cause error) {
	b := c.opts.newBackOff()
	lastErr := cause

	for {
		c.mu.Lock()
		if ctx.Err() != nil || c.gen != gen {
			c.mu.Unlock()
			return
		}

		if c.attempts >= c.opts.MaxReconnectAttempts {
			attempts := c.attempts
			change := c.transitionLocked(domain.StateFailed, lastErr)
			c.mu.Unlock()

			c.logger.Error("giving up reconnecting", "attempts", attempts, "error", lastErr)
			c.publishChange(change)
			c.publishLocal(domain.GaveUp{Attempts: attempts, Err: lastErr})
			return
		}

		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := b.NextBackOff()
		c.publishLocal(domain.Reconnecting{Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token == "" {
			if stored, err := c.store.Token(ctx); err == nil {
				token = stored
			}
		}

		err := c.establish(ctx, gen, token)
		if err == nil {
			return
		}
		lastErr = err

		if errors.IsType(err, errors.ErrorTypeUnauthorized) {
			c.fail(gen, err)
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

// fail settles a failed attempt of generation gen
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	change := c.transitionLocked(domain.StateDisconnected, err)
	c.mu.Unlock()

	c.publishChange(change)
	if errors.IsType(err, errors.ErrorTypeUnauthorized) {
		c.logger.Error("authentication failed", "error", err)
		c.publishLocal(domain.AuthFailed{Reason: authReason(err)})
	}
}

// revoke handles authentication:error on a live session
func (c *Client) revoke(s *session, reason string) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.abortLocked()
	c.session = nil
	c.attempts = 0
	change := c.transitionLocked(domain.StateDisconnected, authRejected(reason))
	c.mu.Unlock()

	s.close()
	c.logger.Error("session revoked by server", "reason", reason)
	c.publishChange(change)
	c.publishLocal(domain.AuthFailed{Reason: reason})
}

func (c *Client) onTokenChange(token string) {
	c.mu.Lock()
	current := c.token
	state := c.state
	live := c.session != nil
	if token != "" && !live && state == domain.StateReconnecting {
		// picked up by the next reconnect attempt
		c.token = token
	}
	c.mu.Unlock()

	if token == "" {
		if state != domain.StateDisconnected && state != domain.StateFailed {
			c.logger.Info("credential cleared, disconnecting")
			c.Disconnect()
		}
		return
	}

	if !live || token == current {
		return
	}

	c.logger.Info("credential rotated, reconnecting")
	go func() {
		c.Disconnect()
		if err := c.Connect(context.Background(), token); err != nil {
			c.publishLocal(domain.ConnectionError{Err: err})
		}
	}()
}

func (c *Client) current() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, c.state == domain.StateConnected && c.session != nil
}

func (c *Client) emitIn(ctx context.Context, epoch uint64, p domain.Payload) error {
	c.mu.Lock()
	s := c.session
	live := s != nil && c.state == domain.StateConnected && c.epoch == epoch
	c.mu.Unlock()

	if !live {
		return domain.ErrNotConnected
	}

	data, err := c.codec.Encode(p)
	if err != nil {
		return err
	}

	if err := s.conn.Send(ctx, data); err != nil {
		if stderrors.Is(err, domain.ErrConnectionClosed) {
			return domain.ErrNotConnected
		}
		return err
	}

	c.bus.Observe(eventbus.NewEvent(eventbus.Outbound, epoch, p))
	return nil
}

func (c *Client) abortLocked() {
	if c.abort != nil {
		c.abort()
		c.abort = nil
	}
}

func (c *Client) transitionLocked(next domain.ConnectionState, err error) *domain.StateChange {
	if c.state == next {
		return nil
	}
	change := &domain.StateChange{Old: c.state, New: next, Epoch: c.epoch, Err: err}
	c.state = next
	return change
}

func (c *Client) publishChange(change *domain.StateChange) {
	if change == nil {
		return
	}
	c.publishLocal(*change)
}

// publishLocal dispatches a lifecycle event
func (c *Client) publishLocal(p domain.Payload) {
	ev := eventbus.NewEvent(eventbus.Local, c.Epoch(), p)
	c.bus.Observe(ev)
	if err := c.bus.PublishAsync(context.Background(), ev); err != nil {
		c.logger.Debug("lifecycle event not dispatched", "event", ev.Name, "error", err)
	}
}

func authRejected(reason string) error {
	return errors.New(errors.ErrorTypeUnauthorized, domain.ErrAuthRejected.Code, domain.ErrAuthRejected.Message).
		WithDetails(reason)
}

func authReason(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) && e.Details != "" {
		return e.Details
	}
	return err.Error()
}
