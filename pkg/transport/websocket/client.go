package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
)

// ConnOptions represents websocket connection options
type ConnOptions struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
}

// DefaultConnOptions returns default connection options
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  512 * 1024, // 512KB
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
	}
}

// Conn implements domain.Conn over a gorilla websocket. It is used on both
// ends: by the Dialer on the client and by the gateway after an upgrade.
type Conn struct {
	id       string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logging.Logger
	options  ConnOptions
	sendChan chan []byte
	handler  domain.MessageHandler
	done     chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	err     error
	wg      sync.WaitGroup
}

// NewConn wraps an established websocket connection
func NewConn(id string, conn *websocket.Conn, logger *logging.Logger, options ConnOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = logging.Nop()
	}
	if options.SendBuffer <= 0 {
		options.SendBuffer = DefaultConnOptions().SendBuffer
	}

	return &Conn{
		id:       id,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.WithFields(map[string]any{"conn_id": id}),
		options:  options,
		sendChan: make(chan []byte, options.SendBuffer),
		done:     make(chan struct{}),
	}
}

// ID implements domain.Conn
func (c *Conn) ID() string {
	return c.id
}

// Send implements domain.Conn
func (c *Conn) Send(ctx context.Context, message []byte) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return domain.ErrConnectionClosed
	}

	select {
	case c.sendChan <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return domain.ErrConnectionClosed
	default:
		return domain.ErrSendBufferFull
	}
}

// Receive implements domain.Conn
func (c *Conn) Receive(handler domain.MessageHandler) {
	c.handler = handler
}

// Done implements domain.Conn
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err implements domain.Conn. It is nil after a local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements domain.Conn
func (c *Conn) Close() error {
	if !c.stop(nil) {
		return nil
	}
	c.logger.Debug("closing connection")
	return nil
}

// Start starts the read and write pumps
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	go func() {
		c.wg.Wait()
		c.conn.Close()
		close(c.done)
	}()
}

// stop records the first reason the connection stopped. It reports whether
// this call was the one that stopped it.
func (c *Conn) stop(err error) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.stopped = true
	c.err = err
	started := c.started
	c.mu.Unlock()

	c.cancel()

	if !started {
		c.conn.Close()
		close(c.done)
		return true
	}

	// Unblock the read pump. On a local close the write pump flushes the
	// queue and sends the close frame before exiting.
	c.conn.SetReadDeadline(time.Now())
	return true
}

// flush writes whatever is still queued followed by a normal close frame
func (c *Conn) flush() {
	for {
		select {
		case message := <-c.sendChan:
			if err := c.write(message); err != nil {
				c.logger.Debug("queued frame not flushed", "error", err)
				return
			}
		default:
			deadline := time.Now().Add(c.options.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				c.logger.Debug("close frame not sent", "error", err)
			}
			return
		}
	}
}

// readPump pumps frames from the websocket connection
func (c *Conn) readPump() {
	defer c.wg.Done()
	defer c.logger.Debug("read pump stopped")

	c.conn.SetReadLimit(c.options.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			c.stop(errors.Wrap(err, errors.ErrorTypeTransport, "READ_FAILED", "connection lost"))
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if c.handler != nil {
			if err := c.handler(message); err != nil {
				c.logger.Debug("message handler error", "error", err)
			}
		}
	}
}

// writePump pumps frames to the websocket connection
func (c *Conn) writePump() {
	defer c.wg.Done()
	defer c.logger.Debug("write pump stopped")

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			if c.Err() == nil {
				c.flush()
			}
			return

		case message := <-c.sendChan:
			if err := c.write(message); err != nil {
				c.stop(err)
				return
			}

			// Drain any queued frames
			n := len(c.sendChan)
			for i := 0; i < n; i++ {
				if err := c.write(<-c.sendChan); err != nil {
					c.stop(err)
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop(errors.Wrap(err, errors.ErrorTypeTransport, "PING_FAILED", "websocket ping failed"))
				return
			}
		}
	}
}

func (c *Conn) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "WRITE_FAILED", "websocket write failed")
	}
	return nil
}
