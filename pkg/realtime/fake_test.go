package realtime

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/xid"

	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
	"github.com/HMasataka/carelink/pkg/transport/protocol"
)

type ackMode int

const (
	ackSuccess ackMode = iota
	ackConnect
	ackReject
	ackSilent
)

// fakeDialer hands out in-memory connections whose server side answers the
// authenticate frame according to mode.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	tokens   []string
	dials    int
	mode     ackMode
	ackDelay time.Duration
	fail     func(n int) error
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (domain.Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.tokens = append(d.tokens, token)
	fail := d.fail
	d.mu.Unlock()

	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}

	c := newFakeConn(d)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setFail(fail func(n int) error) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tokens) == 0 {
		return ""
	}
	return d.tokens[len(d.tokens)-1]
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func refused(int) error {
	return errors.New(errors.ErrorTypeTransport, "DIAL_FAILED", "connection refused")
}

type fakeConn struct {
	id     string
	dialer *fakeDialer
	inbox  chan []byte
	done   chan struct{}

	mu      sync.Mutex
	handler domain.MessageHandler
	sent    []protocol.Frame
	closed  bool
	err     error
}

func newFakeConn(d *fakeDialer) *fakeConn {
	return &fakeConn{
		id:     xid.New().String(),
		dialer: d,
		inbox:  make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, message []byte) error {
	f, err := protocol.Unmarshal(message)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	c.sent = append(c.sent, *f)
	c.mu.Unlock()

	if f.Event == domain.EventAuthenticate {
		go c.answerAuth()
	}
	return nil
}

func (c *fakeConn) answerAuth() {
	c.dialer.mu.Lock()
	mode, delay := c.dialer.mode, c.dialer.ackDelay
	c.dialer.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	switch mode {
	case ackSuccess:
		c.push(domain.EventAuthSuccess, domain.AuthSuccess{UserID: "u-self"})
	case ackConnect:
		c.push(domain.EventConnectAck, nil)
	case ackReject:
		c.push(domain.EventAuthError, domain.AuthError{Reason: "invalid token"})
	}
}

func (c *fakeConn) Receive(handler domain.MessageHandler) {
	c.handler = handler
}

func (c *fakeConn) Start() {
	go func() {
		for {
			select {
			case <-c.done:
				return
			case msg := <-c.inbox:
				if c.handler != nil {
					c.handler(msg)
				}
			}
		}
	}()
}

func (c *fakeConn) Close() error {
	c.stop(nil)
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// drop simulates the server going away
func (c *fakeConn) drop() {
	c.stop(errors.New(errors.ErrorTypeTransport, "READ_FAILED", "connection reset by peer"))
}

func (c *fakeConn) stop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
}

// push delivers a server frame. data may be nil.
func (c *fakeConn) push(event domain.EventName, data any) {
	f := protocol.Frame{Event: event}
	if data != nil {
		raw, err := jsoniter.Marshal(data)
		if err != nil {
			panic(err)
		}
		f.Data = raw
	}
	msg, err := f.Marshal()
	if err != nil {
		panic(err)
	}
	c.pushRaw(msg)
}

func (c *fakeConn) pushRaw(msg []byte) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

// sentData returns the raw data of every sent frame named event
func (c *fakeConn) sentData(event domain.EventName) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, f := range c.sent {
		if f.Event == event {
			out = append(out, string(f.Data))
		}
	}
	return out
}
