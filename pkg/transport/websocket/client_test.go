package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoServer starts a server that echoes every frame back and records the
// Authorization header of the last upgrade.
func echoServer(t *testing.T) (*httptest.Server, chan string, chan *Conn) {
	t.Helper()

	auth := make(chan string, 4)
	conns := make(chan *Conn, 4)
	upgrader := NewUpgrader()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		auth <- r.Header.Get("Authorization")

		conn, err := upgrader.Upgrade(w, r)
		if err != nil {
			return
		}
		conn.Receive(func(message []byte) error {
			return conn.Send(context.Background(), message)
		})
		conn.Start()
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	return srv, auth, conns
}

func TestDialer_RoundTrip(t *testing.T) {
	srv, auth, _ := echoServer(t)

	d := NewDialer(wsURL(srv), nil, DefaultConnOptions())
	conn, err := d.Dial(context.Background(), "tok1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok1", <-auth)

	got := make(chan string, 1)
	conn.Receive(func(message []byte) error {
		got <- string(message)
		return nil
	})
	conn.Start()
	defer conn.Close()

	require.NoError(t, conn.Send(context.Background(), []byte(`{"event":"join:room","data":"g1"}`)))

	select {
	case msg := <-got:
		assert.Equal(t, `{"event":"join:room","data":"g1"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received")
	}
}

func TestDialer_Unauthorized(t *testing.T) {
	srv, _, _ := echoServer(t)

	d := NewDialer(wsURL(srv), nil, DefaultConnOptions())
	_, err := d.Dial(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))
}

func TestDialer_Refused(t *testing.T) {
	d := NewDialer("ws://127.0.0.1:1/ws", nil, DefaultConnOptions())
	_, err := d.Dial(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransport))
}

func TestConn_LocalCloseHasNoError(t *testing.T) {
	srv, _, _ := echoServer(t)

	conn, err := NewDialer(wsURL(srv), nil, DefaultConnOptions()).Dial(context.Background(), "tok")
	require.NoError(t, err)
	conn.Start()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conn did not stop")
	}
	assert.NoError(t, conn.Err())
	assert.ErrorIs(t, conn.Send(context.Background(), []byte("x")), domain.ErrConnectionClosed)
}

func TestConn_RemoteCloseReportsError(t *testing.T) {
	srv, _, conns := echoServer(t)

	conn, err := NewDialer(wsURL(srv), nil, DefaultConnOptions()).Dial(context.Background(), "tok")
	require.NoError(t, err)
	conn.Start()

	server := <-conns
	require.NoError(t, server.Close())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conn did not notice remote close")
	}
	assert.True(t, errors.IsType(conn.Err(), errors.ErrorTypeTransport))
}

func TestConn_CloseBeforeStart(t *testing.T) {
	srv, _, _ := echoServer(t)

	conn, err := NewDialer(wsURL(srv), nil, DefaultConnOptions()).Dial(context.Background(), "tok")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	<-conn.Done()
}

func TestConn_CloseFlushesQueue(t *testing.T) {
	srv, _, conns := echoServer(t)

	conn, err := NewDialer(wsURL(srv), nil, DefaultConnOptions()).Dial(context.Background(), "tok")
	require.NoError(t, err)

	got := make(chan string, 4)
	conn.Receive(func(message []byte) error {
		got <- string(message)
		return nil
	})
	conn.Start()
	defer conn.Close()

	server := <-conns
	require.NoError(t, server.Send(context.Background(), []byte("last words")))
	require.NoError(t, server.Close())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conn did not notice remote close")
	}
	require.Len(t, got, 1)
	assert.Equal(t, "last words", <-got)
}

func TestUpgrader_CheckOrigin(t *testing.T) {
	upgrader := NewUpgrader(
		WithCheckOrigin(func(r *http.Request) bool { return false }),
		WithConnOptions(DefaultConnOptions()),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := upgrader.Upgrade(w, r)
		assert.True(t, errors.IsType(err, errors.ErrorTypeTransport))
	}))
	defer srv.Close()

	_, err := NewDialer(wsURL(srv), nil, DefaultConnOptions()).Dial(context.Background(), "tok1")
	require.Error(t, err)
}
