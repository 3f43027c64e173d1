package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/teamsync/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// echoServer upgrades every request and echoes each frame back.
func echoServer(t *testing.T, cfg transport.ConnectionConfig, closed chan<- uuid.UUID) *httptest.Server {
	t.Helper()
	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		var conn *transport.Connection
		conn = transport.NewConnection(context.Background(), &wg, wsConn, cfg,
			func(ctx context.Context, connID uuid.UUID, msg []byte) {
				conn.Send(msg)
			},
			func(connID uuid.UUID, err error) {
				closed <- connID
			},
			newTestLogger(),
		)
		conn.Run()
		<-conn.Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return c
}

func TestConnectionEchoAndClose(t *testing.T) {
	closed := make(chan uuid.UUID, 1)
	srv := echoServer(t, transport.ConnectionConfig{ReadTimeout: time.Second}, closed)
	client := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Write(ctx, websocket.MessageText, []byte(`{"event":"ping"}`)))
	_, msg, err := client.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(msg))

	client.Close(websocket.StatusNormalClosure, "bye")
	select {
	case id := <-closed:
		assert.NotEqual(t, uuid.Nil, id)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler was not invoked")
	}
}

func TestConnectionReadTimeoutClosesIdlePeer(t *testing.T) {
	closed := make(chan uuid.UUID, 1)
	srv := echoServer(t, transport.ConnectionConfig{ReadTimeout: 50 * time.Millisecond}, closed)
	client := dial(t, srv)
	defer client.CloseNow()

	// keep a reader running so the client processes the close frame
	go func() {
		for {
			if _, _, err := client.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed after the read timeout")
	}
}

func TestSendAfterCloseReportsFalse(t *testing.T) {
	var wg sync.WaitGroup
	conn := transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{SendBuffer: 1}, nil, nil, newTestLogger())

	assert.True(t, conn.Send([]byte("a")))
	assert.False(t, conn.Send([]byte("b")), "buffer of one should be full")

	conn.Close(errors.New("done"))
	assert.False(t, conn.Send([]byte("c")))
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
}

func TestCloseSendsApplicationCode(t *testing.T) {
	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		var conn *transport.Connection
		conn = transport.NewConnection(context.Background(), &wg, wsConn, transport.ConnectionConfig{ReadTimeout: time.Second},
			func(ctx context.Context, connID uuid.UUID, msg []byte) {
				conn.Close(websocket.CloseError{Code: 4001, Reason: "connection_cycled"})
			},
			nil,
			newTestLogger(),
		)
		conn.Run()
		<-conn.Done()
	}))
	t.Cleanup(srv.Close)
	client := dial(t, srv)
	defer client.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Write(ctx, websocket.MessageText, []byte(`{"event":"ping"}`)))

	_, _, err := client.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(4001), websocket.CloseStatus(err))
	var ce websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "connection_cycled", ce.Reason)
}
