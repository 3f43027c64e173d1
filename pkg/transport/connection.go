package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

type OnCloseHandler func(connId uuid.UUID, err error)

// HeartbeatHandler is invoked whenever the peer proves it is alive.
type HeartbeatHandler func(connId uuid.UUID)

type ConnectionConfig struct {
	// ReadTimeout closes the connection when no data frame arrives in time.
	ReadTimeout time.Duration
	// PingInterval enables protocol pings; zero disables them.
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage   MessageHandler
	onClose     OnCloseHandler
	onHeartbeat HeartbeatHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	buffer := config.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.wg.Add(1)
	c.started.Store(true)
	go c.readPump()
	go c.writePump()
	if c.config.PingInterval > 0 {
		go c.pingLoop()
	}

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := c.readContext()
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		// Read the full message. Use io.ReadAll for safety.
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			c.logger.Warn("Connection readpump failed", slog.Any("error", err))
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		c.heartbeat()
		if c.onMessage != nil {
			// Pass a connection-scoped context to the handler.
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) readContext() (context.Context, context.CancelFunc) {
	if c.config.ReadTimeout <= 0 {
		return context.WithCancel(c.ctx)
	}
	return context.WithTimeout(c.ctx, c.config.ReadTimeout)
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			writeCtx, cancel := c.writeContext()
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) writeContext() (context.Context, context.CancelFunc) {
	if c.config.WriteTimeout <= 0 {
		return context.WithCancel(c.ctx)
	}
	return context.WithTimeout(c.ctx, c.config.WriteTimeout)
}

// pingLoop detects dead peers that never close the TCP stream.
func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.PingInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close(err)
				return
			}
			c.heartbeat()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) heartbeat() {
	if c.onHeartbeat != nil {
		c.onHeartbeat(c.id)
	}
}

// Send enqueues a message without blocking. It is safe for concurrent use and
// reports false when the connection is closed or its buffer is full.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("Send buffer full, dropping message")
		return false
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			code, reason := closeFrame(err)
			c.conn.Close(code, reason)
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.started.Load() {
			c.wg.Done()
		}
		close(c.done)
		c.logger.Info("Connection closed")
	})
}

// closeFrame picks the close code sent to the peer. A websocket.CloseError
// carrying going-away or an application code is passed through as is;
// anything else closes normally with the error text as the reason.
func closeFrame(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.StatusGoingAway || ce.Code >= 4000 && ce.Code < 5000) {
		return ce.Code, truncateReason(ce.Reason)
	}
	if err == nil || websocket.CloseStatus(err) != -1 {
		return websocket.StatusNormalClosure, ""
	}
	return websocket.StatusNormalClosure, truncateReason(err.Error())
}

// close reasons are limited to 123 bytes by the websocket protocol.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}

func (c *Connection) SetOnHeartbeatHandler(handler HeartbeatHandler) {
	c.onHeartbeat = handler
}
