// Package client is a Go client for the live channel. It authenticates,
// reconnects with exponential backoff, matches replies to requests by
// correlation id and keeps a cache of the user's pending requests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/teamsync/internal/correlation"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

var (
	// ErrReloginRequired is returned once the server reports an expired
	// token. Cached credentials are cleared; call SetCredentials.
	ErrReloginRequired = errors.New("token expired, login required")
	ErrNotConnected    = errors.New("client is not connected")
	ErrClosed          = errors.New("client is closed")
	// ErrConnectionCycled means a newer connection of the same user replaced
	// this one. The client stays disconnected until Connect is called again.
	ErrConnectionCycled = errors.New("connection replaced by a newer one")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// errorEvents carry an ErrorPayload instead of the expected reply.
var errorEvents = map[string]bool{
	protocol.EventAuthError:        true,
	protocol.EventJoinRequestError: true,
	protocol.EventError:            true,
}

// session is one live socket. It is replaced on every reconnect.
type session struct {
	id     uuid.UUID
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	credMu sync.Mutex
	userID string
	token  string

	mu      sync.Mutex
	current *session
	life    context.Context
	closed  bool
	lastErr error

	state   atomic.Int32
	pending *correlation.Table[protocol.Envelope]
	cache   cache
	events  chan protocol.Envelope
}

func New(cfg Config, logger *slog.Logger) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "client")),
		userID:  cfg.UserID,
		token:   cfg.Token,
		pending: correlation.New[protocol.Envelope](),
		events:  make(chan protocol.Envelope, cfg.EventBuffer),
	}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.logger.Debug("State changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// Events yields server pushes that are not replies to a request. Events are
// dropped when the buffer is full.
func (c *Client) Events() <-chan protocol.Envelope {
	return c.events
}

// Snapshot returns the cached pending requests and projects.
func (c *Client) Snapshot() protocol.SyncStatePayload {
	return c.cache.snapshot()
}

// Err reports why the client last went offline without reconnecting, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SetCredentials replaces the credentials used by the next Connect.
func (c *Client) SetCredentials(userID, token string) {
	c.credMu.Lock()
	c.userID, c.token = userID, token
	c.credMu.Unlock()
}

func (c *Client) credentials() (string, string) {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	return c.userID, c.token
}

// Connect dials and authenticates, retrying with exponential backoff up to
// the configured number of attempts. ctx bounds the client's lifetime: while
// it is live, a dropped connection is re-established the same way.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.life = ctx
	c.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.connectOnce(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrReloginRequired), errors.Is(err, ErrClosed):
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Warn("Connect attempt failed", slog.Any("error", err))
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.MaxAttempts))
	return err
}

func (c *Client) connectOnce(ctx context.Context) error {
	userID, token := c.credentials()
	if userID == "" || token == "" {
		return ErrReloginRequired
	}

	c.setState(StateConnecting)
	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, opts)
	cancel()
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	sessCtx, sessCancel := context.WithCancel(ctx)
	sess := &session{id: uuid.New(), conn: conn, cancel: sessCancel, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sessCancel()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	c.current = sess
	c.lastErr = nil
	c.mu.Unlock()
	c.setState(StateConnected)

	go c.readLoop(sessCtx, sess)

	reply, err := c.request(ctx, correlation.KindAuthenticate, protocol.EventAuthenticate, protocol.AuthenticatePayload{
		UserID: userID,
		Token:  token,
	})
	if err != nil {
		c.drop(sess)
		<-sess.done
		if errors.Is(err, protocol.ErrExpiredToken) {
			c.SetCredentials("", "")
			c.cache.reset()
			return ErrReloginRequired
		}
		return err
	}

	var who protocol.AuthenticatedPayload
	if err := reply.Decode(&who); err == nil {
		c.SetCredentials(who.User.ID, token)
	}
	c.setState(StateAuthenticated)
	c.logger.Info("Authenticated", slog.String("userID", who.User.ID))

	if c.cfg.PingInterval > 0 {
		go c.pingLoop(sessCtx, sess)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, sess *session) {
	defer close(sess.done)
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			c.logger.Debug("Read loop stopped", slog.Any("error", err))
			c.lost(sess, err)
			return
		}
		fields := gjson.GetManyBytes(data, "event", "correlationId")
		if fields[0].String() == "" {
			c.logger.Warn("Dropping frame without event")
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Dropping malformed frame", slog.Any("error", err))
			continue
		}

		c.cache.apply(env)
		if id := fields[1].String(); id != "" && c.pending.Resolve(id, env) {
			continue
		}
		select {
		case c.events <- env:
		default:
			c.logger.Warn("Event buffer full, dropping event", slog.String("event", env.Event))
		}
	}
}

// lost tears down sess after its socket failed and, if the client is still
// live, reconnects in the background after ReconnectDelay. A cycled
// connection is not re-established.
func (c *Client) lost(sess *session, cause error) {
	cycled := websocket.CloseStatus(cause) == protocol.CloseConnectionCycled

	c.mu.Lock()
	current := c.current == sess
	if current {
		c.current = nil
		if cycled {
			c.lastErr = ErrConnectionCycled
		}
	}
	life, closed := c.life, c.closed
	c.mu.Unlock()

	sess.cancel()
	c.pending.CancelConn(sess.id, protocol.ErrDisconnected)
	if !current {
		return
	}
	c.setState(StateDisconnected)
	if cycled {
		c.logger.Warn("Connection replaced by a newer one of the same user, not reconnecting")
		return
	}
	if closed || life == nil || life.Err() != nil {
		return
	}
	go func() {
		timer := time.NewTimer(c.cfg.ReconnectDelay)
		defer timer.Stop()
		select {
		case <-life.Done():
			return
		case <-timer.C:
		}
		if err := c.Connect(life); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Error("Reconnect failed", slog.Any("error", err))
		}
	}()
}

// drop closes sess without triggering a reconnect.
func (c *Client) drop(sess *session) {
	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
	sess.conn.Close(websocket.StatusNormalClosure, "")
	sess.cancel()
	c.setState(StateDisconnected)
}

func (c *Client) pingLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.requestOn(ctx, sess, correlation.KindPing, protocol.EventPing, nil); err != nil {
				c.logger.Warn("Ping failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Client) request(ctx context.Context, kind correlation.Kind, event string, payload any) (protocol.Envelope, error) {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return protocol.Envelope{}, ErrNotConnected
	}
	return c.requestOn(ctx, sess, kind, event, payload)
}

// requestOn sends event and waits for the frame carrying the same
// correlation id. Error events come back as *protocol.Error.
func (c *Client) requestOn(ctx context.Context, sess *session, kind correlation.Kind, event string, payload any) (protocol.Envelope, error) {
	id := uuid.NewString()
	entry, err := c.pending.Register(id, kind, sess.id, c.cfg.RequestTimeout)
	if err != nil {
		return protocol.Envelope{}, err
	}
	frame, err := protocol.Encode(event, id, payload, time.Now())
	if err != nil {
		c.pending.Fail(id, err)
		return protocol.Envelope{}, err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	err = sess.conn.Write(writeCtx, websocket.MessageText, frame)
	cancel()
	if err != nil {
		c.pending.Fail(id, protocol.ErrDisconnected)
		return protocol.Envelope{}, fmt.Errorf("write %s: %w", event, protocol.ErrDisconnected)
	}

	var res correlation.Result[protocol.Envelope]
	select {
	case res = <-entry.Done():
	case <-ctx.Done():
		c.pending.Fail(id, ctx.Err())
		res = <-entry.Done()
	}
	if res.Err != nil {
		return protocol.Envelope{}, res.Err
	}
	if errorEvents[res.Value.Event] {
		var p protocol.ErrorPayload
		if err := res.Value.Decode(&p); err != nil {
			return protocol.Envelope{}, protocol.NewError(protocol.ReasonInternal, "malformed error reply")
		}
		return protocol.Envelope{}, protocol.NewError(p.Reason, p.Message)
	}
	return res.Value, nil
}

// SendJoinRequest asks to join projectID and returns the new request id.
func (c *Client) SendJoinRequest(ctx context.Context, projectID, message string) (string, error) {
	reply, err := c.request(ctx, correlation.KindSubmit, protocol.EventSendJoinRequest, protocol.SendJoinRequestPayload{
		ProjectID: projectID,
		Message:   message,
	})
	if err != nil {
		return "", err
	}
	var ack protocol.JoinRequestSentPayload
	if err := reply.Decode(&ack); err != nil {
		return "", err
	}
	c.cache.addOutgoing(protocol.PendingRequest{
		RequestID: ack.RequestID,
		ProjectID: projectID,
		Message:   message,
		CreatedAt: reply.Timestamp,
	})
	return ack.RequestID, nil
}

func (c *Client) RespondJoinRequest(ctx context.Context, requestID string, action protocol.Action, message string) error {
	_, err := c.request(ctx, correlation.KindRespond, protocol.EventRespondJoinRequest, protocol.RespondJoinRequestPayload{
		RequestID: requestID,
		Action:    action,
		Message:   message,
	})
	return err
}

func (c *Client) CancelJoinRequest(ctx context.Context, requestID string) error {
	_, err := c.request(ctx, correlation.KindCancel, protocol.EventCancelJoinRequest, protocol.CancelJoinRequestPayload{
		RequestID: requestID,
	})
	return err
}

func (c *Client) JoinProjectRoom(ctx context.Context, projectID string) error {
	_, err := c.request(ctx, correlation.KindRoom, protocol.EventJoinProjectRoom, protocol.RoomPayload{ProjectID: projectID})
	return err
}

func (c *Client) LeaveProjectRoom(ctx context.Context, projectID string) error {
	_, err := c.request(ctx, correlation.KindRoom, protocol.EventLeaveProjectRoom, protocol.RoomPayload{ProjectID: projectID})
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, correlation.KindPing, protocol.EventPing, nil)
	return err
}

// Close disconnects without reconnecting. In-flight requests fail with
// disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.current
	c.current = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)
	if sess == nil {
		return nil
	}
	err := sess.conn.Close(websocket.StatusNormalClosure, "client closed")
	sess.cancel()
	<-sess.done
	c.pending.CancelConn(sess.id, protocol.ErrDisconnected)
	return err
}
