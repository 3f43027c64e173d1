// Package connmgr owns every live connection: it accepts transports, runs
// the in-band authentication handshake and tears connections down.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/teamsync/internal/auth"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var ErrUnknownConnection = errors.New("unknown connection")

// ErrCycled closes a connection displaced by a newer one of the same user.
var ErrCycled = websocket.CloseError{Code: protocol.CloseConnectionCycled, Reason: protocol.CloseReasonCycled}

// Identity validates credentials presented on the live channel.
type Identity interface {
	Validate(ctx context.Context, userID, token string) (auth.Principal, error)
}

// Credentials sent with the authenticate event.
type Credentials struct {
	UserID string
	Token  string
}

// LimitMode decides what happens when a user exceeds MaxPerUser.
type LimitMode string

const (
	LimitReject LimitMode = "reject"
	LimitCycle  LimitMode = "cycle"
)

type Limit struct {
	MaxPerUser int
	Mode       LimitMode
}

// DetachFunc runs when a connection stops belonging to userID, either
// because it closed or because it re-authenticated as someone else.
type DetachFunc func(conn *Conn, userID string, remaining int)

type Manager struct {
	conns    sync.Map // uuid.UUID -> *Conn
	sessions state.SessionRegistry
	rooms    state.RoomMembership
	identity Identity
	limit    Limit

	locks    userLocks
	detachMu sync.RWMutex
	onDetach []DetachFunc

	now    func() time.Time
	logger *slog.Logger
}

func New(sessions state.SessionRegistry, rooms state.RoomMembership, identity Identity, limit Limit, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: sessions,
		rooms:    rooms,
		identity: identity,
		limit:    limit,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "connection_manager")),
	}
}

// OnDetach registers a hook. Hooks run synchronously in registration order.
func (m *Manager) OnDetach(fn DetachFunc) {
	m.detachMu.Lock()
	defer m.detachMu.Unlock()
	m.onDetach = append(m.onDetach, fn)
}

// OnConnect records a freshly upgraded transport as unauthenticated.
func (m *Manager) OnConnect(transport state.Sender, ip, handshakeToken string) *Conn {
	now := m.now()
	c := &Conn{
		id:             transport.ID(),
		transport:      transport,
		ip:             ip,
		handshakeToken: handshakeToken,
		createdAt:      now,
		lastHeartbeat:  now,
	}
	m.conns.Store(c.id, c)
	m.logger.Debug("Connection registered", slog.String("connID", c.id.String()), slog.String("ip", ip))
	return c
}

func (m *Manager) Get(connID uuid.UUID) (*Conn, bool) {
	v, ok := m.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// Touch records liveness for the connection.
func (m *Manager) Touch(connID uuid.UUID) {
	if c, ok := m.Get(connID); ok {
		c.touch(m.now())
	}
}

// Authenticate validates creds for the connection and binds it to the user.
// A failure leaves the connection open in the failed state.
func (m *Manager) Authenticate(ctx context.Context, connID uuid.UUID, creds Credentials) (*Conn, error) {
	c, ok := m.Get(connID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	token := creds.Token
	if token == "" {
		token = c.handshakeToken
	}

	principal, err := m.identity.Validate(ctx, creds.UserID, token)
	if err != nil {
		m.unbind(c)
		c.setFailed()
		m.logger.Warn("Authentication failed",
			slog.String("connID", connID.String()),
			slog.String("reason", string(protocol.AsError(err).Reason)),
		)
		return c, err
	}

	if prev := c.boundUser(); prev != "" && prev != principal.UserID {
		m.unbind(c)
	}

	unlock := m.locks.lock(principal.UserID)
	evicted, err := m.admit(c, principal.UserID)
	if err != nil {
		unlock()
		c.setFailed()
		return c, err
	}
	if err := m.sessions.Register(principal.UserID, c.transport); err != nil {
		unlock()
		c.setFailed()
		return c, fmt.Errorf("register session: %w", err)
	}
	c.setAuthenticated(principal.UserID, principal.Identity, principal.Permissions)
	unlock()
	c.touch(m.now())

	for _, old := range evicted {
		m.runDetach(old.conn, principal.UserID, old.remaining)
		old.conn.transport.Close(ErrCycled)
	}

	m.logger.Info("Connection authenticated", slog.String("connID", connID.String()), slog.String("userID", principal.UserID))
	return c, nil
}

type eviction struct {
	conn      *Conn
	remaining int
}

// admit applies the per-user limit. It runs under the user's lock, so the
// count it checks cannot change before the caller registers c. In cycle mode
// the oldest connections are unbound here; the caller closes them once the
// lock is released.
func (m *Manager) admit(c *Conn, userID string) ([]eviction, error) {
	if m.limit.MaxPerUser <= 0 {
		return nil, nil
	}
	count := m.sessions.ConnectionCount(userID)
	if owner, ok := m.sessions.UserOf(c.id); ok && owner == userID {
		count--
	}
	if count < m.limit.MaxPerUser {
		return nil, nil
	}

	m.logger.Warn("User connection limit reached", slog.String("userID", userID), slog.Int("count", count))
	if m.limit.Mode != LimitCycle {
		return nil, protocol.NewError(protocol.ReasonTooManyConnections, "too many active connections")
	}

	var evicted []eviction
	for ; count >= m.limit.MaxPerUser; count-- {
		oldest, found := m.sessions.OldestConnection(userID)
		if !found || oldest.ID() == c.id {
			break
		}
		m.logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID().String()))
		_, remaining, _ := m.sessions.Unregister(oldest.ID())
		v, ok := m.conns.LoadAndDelete(oldest.ID())
		if !ok {
			oldest.Close(ErrCycled)
			continue
		}
		evicted = append(evicted, eviction{conn: v.(*Conn), remaining: remaining})
	}
	return evicted, nil
}

// unbind removes the connection from its user's session and runs hooks. The
// room drop for a user's last connection happens under the user's lock so a
// connection registering concurrently keeps the rooms it syncs.
func (m *Manager) unbind(c *Conn) {
	owner, ok := m.sessions.UserOf(c.id)
	if !ok {
		return
	}
	unlock := m.locks.lock(owner)
	userID, remaining, ok := m.sessions.Unregister(c.id)
	if ok && remaining == 0 {
		m.rooms.Drop(userID)
	}
	unlock()
	if !ok {
		return
	}
	m.runDetach(c, userID, remaining)
}

func (m *Manager) runDetach(c *Conn, userID string, remaining int) {
	m.detachMu.RLock()
	hooks := append([]DetachFunc(nil), m.onDetach...)
	m.detachMu.RUnlock()
	for _, fn := range hooks {
		fn(c, userID, remaining)
	}
}

// Disconnect forgets the connection immediately. There is no grace period:
// a reconnect creates a new connection and resynchronizes.
func (m *Manager) Disconnect(connID uuid.UUID) {
	v, ok := m.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	c := v.(*Conn)
	m.unbind(c)
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	n := 0
	m.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CountByIP returns live connections opened from ip.
func (m *Manager) CountByIP(ip string) int {
	n := 0
	m.conns.Range(func(_, v any) bool {
		if v.(*Conn).ip == ip {
			n++
		}
		return true
	})
	return n
}

// CloseAll closes every live transport.
func (m *Manager) CloseAll(reason error) {
	m.conns.Range(func(_, v any) bool {
		v.(*Conn).transport.Close(reason)
		return true
	})
}
