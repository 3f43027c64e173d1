// Package notify fans server events out to every live session of a user.
//
// Delivery is best-effort: a user with no live sessions is a no-op and a
// full send buffer drops the frame. Events addressed to the same user are
// written to each of their connections in the order Deliver was called.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/google/uuid"
)

type Router struct {
	sessions state.SessionRegistry
	rooms    state.RoomMembership

	locksMu sync.Mutex
	locks   map[string]*userLock

	now    func() time.Time
	logger *slog.Logger
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func New(sessions state.SessionRegistry, rooms state.RoomMembership, logger *slog.Logger) *Router {
	return &Router{
		sessions: sessions,
		rooms:    rooms,
		locks:    make(map[string]*userLock),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notification_router")),
	}
}

// Deliver sends event to every live connection of userID and returns the
// number of connections that accepted the frame.
func (r *Router) Deliver(userID, event string, payload any) int {
	return r.DeliverExcept(userID, uuid.Nil, event, payload)
}

// DeliverExcept is Deliver skipping the connection identified by except.
func (r *Router) DeliverExcept(userID string, except uuid.UUID, event string, payload any) int {
	msg, err := protocol.Encode(event, "", payload, r.now())
	if err != nil {
		r.logger.Error("Failed to encode event", slog.String("event", event), slog.Any("error", err))
		return 0
	}
	return r.deliverRaw(userID, except, event, msg)
}

// Broadcast sends event to every member of the project room except the
// user named in exceptUser.
func (r *Router) Broadcast(projectID, exceptUser, event string, payload any) int {
	msg, err := protocol.Encode(event, "", payload, r.now())
	if err != nil {
		r.logger.Error("Failed to encode event", slog.String("event", event), slog.Any("error", err))
		return 0
	}
	sent := 0
	for _, userID := range r.rooms.Members(projectID) {
		if userID == exceptUser {
			continue
		}
		sent += r.deliverRaw(userID, uuid.Nil, event, msg)
	}
	r.logger.Debug("Broadcast to project room",
		slog.String("projectID", projectID),
		slog.String("event", event),
		slog.Int("delivered", sent),
	)
	return sent
}

// Reply writes a correlated event to a single connection.
func (r *Router) Reply(conn state.Sender, event, correlationID string, payload any) bool {
	msg, err := protocol.Encode(event, correlationID, payload, r.now())
	if err != nil {
		r.logger.Error("Failed to encode reply", slog.String("event", event), slog.Any("error", err))
		return false
	}
	if !conn.Send(msg) {
		r.logger.Warn("Dropped reply, send buffer full",
			slog.String("connID", conn.ID().String()),
			slog.String("event", event),
		)
		return false
	}
	return true
}

// ReplyError writes an error event carrying the protocol reason of err.
func (r *Router) ReplyError(conn state.Sender, event, correlationID, origin string, err error) bool {
	pe := protocol.AsError(err)
	return r.Reply(conn, event, correlationID, protocol.ErrorPayload{
		Reason:  pe.Reason,
		Message: pe.Message,
		Event:   origin,
	})
}

func (r *Router) deliverRaw(userID string, except uuid.UUID, event string, msg []byte) int {
	l := r.acquire(userID)
	defer r.release(userID, l)

	conns := r.sessions.LiveSessions(userID)
	if len(conns) == 0 {
		r.logger.Debug("No live sessions, event not delivered", slog.String("userID", userID), slog.String("event", event))
		return 0
	}
	sent := 0
	for _, c := range conns {
		if c.ID() == except {
			continue
		}
		if c.Send(msg) {
			sent++
			continue
		}
		r.logger.Warn("Dropped event, send buffer full",
			slog.String("userID", userID),
			slog.String("connID", c.ID().String()),
			slog.String("event", event),
		)
	}
	return sent
}

func (r *Router) acquire(userID string) *userLock {
	r.locksMu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.locksMu.Unlock()
	l.mu.Lock()
	return l
}

func (r *Router) release(userID string, l *userLock) {
	l.mu.Unlock()
	r.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, userID)
	}
	r.locksMu.Unlock()
}
