package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/google/uuid"
)

// InMemorySessions is a SessionRegistry with one lock per user.
type InMemorySessions struct {
	users  *keyedMap[*state.Session]
	owners sync.Map // uuid.UUID -> userID

	now    func() time.Time
	logger *slog.Logger
}

// compile-time check to ensure InMemorySessions implements SessionRegistry.
var _ state.SessionRegistry = (*InMemorySessions)(nil)

func NewInMemorySessions(logger *slog.Logger) *InMemorySessions {
	return &InMemorySessions{
		users: newKeyedMap(func() *state.Session {
			return &state.Session{Connections: make(map[uuid.UUID]*state.SessionConn)}
		}),
		now:    time.Now,
		logger: logger.With(slog.String("component", "session_registry")),
	}
}

func (m *InMemorySessions) Register(userID string, conn state.Sender) error {
	if userID == "" {
		return errors.New("cannot register connection without a user")
	}
	if conn == nil {
		return errors.New("cannot register nil connection")
	}
	connID := conn.ID()

	if prev, ok := m.UserOf(connID); ok && prev != userID {
		m.Unregister(connID)
		m.logger.Debug("Rebinding connection to a different user",
			slog.String("connID", connID.String()),
			slog.String("fromUserID", prev),
			slog.String("toUserID", userID),
		)
	}

	m.users.update(userID, func(s *state.Session) bool {
		s.UserID = userID
		if _, exists := s.Connections[connID]; !exists {
			s.Connections[connID] = &state.SessionConn{Sender: conn, RegisteredAt: m.now()}
		}
		return false
	})
	m.owners.Store(connID, userID)
	m.logger.Debug("Associated connection with user", slog.String("connID", connID.String()), slog.String("userID", userID))
	return nil
}

func (m *InMemorySessions) Unregister(connID uuid.UUID) (string, int, bool) {
	owner, ok := m.owners.LoadAndDelete(connID)
	if !ok {
		// connection is already deregistered
		return "", 0, false
	}
	userID := owner.(string)

	remaining := 0
	m.users.update(userID, func(s *state.Session) bool {
		delete(s.Connections, connID)
		remaining = len(s.Connections)
		return remaining == 0
	})
	if remaining == 0 {
		m.logger.Debug("Removed empty session", slog.String("userID", userID))
	}
	m.logger.Debug("Detached connection from user", slog.String("connID", connID.String()), slog.String("userID", userID))
	return userID, remaining, true
}

func (m *InMemorySessions) LiveSessions(userID string) []state.Sender {
	var out []state.Sender
	m.users.view(userID, func(s *state.Session) {
		out = make([]state.Sender, 0, len(s.Connections))
		for _, c := range s.Connections {
			out = append(out, c.Sender)
		}
	})
	return out
}

func (m *InMemorySessions) ConnectionCount(userID string) int {
	count := 0
	m.users.view(userID, func(s *state.Session) {
		count = len(s.Connections)
	})
	return count
}

func (m *InMemorySessions) OldestConnection(userID string) (state.Sender, bool) {
	var oldest *state.SessionConn
	m.users.view(userID, func(s *state.Session) {
		for _, c := range s.Connections {
			if oldest == nil || c.RegisteredAt.Before(oldest.RegisteredAt) {
				oldest = c
			}
		}
	})
	if oldest == nil {
		return nil, false
	}
	return oldest.Sender, true
}

func (m *InMemorySessions) UserOf(connID uuid.UUID) (string, bool) {
	owner, ok := m.owners.Load(connID)
	if !ok {
		return "", false
	}
	return owner.(string), true
}

func (m *InMemorySessions) Users() []string {
	return m.users.keys()
}
