package state

import (
	"time"

	"github.com/google/uuid"
)

// SessionConn is one live connection inside a user's session.
type SessionConn struct {
	Sender       Sender
	RegisteredAt time.Time
}

// Session aggregates every live connection of one user.
type Session struct {
	UserID      string
	Connections map[uuid.UUID]*SessionConn
}

// Room is a project-scoped broadcast group.
type Room struct {
	ProjectID string
	Members   map[string]struct{}
}
