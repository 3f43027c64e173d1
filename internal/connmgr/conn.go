package connmgr

import (
	"sync"
	"time"

	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/google/uuid"
)

// AuthState of a live connection.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticated
	Failed
)

func (s AuthState) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "unauthenticated"
	}
}

// Conn is the server-side record of one live connection.
type Conn struct {
	id             uuid.UUID
	transport      state.Sender
	ip             string
	handshakeToken string
	createdAt      time.Time

	mu            sync.RWMutex
	authState     AuthState
	userID        string
	identity      protocol.Identity
	perms         state.Permission
	lastHeartbeat time.Time
}

func (c *Conn) ID() uuid.UUID           { return c.id }
func (c *Conn) Transport() state.Sender { return c.transport }
func (c *Conn) IP() string              { return c.ip }
func (c *Conn) CreatedAt() time.Time    { return c.createdAt }

func (c *Conn) AuthState() AuthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authState
}

// Authenticated reports whether protected operations may run.
func (c *Conn) Authenticated() bool {
	return c.AuthState() == Authenticated
}

// UserID is empty until the connection authenticates.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authState != Authenticated {
		return ""
	}
	return c.userID
}

func (c *Conn) Identity() protocol.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Conn) Permissions() state.Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.perms
}

func (c *Conn) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

func (c *Conn) touch(at time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = at
	c.mu.Unlock()
}

func (c *Conn) boundUser() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) setAuthenticated(userID string, identity protocol.Identity, perms state.Permission) {
	c.mu.Lock()
	c.authState = Authenticated
	c.userID = userID
	c.identity = identity
	c.perms = perms
	c.mu.Unlock()
}

// setFailed drops any previous binding; the connection stays open.
func (c *Conn) setFailed() {
	c.mu.Lock()
	c.authState = Failed
	c.userID = ""
	c.identity = protocol.Identity{}
	c.perms = 0
	c.mu.Unlock()
}
