package state

import (
	"time"

	"github.com/google/uuid"
)

// Sender is the write side of a live connection as seen by the registries.
type Sender interface {
	ID() uuid.UUID
	// Send enqueues a frame without blocking; false means it was dropped.
	Send(msg []byte) bool
	Close(err error)
}

// SessionRegistry maps a user to the set of their live connections.
type SessionRegistry interface {
	// Register binds conn to userID. A connection already bound to another
	// user is unbound from it first.
	Register(userID string, conn Sender) error
	// Unregister removes the connection and reports the owning user and how
	// many connections that user has left.
	Unregister(connID uuid.UUID) (userID string, remaining int, ok bool)
	LiveSessions(userID string) []Sender
	ConnectionCount(userID string) int
	OldestConnection(userID string) (Sender, bool)
	UserOf(connID uuid.UUID) (string, bool)
	Users() []string
}

// RoomMembership tracks which users receive project-scoped broadcasts.
// It is broadcast scoping only and never an authorization source.
type RoomMembership interface {
	Join(userID, projectID string)
	Leave(userID, projectID string)
	Members(projectID string) []string
	RoomsOf(userID string) []string
	// Replace swaps the user's whole room set for projectIDs.
	Replace(userID string, projectIDs []string)
	// Drop removes the user from every room.
	Drop(userID string)
}

// ModifierStore holds short-lived per-user state for pipeline modifiers.
type ModifierStore interface {
	GetModifierState(modifierName, userID, eventName string) (*ModifierState, bool)
	// SetModifierState stores st, stopping the timer of any state it replaces.
	SetModifierState(modifierName, userID, eventName string, st *ModifierState)
	DeleteModifierState(modifierName, userID, eventName string)
}

// ModifierState is a value with an optional cleanup timer.
type ModifierState struct {
	Value any
	Timer *time.Timer
}
