package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/google/uuid"
)

/*
 * The purpose of this is to detach the implementation of event handlers and
 * modifiers from the router that dispatches them.
 */

// Origin is the connection an event arrived on.
type Origin interface {
	ID() uuid.UUID
	UserID() string
	Authenticated() bool
	Permissions() state.Permission
	Transport() state.Sender
}

type Cargo struct {
	Logger        *slog.Logger
	Ctx           context.Context
	Conn          Origin
	Event         string
	CorrelationID string
	Payload       json.RawMessage
	ModifierStore state.ModifierStore
}

// Subject is the key per-user modifier state is stored under. Connections
// that have not authenticated yet are keyed by connection.
func (c *Cargo) Subject() string {
	if id := c.Conn.UserID(); id != "" {
		return id
	}
	return "conn:" + c.Conn.ID().String()
}

// ActionFunc handles one inbound event.
type ActionFunc func(c *Cargo) error

// ModifierFunc runs before the action and may reject the event.
type ModifierFunc func(c *Cargo, params ...string) error

// Handler binds an action to the event it answers.
type Handler struct {
	Action ActionFunc
	// ErrorEvent is the event used to report a failed action.
	ErrorEvent string
	// Protected handlers require an authenticated connection.
	Protected bool
}

// Step is one modifier in an execution pipeline.
type Step struct {
	Name     string
	Modifier ModifierFunc
	Params   []string // raw params from YAML
}

type Pipeline struct {
	Event   string
	Steps   []Step
	Handler Handler
}

// Run executes the modifiers in order and then the action. The first error
// halts the pipeline.
func (p *Pipeline) Run(c *Cargo) error {
	for _, step := range p.Steps {
		if err := step.Modifier(c, step.Params...); err != nil {
			return err
		}
	}
	return p.Handler.Action(c)
}
