package pipeline

import (
	"errors"
	"testing"

	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type origin struct {
	id     uuid.UUID
	userID string
}

func (o origin) ID() uuid.UUID                 { return o.id }
func (o origin) UserID() string                { return o.userID }
func (o origin) Authenticated() bool           { return o.userID != "" }
func (o origin) Permissions() state.Permission { return 0 }
func (o origin) Transport() state.Sender       { return nil }

func TestRunStopsAtFirstFailingModifier(t *testing.T) {
	var calls []string
	deny := errors.New("denied")
	p := &Pipeline{
		Event: "ev",
		Steps: []Step{
			{Name: "a", Modifier: func(c *Cargo, params ...string) error {
				calls = append(calls, "a:"+params[0])
				return nil
			}, Params: []string{"x"}},
			{Name: "b", Modifier: func(c *Cargo, params ...string) error {
				calls = append(calls, "b")
				return deny
			}},
		},
		Handler: Handler{Action: func(c *Cargo) error {
			calls = append(calls, "action")
			return nil
		}},
	}

	err := p.Run(&Cargo{})
	assert.ErrorIs(t, err, deny)
	assert.Equal(t, []string{"a:x", "b"}, calls)
}

func TestRunReachesAction(t *testing.T) {
	ran := false
	p := &Pipeline{Handler: Handler{Action: func(c *Cargo) error {
		ran = true
		return nil
	}}}
	assert.NoError(t, p.Run(&Cargo{}))
	assert.True(t, ran)
}

func TestSubject(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, "u1", (&Cargo{Conn: origin{id: id, userID: "u1"}}).Subject())
	assert.Equal(t, "conn:"+id.String(), (&Cargo{Conn: origin{id: id}}).Subject())
}
