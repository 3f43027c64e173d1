package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/a-essam23/teamsync/internal/auth"
	"github.com/a-essam23/teamsync/internal/connmgr"
	"github.com/a-essam23/teamsync/pkg/pipeline"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/a-essam23/teamsync/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sender struct{ id uuid.UUID }

func (s sender) ID() uuid.UUID      { return s.id }
func (s sender) Send(_ []byte) bool { return true }
func (s sender) Close(error)        {}

type replyRecord struct {
	event, correlationID, origin string
	err                          error
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []replyRecord
}

func (f *fakeReplier) ReplyError(_ state.Sender, event, correlationID, origin string, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replyRecord{event, correlationID, origin, err})
	return true
}

type denyAll struct{}

func (denyAll) Validate(context.Context, string, string) (auth.Principal, error) {
	return auth.Principal{}, protocol.ErrInvalidToken
}

func setup(t *testing.T, pipes map[string]*pipeline.Pipeline) (*EventRouter, *fakeReplier, uuid.UUID) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := connmgr.New(statemanager.NewInMemorySessions(logger), statemanager.NewInMemoryRooms(logger), denyAll{}, connmgr.Limit{}, logger)
	s := sender{id: uuid.New()}
	mgr.OnConnect(s, "127.0.0.1", "")
	replier := &fakeReplier{}
	return NewEventRouter(logger, mgr, replier, statemanager.NewInMemoryModifierStore(logger), pipes), replier, s.id
}

func TestHandleMessageDispatchesPayload(t *testing.T) {
	var got *pipeline.Cargo
	pipes := map[string]*pipeline.Pipeline{
		"echo": {Event: "echo", Handler: pipeline.Handler{Action: func(c *pipeline.Cargo) error {
			got = c
			return nil
		}}},
	}
	r, replier, connID := setup(t, pipes)

	r.HandleMessage(context.Background(), connID, []byte(`{"event":"echo","correlationId":"c-1","payload":{"a":1}}`))
	require.NotNil(t, got)
	assert.Equal(t, "echo", got.Event)
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))
	assert.Equal(t, connID, got.Conn.ID())
	assert.Empty(t, replier.replies)
}

func TestHandleMessageRejectsInvalidJSON(t *testing.T) {
	r, replier, connID := setup(t, nil)
	r.HandleMessage(context.Background(), connID, []byte(`{not json`))

	require.Len(t, replier.replies, 1)
	assert.Equal(t, protocol.EventError, replier.replies[0].event)
	assert.ErrorIs(t, replier.replies[0].err, protocol.ErrInvalidRequest)
}

func TestHandleMessageUnknownEvent(t *testing.T) {
	r, replier, connID := setup(t, nil)
	r.HandleMessage(context.Background(), connID, []byte(`{"event":"nope","correlationId":"c-9"}`))

	require.Len(t, replier.replies, 1)
	rep := replier.replies[0]
	assert.Equal(t, protocol.EventError, rep.event)
	assert.Equal(t, "c-9", rep.correlationID)
	assert.Equal(t, "nope", rep.origin)
	assert.Equal(t, protocol.ReasonUnknownEvent, protocol.AsError(rep.err).Reason)
}

func TestHandleMessageReportsFailureOnHandlerErrorEvent(t *testing.T) {
	boom := errors.New("boom")
	pipes := map[string]*pipeline.Pipeline{
		"send_join_request": {
			Event: "send_join_request",
			Steps: []pipeline.Step{{Name: "authenticated", Modifier: func(c *pipeline.Cargo, _ ...string) error {
				if !c.Conn.Authenticated() {
					return protocol.ErrUnauthenticated
				}
				return nil
			}}},
			Handler: pipeline.Handler{
				Action:     func(*pipeline.Cargo) error { return boom },
				ErrorEvent: protocol.EventJoinRequestError,
			},
		},
	}
	r, replier, connID := setup(t, pipes)
	r.HandleMessage(context.Background(), connID, []byte(`{"event":"send_join_request","correlationId":"c-2","payload":{}}`))

	require.Len(t, replier.replies, 1)
	rep := replier.replies[0]
	assert.Equal(t, protocol.EventJoinRequestError, rep.event)
	assert.Equal(t, "c-2", rep.correlationID)
	assert.ErrorIs(t, rep.err, protocol.ErrUnauthenticated)
}

func TestHandleMessageUnknownConnectionIsIgnored(t *testing.T) {
	r, replier, _ := setup(t, nil)
	r.HandleMessage(context.Background(), uuid.New(), []byte(`{"event":"x"}`))
	assert.Empty(t, replier.replies)
}
