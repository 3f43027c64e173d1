package joinreq

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/teamsync/internal/notify"
	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/internal/store/sqlite"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	id uuid.UUID

	mu   sync.Mutex
	msgs []protocol.Envelope
}

func newRecorder() *recorder { return &recorder{id: uuid.New()} }

func (r *recorder) ID() uuid.UUID { return r.id }
func (r *recorder) Close(error)   {}
func (r *recorder) Send(msg []byte) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return false
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, env)
	r.mu.Unlock()
	return true
}

// find returns every received envelope for event.
func (r *recorder) find(event string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, m := range r.msgs {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	coord    *Coordinator
	store    *sqlite.Store
	sessions *statemanager.InMemorySessions
	rooms    *statemanager.InMemoryRooms
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := sqlite.Open(t.TempDir() + "/teamsync.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newHarnessWithStore(t, st, st, cfg)
}

func newHarnessWithStore(t *testing.T, st *sqlite.Store, backend store.Store, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := statemanager.NewInMemorySessions(logger)
	rooms := statemanager.NewInMemoryRooms(logger)
	router := notify.New(sessions, rooms, logger)
	h := &harness{
		coord:    New(backend, router, sessions, rooms, cfg, logger),
		store:    st,
		sessions: sessions,
		rooms:    rooms,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.coord.Shutdown(ctx)
	})
	return h
}

// seedAlpha creates the creator, developers and the "Alpha" project.
func (h *harness) seedAlpha(t *testing.T, maxMembers int) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"creator", "dev1", "dev2", "admin"} {
		require.NoError(t, h.store.PutUser(ctx, store.User{ID: id, FullName: "User " + id, Username: id}))
	}
	require.NoError(t, h.store.PutProject(ctx, store.Project{ID: "Alpha", Title: "Alpha", CreatorID: "creator", MaxMembers: maxMembers}))
}

// online registers a new live connection for userID.
func (h *harness) online(t *testing.T, userID string) *recorder {
	t.Helper()
	r := newRecorder()
	require.NoError(t, h.sessions.Register(userID, r))
	return r
}

func caller(userID string, conn *recorder) Caller {
	c := Caller{UserID: userID}
	if conn != nil {
		c.ConnID = conn.ID()
	}
	return c
}

func defaultConfig() Config {
	return Config{
		MaxProjectsPerUser: 3,
		CorrelationTimeout: 2 * time.Second,
		Expiry:             720 * time.Hour,
		MaxMessageLength:   500,
	}
}
