package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/teamsync/internal/auth"
	"github.com/a-essam23/teamsync/internal/joinreq"
	"github.com/a-essam23/teamsync/internal/notify"
	"github.com/a-essam23/teamsync/internal/reconcile"
	"github.com/a-essam23/teamsync/internal/server/middleware"
	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/internal/store/sqlite"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state/statemanager"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenIdentity treats the bearer token as the user id.
type tokenIdentity struct{}

func (tokenIdentity) Validate(_ context.Context, _, token string) (auth.Principal, error) {
	if token == "" {
		return auth.Principal{}, protocol.ErrInvalidToken
	}
	return auth.Principal{UserID: token}, nil
}

func newServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlite.Open(t.TempDir() + "/teamsync.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, id := range []string{"creator", "dev1", "dev2"} {
		require.NoError(t, st.PutUser(ctx, store.User{ID: id, FullName: "User " + id, Username: id}))
	}
	require.NoError(t, st.PutProject(ctx, store.Project{ID: "alpha", Title: "Alpha", CreatorID: "creator"}))

	sessions := statemanager.NewInMemorySessions(logger)
	rooms := statemanager.NewInMemoryRooms(logger)
	coord := joinreq.New(st, notify.New(sessions, rooms, logger), sessions, rooms,
		joinreq.Config{MaxProjectsPerUser: 3, CorrelationTimeout: 2 * time.Second, MaxMessageLength: 100}, logger)
	syncer := reconcile.New(st, sessions, rooms, 0, logger)

	r := mux.NewRouter()
	NewHandler(coord, syncer, logger).Register(r, middleware.NewAuthMiddleware(logger, tokenIdentity{}))
	srv := httptest.NewServer(middleware.Chain(r, middleware.RequestMetadataMiddleware()))
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, srv *httptest.Server, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestJoinRequestLifecycleOverREST(t *testing.T) {
	srv, st := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/projects/alpha/join", "dev1", `{"message":"Interested"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	requestID := body["requestId"].(string)
	assert.Equal(t, "pending", body["status"])

	resp, body = do(t, srv, http.MethodPost, "/projects/alpha/join", "dev1", `{"message":"again"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_pending", body["reason"])

	resp, body = do(t, srv, http.MethodGet, "/users/me/requests", "creator", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["incoming"], 1)

	resp, _ = do(t, srv, http.MethodPut, "/requests/"+requestID+"/respond", "dev2", `{"action":"approve"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPut, "/requests/"+requestID+"/respond", "creator", `{"action":"approve","message":"welcome"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", body["status"])

	member, err := st.IsMember(context.Background(), "alpha", "dev1")
	require.NoError(t, err)
	assert.True(t, member)

	resp, body = do(t, srv, http.MethodPut, "/requests/"+requestID+"/respond", "creator", `{"action":"reject"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_resolved", body["reason"])
}

func TestCancelOverREST(t *testing.T) {
	srv, _ := newServer(t)

	_, body := do(t, srv, http.MethodPost, "/projects/alpha/join", "dev1", `{}`)
	requestID := body["requestId"].(string)

	resp, _ := do(t, srv, http.MethodDelete, "/requests/"+requestID, "dev2", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = do(t, srv, http.MethodDelete, "/requests/"+requestID, "dev1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = do(t, srv, http.MethodDelete, "/requests/missing", "dev1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTRejectsBadInput(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/projects/alpha/join", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", body["reason"])

	resp, _ = do(t, srv, http.MethodPost, "/projects/alpha/join", "dev1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/projects/alpha/join", "dev1", `{"message":"`+strings.Repeat("x", 101)+`"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPut, "/requests/x/respond", "creator", `{"action":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/projects/nope/join", "dev1", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor(protocol.ReasonCapacityExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(protocol.ReasonTimeout))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(protocol.ReasonInternal))
}
