package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/teamsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/teamsync.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed creates a creator with project "alpha" and a few developers.
func seed(t *testing.T, s *Store, maxMembers int) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"creator", "dev1", "dev2", "dev3"} {
		require.NoError(t, s.PutUser(ctx, store.User{ID: id, FullName: "User " + id, Username: id}))
	}
	require.NoError(t, s.PutProject(ctx, store.Project{ID: "alpha", Title: "Alpha", CreatorID: "creator", MaxMembers: maxMembers}))
}

func newRequest(id, projectID, requesterID string) store.NewJoinRequest {
	return store.NewJoinRequest{ID: id, ProjectID: projectID, RequesterID: requesterID, Message: "Interested", MaxProjects: 3}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/teamsync.db"
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestCreatorIsMemberOfOwnProject(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 0)

	projects, err := s.ProjectsForUser(context.Background(), "creator")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, projects)
}

func TestCreateJoinRequest(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 0)
	ctx := context.Background()

	jr, err := s.CreateJoinRequest(ctx, newRequest("r1", "alpha", "dev1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, jr.Status)
	assert.Equal(t, "creator", jr.CreatorID)
	assert.Equal(t, "Alpha", jr.ProjectTitle)
	assert.Equal(t, "User dev1", jr.Requester.FullName)
	assert.True(t, jr.ResolvedAt.IsZero())

	_, err = s.CreateJoinRequest(ctx, newRequest("r2", "alpha", "dev1"))
	assert.ErrorIs(t, err, store.ErrAlreadyPending)

	_, err = s.CreateJoinRequest(ctx, newRequest("r3", "missing", "dev1"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateJoinRequest(ctx, newRequest("r4", "alpha", "creator"))
	assert.ErrorIs(t, err, store.ErrAlreadyMember)
}

func TestCreateJoinRequestEnforcesProjectLimit(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("p%d", i)
		require.NoError(t, s.PutProject(ctx, store.Project{ID: id, Title: id, CreatorID: "creator"}))
		require.NoError(t, s.AddMember(ctx, id, "dev1"))
	}

	_, err := s.CreateJoinRequest(ctx, newRequest("r1", "alpha", "dev1"))
	assert.ErrorIs(t, err, store.ErrCapacityExceeded)

	pending, err := s.PendingForRequester(ctx, "dev1")
	require.NoError(t, err)
	assert.Empty(t, pending, "no durable request may be created past the limit")
}

func TestOwnProjectsDoNotCountTowardsLimit(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("own%d", i)
		require.NoError(t, s.PutProject(ctx, store.Project{ID: id, Title: id, CreatorID: "dev1"}))
	}
	_, err := s.CreateJoinRequest(ctx, newRequest("r1", "alpha", "dev1"))
	assert.NoError(t, err)
}

func TestResolveApproveAddsMember(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 0)
	ctx := context.Background()

	_, err := s.CreateJoinRequest(ctx, newRequest("r1", "alpha", "dev1"))
	require.NoError(t, err)

	jr, err := s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "r1", Status: store.StatusApproved, Message: "welcome", MaxProjects: 3})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, jr.Status)
	assert.Equal(t, "welcome", jr.ResponseMessage)
	assert.False(t, jr.ResolvedAt.IsZero())

	member, err := s.IsMember(ctx, "alpha", "dev1")
	require.NoError(t, err)
	assert.True(t, member)

	_, err = s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "r1", Status: store.StatusRejected})
	assert.ErrorIs(t, err, store.ErrAlreadyResolved)

	_, err = s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "nope", Status: store.StatusRejected})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveRejectDoesNotAddMember(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 0)
	ctx := context.Background()

	_, err := s.CreateJoinRequest(ctx, newRequest("r1", "alpha", "dev1"))
	require.NoError(t, err)
	_, err = s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "r1", Status: store.StatusRejected})
	require.NoError(t, err)

	member, err := s.IsMember(ctx, "alpha", "dev1")
	require.NoError(t, err)
	assert.False(t, member)

	// a rejected request frees the pair for a new one
	_, err = s.CreateJoinRequest(ctx, newRequest("r2", "alpha", "dev1"))
	assert.NoError(t, err)
}

func TestResolveRechecksTeamCapacity(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 2) // creator plus one member
	ctx := context.Background()

	_, err := s.CreateJoinRequest(ctx, newRequest("r1", "alpha", "dev1"))
	require.NoError(t, err)
	_, err = s.CreateJoinRequest(ctx, newRequest("r2", "alpha", "dev2"))
	require.NoError(t, err)

	_, err = s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "r1", Status: store.StatusApproved})
	require.NoError(t, err)

	_, err = s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "r2", Status: store.StatusApproved})
	assert.ErrorIs(t, err, store.ErrCapacityExceeded)

	jr, err := s.GetJoinRequest(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, jr.Status, "failed approval must not transition")

	_, err = s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "r2", Status: store.StatusRejected})
	assert.NoError(t, err)
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 0)
	ctx := context.Background()

	_, err := s.CreateJoinRequest(ctx, newRequest("r1", "alpha", "dev1"))
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := store.StatusApproved
			if i%2 == 1 {
				status = store.StatusRejected
			}
			_, err := s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "r1", Status: status})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins, races := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrAlreadyResolved):
			races++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, races)
}

func TestCancelJoinRequest(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 0)
	ctx := context.Background()

	_, err := s.CreateJoinRequest(ctx, newRequest("r1", "alpha", "dev1"))
	require.NoError(t, err)

	_, err = s.CancelJoinRequest(ctx, "r1", "dev2", time.Time{})
	assert.ErrorIs(t, err, store.ErrForbidden)

	jr, err := s.CancelJoinRequest(ctx, "r1", "dev1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, jr.Status)

	_, err = s.CancelJoinRequest(ctx, "r1", "dev1", time.Time{})
	assert.ErrorIs(t, err, store.ErrAlreadyResolved)

	_, err = s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "r1", Status: store.StatusApproved})
	assert.ErrorIs(t, err, store.ErrAlreadyResolved, "cancelled is terminal")
}

func TestExpirePending(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, 0)
	ctx := context.Background()
	old := time.Now().Add(-31 * 24 * time.Hour)

	stale := newRequest("old", "alpha", "dev1")
	stale.CreatedAt = old
	_, err := s.CreateJoinRequest(ctx, stale)
	require.NoError(t, err)
	_, err = s.CreateJoinRequest(ctx, newRequest("fresh", "alpha", "dev2"))
	require.NoError(t, err)

	expired, err := s.ExpirePending(ctx, time.Now().Add(-30*24*time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)
	assert.Equal(t, store.StatusExpired, expired[0].Status)

	pending, err := s.PendingForCreator(ctx, "creator")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].ID)

	_, err = s.ResolveJoinRequest(ctx, store.Resolution{RequestID: "old", Status: store.StatusApproved})
	assert.ErrorIs(t, err, store.ErrAlreadyResolved, "expired is terminal")
}

func TestGetUserNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetProject(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExtractUpMigration(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a(x);\n-- +migrate Down\nDROP TABLE a;"
	assert.Equal(t, "\nCREATE TABLE a(x);\n", extractUpMigration(content))
	assert.Equal(t, "SELECT 1;", extractUpMigration("SELECT 1;"))
}
