// Package sqlite provides a SQLite-backed implementation of the durable
// join-request collaborator.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/internal/store/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists users, projects, memberships and join requests in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations. The handle is
// limited to one connection so every transaction is serialized.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutUser inserts or updates a user record.
func (s *Store) PutUser(ctx context.Context, u store.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required: %w", store.ErrInvalidArgument)
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, full_name, username, avatar_url, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   full_name = excluded.full_name,
		   username = excluded.username,
		   avatar_url = excluded.avatar_url`,
		u.ID, u.FullName, u.Username, u.AvatarURL, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// PutProject inserts a project and makes its creator a team member.
func (s *Store) PutProject(ctx context.Context, p store.Project) error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.CreatorID) == "" {
		return fmt.Errorf("project id and creator are required: %w", store.ErrInvalidArgument)
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put project: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (id, title, creator_id, max_members, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.CreatorID, p.MaxMembers, toMillis(createdAt),
	); err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("put project: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO team_members (project_id, user_id, joined_at) VALUES (?, ?, ?)`,
		p.ID, p.CreatorID, toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("add creator membership: %w", err)
	}
	return tx.Commit()
}

// AddMember adds a team membership directly, bypassing join requests.
func (s *Store) AddMember(ctx context.Context, projectID, userID string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO team_members (project_id, user_id, joined_at) VALUES (?, ?, ?)`,
		projectID, userID, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (store.User, error) {
	var u store.User
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, full_name, username, avatar_url, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.FullName, &u.Username, &u.AvatarURL, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, store.ErrNotFound
		}
		return store.User{}, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (store.Project, error) {
	var p store.Project
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, title, creator_id, max_members, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.CreatorID, &p.MaxMembers, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, store.ErrNotFound
		}
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	return p, nil
}

func (s *Store) ProjectsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT project_id FROM team_members WHERE user_id = ? ORDER BY project_id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	return isMember(ctx, s.sqlDB, projectID, userID)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isMember(ctx context.Context, q queryer, projectID, userID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM team_members WHERE project_id = ? AND user_id = ?`, projectID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return n > 0, nil
}

// committedProjects counts joined projects not created by the user plus
// pending requests, excluding the request with id skipID.
func committedProjects(ctx context.Context, q queryer, userID, skipID string) (int, error) {
	var joined, pending int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM team_members tm
		   JOIN projects p ON p.id = tm.project_id
		  WHERE tm.user_id = ? AND p.creator_id <> ?`, userID, userID,
	).Scan(&joined)
	if err != nil {
		return 0, fmt.Errorf("count joined projects: %w", err)
	}
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM join_requests WHERE requester_id = ? AND status = 'pending' AND id <> ?`,
		userID, skipID,
	).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("count pending requests: %w", err)
	}
	return joined + pending, nil
}

func (s *Store) CreateJoinRequest(ctx context.Context, req store.NewJoinRequest) (store.JoinRequest, error) {
	if err := ctx.Err(); err != nil {
		return store.JoinRequest{}, err
	}
	if req.ID == "" || req.ProjectID == "" || req.RequesterID == "" {
		return store.JoinRequest{}, fmt.Errorf("request id, project and requester are required: %w", store.ErrInvalidArgument)
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return store.JoinRequest{}, fmt.Errorf("begin create join request: %w", err)
	}
	defer tx.Rollback()

	var creatorID string
	err = tx.QueryRowContext(ctx, `SELECT creator_id FROM projects WHERE id = ?`, req.ProjectID).Scan(&creatorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.JoinRequest{}, store.ErrNotFound
		}
		return store.JoinRequest{}, fmt.Errorf("load project: %w", err)
	}

	member, err := isMember(ctx, tx, req.ProjectID, req.RequesterID)
	if err != nil {
		return store.JoinRequest{}, err
	}
	if member {
		return store.JoinRequest{}, store.ErrAlreadyMember
	}

	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM join_requests WHERE project_id = ? AND requester_id = ? AND status = 'pending'`,
		req.ProjectID, req.RequesterID,
	).Scan(&pending); err != nil {
		return store.JoinRequest{}, fmt.Errorf("check pending request: %w", err)
	}
	if pending > 0 {
		return store.JoinRequest{}, store.ErrAlreadyPending
	}

	if req.MaxProjects > 0 {
		committed, err := committedProjects(ctx, tx, req.RequesterID, "")
		if err != nil {
			return store.JoinRequest{}, err
		}
		if committed >= req.MaxProjects {
			return store.JoinRequest{}, store.ErrCapacityExceeded
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO join_requests (id, project_id, requester_id, creator_id, message, status, created_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		req.ID, req.ProjectID, req.RequesterID, creatorID, req.Message, toMillis(createdAt),
	); err != nil {
		if isUniqueViolation(err) {
			return store.JoinRequest{}, store.ErrAlreadyPending
		}
		return store.JoinRequest{}, fmt.Errorf("insert join request: %w", err)
	}

	out, err := getJoinRequest(ctx, tx, req.ID)
	if err != nil {
		return store.JoinRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.JoinRequest{}, fmt.Errorf("commit join request: %w", err)
	}
	return out, nil
}

func (s *Store) GetJoinRequest(ctx context.Context, id string) (store.JoinRequest, error) {
	return getJoinRequest(ctx, s.sqlDB, id)
}

const joinRequestColumns = `jr.id, jr.project_id, jr.requester_id, jr.creator_id, jr.message, jr.status,
       jr.response_message, jr.created_at, jr.resolved_at,
       p.title, u.id, u.full_name, u.username, u.avatar_url, u.created_at`

const joinRequestFrom = `FROM join_requests jr
  JOIN projects p ON p.id = jr.project_id
  JOIN users u ON u.id = jr.requester_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJoinRequest(row rowScanner) (store.JoinRequest, error) {
	var jr store.JoinRequest
	var status string
	var createdAt, userCreatedAt int64
	var resolvedAt sql.NullInt64
	err := row.Scan(
		&jr.ID, &jr.ProjectID, &jr.RequesterID, &jr.CreatorID, &jr.Message, &status,
		&jr.ResponseMessage, &createdAt, &resolvedAt,
		&jr.ProjectTitle, &jr.Requester.ID, &jr.Requester.FullName, &jr.Requester.Username,
		&jr.Requester.AvatarURL, &userCreatedAt,
	)
	if err != nil {
		return store.JoinRequest{}, err
	}
	jr.Status = store.Status(status)
	jr.CreatedAt = fromMillis(createdAt)
	jr.Requester.CreatedAt = fromMillis(userCreatedAt)
	if resolvedAt.Valid {
		jr.ResolvedAt = fromMillis(resolvedAt.Int64)
	}
	return jr, nil
}

func getJoinRequest(ctx context.Context, q queryer, id string) (store.JoinRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+joinRequestColumns+` `+joinRequestFrom+` WHERE jr.id = ?`, id)
	jr, err := scanJoinRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.JoinRequest{}, store.ErrNotFound
		}
		return store.JoinRequest{}, fmt.Errorf("get join request: %w", err)
	}
	return jr, nil
}

func (s *Store) ResolveJoinRequest(ctx context.Context, res store.Resolution) (store.JoinRequest, error) {
	if res.Status != store.StatusApproved && res.Status != store.StatusRejected {
		return store.JoinRequest{}, fmt.Errorf("resolve to %q: %w", res.Status, store.ErrInvalidArgument)
	}
	at := res.At
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return store.JoinRequest{}, fmt.Errorf("begin resolve join request: %w", err)
	}
	defer tx.Rollback()

	current, err := getJoinRequest(ctx, tx, res.RequestID)
	if err != nil {
		return store.JoinRequest{}, err
	}
	if current.Status != store.StatusPending {
		return store.JoinRequest{}, store.ErrAlreadyResolved
	}

	if res.Status == store.StatusApproved {
		if err := checkApprovalCapacity(ctx, tx, current, res.MaxProjects); err != nil {
			return store.JoinRequest{}, err
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE join_requests SET status = ?, response_message = ?, resolved_at = ?
		  WHERE id = ? AND status = 'pending'`,
		string(res.Status), res.Message, toMillis(at), res.RequestID,
	)
	if err != nil {
		return store.JoinRequest{}, fmt.Errorf("update join request: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return store.JoinRequest{}, fmt.Errorf("update join request: %w", err)
	} else if n == 0 {
		return store.JoinRequest{}, store.ErrAlreadyResolved
	}

	if res.Status == store.StatusApproved {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO team_members (project_id, user_id, joined_at) VALUES (?, ?, ?)`,
			current.ProjectID, current.RequesterID, toMillis(at),
		); err != nil {
			return store.JoinRequest{}, fmt.Errorf("add team member: %w", err)
		}
	}

	out, err := getJoinRequest(ctx, tx, res.RequestID)
	if err != nil {
		return store.JoinRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.JoinRequest{}, fmt.Errorf("commit resolve join request: %w", err)
	}
	return out, nil
}

// checkApprovalCapacity re-validates team size and the requester's project
// limit inside the approving transaction.
func checkApprovalCapacity(ctx context.Context, tx *sql.Tx, jr store.JoinRequest, maxProjects int) error {
	member, err := isMember(ctx, tx, jr.ProjectID, jr.RequesterID)
	if err != nil {
		return err
	}
	if member {
		return nil
	}

	var maxMembers, teamSize int
	if err := tx.QueryRowContext(ctx,
		`SELECT p.max_members, (SELECT COUNT(1) FROM team_members WHERE project_id = p.id)
		   FROM projects p WHERE p.id = ?`, jr.ProjectID,
	).Scan(&maxMembers, &teamSize); err != nil {
		return fmt.Errorf("load team size: %w", err)
	}
	if maxMembers > 0 && teamSize >= maxMembers {
		return store.ErrCapacityExceeded
	}

	if maxProjects > 0 {
		committed, err := committedProjects(ctx, tx, jr.RequesterID, jr.ID)
		if err != nil {
			return err
		}
		if committed >= maxProjects {
			return store.ErrCapacityExceeded
		}
	}
	return nil
}

func (s *Store) CancelJoinRequest(ctx context.Context, id, requesterID string, at time.Time) (store.JoinRequest, error) {
	if at.IsZero() {
		at = s.now()
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return store.JoinRequest{}, fmt.Errorf("begin cancel join request: %w", err)
	}
	defer tx.Rollback()

	current, err := getJoinRequest(ctx, tx, id)
	if err != nil {
		return store.JoinRequest{}, err
	}
	if current.RequesterID != requesterID {
		return store.JoinRequest{}, store.ErrForbidden
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE join_requests SET status = 'cancelled', resolved_at = ? WHERE id = ? AND status = 'pending'`,
		toMillis(at), id,
	)
	if err != nil {
		return store.JoinRequest{}, fmt.Errorf("cancel join request: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return store.JoinRequest{}, fmt.Errorf("cancel join request: %w", err)
	} else if n == 0 {
		return store.JoinRequest{}, store.ErrAlreadyResolved
	}

	out, err := getJoinRequest(ctx, tx, id)
	if err != nil {
		return store.JoinRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.JoinRequest{}, fmt.Errorf("commit cancel join request: %w", err)
	}
	return out, nil
}

func (s *Store) ExpirePending(ctx context.Context, cutoff, at time.Time) ([]store.JoinRequest, error) {
	if at.IsZero() {
		at = s.now()
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire join requests: %w", err)
	}
	defer tx.Rollback()

	stale, err := listJoinRequests(ctx, tx,
		`WHERE jr.status = 'pending' AND jr.created_at < ? ORDER BY jr.created_at`, toMillis(cutoff))
	if err != nil {
		return nil, err
	}
	for i := range stale {
		if _, err := tx.ExecContext(ctx,
			`UPDATE join_requests SET status = 'expired', resolved_at = ? WHERE id = ? AND status = 'pending'`,
			toMillis(at), stale[i].ID,
		); err != nil {
			return nil, fmt.Errorf("expire join request %s: %w", stale[i].ID, err)
		}
		stale[i].Status = store.StatusExpired
		stale[i].ResolvedAt = at.UTC()
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire join requests: %w", err)
	}
	return stale, nil
}

func (s *Store) PendingForCreator(ctx context.Context, userID string) ([]store.JoinRequest, error) {
	return listJoinRequests(ctx, s.sqlDB,
		`WHERE jr.creator_id = ? AND jr.status = 'pending' ORDER BY jr.created_at`, userID)
}

func (s *Store) PendingForRequester(ctx context.Context, userID string) ([]store.JoinRequest, error) {
	return listJoinRequests(ctx, s.sqlDB,
		`WHERE jr.requester_id = ? AND jr.status = 'pending' ORDER BY jr.created_at`, userID)
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listJoinRequests(ctx context.Context, q rowsQueryer, where string, args ...any) ([]store.JoinRequest, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+joinRequestColumns+` `+joinRequestFrom+` `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list join requests: %w", err)
	}
	defer rows.Close()

	var out []store.JoinRequest
	for rows.Next() {
		jr, err := scanJoinRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan join request: %w", err)
		}
		out = append(out, jr)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
