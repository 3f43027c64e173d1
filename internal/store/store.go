// Package store defines the durable collaborator contract: users, projects,
// team memberships and join requests. The durable records here are the source
// of truth; everything held in memory elsewhere is derived from them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/a-essam23/teamsync/pkg/protocol"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrAlreadyExists    = errors.New("record already exists")
	ErrAlreadyPending   = errors.New("a pending join request already exists")
	ErrAlreadyMember    = errors.New("user is already a team member")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrAlreadyResolved  = errors.New("join request is already resolved")
	ErrForbidden        = errors.New("operation not permitted for this user")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Status is the lifecycle state of a join request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

type User struct {
	ID        string
	FullName  string
	Username  string
	AvatarURL string
	CreatedAt time.Time
}

// Identity is the one place a stored user becomes the wire identity DTO.
func (u User) Identity() protocol.Identity {
	return protocol.Identity{
		ID:        u.ID,
		FullName:  u.FullName,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
	}
}

type Project struct {
	ID        string
	Title     string
	CreatorID string
	// MaxMembers caps the team size including the creator; zero is unlimited.
	MaxMembers int
	CreatedAt  time.Time
}

type JoinRequest struct {
	ID              string
	ProjectID       string
	RequesterID     string
	CreatorID       string
	Message         string
	Status          Status
	ResponseMessage string
	CreatedAt       time.Time
	ResolvedAt      time.Time

	// Read-side joins, filled by queries that return requests.
	ProjectTitle string
	Requester    User
}

// NewJoinRequest describes a request to create.
type NewJoinRequest struct {
	ID          string
	ProjectID   string
	RequesterID string
	Message     string
	CreatedAt   time.Time
	// MaxProjects bounds pending plus joined projects of the requester,
	// excluding projects they created. Zero disables the check.
	MaxProjects int
}

// Resolution is a conditional pending -> approved|rejected transition.
type Resolution struct {
	RequestID   string
	Status      Status
	Message     string
	MaxProjects int
	At          time.Time
}

type Users interface {
	GetUser(ctx context.Context, id string) (User, error)
}

type Projects interface {
	GetProject(ctx context.Context, id string) (Project, error)
	// ProjectsForUser returns the ids of every project the user is a team
	// member of, including the ones they created.
	ProjectsForUser(ctx context.Context, userID string) ([]string, error)
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
}

type JoinRequests interface {
	// CreateJoinRequest validates membership, duplicates and the requester's
	// project limit and inserts the pending request in one transaction.
	CreateJoinRequest(ctx context.Context, req NewJoinRequest) (JoinRequest, error)
	GetJoinRequest(ctx context.Context, id string) (JoinRequest, error)
	// ResolveJoinRequest transitions only if the request is still pending.
	// Approval re-checks capacity and adds the team membership atomically.
	ResolveJoinRequest(ctx context.Context, res Resolution) (JoinRequest, error)
	CancelJoinRequest(ctx context.Context, id, requesterID string, at time.Time) (JoinRequest, error)
	// ExpirePending moves every request created before cutoff to expired.
	ExpirePending(ctx context.Context, cutoff, at time.Time) ([]JoinRequest, error)
	PendingForCreator(ctx context.Context, userID string) ([]JoinRequest, error)
	PendingForRequester(ctx context.Context, userID string) ([]JoinRequest, error)
}

// Store is the full durable collaborator.
type Store interface {
	Users
	Projects
	JoinRequests
	Close() error
}
