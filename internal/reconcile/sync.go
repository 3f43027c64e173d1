// Package reconcile re-derives a user's live view from the durable store.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
)

// Source is the read side of the durable store needed for a sync.
type Source interface {
	ProjectsForUser(ctx context.Context, userID string) ([]string, error)
	PendingForCreator(ctx context.Context, userID string) ([]store.JoinRequest, error)
	PendingForRequester(ctx context.Context, userID string) ([]store.JoinRequest, error)
}

type Syncer struct {
	source   Source
	sessions state.SessionRegistry
	rooms    state.RoomMembership
	interval time.Duration

	now    func() time.Time
	logger *slog.Logger
}

func New(source Source, sessions state.SessionRegistry, rooms state.RoomMembership, interval time.Duration, logger *slog.Logger) *Syncer {
	return &Syncer{
		source:   source,
		sessions: sessions,
		rooms:    rooms,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "reconciliation_sync")),
	}
}

// Snapshot loads the authoritative state for userID.
func (s *Syncer) Snapshot(ctx context.Context, userID string) (protocol.SyncStatePayload, error) {
	projects, err := s.source.ProjectsForUser(ctx, userID)
	if err != nil {
		return protocol.SyncStatePayload{}, fmt.Errorf("load memberships: %w", err)
	}
	incoming, err := s.source.PendingForCreator(ctx, userID)
	if err != nil {
		return protocol.SyncStatePayload{}, fmt.Errorf("load incoming requests: %w", err)
	}
	outgoing, err := s.source.PendingForRequester(ctx, userID)
	if err != nil {
		return protocol.SyncStatePayload{}, fmt.Errorf("load outgoing requests: %w", err)
	}
	if projects == nil {
		projects = []string{}
	}
	return protocol.SyncStatePayload{
		Incoming:  toPending(incoming),
		Outgoing:  toPending(outgoing),
		Projects:  projects,
		Timestamp: s.now(),
	}, nil
}

// Sync replaces the user's rooms with their durable memberships and sends
// the snapshot to conn. Resolved requests never appear in the snapshot.
func (s *Syncer) Sync(ctx context.Context, conn state.Sender, userID string) error {
	snap, err := s.Snapshot(ctx, userID)
	if err != nil {
		return err
	}
	s.rooms.Replace(userID, snap.Projects)

	msg, err := protocol.Encode(protocol.EventSyncState, "", snap, s.now())
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if !conn.Send(msg) {
		s.logger.Warn("Dropped sync state, send buffer full", slog.String("userID", userID), slog.String("connID", conn.ID().String()))
	}
	s.logger.Debug("Synchronized user",
		slog.String("userID", userID),
		slog.Int("projects", len(snap.Projects)),
		slog.Int("incoming", len(snap.Incoming)),
		slog.Int("outgoing", len(snap.Outgoing)),
	)
	return nil
}

// SyncUser runs Sync against every live connection of userID.
func (s *Syncer) SyncUser(ctx context.Context, userID string) error {
	conns := s.sessions.LiveSessions(userID)
	if len(conns) == 0 {
		return nil
	}
	snap, err := s.Snapshot(ctx, userID)
	if err != nil {
		return err
	}
	s.rooms.Replace(userID, snap.Projects)
	msg, err := protocol.Encode(protocol.EventSyncState, "", snap, s.now())
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	for _, c := range conns {
		c.Send(msg)
	}
	return nil
}

// Run periodically re-syncs every live user until ctx is done. A zero
// interval disables it.
func (s *Syncer) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range s.sessions.Users() {
				if err := s.SyncUser(ctx, userID); err != nil {
					s.logger.Error("Periodic sync failed", slog.String("userID", userID), slog.Any("error", err))
				}
			}
		}
	}
}

func toPending(reqs []store.JoinRequest) []protocol.PendingRequest {
	out := make([]protocol.PendingRequest, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, protocol.PendingRequest{
			RequestID:    r.ID,
			ProjectID:    r.ProjectID,
			ProjectTitle: r.ProjectTitle,
			Requester:    r.Requester.Identity(),
			Message:      r.Message,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out
}
