package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/teamsync/internal/connmgr"
	"github.com/a-essam23/teamsync/internal/joinreq"
	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/pkg/pipeline"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
)

func decode(pctx *pipeline.Cargo, dst any) error {
	return protocol.Envelope{Event: pctx.Event, Payload: pctx.Payload}.Decode(dst)
}

func callerOf(pctx *pipeline.Cargo) joinreq.Caller {
	return joinreq.Caller{
		UserID:      pctx.Conn.UserID(),
		ConnID:      pctx.Conn.ID(),
		Permissions: pctx.Conn.Permissions(),
	}
}

func reply(svc *Services, pctx *pipeline.Cargo, event string, payload any) {
	svc.Notifier.Reply(pctx.Conn.Transport(), event, pctx.CorrelationID, payload)
}

// handleAuthenticate binds the connection to a user, confirms and then sends
// the reconciled state. A failure leaves the connection open.
func handleAuthenticate(svc *Services) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo) error {
		var in protocol.AuthenticatePayload
		if err := decode(pctx, &in); err != nil {
			return err
		}
		if in.UserID == "" {
			return protocol.NewError(protocol.ReasonInvalidRequest, "userId is required")
		}

		conn, err := svc.Connections.Authenticate(pctx.Ctx, pctx.Conn.ID(), connmgr.Credentials{
			UserID: in.UserID,
			Token:  in.Token,
		})
		if err != nil {
			return err
		}

		reply(svc, pctx, protocol.EventAuthenticated, protocol.AuthenticatedPayload{User: conn.Identity()})
		if err := svc.Syncer.Sync(pctx.Ctx, conn.Transport(), conn.UserID()); err != nil {
			pctx.Logger.Error("Reconciliation after authentication failed", slog.String("userID", conn.UserID()), slog.Any("error", err))
		}
		return nil
	}
}

func handlePing(svc *Services) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo) error {
		svc.Connections.Touch(pctx.Conn.ID())
		reply(svc, pctx, protocol.EventPong, json.RawMessage(`{}`))
		return nil
	}
}

func handleSendJoinRequest(svc *Services) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo) error {
		var in protocol.SendJoinRequestPayload
		if err := decode(pctx, &in); err != nil {
			return err
		}
		receipt, err := svc.Requests.Submit(pctx.Ctx, callerOf(pctx), pctx.CorrelationID, in.ProjectID, in.Message)
		if err != nil {
			return err
		}
		reply(svc, pctx, protocol.EventJoinRequestSent, protocol.JoinRequestSentPayload{RequestID: receipt.Request.ID})
		return nil
	}
}

func handleRespondJoinRequest(svc *Services) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo) error {
		var in protocol.RespondJoinRequestPayload
		if err := decode(pctx, &in); err != nil {
			return err
		}
		req, err := svc.Requests.Respond(pctx.Ctx, callerOf(pctx), pctx.CorrelationID, in.RequestID, in.Action, in.Message)
		if err != nil {
			return err
		}
		reply(svc, pctx, protocol.EventJoinResponseSent, protocol.JoinResponseSentPayload{RequestID: req.ID})
		return nil
	}
}

func handleCancelJoinRequest(svc *Services) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo) error {
		var in protocol.CancelJoinRequestPayload
		if err := decode(pctx, &in); err != nil {
			return err
		}
		req, err := svc.Requests.Cancel(pctx.Ctx, callerOf(pctx), pctx.CorrelationID, in.RequestID)
		if err != nil {
			return err
		}
		reply(svc, pctx, protocol.EventJoinRequestCancelled, protocol.JoinRequestCancelledPayload{
			RequestID: req.ID,
			ProjectID: req.ProjectID,
			Timestamp: req.ResolvedAt,
		})
		return nil
	}
}

// handleJoinRoom subscribes the user to project broadcasts. Only durable team
// members may subscribe.
func handleJoinRoom(svc *Services) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo) error {
		var in protocol.RoomPayload
		if err := decode(pctx, &in); err != nil {
			return err
		}
		if in.ProjectID == "" {
			return protocol.NewError(protocol.ReasonInvalidRequest, "projectId is required")
		}
		userID := pctx.Conn.UserID()
		if err := canJoinRoom(pctx, svc.Projects, in.ProjectID, userID); err != nil {
			return err
		}
		svc.Rooms.Join(userID, in.ProjectID)
		pctx.Logger.Info("User joined room", slog.String("userID", userID), slog.String("projectID", in.ProjectID))
		reply(svc, pctx, protocol.EventRoomJoined, in)
		return nil
	}
}

// canJoinRoom admits team members. Moderators may observe the room of any
// existing project.
func canJoinRoom(pctx *pipeline.Cargo, projects store.Projects, projectID, userID string) error {
	if pctx.Conn.Permissions().Has(state.PermModerate) {
		if _, err := projects.GetProject(pctx.Ctx, projectID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return protocol.ErrNotFound
			}
			return fmt.Errorf("load project: %w", err)
		}
		return nil
	}
	member, err := projects.IsMember(pctx.Ctx, projectID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return protocol.ErrUnauthorized
	}
	return nil
}

func handleLeaveRoom(svc *Services) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo) error {
		var in protocol.RoomPayload
		if err := decode(pctx, &in); err != nil {
			return err
		}
		userID := pctx.Conn.UserID()
		svc.Rooms.Leave(userID, in.ProjectID)
		pctx.Logger.Info("User left room", slog.String("userID", userID), slog.String("projectID", in.ProjectID))
		reply(svc, pctx, protocol.EventRoomLeft, in)
		return nil
	}
}
