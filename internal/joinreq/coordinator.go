// Package joinreq coordinates the join-request lifecycle: it validates and
// commits durable transitions, correlates them with the issuing connection
// and pushes the resulting live events.
package joinreq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/a-essam23/teamsync/internal/correlation"
	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/a-essam23/teamsync/internal/joinreq"

// Notifier is the live fan-out used after a durable commit.
type Notifier interface {
	Deliver(userID, event string, payload any) int
	DeliverExcept(userID string, except uuid.UUID, event string, payload any) int
	Broadcast(projectID, exceptUser, event string, payload any) int
}

type Config struct {
	// MaxProjectsPerUser bounds pending plus joined projects; zero disables it.
	MaxProjectsPerUser int
	CorrelationTimeout time.Duration
	Expiry             time.Duration
	SweepInterval      time.Duration
	MaxMessageLength   int
}

// Caller identifies who issued an operation and from which connection.
// REST callers use uuid.Nil as ConnID.
type Caller struct {
	UserID      string
	ConnID      uuid.UUID
	Permissions state.Permission
}

// Receipt is returned to the requester once the request is durable.
type Receipt struct {
	CorrelationID string
	Request       store.JoinRequest
}

type Coordinator struct {
	store    store.Store
	notifier Notifier
	sessions state.SessionRegistry
	rooms    state.RoomMembership
	cfg      Config

	pending  *correlation.Table[store.JoinRequest]
	inflight sync.WaitGroup

	tracer trace.Tracer
	now    func() time.Time
	logger *slog.Logger
}

func New(st store.Store, notifier Notifier, sessions state.SessionRegistry, rooms state.RoomMembership, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.CorrelationTimeout <= 0 {
		cfg.CorrelationTimeout = 10 * time.Second
	}
	return &Coordinator{
		store:    st,
		notifier: notifier,
		sessions: sessions,
		rooms:    rooms,
		cfg:      cfg,
		pending:  correlation.New[store.JoinRequest](),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "join_request_coordinator")),
	}
}

// Submit creates a pending join request for projectID. It returns only after
// the durable write commits, or with protocol.ErrTimeout if that takes longer
// than the correlation deadline.
func (c *Coordinator) Submit(ctx context.Context, caller Caller, correlationID, projectID, message string) (Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "joinreq.Submit", trace.WithAttributes(
		attribute.String("user.id", caller.UserID),
		attribute.String("project.id", projectID),
	))
	defer span.End()

	if projectID == "" {
		return Receipt{}, c.fail(span, protocol.NewError(protocol.ReasonInvalidRequest, "projectId is required"))
	}
	if err := c.checkMessage(message); err != nil {
		return Receipt{}, c.fail(span, err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	req, err := c.correlate(ctx, caller, correlationID, correlation.KindSubmit, func(ctx context.Context) (store.JoinRequest, error) {
		created, err := c.store.CreateJoinRequest(ctx, store.NewJoinRequest{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			RequesterID: caller.UserID,
			Message:     message,
			CreatedAt:   c.now(),
			MaxProjects: c.cfg.MaxProjectsPerUser,
		})
		if err != nil {
			return store.JoinRequest{}, mapStoreError("create join request", err)
		}
		c.notifySubmitted(caller, created)
		return created, nil
	})
	if err != nil {
		return Receipt{}, c.fail(span, err)
	}
	span.SetAttributes(attribute.String("request.id", req.ID))
	c.logger.Info("Join request submitted",
		slog.String("requestID", req.ID),
		slog.String("projectID", req.ProjectID),
		slog.String("requesterID", req.RequesterID),
	)
	return Receipt{CorrelationID: correlationID, Request: req}, nil
}

// Respond approves or rejects a pending request. Only the project creator or
// a caller holding the admin permission may respond.
func (c *Coordinator) Respond(ctx context.Context, caller Caller, correlationID, requestID string, action protocol.Action, message string) (store.JoinRequest, error) {
	ctx, span := c.tracer.Start(ctx, "joinreq.Respond", trace.WithAttributes(
		attribute.String("user.id", caller.UserID),
		attribute.String("request.id", requestID),
		attribute.String("action", string(action)),
	))
	defer span.End()

	if requestID == "" || !action.Valid() {
		return store.JoinRequest{}, c.fail(span, protocol.NewError(protocol.ReasonInvalidRequest, "requestId and a valid action are required"))
	}
	if err := c.checkMessage(message); err != nil {
		return store.JoinRequest{}, c.fail(span, err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	status := store.StatusRejected
	if action == protocol.ActionApprove {
		status = store.StatusApproved
	}

	req, err := c.correlate(ctx, caller, correlationID, correlation.KindRespond, func(ctx context.Context) (store.JoinRequest, error) {
		current, err := c.store.GetJoinRequest(ctx, requestID)
		if err != nil {
			return store.JoinRequest{}, mapStoreError("load join request", err)
		}
		if current.CreatorID != caller.UserID && !caller.Permissions.Has(state.PermAdmin) {
			return store.JoinRequest{}, protocol.ErrUnauthorized
		}
		if current.Status.Terminal() {
			return store.JoinRequest{}, protocol.ErrAlreadyResolved
		}
		resolved, err := c.store.ResolveJoinRequest(ctx, store.Resolution{
			RequestID:   requestID,
			Status:      status,
			Message:     message,
			MaxProjects: c.cfg.MaxProjectsPerUser,
			At:          c.now(),
		})
		if err != nil {
			return store.JoinRequest{}, mapStoreError("resolve join request", err)
		}
		c.notifyResolved(caller, resolved)
		return resolved, nil
	})
	if err != nil {
		return store.JoinRequest{}, c.fail(span, err)
	}
	c.logger.Info("Join request resolved",
		slog.String("requestID", req.ID),
		slog.String("status", string(req.Status)),
		slog.String("responderID", caller.UserID),
	)
	return req, nil
}

// Cancel withdraws the caller's own pending request.
func (c *Coordinator) Cancel(ctx context.Context, caller Caller, correlationID, requestID string) (store.JoinRequest, error) {
	ctx, span := c.tracer.Start(ctx, "joinreq.Cancel", trace.WithAttributes(
		attribute.String("user.id", caller.UserID),
		attribute.String("request.id", requestID),
	))
	defer span.End()

	if requestID == "" {
		return store.JoinRequest{}, c.fail(span, protocol.NewError(protocol.ReasonInvalidRequest, "requestId is required"))
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	req, err := c.correlate(ctx, caller, correlationID, correlation.KindCancel, func(ctx context.Context) (store.JoinRequest, error) {
		cancelled, err := c.store.CancelJoinRequest(ctx, requestID, caller.UserID, c.now())
		if err != nil {
			return store.JoinRequest{}, mapStoreError("cancel join request", err)
		}
		payload := protocol.JoinRequestCancelledPayload{
			RequestID: cancelled.ID,
			ProjectID: cancelled.ProjectID,
			Timestamp: cancelled.ResolvedAt,
		}
		c.notifier.Deliver(cancelled.CreatorID, protocol.EventJoinRequestCancelled, payload)
		c.notifier.DeliverExcept(cancelled.RequesterID, caller.ConnID, protocol.EventJoinRequestCancelled, payload)
		return cancelled, nil
	})
	if err != nil {
		return store.JoinRequest{}, c.fail(span, err)
	}
	c.logger.Info("Join request cancelled", slog.String("requestID", req.ID), slog.String("requesterID", caller.UserID))
	return req, nil
}

// ExpireStale moves pending requests older than the configured expiry to
// expired and notifies both parties. It returns how many expired.
func (c *Coordinator) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	if c.cfg.Expiry <= 0 {
		return 0, nil
	}
	ctx, span := c.tracer.Start(ctx, "joinreq.ExpireStale")
	defer span.End()

	expired, err := c.store.ExpirePending(ctx, now.Add(-c.cfg.Expiry), now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("expire pending join requests: %w", err)
	}
	for _, req := range expired {
		payload := protocol.JoinRequestExpiredPayload{
			RequestID:    req.ID,
			ProjectID:    req.ProjectID,
			ProjectTitle: req.ProjectTitle,
			Timestamp:    req.ResolvedAt,
		}
		c.notifier.Deliver(req.RequesterID, protocol.EventJoinRequestExpired, payload)
		c.notifier.Deliver(req.CreatorID, protocol.EventJoinRequestExpired, payload)
	}
	if len(expired) > 0 {
		c.logger.Info("Expired stale join requests", slog.Int("count", len(expired)))
	}
	span.SetAttributes(attribute.Int("expired", len(expired)))
	return len(expired), nil
}

// RunSweeper calls ExpireStale every SweepInterval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 || c.cfg.Expiry <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.logger.Info("Expiry sweeper started", slog.Duration("interval", c.cfg.SweepInterval), slog.Duration("expiry", c.cfg.Expiry))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := c.ExpireStale(ctx, c.now()); err != nil {
				c.logger.Error("Expiry sweep failed", slog.Any("error", err))
			}
		}
	}
}

// DetachConn fails every in-flight operation issued by connID. Durable
// writes already started still commit.
func (c *Coordinator) DetachConn(connID uuid.UUID) int {
	n := c.pending.CancelConn(connID, protocol.ErrDisconnected)
	if n > 0 {
		c.logger.Debug("Cancelled in-flight operations", slog.String("connID", connID.String()), slog.Int("count", n))
	}
	return n
}

// InFlight returns the number of operations still awaiting completion.
func (c *Coordinator) InFlight() int {
	return c.pending.Len()
}

// Shutdown waits for background durable writes to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.pending.CancelAll(protocol.ErrDisconnected)
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// correlate registers an entry for the caller, runs op in the background and
// waits for whichever comes first: op, the deadline or a disconnect. The op
// keeps running after the caller stops waiting so a commit is never torn.
func (c *Coordinator) correlate(ctx context.Context, caller Caller, correlationID string, kind correlation.Kind, op func(context.Context) (store.JoinRequest, error)) (store.JoinRequest, error) {
	key := caller.ConnID.String() + "/" + correlationID
	entry, err := c.pending.Register(key, kind, caller.ConnID, c.cfg.CorrelationTimeout)
	if err != nil {
		if errors.Is(err, correlation.ErrDuplicateID) {
			return store.JoinRequest{}, protocol.NewError(protocol.ReasonInvalidRequest, "correlationId already in flight")
		}
		return store.JoinRequest{}, err
	}

	opCtx := context.WithoutCancel(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		req, err := op(opCtx)
		if err != nil {
			if !c.pending.Fail(key, err) {
				c.logger.Debug("Operation failed after caller stopped waiting",
					slog.String("kind", string(kind)),
					slog.String("correlationID", correlationID),
					slog.Any("error", err),
				)
			}
			return
		}
		if !c.pending.Resolve(key, req) {
			c.logger.Info("Operation committed after caller stopped waiting",
				slog.String("kind", string(kind)),
				slog.String("correlationID", correlationID),
				slog.String("requestID", req.ID),
			)
		}
	}()

	select {
	case res := <-entry.Done():
		return res.Value, res.Err
	case <-ctx.Done():
		c.pending.Fail(key, protocol.ErrDisconnected)
		return store.JoinRequest{}, protocol.ErrDisconnected
	}
}

func (c *Coordinator) notifySubmitted(caller Caller, req store.JoinRequest) {
	c.notifier.Deliver(req.CreatorID, protocol.EventNewJoinRequest, protocol.NewJoinRequestPayload{
		RequestID:    req.ID,
		ProjectID:    req.ProjectID,
		ProjectTitle: req.ProjectTitle,
		Requester:    req.Requester.Identity(),
		Message:      req.Message,
		Timestamp:    req.CreatedAt,
	})
	c.notifier.DeliverExcept(req.RequesterID, caller.ConnID, protocol.EventJoinRequestSent, protocol.JoinRequestSentPayload{
		RequestID: req.ID,
	})
}

func (c *Coordinator) notifyResolved(caller Caller, req store.JoinRequest) {
	approved := req.Status == store.StatusApproved
	c.notifier.Deliver(req.RequesterID, protocol.EventJoinRequestResponse, protocol.JoinRequestResponsePayload{
		RequestID:    req.ID,
		Approved:     approved,
		ProjectID:    req.ProjectID,
		ProjectTitle: req.ProjectTitle,
		Message:      req.ResponseMessage,
		Timestamp:    req.ResolvedAt,
	})

	sent := protocol.JoinResponseSentPayload{RequestID: req.ID}
	c.notifier.DeliverExcept(caller.UserID, caller.ConnID, protocol.EventJoinResponseSent, sent)
	if req.CreatorID != caller.UserID {
		c.notifier.Deliver(req.CreatorID, protocol.EventJoinResponseSent, sent)
	}

	if !approved {
		return
	}
	if c.sessions.ConnectionCount(req.RequesterID) > 0 {
		c.rooms.Join(req.RequesterID, req.ProjectID)
	}
	c.notifier.Broadcast(req.ProjectID, req.RequesterID, protocol.EventTeamMemberJoined, protocol.TeamMemberJoinedPayload{
		ProjectID:    req.ProjectID,
		ProjectTitle: req.ProjectTitle,
		NewMember:    req.Requester.Identity(),
		Timestamp:    req.ResolvedAt,
	})
}

func (c *Coordinator) checkMessage(message string) error {
	if c.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(message) > c.cfg.MaxMessageLength {
		return protocol.NewError(protocol.ReasonInvalidRequest, fmt.Sprintf("message exceeds %d characters", c.cfg.MaxMessageLength))
	}
	return nil
}

func (c *Coordinator) fail(span trace.Span, err error) error {
	pe := protocol.AsError(err)
	span.SetAttributes(attribute.String("error.reason", string(pe.Reason)))
	if pe.Reason == protocol.ReasonInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Join request operation failed", slog.Any("error", err))
	}
	return err
}

// mapStoreError turns store failures into wire errors once, at this boundary.
func mapStoreError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, store.ErrAlreadyPending):
		return protocol.ErrAlreadyPending
	case errors.Is(err, store.ErrAlreadyMember):
		return protocol.ErrAlreadyMember
	case errors.Is(err, store.ErrCapacityExceeded):
		return protocol.ErrCapacityExceeded
	case errors.Is(err, store.ErrAlreadyResolved):
		return protocol.ErrAlreadyResolved
	case errors.Is(err, store.ErrForbidden):
		return protocol.ErrUnauthorized
	case errors.Is(err, store.ErrInvalidArgument):
		return protocol.NewError(protocol.ReasonInvalidRequest, err.Error())
	}
	return fmt.Errorf("%s: %w", op, err)
}
