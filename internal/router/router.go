package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/a-essam23/teamsync/internal/connmgr"
	"github.com/a-essam23/teamsync/pkg/pipeline"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Replier writes correlated errors back to the issuing connection.
type Replier interface {
	ReplyError(conn state.Sender, event, correlationID, origin string, err error) bool
}

type EventRouter struct {
	logger    *slog.Logger
	conns     *connmgr.Manager
	replier   Replier
	modifiers state.ModifierStore
	pipelines map[string]*pipeline.Pipeline
}

func NewEventRouter(logger *slog.Logger, conns *connmgr.Manager, replier Replier, modifiers state.ModifierStore, pipelines map[string]*pipeline.Pipeline) *EventRouter {
	return &EventRouter{
		logger:    logger.With(slog.String("component", "event_router")),
		conns:     conns,
		replier:   replier,
		modifiers: modifiers,
		pipelines: pipelines,
	}
}

// HandleMessage dispatches one inbound frame to its event pipeline. It runs
// on the connection's read goroutine, so frames of one connection are handled
// in arrival order.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.conns.Get(connID)
	if !ok {
		r.logger.Warn("Message from unknown connection", slog.String("connID", connID.String()))
		return
	}
	r.conns.Touch(connID)

	if !gjson.ValidBytes(msg) {
		r.logger.Warn("Failed to parse client message", slog.String("connID", connID.String()))
		r.replier.ReplyError(conn.Transport(), protocol.EventError, "", "",
			protocol.NewError(protocol.ReasonInvalidRequest, "message is not valid JSON"))
		return
	}
	fields := gjson.GetManyBytes(msg, "event", "correlationId", "payload")
	event, correlationID := fields[0].String(), fields[1].String()

	pipe, ok := r.pipelines[event]
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", event), slog.String("connID", connID.String()))
		r.replier.ReplyError(conn.Transport(), protocol.EventError, correlationID, event,
			protocol.NewError(protocol.ReasonUnknownEvent, "unknown event '"+event+"'"))
		return
	}

	var payload json.RawMessage
	if fields[2].Exists() {
		payload = json.RawMessage(fields[2].Raw)
	}
	cargo := &pipeline.Cargo{
		Logger:        r.logger.With(slog.String("connID", connID.String()), slog.String("event", event)),
		Ctx:           ctx,
		Conn:          conn,
		Event:         event,
		CorrelationID: correlationID,
		Payload:       payload,
		ModifierStore: r.modifiers,
	}

	r.logger.Debug("Executing event pipeline", slog.String("event", event), slog.String("connID", connID.String()))
	if err := pipe.Run(cargo); err != nil {
		pe := protocol.AsError(err)
		if pe.Reason == protocol.ReasonInternal {
			cargo.Logger.Error("Event pipeline failed", slog.Any("error", err))
		} else {
			cargo.Logger.Debug("Event rejected", slog.String("reason", string(pe.Reason)))
		}
		r.replier.ReplyError(conn.Transport(), pipe.Handler.ErrorEvent, correlationID, event, err)
	}
}
