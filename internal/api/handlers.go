package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/a-essam23/teamsync/internal/joinreq"
	"github.com/a-essam23/teamsync/internal/server/middleware"
	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// maxBodyBytes bounds request bodies; messages are short.
const maxBodyBytes = 64 << 10

// Requests is the coordinator surface used by the REST endpoints.
type Requests interface {
	Submit(ctx context.Context, caller joinreq.Caller, correlationID, projectID, message string) (joinreq.Receipt, error)
	Respond(ctx context.Context, caller joinreq.Caller, correlationID, requestID string, action protocol.Action, message string) (store.JoinRequest, error)
	Cancel(ctx context.Context, caller joinreq.Caller, correlationID, requestID string) (store.JoinRequest, error)
}

// Snapshotter loads a user's authoritative pending state.
type Snapshotter interface {
	Snapshot(ctx context.Context, userID string) (protocol.SyncStatePayload, error)
}

type Handler struct {
	requests Requests
	snapshot Snapshotter
	logger   *slog.Logger
}

func NewHandler(requests Requests, snapshot Snapshotter, logger *slog.Logger) *Handler {
	return &Handler{
		requests: requests,
		snapshot: snapshot,
		logger:   logger.With(slog.String("component", "rest_api")),
	}
}

type submitBody struct {
	Message string `json:"message"`
}

type respondBody struct {
	Action  protocol.Action `json:"action"`
	Message string          `json:"message"`
}

// RequestStatus is the body of every successful mutation.
type RequestStatus struct {
	RequestID string       `json:"requestId"`
	Status    store.Status `json:"status"`
}

// SubmitJoinRequest handles POST /projects/{id}/join.
func (h *Handler) SubmitJoinRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body submitBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	receipt, err := h.requests.Submit(r.Context(), caller, correlationOf(r, caller), mux.Vars(r)["id"], body.Message)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RequestStatus{RequestID: receipt.Request.ID, Status: receipt.Request.Status})
}

// RespondJoinRequest handles PUT /requests/{id}/respond.
func (h *Handler) RespondJoinRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body respondBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	req, err := h.requests.Respond(r.Context(), caller, correlationOf(r, caller), mux.Vars(r)["id"], body.Action, body.Message)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RequestStatus{RequestID: req.ID, Status: req.Status})
}

// CancelJoinRequest handles DELETE /requests/{id}.
func (h *Handler) CancelJoinRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	req, err := h.requests.Cancel(r.Context(), caller, correlationOf(r, caller), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RequestStatus{RequestID: req.ID, Status: req.Status})
}

// MyRequests handles GET /users/me/requests.
func (h *Handler) MyRequests(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	snap, err := h.snapshot.Snapshot(r.Context(), caller.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (joinreq.Caller, bool) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.Principal == nil {
		h.writeError(w, protocol.ErrUnauthenticated)
		return joinreq.Caller{}, false
	}
	// REST callers have no live connection.
	return joinreq.Caller{
		UserID:      reqMeta.Principal.UserID,
		ConnID:      uuid.Nil,
		Permissions: reqMeta.Principal.Permissions,
	}, true
}

// correlationOf lets a REST client supply its own id. It is scoped to the
// caller since REST requests share no connection.
func correlationOf(r *http.Request, caller joinreq.Caller) string {
	id := r.Header.Get("X-Correlation-Id")
	if id == "" {
		return ""
	}
	return caller.UserID + ":" + id
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return protocol.NewError(protocol.ReasonInvalidRequest, "malformed request body")
	}
	return nil
}

// StatusFor maps a wire error to an HTTP status code.
func StatusFor(reason protocol.Reason) int {
	switch reason {
	case protocol.ReasonInvalidRequest:
		return http.StatusBadRequest
	case protocol.ReasonUnauthenticated, protocol.ReasonInvalidToken, protocol.ReasonExpiredToken, protocol.ReasonUserNotFound:
		return http.StatusUnauthorized
	case protocol.ReasonUnauthorized:
		return http.StatusForbidden
	case protocol.ReasonNotFound:
		return http.StatusNotFound
	case protocol.ReasonAlreadyPending, protocol.ReasonAlreadyMember, protocol.ReasonAlreadyResolved, protocol.ReasonCapacityExceeded:
		return http.StatusConflict
	case protocol.ReasonRateLimited, protocol.ReasonTooManyConnections:
		return http.StatusTooManyRequests
	case protocol.ReasonTimeout:
		return http.StatusGatewayTimeout
	case protocol.ReasonDisconnected:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	pe := protocol.AsError(err)
	if pe.Reason == protocol.ReasonInternal {
		h.logger.Error("Request failed", slog.Any("error", err))
	}
	writeJSON(w, StatusFor(pe.Reason), protocol.ErrorPayload{Reason: pe.Reason, Message: pe.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
