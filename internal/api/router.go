// Package api exposes the durable fallback for the live channel over REST.
// Every endpoint goes through the same coordinator as the live events, so
// the same invariants hold and live notifications are still sent.
package api

import (
	"net/http"

	"github.com/a-essam23/teamsync/internal/server/middleware"
	"github.com/gorilla/mux"
)

// Register mounts the REST routes on r behind authn.
func (h *Handler) Register(r *mux.Router, authn middleware.Middleware) {
	sub := r.NewRoute().Subrouter()
	sub.Use(mux.MiddlewareFunc(authn))
	sub.HandleFunc("/projects/{id}/join", h.SubmitJoinRequest).Methods(http.MethodPost)
	sub.HandleFunc("/requests/{id}/respond", h.RespondJoinRequest).Methods(http.MethodPut)
	sub.HandleFunc("/requests/{id}", h.CancelJoinRequest).Methods(http.MethodDelete)
	sub.HandleFunc("/users/me/requests", h.MyRequests).Methods(http.MethodGet)
}
