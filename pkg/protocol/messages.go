package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is a single frame on the live channel, in either direction.
type Envelope struct {
	Event         string          `json:"event"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Encode marshals payload into an envelope frame.
func Encode(event, correlationID string, payload any, now time.Time) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}
	frame, err := json.Marshal(Envelope{
		Event:         event,
		CorrelationID: correlationID,
		Payload:       raw,
		Timestamp:     now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return NewError(ReasonInvalidRequest, "payload is required")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return NewError(ReasonInvalidRequest, fmt.Sprintf("malformed %s payload", e.Event))
	}
	return nil
}

// Identity is the normalized view of a user attached to events. It is built
// once from the user store and never reshaped downstream.
type Identity struct {
	ID        string `json:"id"`
	FullName  string `json:"fullName"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type AuthenticatePayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

type AuthenticatedPayload struct {
	User Identity `json:"user"`
}

type AuthErrorPayload struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload carries join_request_error and the generic error event.
type ErrorPayload struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
	Event   string `json:"event,omitempty"`
}

type SendJoinRequestPayload struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message"`
}

type JoinRequestSentPayload struct {
	RequestID string `json:"requestId"`
}

type NewJoinRequestPayload struct {
	RequestID    string    `json:"requestId"`
	ProjectID    string    `json:"projectId"`
	ProjectTitle string    `json:"projectTitle"`
	Requester    Identity  `json:"requester"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

type RespondJoinRequestPayload struct {
	RequestID string `json:"requestId"`
	Action    Action `json:"action"`
	Message   string `json:"message,omitempty"`
}

type JoinResponseSentPayload struct {
	RequestID string `json:"requestId"`
}

type JoinRequestResponsePayload struct {
	RequestID    string    `json:"requestId"`
	Approved     bool      `json:"approved"`
	ProjectID    string    `json:"projectId"`
	ProjectTitle string    `json:"projectTitle"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

type TeamMemberJoinedPayload struct {
	ProjectID    string    `json:"projectId"`
	ProjectTitle string    `json:"projectTitle"`
	NewMember    Identity  `json:"newMember"`
	Timestamp    time.Time `json:"timestamp"`
}

type CancelJoinRequestPayload struct {
	RequestID string `json:"requestId"`
}

type JoinRequestCancelledPayload struct {
	RequestID string    `json:"requestId"`
	ProjectID string    `json:"projectId"`
	Timestamp time.Time `json:"timestamp"`
}

type JoinRequestExpiredPayload struct {
	RequestID    string    `json:"requestId"`
	ProjectID    string    `json:"projectId"`
	ProjectTitle string    `json:"projectTitle"`
	Timestamp    time.Time `json:"timestamp"`
}

// RoomPayload is used by join-project-room, leave-project-room and their acks.
type RoomPayload struct {
	ProjectID string `json:"projectId"`
}

// PendingRequest is a still-pending join request as reported by sync_state.
type PendingRequest struct {
	RequestID    string    `json:"requestId"`
	ProjectID    string    `json:"projectId"`
	ProjectTitle string    `json:"projectTitle"`
	Requester    Identity  `json:"requester"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SyncStatePayload is the authoritative snapshot pushed after every
// successful authentication.
type SyncStatePayload struct {
	Incoming  []PendingRequest `json:"incoming"`
	Outgoing  []PendingRequest `json:"outgoing"`
	Projects  []string         `json:"projects"`
	Timestamp time.Time        `json:"timestamp"`
}
