// Package protocol defines the live-channel wire format shared by the server
// and the Go client: event names, the frame envelope, payload DTOs and the
// typed error taxonomy.
package protocol

// Websocket close codes in the application range. A client closed with
// CloseConnectionCycled was replaced by a newer connection of the same user
// and must not reconnect on its own.
const (
	CloseConnectionCycled = 4001
	CloseReasonCycled     = "connection_cycled"
)

// Client to server events.
const (
	EventAuthenticate       = "authenticate"
	EventPing               = "ping"
	EventSendJoinRequest    = "send_join_request"
	EventRespondJoinRequest = "respond_join_request"
	EventCancelJoinRequest  = "cancel_join_request"
	EventJoinProjectRoom    = "join-project-room"
	EventLeaveProjectRoom   = "leave-project-room"
)

// Server to client events.
const (
	EventAuthenticated        = "authenticated"
	EventAuthError            = "auth-error"
	EventPong                 = "pong"
	EventJoinRequestSent      = "join_request_sent"
	EventJoinRequestError     = "join_request_error"
	EventNewJoinRequest       = "new_join_request"
	EventJoinResponseSent     = "join_response_sent"
	EventJoinRequestResponse  = "join_request_response"
	EventJoinRequestCancelled = "join_request_cancelled"
	EventJoinRequestExpired   = "join_request_expired"
	EventTeamMemberJoined     = "team_member_joined"
	EventRoomJoined           = "room_joined"
	EventRoomLeft             = "room_left"
	EventSyncState            = "sync_state"
	EventError                = "error"
)

// Action is the creator's decision on a join request.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Valid reports whether a is a known decision.
func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject
}
