package client

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/a-essam23/teamsync/pkg/protocol"
)

// cache mirrors the user's pending requests and projects. sync_state replaces
// it wholesale; live events patch it in between.
type cache struct {
	mu    sync.RWMutex
	state protocol.SyncStatePayload
}

func (c *cache) snapshot() protocol.SyncStatePayload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return protocol.SyncStatePayload{
		Incoming:  slices.Clone(c.state.Incoming),
		Outgoing:  slices.Clone(c.state.Outgoing),
		Projects:  slices.Clone(c.state.Projects),
		Timestamp: c.state.Timestamp,
	}
}

func (c *cache) reset() {
	c.mu.Lock()
	c.state = protocol.SyncStatePayload{}
	c.mu.Unlock()
}

// apply folds a server event into the cache. Malformed payloads are ignored;
// the next sync_state corrects any drift.
func (c *cache) apply(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventSyncState:
		var p protocol.SyncStatePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		c.state = p
		c.mu.Unlock()

	case protocol.EventNewJoinRequest:
		var p protocol.NewJoinRequestPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		c.state.Incoming = append(removeRequest(c.state.Incoming, p.RequestID), protocol.PendingRequest{
			RequestID:    p.RequestID,
			ProjectID:    p.ProjectID,
			ProjectTitle: p.ProjectTitle,
			Requester:    p.Requester,
			Message:      p.Message,
			CreatedAt:    p.Timestamp,
		})
		c.mu.Unlock()

	case protocol.EventJoinRequestResponse:
		var p protocol.JoinRequestResponsePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		c.state.Outgoing = removeRequest(c.state.Outgoing, p.RequestID)
		if p.Approved && !slices.Contains(c.state.Projects, p.ProjectID) {
			c.state.Projects = append(c.state.Projects, p.ProjectID)
		}
		c.mu.Unlock()

	case protocol.EventJoinRequestCancelled, protocol.EventJoinRequestExpired, protocol.EventJoinResponseSent:
		var p struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		c.state.Incoming = removeRequest(c.state.Incoming, p.RequestID)
		c.state.Outgoing = removeRequest(c.state.Outgoing, p.RequestID)
		c.mu.Unlock()
	}
}

// addOutgoing records a request this client just submitted.
func (c *cache) addOutgoing(req protocol.PendingRequest) {
	c.mu.Lock()
	c.state.Outgoing = append(removeRequest(c.state.Outgoing, req.RequestID), req)
	c.mu.Unlock()
}

func removeRequest(reqs []protocol.PendingRequest, requestID string) []protocol.PendingRequest {
	return slices.DeleteFunc(reqs, func(r protocol.PendingRequest) bool {
		return r.RequestID == requestID
	})
}
