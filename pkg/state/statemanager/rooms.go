package statemanager

import (
	"log/slog"

	"github.com/a-essam23/teamsync/pkg/state"
)

type userRooms struct {
	rooms map[string]struct{}
}

// InMemoryRooms is a RoomMembership keeping two indexes: user -> rooms and
// room -> members. A user's lock is always taken before a room's lock.
type InMemoryRooms struct {
	byUser *keyedMap[*userRooms]
	byRoom *keyedMap[*state.Room]

	logger *slog.Logger
}

// compile-time check to ensure InMemoryRooms implements RoomMembership.
var _ state.RoomMembership = (*InMemoryRooms)(nil)

func NewInMemoryRooms(logger *slog.Logger) *InMemoryRooms {
	return &InMemoryRooms{
		byUser: newKeyedMap(func() *userRooms {
			return &userRooms{rooms: make(map[string]struct{})}
		}),
		byRoom: newKeyedMap(func() *state.Room {
			return &state.Room{Members: make(map[string]struct{})}
		}),
		logger: logger.With(slog.String("component", "room_membership")),
	}
}

func (m *InMemoryRooms) Join(userID, projectID string) {
	if userID == "" || projectID == "" {
		return
	}
	m.byUser.update(userID, func(u *userRooms) bool {
		if _, ok := u.rooms[projectID]; ok {
			return false
		}
		u.rooms[projectID] = struct{}{}
		m.addMember(projectID, userID)
		return false
	})
	m.logger.Debug("User joined room", slog.String("userID", userID), slog.String("projectID", projectID))
}

func (m *InMemoryRooms) Leave(userID, projectID string) {
	m.byUser.update(userID, func(u *userRooms) bool {
		if _, ok := u.rooms[projectID]; ok {
			delete(u.rooms, projectID)
			m.removeMember(projectID, userID)
		}
		return len(u.rooms) == 0
	})
	m.logger.Debug("User left room", slog.String("userID", userID), slog.String("projectID", projectID))
}

func (m *InMemoryRooms) Replace(userID string, projectIDs []string) {
	want := make(map[string]struct{}, len(projectIDs))
	for _, id := range projectIDs {
		if id != "" {
			want[id] = struct{}{}
		}
	}
	m.byUser.update(userID, func(u *userRooms) bool {
		for id := range u.rooms {
			if _, keep := want[id]; !keep {
				delete(u.rooms, id)
				m.removeMember(id, userID)
			}
		}
		for id := range want {
			if _, has := u.rooms[id]; !has {
				u.rooms[id] = struct{}{}
				m.addMember(id, userID)
			}
		}
		return len(u.rooms) == 0
	})
	m.logger.Debug("Replaced room set", slog.String("userID", userID), slog.Int("rooms", len(want)))
}

func (m *InMemoryRooms) Drop(userID string) {
	m.Replace(userID, nil)
}

func (m *InMemoryRooms) Members(projectID string) []string {
	var out []string
	m.byRoom.view(projectID, func(r *state.Room) {
		out = make([]string, 0, len(r.Members))
		for id := range r.Members {
			out = append(out, id)
		}
	})
	return out
}

func (m *InMemoryRooms) RoomsOf(userID string) []string {
	var out []string
	m.byUser.view(userID, func(u *userRooms) {
		out = make([]string, 0, len(u.rooms))
		for id := range u.rooms {
			out = append(out, id)
		}
	})
	return out
}

func (m *InMemoryRooms) addMember(projectID, userID string) {
	m.byRoom.update(projectID, func(r *state.Room) bool {
		r.ProjectID = projectID
		r.Members[userID] = struct{}{}
		return false
	})
}

func (m *InMemoryRooms) removeMember(projectID, userID string) {
	m.byRoom.update(projectID, func(r *state.Room) bool {
		delete(r.Members, userID)
		// For memory hygiene, remove the room if it's now empty.
		return len(r.Members) == 0
	})
}
