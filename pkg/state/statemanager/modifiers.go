package statemanager

import (
	"log/slog"
	"sync"

	"github.com/a-essam23/teamsync/pkg/state"
)

// InMemoryModifierStore keeps modifier state keyed by modifier, user and event.
type InMemoryModifierStore struct {
	mu     sync.Mutex
	states map[string]*state.ModifierState
	logger *slog.Logger
}

var _ state.ModifierStore = (*InMemoryModifierStore)(nil)

func NewInMemoryModifierStore(logger *slog.Logger) *InMemoryModifierStore {
	return &InMemoryModifierStore{
		states: make(map[string]*state.ModifierState),
		logger: logger.With(slog.String("component", "modifier_store")),
	}
}

func modifierKey(modifierName, userID, eventName string) string {
	return modifierName + "\x00" + userID + "\x00" + eventName
}

func (m *InMemoryModifierStore) GetModifierState(modifierName, userID, eventName string) (*state.ModifierState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[modifierKey(modifierName, userID, eventName)]
	return st, ok
}

func (m *InMemoryModifierStore) SetModifierState(modifierName, userID, eventName string, st *state.ModifierState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := modifierKey(modifierName, userID, eventName)
	if prev, ok := m.states[key]; ok && prev != st && prev.Timer != nil {
		prev.Timer.Stop()
	}
	m.states[key] = st
}

func (m *InMemoryModifierStore) DeleteModifierState(modifierName, userID, eventName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := modifierKey(modifierName, userID, eventName)
	if prev, ok := m.states[key]; ok {
		if prev.Timer != nil {
			prev.Timer.Stop()
		}
		delete(m.states, key)
	}
}
