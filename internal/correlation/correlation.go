// Package correlation matches asynchronous replies to the requests that
// caused them. Every entry carries a deadline and a completion channel and is
// resolved exactly once: by a reply, by its timer, or by cancellation.
package correlation

import (
	"errors"
	"sync"
	"time"

	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/google/uuid"
)

var ErrDuplicateID = errors.New("correlation id already in flight")

// Kind names the operation an entry belongs to.
type Kind string

const (
	KindAuthenticate Kind = "authenticate"
	KindSubmit       Kind = "submit"
	KindRespond      Kind = "respond"
	KindCancel       Kind = "cancel"
	KindRoom         Kind = "room"
	KindPing         Kind = "ping"
)

// Result is what an entry completes with.
type Result[T any] struct {
	Value T
	Err   error
}

// Entry is one in-flight request.
type Entry[T any] struct {
	ID       string
	Kind     Kind
	ConnID   uuid.UUID
	Deadline time.Time

	done  chan Result[T]
	timer *time.Timer
}

// Done yields exactly one result.
func (e *Entry[T]) Done() <-chan Result[T] {
	return e.done
}

// Table is safe for concurrent use.
type Table[T any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[T]
	byConn  map[uuid.UUID]map[string]struct{}
	now     func() time.Time
}

func New[T any]() *Table[T] {
	return &Table[T]{
		entries: make(map[string]*Entry[T]),
		byConn:  make(map[uuid.UUID]map[string]struct{}),
		now:     time.Now,
	}
}

// Register adds an entry that fails with protocol.ErrTimeout after timeout.
func (t *Table[T]) Register(id string, kind Kind, connID uuid.UUID, timeout time.Duration) (*Entry[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return nil, ErrDuplicateID
	}
	e := &Entry[T]{
		ID:       id,
		Kind:     kind,
		ConnID:   connID,
		Deadline: t.now().Add(timeout),
		done:     make(chan Result[T], 1),
	}
	t.entries[id] = e
	conns, ok := t.byConn[connID]
	if !ok {
		conns = make(map[string]struct{})
		t.byConn[connID] = conns
	}
	conns[id] = struct{}{}
	e.timer = time.AfterFunc(timeout, func() {
		t.finish(id, Result[T]{Err: protocol.ErrTimeout})
	})
	return e, nil
}

// Resolve completes the entry with v. It reports false if the entry was
// already completed or never existed.
func (t *Table[T]) Resolve(id string, v T) bool {
	return t.finish(id, Result[T]{Value: v})
}

// Fail completes the entry with err.
func (t *Table[T]) Fail(id string, err error) bool {
	return t.finish(id, Result[T]{Err: err})
}

// CancelConn fails every entry issued by connID with err and returns how
// many were cancelled.
func (t *Table[T]) CancelConn(connID uuid.UUID, err error) int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.byConn[connID]))
	for id := range t.byConn[connID] {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t.finish(id, Result[T]{Err: err}) {
			n++
		}
	}
	return n
}

// CancelAll fails every entry with err.
func (t *Table[T]) CancelAll(err error) int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t.finish(id, Result[T]{Err: err}) {
			n++
		}
	}
	return n
}

// Len returns the number of in-flight entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table[T]) finish(id string, r Result[T]) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, id)
	if conns := t.byConn[e.ConnID]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(t.byConn, e.ConnID)
		}
	}
	t.mu.Unlock()

	e.timer.Stop()
	e.done <- r
	return true
}
