package statemanager

import "sync"

// keyedEntry guards one key's value with its own mutex. A dead entry has been
// removed from the map and must not be used.
type keyedEntry[V any] struct {
	mu   sync.Mutex
	dead bool
	val  V
}

// keyedMap gives every key an independent lock so operations on different
// keys never wait on each other.
type keyedMap[V any] struct {
	m      sync.Map
	newVal func() V
}

func newKeyedMap[V any](newVal func() V) *keyedMap[V] {
	return &keyedMap[V]{newVal: newVal}
}

// update runs fn under the key's lock, creating the entry if needed. When fn
// returns true the entry is removed.
func (k *keyedMap[V]) update(key string, fn func(v V) (remove bool)) {
	for {
		actual, ok := k.m.Load(key)
		if !ok {
			actual, _ = k.m.LoadOrStore(key, &keyedEntry[V]{val: k.newVal()})
		}
		e := actual.(*keyedEntry[V])
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if fn(e.val) {
			e.dead = true
			k.m.CompareAndDelete(key, e)
		}
		e.mu.Unlock()
		return
	}
}

// view runs fn under the key's lock if the key exists.
func (k *keyedMap[V]) view(key string, fn func(v V)) bool {
	actual, ok := k.m.Load(key)
	if !ok {
		return false
	}
	e := actual.(*keyedEntry[V])
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	fn(e.val)
	return true
}

func (k *keyedMap[V]) keys() []string {
	var out []string
	k.m.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}
