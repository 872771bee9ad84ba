// Package conntable indexes which transport handle currently represents a
// peer id. The table never owns the handles; closing them is the transport's
// job, which reports the close through UnbindByHandle.
package conntable

import "sync"

// Table maps peer ids to handles. A handle may be bound under several ids,
// but an id is bound to at most one handle.
type Table[H comparable] struct {
	mu       sync.Mutex
	byID     map[string]H
	byHandle map[H]map[string]struct{}
}

func New[H comparable]() *Table[H] {
	return &Table[H]{
		byID:     make(map[string]H),
		byHandle: make(map[H]map[string]struct{}),
	}
}

// Bind points id at handle, replacing any previous binding for id.
func (t *Table[H]) Bind(id string, handle H) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.byID[id]; ok {
		if prev == handle {
			return
		}
		t.forgetLocked(prev, id)
	}

	t.byID[id] = handle
	set, ok := t.byHandle[handle]
	if !ok {
		set = make(map[string]struct{})
		t.byHandle[handle] = set
	}
	set[id] = struct{}{}
}

func (t *Table[H]) Lookup(id string) (H, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byID[id]
	return h, ok
}

// UnbindByHandle removes every id bound to handle and returns those ids.
func (t *Table[H]) UnbindByHandle(handle H) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.byHandle[handle]
	if len(set) == 0 {
		delete(t.byHandle, handle)
		return nil
	}
	removed := make([]string, 0, len(set))
	for id := range set {
		delete(t.byID, id)
		removed = append(removed, id)
	}
	delete(t.byHandle, handle)
	return removed
}

// Len returns the number of bound ids.
func (t *Table[H]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *Table[H]) forgetLocked(handle H, id string) {
	set := t.byHandle[handle]
	delete(set, id)
	if len(set) == 0 {
		delete(t.byHandle, handle)
	}
}
