// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/juju/collections/set"
)

// tableEntry records one locally owned object exposed to the peer.
type tableEntry struct {
	handle uint64
	value  interface{}
	refs   int

	// names holds the exposure policy evaluated for the object when
	// it was first exposed. The dispatcher permits only operations
	// named here (plus builtins, when enabled).
	names set.Strings
}

// objectTable maps locally owned objects to the opaque handles the
// peer knows them by, with one reference count per entry. It is the
// garbage collection authority for objects exposed over its
// connection: an entry lives until the peer has dropped every
// reference minted for it.
//
// Handles are only meaningful on the connection that issued them.
type objectTable struct {
	mu         sync.Mutex
	nextHandle uint64
	entries    map[uint64]*tableEntry

	// byIdentity reuses entries for pointer-like values so that
	// sending the same object twice yields the same handle. Values
	// without a stable identity always get a fresh entry.
	byIdentity map[interface{}]uint64
}

func newObjectTable() *objectTable {
	return &objectTable{
		entries:    make(map[uint64]*tableEntry),
		byIdentity: make(map[interface{}]uint64),
	}
}

// expose registers obj, or bumps the count of its existing entry, and
// returns its handle. Each call mints one remote reference: the peer
// owes one decref per expose.
func (t *objectTable) expose(obj interface{}, names set.Strings) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hasIdentity(obj) {
		if h, ok := t.byIdentity[obj]; ok {
			t.entries[h].refs++
			return h
		}
	}
	t.nextHandle++
	h := t.nextHandle
	t.entries[h] = &tableEntry{
		handle: h,
		value:  obj,
		refs:   1,
		names:  names,
	}
	if hasIdentity(obj) {
		t.byIdentity[obj] = h
	}
	return h
}

// lookup returns the entry behind handle. An unknown handle is an
// ErrInvalidHandle: either a protocol violation or a reference to an
// already collected entry, which a correct peer never makes.
func (t *objectTable) lookup(handle uint64) (*tableEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return nil, fmt.Errorf("no object behind handle %d: %w", handle, ErrInvalidHandle)
	}
	return e, nil
}

// decref drops n references from the entry behind handle, removing the
// entry when the count reaches zero so the host runtime can collect
// the object.
func (t *objectTable) decref(handle uint64, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return fmt.Errorf("decref of handle %d: %w", handle, ErrInvalidHandle)
	}
	if n < 1 {
		return fmt.Errorf("decref of handle %d by %d: %w", handle, n, ErrProtocolViolation)
	}
	e.refs -= n
	if e.refs > 0 {
		return nil
	}
	delete(t.entries, handle)
	if hasIdentity(e.value) {
		delete(t.byIdentity, e.value)
	}
	return nil
}

// refs reports the current reference count for handle, zero if the
// entry is gone.
func (t *objectTable) refs(handle uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[handle]; ok {
		return e.refs
	}
	return 0
}

// size reports the number of live entries.
func (t *objectTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// releaseAll drops every entry. Used on connection teardown, where the
// peer is gone and owes no further decrefs.
func (t *objectTable) releaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint64]*tableEntry)
	t.byIdentity = make(map[interface{}]uint64)
}

// hasIdentity reports whether obj can serve as a map key with stable
// identity semantics. Only pointers and channels qualify; everything
// else either isn't comparable or compares by value.
func hasIdentity(obj interface{}) bool {
	switch reflect.ValueOf(obj).Kind() {
	case reflect.Ptr, reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return false
}
