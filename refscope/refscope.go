//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the teacher's CancelWatchFunc/ObserveConnFunc guard-with-
// sync.Once-Close idiom, applied to spec §4.12's RAII reference scope.
//

// Package refscope implements the RAII-style reference scope used to pin a
// connection table entry against LRU eviction for the duration of a
// long-running operation (spec §4.12).
package refscope

import "sync"

// Table is what a reference scope needs from a connection table: add/remove
// a reference by connection id, reporting whether the id is still present.
// conntable.Table exposes this as Ref(id, kind); connmgr adapts it to this
// interface.
type Table[ID comparable] interface {
	AddRef(id ID) bool
	ReleaseRef(id ID) bool
}

// Scope holds one outstanding reference on a connection id. The zero value
// is not usable; construct with [TryNew].
type Scope[ID comparable] struct {
	table    Table[ID]
	id       ID
	once     sync.Once
	released bool
}

// TryNew attempts to add a reference to id in table. Returns ok=false if
// the id is no longer present (the connection may have died already), in
// which case no reference was taken and there is nothing to release.
func TryNew[ID comparable](table Table[ID], id ID) (*Scope[ID], bool) {
	if !table.AddRef(id) {
		return nil, false
	}
	return &Scope[ID]{table: table, id: id}, true
}

// Close releases the reference. Safe to call more than once; only the
// first call has any effect. Callers should defer Close immediately after
// a successful [TryNew] so the reference is released on every exit path,
// including panics.
func (s *Scope[ID]) Close() {
	s.once.Do(func() {
		s.table.ReleaseRef(s.id)
		s.released = true
	})
}

// Released reports whether Close has run.
func (s *Scope[ID]) Released() bool {
	return s.released
}
