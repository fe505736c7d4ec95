//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/network_manager/
// connection_table.rs (ConnectionTable: per-protocol LRU buckets, four
// secondary indices, eviction policy, collision detection) and
// kryptco-kr's use of github.com/hashicorp/golang-lru for bounded caches.
//

// Package conntable implements the connection table (spec §4.3): a bounded,
// LRU-ordered store of live connections, indexed by id, flow, and peer
// address, with a per-IP [AddressFilter].
package conntable

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bassosimone/overlay/netid"
)

// Conn is what the connection table needs from a stored connection. The
// concrete type (netconn.Connection) lives in a sibling package; the table
// only depends on this narrow interface to avoid a needless import.
type Conn interface {
	ID() netid.ConnectionID
	Flow() netid.Flow
	PeerAddress() netid.PeerAddress
	Protocol() netid.ProtocolType
	Protected() bool
	RefCount() int32
	AddRef() int32
	Release() int32
	Close() error
}

// RefKind selects the direction of a [Table.Ref] call.
type RefKind int

const (
	RefAdd RefKind = iota
	RefRemove
)

var (
	// ErrAlreadyExists is returned by [Table.Add] when the flow is already mapped.
	ErrAlreadyExists = errors.New("conntable: connection already exists for this flow")
	// ErrAddressFiltered is returned by [Table.Add] when the per-IP cap is exceeded.
	ErrAddressFiltered = errors.New("conntable: remote address filtered")
	// ErrTableFull is returned by [Table.Add] when the protocol bucket is full
	// and no unprotected, unreferenced victim exists.
	ErrTableFull = errors.New("conntable: protocol bucket full")
)

// unboundedBucketSize is large enough that golang-lru's own automatic
// eviction never triggers; capacity is enforced by [Table.Add] itself so
// that the eviction policy can skip protected or referenced entries, which
// a plain strict-LRU cache cannot express.
const unboundedBucketSize = 1 << 24

// Table is the connection table, generic over the concrete connection type.
type Table[C Conn] struct {
	mu             sync.Mutex
	maxPerProtocol map[netid.ProtocolType]int
	buckets        map[netid.ProtocolType]*lru.Cache[netid.ConnectionID, C]
	idProtocol     map[netid.ConnectionID]netid.ProtocolType
	byFlow         map[netid.Flow]netid.ConnectionID
	byPeer         map[netid.PeerAddress][]netid.ConnectionID
	Filter         *AddressFilter
}

// New builds a [Table] with one bucket per protocol named in maxPerProtocol.
func New[C Conn](maxPerProtocol map[netid.ProtocolType]int, filter *AddressFilter) *Table[C] {
	t := &Table[C]{
		maxPerProtocol: maxPerProtocol,
		buckets:        make(map[netid.ProtocolType]*lru.Cache[netid.ConnectionID, C]),
		idProtocol:     make(map[netid.ConnectionID]netid.ProtocolType),
		byFlow:         make(map[netid.Flow]netid.ConnectionID),
		byPeer:         make(map[netid.PeerAddress][]netid.ConnectionID),
		Filter:         filter,
	}
	for protocol := range maxPerProtocol {
		t.buckets[protocol] = t.newBucket()
	}
	return t
}

func (t *Table[C]) newBucket() *lru.Cache[netid.ConnectionID, C] {
	cache, err := lru.NewWithEvict(unboundedBucketSize, func(id netid.ConnectionID, _ C) {
		// onEvict fires for both automatic and explicit removals; the
		// secondary-index cleanup below must be idempotent either way.
		t.unindexLocked(id)
	})
	if err != nil {
		// Only returned for a non-positive size, which unboundedBucketSize
		// never is; a panic here would indicate a programming error.
		panic(err)
	}
	return cache
}

func (t *Table[C]) bucket(protocol netid.ProtocolType) *lru.Cache[netid.ConnectionID, C] {
	b, ok := t.buckets[protocol]
	if !ok {
		b = t.newBucket()
		t.buckets[protocol] = b
	}
	return b
}

// Add inserts conn. See [ErrAlreadyExists], [ErrAddressFiltered], [ErrTableFull].
func (t *Table[C]) Add(conn C) (evicted C, hadEvicted bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	flow := conn.Flow()
	if _, exists := t.byFlow[flow]; exists {
		return evicted, false, ErrAlreadyExists
	}

	remoteIP := flow.Remote.Socket.Addr()
	if t.Filter != nil && !t.Filter.Allow(remoteIP) {
		return evicted, false, ErrAddressFiltered
	}

	protocol := conn.Protocol()
	max := t.maxPerProtocol[protocol]
	bucket := t.bucket(protocol)
	if max > 0 && bucket.Len() >= max {
		victim, ok := t.selectVictimLocked(bucket)
		if !ok {
			return evicted, false, ErrTableFull
		}
		bucket.Remove(victim.ID())
		evicted, hadEvicted = victim, true
	}

	id := conn.ID()
	bucket.Add(id, conn)
	t.idProtocol[id] = protocol
	t.byFlow[flow] = id
	t.byPeer[flow.Remote] = append(t.byPeer[flow.Remote], id)
	if t.Filter != nil {
		t.Filter.Add(remoteIP)
	}
	return evicted, hadEvicted, nil
}

// selectVictimLocked walks bucket in LRU order (oldest first) and returns
// the first entry with a zero refcount and no protection flag set.
func (t *Table[C]) selectVictimLocked(bucket *lru.Cache[netid.ConnectionID, C]) (C, bool) {
	var zero C
	for _, id := range bucket.Keys() {
		conn, ok := bucket.Peek(id)
		if !ok {
			continue
		}
		if conn.RefCount() == 0 && !conn.Protected() {
			return conn, true
		}
	}
	return zero, false
}

// unindexLocked removes id from every secondary index. Called from the
// eviction callback, which already holds t.mu (golang-lru invokes onEvict
// synchronously from within the Add/Remove call that triggered it).
func (t *Table[C]) unindexLocked(id netid.ConnectionID) {
	protocol, ok := t.idProtocol[id]
	if !ok {
		return
	}
	delete(t.idProtocol, id)
	for flow, flowID := range t.byFlow {
		if flowID == id {
			delete(t.byFlow, flow)
			if t.Filter != nil {
				t.Filter.Remove(flow.Remote.Socket.Addr())
			}
			ids := t.byPeer[flow.Remote]
			for i, v := range ids {
				if v == id {
					ids = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			if len(ids) == 0 {
				delete(t.byPeer, flow.Remote)
			} else {
				t.byPeer[flow.Remote] = ids
			}
			break
		}
	}
	_ = protocol
}

// PeekByFlow returns the connection mapped to flow, if any, promoting it to
// most-recently-used.
func (t *Table[C]) PeekByFlow(flow netid.Flow) (C, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero C
	id, ok := t.byFlow[flow]
	if !ok {
		return zero, false
	}
	return t.getLocked(id)
}

func (t *Table[C]) getLocked(id netid.ConnectionID) (C, bool) {
	var zero C
	protocol, ok := t.idProtocol[id]
	if !ok {
		return zero, false
	}
	return t.bucket(protocol).Get(id)
}

// Touch promotes id to most-recently-used; silently ignored if absent.
func (t *Table[C]) Touch(id netid.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getLocked(id)
}

// Ref adjusts id's connection's refcount in direction kind, via the
// connection's own reference-counting methods — the table itself does not
// store refcounts, it only reads them through [Conn.RefCount] for eviction
// decisions. Ref reports whether id is still present in the table, and also
// promotes the entry to most-recently-used (spec §4.3 "touch semantics").
func (t *Table[C]) Ref(id netid.ConnectionID, kind RefKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.getLocked(id)
	if !ok {
		return false
	}
	switch kind {
	case RefAdd:
		conn.AddRef()
	case RefRemove:
		conn.Release()
	}
	return true
}

// BestByRemote returns the best existing connection to peer: preferring one
// whose local port matches preferredPort, else the most recently added entry
// for that peer.
func (t *Table[C]) BestByRemote(preferredPort uint16, hasPreferredPort bool, peer netid.PeerAddress) (C, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero C
	ids, ok := t.byPeer[peer]
	if !ok || len(ids) == 0 {
		return zero, false
	}
	if hasPreferredPort {
		for _, id := range ids {
			conn, ok := t.getLocked(id)
			if ok && conn.Flow().Local.Port() == preferredPort {
				return conn, true
			}
		}
	}
	// Most-recent: golang-lru's Keys() for the owning bucket lists entries
	// oldest-first, so scan ids (insertion order within this peer) and keep
	// the last one actually still present.
	var best C
	found := false
	for _, id := range ids {
		conn, ok := t.getLocked(id)
		if ok {
			best, found = conn, true
		}
	}
	return best, found
}

// IDsByRemote returns all connection ids currently mapped to peer.
func (t *Table[C]) IDsByRemote(peer netid.PeerAddress) []netid.ConnectionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byPeer[peer]
	out := make([]netid.ConnectionID, len(ids))
	copy(out, ids)
	return out
}

// RemoveByID removes and returns the connection for id, if present.
func (t *Table[C]) RemoveByID(id netid.ConnectionID) (C, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero C
	protocol, ok := t.idProtocol[id]
	if !ok {
		return zero, false
	}
	bucket := t.bucket(protocol)
	conn, ok := bucket.Peek(id)
	if !ok {
		return zero, false
	}
	bucket.Remove(id) // triggers unindexLocked via onEvict
	return conn, true
}

// CheckColliding reports whether the table holds a connection whose peer
// address shares dialInfo's socket address but a different protocol type
// riding the same low-level transport (spec §4.3 "Collision detection").
func (t *Table[C]) CheckColliding(dialInfo netid.DialInfo) bool {
	target, ok := dialInfo.PeerAddress()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lowLevel := target.Protocol.LowLevelProtocolType()
	for peer := range t.byPeer {
		if peer.Socket != target.Socket {
			continue
		}
		if peer.Protocol != target.Protocol && peer.Protocol.LowLevelProtocolType() == lowLevel {
			return true
		}
	}
	return false
}

// Join drains every bucket, closing each connection. Per spec §4.3 this
// closes the connection and awaits its receive loop; [Conn.Close] is
// expected to block until the receive loop has fully exited (the concrete
// netconn.Connection type satisfies this).
func (t *Table[C]) Join() {
	t.mu.Lock()
	var all []C
	for _, bucket := range t.buckets {
		for _, id := range bucket.Keys() {
			if conn, ok := bucket.Peek(id); ok {
				all = append(all, conn)
			}
		}
	}
	t.mu.Unlock()

	for _, conn := range all {
		conn.Close()
	}

	t.mu.Lock()
	for _, bucket := range t.buckets {
		bucket.Purge()
	}
	t.mu.Unlock()
}

// Len returns the total number of connections across all buckets.
func (t *Table[C]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, bucket := range t.buckets {
		n += bucket.Len()
	}
	return n
}
