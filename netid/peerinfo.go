//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/routing_table's
// PeerInfo/NodeInfo/DialInfoFilter types, trimmed to the fields the contact
// resolver (spec §4.8) and send engine (spec §4.9) actually consult.
//

package netid

// RelayInfo describes a peer's relay: the relay's own node ids (used by the
// existing-relay-bypass rule) and its dial info (used to reach it).
type RelayInfo struct {
	NodeIDs   []string
	DialInfos []DialInfo
}

// PeerInfo is the opaque-to-the-core advertisement one node publishes about
// itself: its node ids, its direct dial info, its relay (if any), its
// observed public address, and whether its own network class is currently
// inbound-capable. Timestamp orders advertisements for the contact
// resolver's cache key (spec §4.8 "cached keyed on node-info timestamps").
type PeerInfo struct {
	NodeIDs        []string
	DialInfos      []DialInfo
	Relay          *RelayInfo
	PublicIP       string // literal IP, empty if unknown
	InboundCapable bool
	Timestamp      int64 // unix microseconds
}

// HasNodeID reports whether id is one of p's node ids.
func (p PeerInfo) HasNodeID(id string) bool {
	for _, nodeID := range p.NodeIDs {
		if nodeID == id {
			return true
		}
	}
	return false
}

// SharesNodeID reports whether p and other have any node id in common.
func (p PeerInfo) SharesNodeID(other PeerInfo) bool {
	for _, id := range other.NodeIDs {
		if p.HasNodeID(id) {
			return true
		}
	}
	return false
}

// ProtocolSet is a bitmask over [ProtocolType]; the zero value means "no
// restriction" (all protocols allowed).
type ProtocolSet uint8

// NewProtocolSet builds a [ProtocolSet] containing exactly the given
// protocols.
func NewProtocolSet(protocols ...ProtocolType) ProtocolSet {
	var s ProtocolSet
	for _, p := range protocols {
		s |= 1 << uint8(p)
	}
	return s
}

// Empty reports whether the set imposes no restriction.
func (s ProtocolSet) Empty() bool { return s == 0 }

// Contains reports whether p is a member of the set.
func (s ProtocolSet) Contains(p ProtocolType) bool { return s&(1<<uint8(p)) != 0 }

// AddressTypeSet is a bitmask over [AddressType]; the zero value means "no
// restriction".
type AddressTypeSet uint8

// NewAddressTypeSet builds an [AddressTypeSet] containing exactly the given
// address types.
func NewAddressTypeSet(types ...AddressType) AddressTypeSet {
	var s AddressTypeSet
	for _, t := range types {
		s |= 1 << uint8(t)
	}
	return s
}

func (s AddressTypeSet) Empty() bool { return s == 0 }

func (s AddressTypeSet) Contains(t AddressType) bool { return s&(1<<uint8(t)) != 0 }

// DialInfoFilter restricts which of a peer's advertised dial info entries a
// caller is willing to use (spec §4.8's "dial-info filter" input). The zero
// value allows everything. It is a plain comparable value so it can be used
// directly as (part of) a map key, e.g. the contact resolver's result cache.
type DialInfoFilter struct {
	Protocols ProtocolSet
	Addresses AddressTypeSet
}

// Allows reports whether d passes this filter.
func (f DialInfoFilter) Allows(d DialInfo) bool {
	protocolOK := f.Protocols.Empty() || f.Protocols.Contains(d.Protocol)
	addressOK := f.Addresses.Empty() || f.Addresses.Contains(d.Address)
	return protocolOK && addressOK
}

// Sequencing is the caller's ordering preference for the contact resolver
// (spec §4.8's "sequencing preference" input).
type Sequencing uint8

const (
	// SequencingNoPreference lets the resolver pick any reachable transport.
	SequencingNoPreference Sequencing = iota
	// SequencingPreferOrdered favors TCP/WS/WSS over UDP when both are
	// available, without excluding UDP entirely.
	SequencingPreferOrdered
	// SequencingEnsureOrdered excludes UDP dial info from consideration.
	SequencingEnsureOrdered
)
