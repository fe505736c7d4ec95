//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/network_manager/types
// (ProtocolType, AddressType, PeerAddress) and veilid-core/src/routing_table
// types (DialInfo, dial class).
//

// Package netid defines the identity types shared by every transport and
// dispatch component: protocol/address tags, socket addresses, peer
// addresses, flows, and dial info. These are pure value types with no I/O.
package netid

import (
	"fmt"
	"net/netip"
)

// ProtocolType is one of the four wire protocols a node can speak.
type ProtocolType uint8

const (
	ProtocolUDP ProtocolType = iota
	ProtocolTCP
	ProtocolWS
	ProtocolWSS
)

func (p ProtocolType) String() string {
	switch p {
	case ProtocolUDP:
		return "UDP"
	case ProtocolTCP:
		return "TCP"
	case ProtocolWS:
		return "WS"
	case ProtocolWSS:
		return "WSS"
	default:
		return fmt.Sprintf("ProtocolType(%d)", uint8(p))
	}
}

// IsConnectionOriented reports whether the protocol maintains a live,
// addressable connection (as opposed to UDP's connectionless datagrams).
func (p ProtocolType) IsConnectionOriented() bool {
	return p != ProtocolUDP
}

// LowLevelProtocolType returns the underlying byte-stream transport a
// protocol rides on. WS and WSS both ride on TCP; this is the basis for
// [PeerAddress] collision detection (spec §4.3 "Collision detection").
func (p ProtocolType) LowLevelProtocolType() ProtocolType {
	switch p {
	case ProtocolWS, ProtocolWSS:
		return ProtocolTCP
	default:
		return p
	}
}

// AddressType distinguishes IPv4 from IPv6 endpoints.
type AddressType uint8

const (
	AddressIPv4 AddressType = iota
	AddressIPv6
)

func (a AddressType) String() string {
	if a == AddressIPv6 {
		return "IPv6"
	}
	return "IPv4"
}

// AddressTypeOf returns the [AddressType] of addr.
func AddressTypeOf(addr netip.Addr) AddressType {
	if addr.Is4() || addr.Is4In6() {
		return AddressIPv4
	}
	return AddressIPv6
}

// PeerAddress is (socket address, protocol type). Two peer addresses are
// equal iff all three fields (ip, port, protocol) are equal.
type PeerAddress struct {
	Socket   netip.AddrPort
	Protocol ProtocolType
}

func NewPeerAddress(socket netip.AddrPort, protocol ProtocolType) PeerAddress {
	return PeerAddress{Socket: socket, Protocol: protocol}
}

func (p PeerAddress) String() string {
	return fmt.Sprintf("%s://%s", p.Protocol, p.Socket)
}

// AddressType returns the address type of the peer's socket address.
func (p PeerAddress) AddressType() AddressType {
	return AddressTypeOf(p.Socket.Addr())
}

// Flow is the identity of one connection: (remote peer address, optional
// local socket address, protocol type). The local field is absent (its
// zero value, IsValid()==false) for connectionless UDP. Flows are the
// equality key the connection table uses for deduplication.
type Flow struct {
	Remote   PeerAddress
	Local    netip.AddrPort // zero value means "absent"
	Protocol ProtocolType
}

func NewFlow(remote PeerAddress, local netip.AddrPort) Flow {
	return Flow{Remote: remote, Local: local, Protocol: remote.Protocol}
}

func (f Flow) HasLocal() bool {
	return f.Local.IsValid()
}

func (f Flow) String() string {
	if f.HasLocal() {
		return fmt.Sprintf("%s<-%s", f.Remote, f.Local)
	}
	return f.Remote.String()
}

// ConnectionID is a monotonic 64-bit counter, unique and strictly
// increasing within the lifetime of one connection manager. Never reused.
type ConnectionID uint64

// UniqueFlow disambiguates distinct sessions on the same [Flow] over time.
type UniqueFlow struct {
	Flow Flow
	ID   ConnectionID // zero means absent
}

// DialClass classifies how reachable a dial info entry is.
type DialClass uint8

const (
	// DialClassDirect means the endpoint can be dialed with no signalling.
	DialClassDirect DialClass = iota
	// DialClassRequiresSignal means reaching this endpoint requires a
	// relayed reverse-connect or hole-punch signal first.
	DialClassRequiresSignal
	// DialClassRequiresRelay means the endpoint is only reachable by
	// relaying all traffic through a third node.
	DialClassRequiresRelay
)

// RequiresSignal reports whether a dial info entry of this class needs a
// relayed reverse-connect or hole-punch signal — or a relay outright —
// before it can carry traffic, i.e. whether it is ineligible for the
// resolver's plain Direct rule. Named after the original's
// DialInfoClass::requires_signal (routing_table/routing_domains.rs):
// there, several non-Direct classes (Mapped, FullConeNAT) still answer
// false because they are reachable without coordination; this module's
// narrower three-class [DialClass] only has one such class, Direct.
func (c DialClass) RequiresSignal() bool {
	return c == DialClassRequiresSignal || c == DialClassRequiresRelay
}

func (c DialClass) String() string {
	switch c {
	case DialClassDirect:
		return "direct"
	case DialClassRequiresSignal:
		return "requires-signal"
	case DialClassRequiresRelay:
		return "requires-relay"
	default:
		return "unknown"
	}
}

// DialInfo is a routable endpoint: enough metadata to attempt a dial plus a
// [DialClass] tag describing how it may be reached. A node may advertise
// many dial info entries across its supported protocols.
type DialInfo struct {
	Protocol    ProtocolType
	Address     AddressType
	HostOrIP    string // hostname or literal IP; only literal IPs are dialable
	Port        uint16
	Path        string // used by WS/WSS; empty otherwise
	Class       DialClass
}

// SocketAddress resolves HostOrIP (if it is already a literal IP) into a
// [netip.AddrPort]. Hostnames are not resolved: ok is false for them, and
// connmgr's NetDialer and Manager.GetOrCreate reject such dial info too.
func (d DialInfo) SocketAddress() (netip.AddrPort, bool) {
	addr, err := netip.ParseAddr(d.HostOrIP)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, d.Port), true
}

// PeerAddress returns the [PeerAddress] for this dial info, assuming
// HostOrIP is already a literal IP address.
func (d DialInfo) PeerAddress() (PeerAddress, bool) {
	socket, ok := d.SocketAddress()
	if !ok {
		return PeerAddress{}, false
	}
	return NewPeerAddress(socket, d.Protocol), true
}

func (d DialInfo) String() string {
	host := d.HostOrIP
	if d.Path != "" {
		return fmt.Sprintf("%s://%s:%d%s", d.Protocol, host, d.Port, d.Path)
	}
	return fmt.Sprintf("%s://%s:%d", d.Protocol, host, d.Port)
}
