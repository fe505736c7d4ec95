//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/routing_table/
// routing_domains.rs's get_contact_method (its ordered rule list and result
// cache keyed on node-info timestamps) and the teacher's dnsdial.go for the
// "pure function, no I/O, result cached" shape.
//

// Package contact implements the contact-method resolver (spec §4.8): a
// pure function from (self, target, filter, sequencing) to the one contact
// method the send engine should use, with its result cached by node-info
// timestamp.
package contact

import (
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bassosimone/overlay/netid"
)

// MethodKind is the tag of a resolved [Method].
type MethodKind int

const (
	MethodUnreachable MethodKind = iota
	MethodExisting
	MethodDirect
	MethodSignalReverse
	MethodSignalHolePunch
	MethodInboundRelay
	MethodOutboundRelay
)

func (k MethodKind) String() string {
	switch k {
	case MethodUnreachable:
		return "Unreachable"
	case MethodExisting:
		return "Existing"
	case MethodDirect:
		return "Direct"
	case MethodSignalReverse:
		return "SignalReverse"
	case MethodSignalHolePunch:
		return "SignalHolePunch"
	case MethodInboundRelay:
		return "InboundRelay"
	case MethodOutboundRelay:
		return "OutboundRelay"
	default:
		return "Unknown"
	}
}

// Method is the resolver's output: one of the seven contact methods in the
// glossary, with the fields relevant to its kind populated.
type Method struct {
	Kind MethodKind

	// DialInfo is set for MethodDirect (the dial info to use) and, as a
	// restriction hint, for MethodSignalHolePunch (the target's chosen UDP
	// dial info).
	DialInfo netid.DialInfo

	// Relay is set for MethodSignalReverse, MethodSignalHolePunch,
	// MethodInboundRelay, and MethodOutboundRelay.
	Relay netid.RelayInfo

	// Target is the ultimate target's peer info, set for
	// MethodSignalReverse and MethodSignalHolePunch (the relay is an
	// intermediate hop, not the send destination).
	Target netid.PeerInfo
}

type cacheKey struct {
	selfTimestamp   int64
	targetTimestamp int64
	filter          netid.DialInfoFilter
	sequencing      netid.Sequencing
}

// defaultCacheSize bounds the resolver's result cache: one entry per
// distinct (self, target, filter, sequencing) tuple seen recently.
const defaultCacheSize = 1024

// Resolver is the contact-method resolver. It is pure (spec §4.8: "does not
// perform I/O") and safe for concurrent use.
type Resolver struct {
	prefixV4 int
	prefixV6 int
	cache    *lru.Cache[cacheKey, Method]
}

// New builds a [Resolver]. prefixV4/prefixV6 are the same-block suppression
// prefix sizes (spec §4.8 rule 1; typically
// config.Config.MaxConnectionsPerIP6PrefixSize for v6, /24 or similar for
// v4).
func New(prefixV4, prefixV6 int) *Resolver {
	cache, err := lru.New[cacheKey, Method](defaultCacheSize)
	if err != nil {
		panic(err) // defaultCacheSize is a positive constant; cannot fail.
	}
	return &Resolver{prefixV4: prefixV4, prefixV6: prefixV6, cache: cache}
}

// Resolve runs the rule list (spec §4.8), caching by node-info timestamps
// plus filter and sequencing.
func (r *Resolver) Resolve(self, target netid.PeerInfo, filter netid.DialInfoFilter, seq netid.Sequencing) Method {
	key := cacheKey{self.Timestamp, target.Timestamp, filter, seq}
	if cached, ok := r.cache.Get(key); ok {
		return cached
	}
	method := r.resolve(self, target, filter, seq)
	r.cache.Add(key, method)
	return method
}

func (r *Resolver) resolve(self, target netid.PeerInfo, filter netid.DialInfoFilter, seq netid.Sequencing) Method {
	// Rule 1: same-IP-block suppression. Direct dial info sharing self's
	// prefix is excluded from consideration entirely; the remaining rules
	// run as if the target had no such dial info.
	reachable := r.reachableDirect(self, target, filter, seq)

	// Rule 2: Direct. Mirrors the original's `!target_did.class.requires_signal()`
	// check rather than an equality test, so a future class added to
	// [netid.DialClass] only needs to update RequiresSignal, not this rule.
	for _, d := range reachable {
		if d.Class.RequiresSignal() {
			continue
		}
		return Method{Kind: MethodDirect, DialInfo: d}
	}

	// Rule 3: existing relay bypass — the target already relays through us.
	if target.Relay != nil && selfIsAmong(self, target.Relay.NodeIDs) {
		return Method{Kind: MethodExisting}
	}

	// Rule 4: reverse-connect.
	if target.Relay != nil && self.InboundCapable && publicIPDiffers(self, target) {
		if _, ok := firstOfClass(reachable, netid.DialClassRequiresSignal); ok {
			return Method{Kind: MethodSignalReverse, Relay: *target.Relay, Target: target}
		}
	}

	// Rule 5: UDP hole-punch. The physical UDP dial-info check ignores the
	// caller's protocol filter (hole-punching is an internal NAT-traversal
	// mechanism, not the caller's preferred contact type) but still honors
	// rule 1's same-block exclusion.
	if target.Relay != nil && publicIPDiffers(self, target) && selfHasDirectUDP(self) {
		unfiltered := r.reachableDirect(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
		if d, ok := firstDirectUDP(unfiltered); ok {
			return Method{Kind: MethodSignalHolePunch, DialInfo: d, Relay: *target.Relay, Target: target}
		}
	}

	// Rule 6: inbound relay.
	if target.Relay != nil && hasReachableDialInfo(target.Relay.DialInfos, filter, seq) {
		return Method{Kind: MethodInboundRelay, Relay: *target.Relay}
	}

	// Rule 7: outbound relay.
	if !self.InboundCapable && self.Relay != nil && !target.SharesNodeID(netid.PeerInfo{NodeIDs: self.Relay.NodeIDs}) {
		return Method{Kind: MethodOutboundRelay, Relay: *self.Relay}
	}

	// Rule 8.
	return Method{Kind: MethodUnreachable}
}

// reachableDirect returns target's dial info entries that pass filter and
// sequencing and do not share self's same-block prefix (rule 1).
func (r *Resolver) reachableDirect(self, target netid.PeerInfo, filter netid.DialInfoFilter, seq netid.Sequencing) []netid.DialInfo {
	var out []netid.DialInfo
	for _, d := range target.DialInfos {
		if !filter.Allows(d) {
			continue
		}
		if seq == netid.SequencingEnsureOrdered && d.Protocol == netid.ProtocolUDP {
			continue
		}
		if r.sharesBlock(self.PublicIP, d.HostOrIP) {
			continue
		}
		out = append(out, d)
	}
	if seq == netid.SequencingPreferOrdered {
		ordered := make([]netid.DialInfo, 0, len(out))
		for _, d := range out {
			if d.Protocol != netid.ProtocolUDP {
				ordered = append(ordered, d)
			}
		}
		for _, d := range out {
			if d.Protocol == netid.ProtocolUDP {
				ordered = append(ordered, d)
			}
		}
		out = ordered
	}
	return out
}

func (r *Resolver) sharesBlock(selfIP, candidateIP string) bool {
	a, err := netip.ParseAddr(selfIP)
	if err != nil {
		return false
	}
	b, err := netip.ParseAddr(candidateIP)
	if err != nil {
		return false
	}
	bits := r.prefixV4
	if a.Is6() && !a.Is4In6() {
		bits = r.prefixV6
	}
	prefixA, err := a.Prefix(bits)
	if err != nil {
		return false
	}
	return prefixA.Contains(b)
}

func selfIsAmong(self netid.PeerInfo, ids []string) bool {
	for _, id := range ids {
		if self.HasNodeID(id) {
			return true
		}
	}
	return false
}

func publicIPDiffers(self, target netid.PeerInfo) bool {
	return self.PublicIP != "" && target.PublicIP != "" && self.PublicIP != target.PublicIP
}

func firstOfClass(dialInfos []netid.DialInfo, class netid.DialClass) (netid.DialInfo, bool) {
	for _, d := range dialInfos {
		if d.Class == class {
			return d, true
		}
	}
	return netid.DialInfo{}, false
}

func firstDirectUDP(dialInfos []netid.DialInfo) (netid.DialInfo, bool) {
	for _, d := range dialInfos {
		if d.Class == netid.DialClassDirect && d.Protocol == netid.ProtocolUDP {
			return d, true
		}
	}
	return netid.DialInfo{}, false
}

func selfHasDirectUDP(self netid.PeerInfo) bool {
	_, ok := firstDirectUDP(self.DialInfos)
	return ok
}

func hasReachableDialInfo(dialInfos []netid.DialInfo, filter netid.DialInfoFilter, seq netid.Sequencing) bool {
	for _, d := range dialInfos {
		if !filter.Allows(d) {
			continue
		}
		if seq == netid.SequencingEnsureOrdered && d.Protocol == netid.ProtocolUDP {
			continue
		}
		return true
	}
	return false
}
