// SPDX-License-Identifier: GPL-3.0-or-later

package contact_test

import (
	"testing"

	"github.com/bassosimone/overlay/contact"
	"github.com/bassosimone/overlay/netid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func directDialInfo(host string) netid.DialInfo {
	return netid.DialInfo{Protocol: netid.ProtocolTCP, Address: netid.AddressIPv4, HostOrIP: host, Port: 5000, Class: netid.DialClassDirect}
}

func TestResolveDirect(t *testing.T) {
	r := contact.New(24, 64)
	self := netid.PeerInfo{NodeIDs: []string{"A"}, PublicIP: "1.1.1.1", Timestamp: 1}
	target := netid.PeerInfo{NodeIDs: []string{"B"}, PublicIP: "2.2.2.2", Timestamp: 1,
		DialInfos: []netid.DialInfo{directDialInfo("2.2.2.2")}}

	method := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
	require.Equal(t, contact.MethodDirect, method.Kind)
	assert.Equal(t, "2.2.2.2", method.DialInfo.HostOrIP)
}

func TestResolveHairpinSuppressesDirect(t *testing.T) {
	r := contact.New(24, 64)
	self := netid.PeerInfo{NodeIDs: []string{"A"}, PublicIP: "10.0.0.1", Timestamp: 1}
	target := netid.PeerInfo{NodeIDs: []string{"B"}, PublicIP: "10.0.0.2", Timestamp: 1,
		DialInfos: []netid.DialInfo{directDialInfo("10.0.0.2")}}

	method := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
	assert.Equal(t, contact.MethodUnreachable, method.Kind, "same-/24 direct dial info must be suppressed")
}

func TestResolveExistingRelayBypass(t *testing.T) {
	r := contact.New(24, 64)
	self := netid.PeerInfo{NodeIDs: []string{"A"}, PublicIP: "1.1.1.1", Timestamp: 1}
	target := netid.PeerInfo{
		NodeIDs:   []string{"B"},
		PublicIP:  "2.2.2.2",
		Timestamp: 1,
		Relay:     &netid.RelayInfo{NodeIDs: []string{"A"}},
	}

	method := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
	assert.Equal(t, contact.MethodExisting, method.Kind)
}

func TestResolveSignalReverse(t *testing.T) {
	r := contact.New(24, 64)
	self := netid.PeerInfo{NodeIDs: []string{"A"}, PublicIP: "1.1.1.1", InboundCapable: true, Timestamp: 1}
	target := netid.PeerInfo{
		NodeIDs:   []string{"B"},
		PublicIP:  "2.2.2.2",
		Timestamp: 1,
		DialInfos: []netid.DialInfo{{Protocol: netid.ProtocolTCP, HostOrIP: "2.2.2.2", Port: 5000, Class: netid.DialClassRequiresSignal}},
		Relay:     &netid.RelayInfo{NodeIDs: []string{"R"}, DialInfos: []netid.DialInfo{directDialInfo("3.3.3.3")}},
	}

	method := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
	require.Equal(t, contact.MethodSignalReverse, method.Kind)
	assert.Equal(t, []string{"R"}, method.Relay.NodeIDs)
	assert.Equal(t, target.NodeIDs, method.Target.NodeIDs)
}

func TestResolveHolePunch(t *testing.T) {
	r := contact.New(24, 64)
	self := netid.PeerInfo{
		NodeIDs:   []string{"A"},
		PublicIP:  "1.1.1.1",
		Timestamp: 1,
		DialInfos: []netid.DialInfo{{Protocol: netid.ProtocolUDP, HostOrIP: "1.1.1.1", Port: 4000, Class: netid.DialClassDirect}},
	}
	target := netid.PeerInfo{
		NodeIDs:   []string{"B"},
		PublicIP:  "2.2.2.2",
		Timestamp: 1,
		DialInfos: []netid.DialInfo{{Protocol: netid.ProtocolUDP, HostOrIP: "2.2.2.2", Port: 4000, Class: netid.DialClassDirect}},
		Relay:     &netid.RelayInfo{NodeIDs: []string{"R"}, DialInfos: []netid.DialInfo{directDialInfo("3.3.3.3")}},
	}

	// Restrict the caller's filter to TCP only: the plain-direct rule finds
	// no reachable candidate, but hole-punch still sees the raw UDP dial
	// info (its check bypasses the caller's protocol filter).
	filter := netid.DialInfoFilter{Protocols: netid.NewProtocolSet(netid.ProtocolTCP)}
	method := r.Resolve(self, target, filter, netid.SequencingNoPreference)
	require.Equal(t, contact.MethodSignalHolePunch, method.Kind)
}

func TestResolveInboundRelay(t *testing.T) {
	r := contact.New(24, 64)
	self := netid.PeerInfo{NodeIDs: []string{"A"}, PublicIP: "1.1.1.1", Timestamp: 1}
	target := netid.PeerInfo{
		NodeIDs:   []string{"B"},
		PublicIP:  "2.2.2.2",
		Timestamp: 1,
		Relay:     &netid.RelayInfo{NodeIDs: []string{"R"}, DialInfos: []netid.DialInfo{directDialInfo("3.3.3.3")}},
	}

	method := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
	assert.Equal(t, contact.MethodInboundRelay, method.Kind)
}

func TestResolveOutboundRelay(t *testing.T) {
	r := contact.New(24, 64)
	self := netid.PeerInfo{
		NodeIDs:   []string{"A"},
		PublicIP:  "1.1.1.1",
		Timestamp: 1,
		Relay:     &netid.RelayInfo{NodeIDs: []string{"R"}},
	}
	target := netid.PeerInfo{NodeIDs: []string{"B"}, PublicIP: "2.2.2.2", Timestamp: 1}

	method := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
	assert.Equal(t, contact.MethodOutboundRelay, method.Kind)
}

func TestResolveUnreachable(t *testing.T) {
	r := contact.New(24, 64)
	self := netid.PeerInfo{NodeIDs: []string{"A"}, PublicIP: "1.1.1.1", Timestamp: 1}
	target := netid.PeerInfo{NodeIDs: []string{"B"}, PublicIP: "2.2.2.2", Timestamp: 1}

	method := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
	assert.Equal(t, contact.MethodUnreachable, method.Kind)
}

func TestResolveCachesByTimestamp(t *testing.T) {
	r := contact.New(24, 64)
	self := netid.PeerInfo{NodeIDs: []string{"A"}, PublicIP: "1.1.1.1", Timestamp: 1}
	target := netid.PeerInfo{NodeIDs: []string{"B"}, PublicIP: "2.2.2.2", Timestamp: 1,
		DialInfos: []netid.DialInfo{directDialInfo("2.2.2.2")}}

	first := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)

	// Mutate target's advertised dial info without bumping its timestamp:
	// the cached result must still be returned.
	target.DialInfos = nil
	second := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
	assert.Equal(t, first, second)

	target.Timestamp = 2
	third := r.Resolve(self, target, netid.DialInfoFilter{}, netid.SequencingNoPreference)
	assert.Equal(t, contact.MethodUnreachable, third.Kind)
}
