//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/network_manager/
// connection_table.rs's AddressFilter (per-IP connection cap, IPv6 prefix
// aggregation, and the punishment list for IPs that sent invalid traffic).
//

package conntable

import (
	"net/netip"
	"sync"
	"time"
)

// AddressFilter enforces the per-remote-IP connection cap (spec §4.3's
// "AddressFilter if per-IP cap exceeded" add() error) and the punishment
// list described in SPEC_FULL.md §4.14 item 2: an IP that sent traffic
// which failed the envelope pipeline's signature or framing checks may be
// temporarily barred from opening new connections, independent of whether
// it is currently under the count cap.
type AddressFilter struct {
	mu              sync.Mutex
	maxPerIP        int
	maxPerIP6Prefix int
	ip6PrefixSize   int
	counts          map[netip.Prefix]int
	punished        map[netip.Prefix]time.Time
	timeNow         func() time.Time
}

// NewAddressFilter builds an [AddressFilter]. ip6PrefixSize is the number of
// leading bits that identify one "block" for IPv6 addresses (spec's
// max_connections_per_ip6_prefix_size); IPv4 addresses are always counted
// individually (prefix size 32).
func NewAddressFilter(maxPerIP, maxPerIP6Prefix, ip6PrefixSize int, timeNow func() time.Time) *AddressFilter {
	if timeNow == nil {
		timeNow = time.Now
	}
	return &AddressFilter{
		maxPerIP:        maxPerIP,
		maxPerIP6Prefix: maxPerIP6Prefix,
		ip6PrefixSize:   ip6PrefixSize,
		counts:          make(map[netip.Prefix]int),
		punished:        make(map[netip.Prefix]time.Time),
		timeNow:         timeNow,
	}
}

func (f *AddressFilter) blockOf(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	if addr.Is4() {
		p, _ := addr.Prefix(32)
		return p
	}
	p, _ := addr.Prefix(f.ip6PrefixSize)
	return p
}

func (f *AddressFilter) limitFor(addr netip.Addr) int {
	if addr.Unmap().Is4() {
		return f.maxPerIP
	}
	return f.maxPerIP6Prefix
}

// Allow reports whether a new connection from addr may be admitted: it is
// neither currently punished nor at its block's connection cap.
func (f *AddressFilter) Allow(addr netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	block := f.blockOf(addr)
	if until, ok := f.punished[block]; ok {
		if f.timeNow().Before(until) {
			return false
		}
		delete(f.punished, block)
	}
	return f.counts[block] < f.limitFor(addr)
}

// Add records one more connection from addr against its block's count.
func (f *AddressFilter) Add(addr netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[f.blockOf(addr)]++
}

// Remove undoes a prior [Add].
func (f *AddressFilter) Remove(addr netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block := f.blockOf(addr)
	if n := f.counts[block]; n > 1 {
		f.counts[block] = n - 1
	} else {
		delete(f.counts, block)
	}
}

// Punish bars addr's block from new connections until duration elapses.
func (f *AddressFilter) Punish(addr netip.Addr, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until := f.timeNow().Add(duration)
	block := f.blockOf(addr)
	if existing, ok := f.punished[block]; !ok || until.After(existing) {
		f.punished[block] = until
	}
}
