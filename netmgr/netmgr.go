//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/network_manager/
// mod.rs (NetworkManagerStats/PerAddressStats, the client whitelist, and
// the public-address-change detector's three-in-a-row trigger) and the
// teacher's config.go for the "one struct holding every shared tunable"
// shape.
//

// Package netmgr implements the network manager façade (spec §4.10): the
// client whitelist, per-remote-IP rolling transfer statistics (spec §4.14
// item 1), and the public-address-change detector.
package netmgr

import (
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bassosimone/overlay/overlog"
)

// whitelistEntry records when a DHT key was last confirmed a legitimate
// client (spec §4.10 "map DHT-key -> {last_seen}").
type whitelistEntry struct {
	lastSeen time.Time
}

// Whitelist is the client whitelist: a last-seen-timestamped set of DHT
// keys, purged of entries older than a configured timeout.
type Whitelist struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]whitelistEntry
}

// NewWhitelist builds a [Whitelist]. now defaults to time.Now when nil.
func NewWhitelist(timeout time.Duration, now func() time.Time) *Whitelist {
	if now == nil {
		now = time.Now
	}
	return &Whitelist{
		timeout: timeout,
		now:     now,
		entries: make(map[string]whitelistEntry),
	}
}

// Touch records key as seen right now, whitelisting it if it wasn't
// already.
func (w *Whitelist) Touch(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[key] = whitelistEntry{lastSeen: w.now()}
}

// Check reports whether key is currently whitelisted, touching its
// last-seen timestamp if so (spec §4.10: "either touched (returning true)
// or absent (returning false)").
func (w *Whitelist) Check(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[key]; !ok {
		return false
	}
	w.entries[key] = whitelistEntry{lastSeen: w.now()}
	return true
}

// Purge removes entries last seen longer ago than the whitelist timeout.
func (w *Whitelist) Purge() {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.timeout)
	for key, entry := range w.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(w.entries, key)
		}
	}
}

// Len reports the number of whitelisted keys, for tests and diagnostics.
func (w *Whitelist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// addrStats is one remote IP's rolling transfer counters (spec §4.14 item
// 1's PerAddressStats).
type addrStats struct {
	bytesSent     int64
	bytesReceived int64
	lastSeen      time.Time
}

// defaultStatsCacheSize bounds the number of distinct remote IPs tracked
// at once; least-recently-updated entries are evicted first.
const defaultStatsCacheSize = 4096

// Stats tracks, per remote IP, a rolling count of bytes sent/received and
// the last-seen timestamp (spec §4.14 item 1). A decay pass (Decay) halves
// every counter on each maintenance tick, approximating a rolling average
// with O(1) per-sample work, the same technique the original's
// PerAddressStats comment describes.
type Stats struct {
	now func() time.Time

	mu    sync.Mutex
	cache *lru.Cache[netip.Addr, *addrStats]
}

// NewStats builds a [Stats] tracker. now defaults to time.Now when nil.
func NewStats(now func() time.Time) *Stats {
	if now == nil {
		now = time.Now
	}
	cache, err := lru.New[netip.Addr, *addrStats](defaultStatsCacheSize)
	if err != nil {
		panic(err) // defaultStatsCacheSize is a positive constant; cannot fail.
	}
	return &Stats{now: now, cache: cache}
}

// RecordSent implements [sendengine.StatsRecorder]: it records n bytes
// sent to remote.
func (s *Stats) RecordSent(remote netip.Addr, n int) {
	s.record(remote, n, 0)
}

// RecordReceived records n bytes received from remote (spec §4.7 step 1
// "record transfer statistics").
func (s *Stats) RecordReceived(remote netip.Addr, n int) {
	s.record(remote, 0, n)
}

func (s *Stats) record(remote netip.Addr, sent, received int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache.Get(remote)
	if !ok {
		entry = &addrStats{}
		s.cache.Add(remote, entry)
	}
	entry.bytesSent += int64(sent)
	entry.bytesReceived += int64(received)
	entry.lastSeen = s.now()
}

// Get returns the current counters for remote, or ok=false if nothing has
// been recorded for it.
func (s *Stats) Get(remote netip.Addr) (sent, received int64, lastSeen time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.cache.Get(remote)
	if !found {
		return 0, 0, time.Time{}, false
	}
	return entry.bytesSent, entry.bytesReceived, entry.lastSeen, true
}

// Decay halves every tracked counter, turning the running total into an
// exponentially-weighted rolling figure (spec §4.14 item 1).
func (s *Stats) Decay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, remote := range s.cache.Keys() {
		entry, ok := s.cache.Peek(remote)
		if !ok {
			continue
		}
		entry.bytesSent /= 2
		entry.bytesReceived /= 2
	}
}

// reportEntry is one recent public-address report (spec §4.10's "LRU of
// (peer -> address)").
type reportEntry struct {
	peer string
	addr netip.AddrPort
}

// defaultReportHistory bounds the slice of recent reports; only the most
// recent three are consulted by the trigger (spec §4.10), and older entries
// are kept but never read.
const defaultReportHistory = 16

// AddressChangeDetector implements spec §4.10's public-address-change
// detection: inbound-capable nodes clear their network class after three
// successive reports disagree with every known global dial info;
// outbound-only nodes do the reverse, clearing after three successive
// reports agree on one address (signalling the node may now be
// inbound-capable).
type AddressChangeDetector struct {
	mu      sync.Mutex
	history []reportEntry
}

// NewAddressChangeDetector builds an [AddressChangeDetector].
func NewAddressChangeDetector() *AddressChangeDetector {
	return &AddressChangeDetector{}
}

// Report records a peer's observed external socket address and
// re-evaluates the trigger condition. inboundCapable is the node's
// current network class; knownDialInfo is the set of currently
// advertised global dial addresses to compare disagreeing reports
// against. It returns true if the trigger fired (the caller should clear
// its network class and schedule rediscovery).
func (d *AddressChangeDetector) Report(peer string, addr netip.AddrPort, inboundCapable bool, knownDialInfo []netip.AddrPort) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, reportEntry{peer: peer, addr: addr})
	if len(d.history) > defaultReportHistory {
		d.history = d.history[len(d.history)-defaultReportHistory:]
	}
	if len(d.history) < 3 {
		return false
	}
	last3 := d.history[len(d.history)-3:]

	if inboundCapable {
		for _, r := range last3 {
			if addrKnown(r.addr, knownDialInfo) {
				return false
			}
		}
		return true
	}

	first := last3[0].addr
	for _, r := range last3[1:] {
		if r.addr != first {
			return false
		}
	}
	return true
}

// Reset clears the report history, e.g. after the trigger has fired and
// rediscovery has been scheduled.
func (d *AddressChangeDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = nil
}

func addrKnown(addr netip.AddrPort, known []netip.AddrPort) bool {
	for _, k := range known {
		if k == addr {
			return true
		}
	}
	return false
}

// Manager is the network manager façade: it bundles the whitelist,
// per-address stats, and address-change detector behind one handle,
// matching spec §4.10's "holds the shared mutable state."
type Manager struct {
	Whitelist          *Whitelist
	Stats              *Stats
	AddressChangeCheck *AddressChangeDetector

	logger overlog.Logger
}

// New builds a [Manager] with every sub-component wired.
func New(whitelistTimeout time.Duration, now func() time.Time, logger overlog.Logger) *Manager {
	if logger == nil {
		logger = overlog.Discard()
	}
	return &Manager{
		Whitelist:          NewWhitelist(whitelistTimeout, now),
		Stats:              NewStats(now),
		AddressChangeCheck: NewAddressChangeDetector(),
		logger:             logger,
	}
}

// Tick runs the periodic maintenance pass: whitelist purge and stats
// decay (spec §4.11's "rolling-transfer statistics" background task).
func (m *Manager) Tick() {
	m.Whitelist.Purge()
	m.Stats.Decay()
	m.logger.Debug("netmgrTick")
}
