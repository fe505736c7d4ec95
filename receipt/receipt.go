//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/network_manager/
// receipt_manager.rs (record/record_single_shot/handle_receipt/cancel/tick,
// the single-spawn purge task, and the post-consumption replay guard) and
// the teacher's cancelwatch.go for the CompareAndSwap "one run at a time"
// idiom reused here for tick().
//

// Package receipt implements the receipt manager (spec §4.6): a registry of
// one-shot and multi-shot rendezvous keyed by a random nonce, with
// expiration timers and exactly-once callback firing.
package receipt

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/overlog"
)

// NonceSize is the width of a receipt nonce in bytes. Spec §4.6 allows 24 or
// 32; we fix 32 throughout this module.
const NonceSize = 32

// Nonce is a globally-unique-with-overwhelming-probability receipt token.
// Never encodes state: it is purely a map key (spec §9 design note).
type Nonce [NonceSize]byte

func (n Nonce) String() string { return fmt.Sprintf("%x", n[:8]) }

// NewNonce draws a fresh nonce from r, which must be a CSPRNG (e.g.
// crypto/rand.Reader, or config.Config.Rand).
func NewNonce(r io.Reader) (Nonce, error) {
	if r == nil {
		r = rand.Reader
	}
	var n Nonce
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return Nonce{}, fmt.Errorf("receipt: drawing nonce: %w", err)
	}
	return n, nil
}

// EventKind is the outcome delivered to a receipt's callback.
type EventKind int

const (
	// ReturnedInBand means the receipt arrived written on a connection the
	// target dialed back (reverse-connect/hole-punch rendezvous).
	ReturnedInBand EventKind = iota
	// ReturnedOutOfBand means the receipt arrived as a top-level
	// receipt-magic message on an existing connection.
	ReturnedOutOfBand
	// Cancelled means [Manager.Cancel] removed the record before it fired.
	Cancelled
	// Expired means [Manager.Tick] purged the record past its expiration.
	Expired
)

func (k EventKind) String() string {
	switch k {
	case ReturnedInBand:
		return "ReturnedInBand"
	case ReturnedOutOfBand:
		return "ReturnedOutOfBand"
	case Cancelled:
		return "Cancelled"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Event is delivered to a record's callback exactly once (spec §8 property
// 7: exactly one of handle_receipt/cancel/expire fires the callback).
type Event struct {
	Kind    EventKind
	Inbound netid.NodeRef // set only for ReturnedInBand
	Flow    netid.Flow    // the flow the receipt arrived on (send engine's rendezvous target)
}

// Callback receives the terminal event for a receipt record.
type Callback func(Event)

// ErrUnknownNonce is returned by [Manager.Cancel] when the nonce names no
// live record, and by [Manager.HandleReceipt] when it names no live record
// and is not in the recently-consumed replay guard (never recorded,
// cancelled, expired, or consumed long enough ago to have left the guard).
var ErrUnknownNonce = errors.New("receipt: unknown nonce")

// ErrDuplicateNonce is returned by [Manager.Record]/[Manager.RecordSingleShot]
// when the nonce is already in use.
var ErrDuplicateNonce = errors.New("receipt: duplicate nonce")

type record struct {
	nonce           Nonce
	expiration      time.Time
	expectedReturns int
	returnsSoFar    int
	callback        Callback
}

// replayGuardSize bounds the recently-consumed-nonce LRU (supplemented
// feature §4.14 item 4): large enough to absorb retransmission bursts
// without growing unbounded.
const replayGuardSize = 4096

// Manager is the receipt manager.
type Manager struct {
	logger overlog.Logger
	now    func() time.Time

	mu         sync.Mutex
	records    map[Nonce]*record
	nextOldest time.Time

	purging atomic.Bool

	// consumed absorbs a duplicate in-flight retransmission of a receipt
	// already fully handled, so it is dropped silently instead of logged
	// as invalid-message noise (spec §4.14 item 4).
	consumed *lru.Cache[Nonce, struct{}]
}

// New builds a [Manager]. now defaults to time.Now when nil.
func New(now func() time.Time, logger overlog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = overlog.Discard()
	}
	consumed, err := lru.New[Nonce, struct{}](replayGuardSize)
	if err != nil {
		// replayGuardSize is a compile-time constant > 0; this cannot fail.
		panic(err)
	}
	return &Manager{
		logger:  logger,
		now:     now,
		records: make(map[Nonce]*record),
		consumed: consumed,
	}
}

// Record inserts a multi-shot receipt under nonce, firing callback once
// returns_so_far reaches expectedReturns.
func (m *Manager) Record(nonce Nonce, expiration time.Time, expectedReturns int, callback Callback) error {
	return m.record(nonce, expiration, expectedReturns, callback)
}

// RecordSingleShot inserts a one-shot rendezvous: expectedReturns is fixed
// at 1.
func (m *Manager) RecordSingleShot(nonce Nonce, expiration time.Time, rendezvous Callback) error {
	return m.record(nonce, expiration, 1, rendezvous)
}

func (m *Manager) record(nonce Nonce, expiration time.Time, expectedReturns int, callback Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[nonce]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNonce, nonce)
	}
	m.records[nonce] = &record{
		nonce:           nonce,
		expiration:      expiration,
		expectedReturns: expectedReturns,
		callback:        callback,
	}
	m.refreshNextOldestLocked()
	return nil
}

// HandleReceipt looks up nonce. If missing but present in the recently-
// consumed replay guard, it is dropped silently (nil, per spec §4.14 item
// 4). If missing entirely, it returns [ErrUnknownNonce] (spec §4.6/§4.7
// step 5: invalid-message). Otherwise it increments returns_so_far; once
// returns_so_far reaches expected_returns the record is removed, added to
// the replay guard, and callback fires once with ReturnedInBand(inbound) or
// ReturnedOutOfBand. Earlier returns do not fire the callback.
func (m *Manager) HandleReceipt(nonce Nonce, inbound netid.NodeRef, flow netid.Flow, inBand bool) error {
	m.mu.Lock()
	rec, ok := m.records[nonce]
	if !ok {
		_, recentlyConsumed := m.consumed.Get(nonce)
		m.mu.Unlock()
		if recentlyConsumed {
			m.logger.Debug("receiptReplayAbsorbed", "nonce", nonce.String())
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownNonce, nonce)
	}
	rec.returnsSoFar++
	done := rec.returnsSoFar >= rec.expectedReturns
	if done {
		delete(m.records, nonce)
		m.consumed.Add(nonce, struct{}{})
		m.refreshNextOldestLocked()
	}
	m.mu.Unlock()

	ev := Event{Kind: ReturnedOutOfBand, Flow: flow}
	if inBand {
		ev = Event{Kind: ReturnedInBand, Inbound: inbound, Flow: flow}
	}
	if done {
		rec.callback(ev)
	}
	return nil
}

// Cancel removes nonce's record and fires its callback with Cancelled. It
// returns [ErrUnknownNonce] if the nonce names no live record.
func (m *Manager) Cancel(nonce Nonce) error {
	m.mu.Lock()
	rec, ok := m.records[nonce]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNonce, nonce)
	}
	delete(m.records, nonce)
	m.refreshNextOldestLocked()
	m.mu.Unlock()

	rec.callback(Event{Kind: Cancelled})
	return nil
}

// Tick runs the purge routine if the cached next-oldest expiration is due.
// At most one purge runs at a time: additional ticks while one is in flight
// are no-ops (spec §4.6's "single-spawn").
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	due := !m.nextOldest.IsZero() && !m.nextOldest.After(now)
	m.mu.Unlock()
	if !due {
		return
	}
	if !m.purging.CompareAndSwap(false, true) {
		return
	}
	defer m.purging.Store(false)
	m.purge(now)
}

func (m *Manager) purge(now time.Time) {
	m.mu.Lock()
	var expired []*record
	for nonce, rec := range m.records {
		if !rec.expiration.After(now) {
			// Expired nonces are NOT added to the replay guard: per spec
			// §4.6/S5, a late receipt for an expired nonce must still read
			// as invalid-message, not be silently absorbed. The replay
			// guard only covers nonces that were actually consumed.
			expired = append(expired, rec)
			delete(m.records, nonce)
		}
	}
	m.refreshNextOldestLocked()
	m.mu.Unlock()

	for _, rec := range expired {
		m.logger.Debug("receiptExpired", "nonce", rec.nonce.String())
		rec.callback(Event{Kind: Expired})
	}
}

// refreshNextOldestLocked recomputes the cached next-oldest-expiration
// hint. Called with mu held.
func (m *Manager) refreshNextOldestLocked() {
	var next time.Time
	for _, rec := range m.records {
		if next.IsZero() || rec.expiration.Before(next) {
			next = rec.expiration
		}
	}
	m.nextOldest = next
}

// Len reports the number of live records, for tests and diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
