//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/network_manager/
// connection_manager.rs (get_or_create's tag-lock/retry protocol, the
// async processor's Accepted/Dead event handling) and kryptco-kr's use of
// golang.org/x/sync for goroutine-bounded background processing.
//

// Package connmgr implements the connection manager (spec §4.5): lifecycle,
// the get_or_create dial protocol serialised by a per-remote tag lock, and
// the async processor that registers accepted connections and reclaims
// dead ones.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bassosimone/overlay/config"
	"github.com/bassosimone/overlay/conntable"
	"github.com/bassosimone/overlay/lifecycle"
	"github.com/bassosimone/overlay/netconn"
	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/overlog"
	"github.com/bassosimone/overlay/protoconn"
)

// Dialer performs the protocol-specific dial for a [netid.DialInfo],
// optionally binding to preferredLocal. The concrete implementation (see
// [NetDialer]) picks UDP/TCP/WS/WSS based on dialInfo.Protocol.
type Dialer interface {
	Dial(ctx context.Context, dialInfo netid.DialInfo, preferredLocal netip.AddrPort, hasPreferredLocal bool) (protoconn.Conn, error)
}

// RoutingTable is the narrow collaborator interface this module depends on
// without implementing (spec §1's scope note): whether a remote peer
// address matches one of the routing table's current inbound relay
// candidates.
type RoutingTable interface {
	InboundRelayCandidate(remote netid.PeerAddress) (netid.NodeRef, bool)
}

type noopRoutingTable struct{}

func (noopRoutingTable) InboundRelayCandidate(netid.PeerAddress) (netid.NodeRef, bool) { return nil, false }

// ErrNoConnection is the "no connection" outcome get_or_create reports to
// its caller after exhausting retries or failing registration.
var ErrNoConnection = errors.New("connmgr: no connection")

type eventKind int

const (
	eventAccepted eventKind = iota
	eventDead
)

type event struct {
	kind  eventKind
	pconn protoconn.Conn
	conn  *netconn.Connection
}

// Manager is the connection manager.
type Manager struct {
	lock         lifecycle.Lock
	table        *conntable.Table[*netconn.Connection]
	cfg          *config.Config
	dialer       Dialer
	routingTable RoutingTable
	handler      netconn.Handler
	logger       overlog.Logger

	nextID   idCounter
	tagLocks singleflight.Group

	events        chan event
	stopCtx       context.Context
	stopFn        context.CancelFunc
	processorDone chan struct{}
}

// New builds a [Manager]. handler receives every inbound message dispatched
// by a registered connection's receive loop (spec §4.4/4.7 hand-off).
func New(cfg *config.Config, table *conntable.Table[*netconn.Connection], dialer Dialer,
	routingTable RoutingTable, handler netconn.Handler, logger overlog.Logger) *Manager {
	if routingTable == nil {
		routingTable = noopRoutingTable{}
	}
	if logger == nil {
		logger = overlog.Discard()
	}
	return &Manager{
		table:        table,
		cfg:          cfg,
		dialer:       dialer,
		routingTable: routingTable,
		handler:      handler,
		logger:       logger,
		events:       make(chan event, 256),
	}
}

// Startup implements spec §4.5's startup operation: idempotent via the
// startup lock, spawns the async processor.
func (m *Manager) Startup() error {
	if err := m.lock.Startup(); err != nil {
		return err
	}
	m.stopCtx, m.stopFn = context.WithCancel(context.Background())
	m.processorDone = make(chan struct{})
	go m.processEvents()
	return nil
}

// Shutdown raises the stop source, awaits the async processor, then drains
// the connection table.
func (m *Manager) Shutdown() {
	if m.stopFn != nil {
		m.stopFn()
	}
	if m.processorDone != nil {
		<-m.processorDone
	}
	m.table.Join()
	m.lock.Shutdown()
}

// GetOrCreate implements the get-or-create protocol (spec §4.5.1).
func (m *Manager) GetOrCreate(ctx context.Context, dialInfo netid.DialInfo,
	preferredLocal netip.AddrPort, hasPreferredLocal bool) (*netconn.Connection, error) {
	guard, err := m.lock.Enter()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	peer, ok := dialInfo.PeerAddress()
	if !ok {
		return nil, fmt.Errorf("connmgr: dial info %s has no literal address", dialInfo)
	}

	key := peer.Socket.String()
	result, err, _ := m.tagLocks.Do(key, func() (any, error) {
		return m.getOrCreateLocked(ctx, dialInfo, peer, preferredLocal, hasPreferredLocal)
	})
	if err != nil {
		return nil, err
	}
	return result.(*netconn.Connection), nil
}

// getOrCreateLocked runs with the per-remote tag lock held: it is safe to
// perform network I/O here (spec §5's "the only lock that may be held
// across suspension").
func (m *Manager) getOrCreateLocked(ctx context.Context, dialInfo netid.DialInfo, peer netid.PeerAddress,
	preferredLocal netip.AddrPort, hasPreferredLocal bool) (*netconn.Connection, error) {
	if conn, ok := m.table.BestByRemote(preferredLocal.Port(), hasPreferredLocal, peer); ok {
		return conn, nil
	}

	if m.table.CheckColliding(dialInfo) {
		hasPreferredLocal = false
	}

	span := overlog.NewSpanID()
	attempts := m.cfg.DialRetryCount + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		pconn, dialErr := m.dialer.Dial(ctx, dialInfo, preferredLocal, hasPreferredLocal)
		if dialErr == nil {
			conn, regErr := m.register(ctx, pconn)
			if regErr != nil {
				lastErr = regErr
			} else {
				m.logger.Info("connmgrDialSucceeded", "span", span, "peer", peer.String(), "attempt", attempt)
				return conn, nil
			}
		} else {
			lastErr = dialErr
		}
		if attempt < attempts-1 {
			hasPreferredLocal = false
			select {
			case <-time.After(m.cfg.DialRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	m.logger.Info("connmgrDialFailed", "span", span, "peer", peer.String(), "attempts", attempts, "err", lastErr)
	return nil, fmt.Errorf("%w: %v", ErrNoConnection, lastErr)
}

// register implements spec §4.5.2: assign an id, wrap in a network
// connection, consult the routing table for protection, add to the table.
func (m *Manager) register(ctx context.Context, pconn protoconn.Conn) (*netconn.Connection, error) {
	id := m.nextID.next()
	conn := netconn.New(m.stopCtx, id, pconn, m.handler, m, netconn.Deps{
		Logger:            m.logger,
		InactivityTimeout: m.cfg.ConnectionInactivityTimeout,
	})

	if peer, ok := m.routingTable.InboundRelayCandidate(pconn.Flow().Remote); ok {
		conn.SetProtected(peer)
	}

	evicted, hadEvicted, err := m.table.Add(conn)
	if err != nil {
		m.publishDead(conn)
		return nil, err
	}
	if hadEvicted {
		m.publishDead(evicted)
	}
	return conn, nil
}

// OnAccepted implements spec §4.5's on_accepted: publish an Accepted event
// and return immediately.
func (m *Manager) OnAccepted(pconn protoconn.Conn) {
	m.events <- event{kind: eventAccepted, pconn: pconn}
}

// GetConnection forwards to the table.
func (m *Manager) GetConnection(flow netid.Flow) (*netconn.Connection, bool) {
	return m.table.PeekByFlow(flow)
}

// tableRefAdapter lets [refscope.TryNew] drive the table's Ref operation
// without refscope needing to know about [conntable.RefKind].
type tableRefAdapter struct {
	table *conntable.Table[*netconn.Connection]
}

func (a tableRefAdapter) AddRef(id netid.ConnectionID) bool {
	return a.table.Ref(id, conntable.RefAdd)
}

func (a tableRefAdapter) ReleaseRef(id netid.ConnectionID) bool {
	return a.table.Ref(id, conntable.RefRemove)
}

// RefTable exposes the [refscope.Table] adapter for this manager's table.
func (m *Manager) RefTable() tableRefAdapter {
	return tableRefAdapter{table: m.table}
}

// ReportFinished implements [netconn.Reporter]: the receive-loop exit
// callback. Removes the connection from the table and publishes a Dead
// event so its resources are reclaimed by the async processor.
func (m *Manager) ReportFinished(id netid.ConnectionID) {
	conn, ok := m.table.RemoveByID(id)
	if !ok {
		return
	}
	m.publishDead(conn)
}

func (m *Manager) publishDead(conn *netconn.Connection) {
	select {
	case m.events <- event{kind: eventDead, conn: conn}:
	default:
		go func() { m.events <- event{kind: eventDead, conn: conn} }()
	}
}

// processEvents is the async processor (spec §4.5.3).
func (m *Manager) processEvents() {
	defer close(m.processorDone)
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev, true)
		case <-m.stopCtx.Done():
			m.drainEvents()
			return
		}
	}
}

// drainEvents processes remaining pending events with allow_accept=false:
// accepts are discarded, deaths are still reclaimed.
func (m *Manager) drainEvents() {
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev, false)
		default:
			return
		}
	}
}

func (m *Manager) handleEvent(ev event, allowAccept bool) {
	switch ev.kind {
	case eventAccepted:
		if !allowAccept {
			ev.pconn.Close()
			return
		}
		key := ev.pconn.Flow().Remote.Socket.String()
		m.tagLocks.Do(key, func() (any, error) {
			if _, err := m.register(m.stopCtx, ev.pconn); err != nil {
				ev.pconn.Close()
			}
			return nil, nil
		})
	case eventDead:
		key := ev.conn.Flow().Remote.Socket.String()
		m.tagLocks.Do(key, func() (any, error) {
			ev.conn.Close()
			return nil, nil
		})
	}
}
