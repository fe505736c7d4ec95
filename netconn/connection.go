//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/network_manager/
// network_connection.rs (NetworkConnection's receive loop racing send
// queue / recv / inactivity timer / stop tokens, and its protection flag)
// and the teacher's observeconn.go Close-once idiom.
//

// Package netconn implements the network connection (spec §4.4): a
// protocol connection wrapped with a receive loop, a bounded send queue,
// an inactivity timeout, reference counting, and the protection flag that
// shields a connection carrying inbound relay traffic from LRU eviction.
package netconn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/overlay/errclass"
	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/overlog"
	"github.com/bassosimone/overlay/protoconn"
)

// Handler dispatches one inbound message to the envelope pipeline. Called
// synchronously from the receive loop, so within one flow messages reach
// it in the order the transport yielded them (spec §5 ordering guarantee).
type Handler interface {
	HandleInbound(ctx context.Context, flow netid.Flow, data []byte)
}

// Reporter is the connection manager's narrow callback surface: the
// receive loop's only back-reference, used exclusively to report its own
// exit (spec §9 "do not create a back-pointer from the network connection
// to the table entry").
type Reporter interface {
	ReportFinished(id netid.ConnectionID)
}

// SendQueueSize is the bounded send channel's capacity.
const SendQueueSize = 64

// Deps are the fields every [New] wires from configuration.
type Deps struct {
	Logger            overlog.Logger
	TimeNow           func() time.Time
	InactivityTimeout time.Duration
}

func (d Deps) orDefaults() Deps {
	if d.Logger == nil {
		d.Logger = overlog.Discard()
	}
	if d.TimeNow == nil {
		d.TimeNow = time.Now
	}
	if d.InactivityTimeout <= 0 {
		d.InactivityTimeout = 2 * time.Minute
	}
	return d
}

type recvResult struct {
	data []byte
	err  error
}

// Connection is one live network connection: a wrapped [protoconn.Conn]
// plus the receive loop, queue, protection, and refcounting state spec
// §4.4 describes.
type Connection struct {
	id       netid.ConnectionID
	pconn    protoconn.Conn
	flow     netid.Flow
	protocol netid.ProtocolType
	deps     Deps
	handler  Handler
	reporter Reporter

	sendCh chan []byte
	recvCh chan recvResult
	stop   chan struct{} // local stop token
	done   chan struct{} // closed once the receive loop has fully exited

	closeOnce sync.Once

	refcount int32 // atomic

	protectMu      sync.Mutex
	protected      bool
	protectingPeer netid.NodeRef

	lastActivity atomic.Value // time.Time
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
}

// New constructs a [Connection] and immediately spawns its receive loop,
// pre-empted by either ctx (the connection manager's stop source) or the
// connection's own [Connection.Close].
func New(ctx context.Context, id netid.ConnectionID, pconn protoconn.Conn,
	handler Handler, reporter Reporter, deps Deps) *Connection {
	c := &Connection{
		id:       id,
		pconn:    pconn,
		flow:     pconn.Flow(),
		protocol: pconn.Flow().Protocol,
		deps:     deps.orDefaults(),
		handler:  handler,
		reporter: reporter,
		sendCh:   make(chan []byte, SendQueueSize),
		recvCh:   make(chan recvResult),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.lastActivity.Store(c.deps.TimeNow())
	go c.recvLoop(ctx)
	go c.loop(ctx)
	return c
}

// ID implements [conntable.Conn].
func (c *Connection) ID() netid.ConnectionID { return c.id }

// Flow implements [conntable.Conn].
func (c *Connection) Flow() netid.Flow { return c.flow }

// PeerAddress implements [conntable.Conn].
func (c *Connection) PeerAddress() netid.PeerAddress { return c.flow.Remote }

// Protocol implements [conntable.Conn].
func (c *Connection) Protocol() netid.ProtocolType { return c.protocol }

// Protected implements [conntable.Conn].
func (c *Connection) Protected() bool {
	c.protectMu.Lock()
	defer c.protectMu.Unlock()
	return c.protected
}

// SetProtected marks the connection as carrying the node's own inbound
// relay traffic, recording which candidate justified it (SPEC_FULL.md
// §4.14 item 3) so the caller can re-evaluate if the routing table's
// candidate set later changes.
func (c *Connection) SetProtected(peer netid.NodeRef) {
	c.protectMu.Lock()
	defer c.protectMu.Unlock()
	c.protected = true
	c.protectingPeer = peer
}

// ClearProtected removes the protection flag. Protection otherwise
// persists until the connection dies (spec §4.4).
func (c *Connection) ClearProtected() {
	c.protectMu.Lock()
	defer c.protectMu.Unlock()
	c.protected = false
	c.protectingPeer = nil
}

// ProtectingPeer returns the node reference that justified protection, or
// nil if the connection is unprotected.
func (c *Connection) ProtectingPeer() netid.NodeRef {
	c.protectMu.Lock()
	defer c.protectMu.Unlock()
	return c.protectingPeer
}

// RefCount implements [conntable.Conn].
func (c *Connection) RefCount() int32 {
	return atomic.LoadInt32(&c.refcount)
}

// AddRef implements [conntable.Conn]; non-zero refcount inhibits LRU eviction.
func (c *Connection) AddRef() int32 {
	return atomic.AddInt32(&c.refcount, 1)
}

// Release implements [conntable.Conn].
func (c *Connection) Release() int32 {
	return atomic.AddInt32(&c.refcount, -1)
}

// LastActivity returns the timestamp of the most recent successful receive.
func (c *Connection) LastActivity() time.Time {
	return c.lastActivity.Load().(time.Time)
}

// Stats returns cumulative bytes sent and received on this connection —
// the per-connection half of SPEC_FULL.md §4.14 item 1's rolling transfer
// statistics (the netmgr façade aggregates these per remote IP).
func (c *Connection) Stats() (sent, received int64) {
	return c.bytesSent.Load(), c.bytesRecv.Load()
}

// Send enqueues data on the bounded send queue. Blocks until there is
// room, ctx is done, or the connection is closing.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return context.Canceled
	case <-c.done:
		return context.Canceled
	}
}

// Close requests the receive loop to terminate and blocks until it has
// (spec §4.3 join semantics: "closing each connection and awaiting its
// receive loop"). Safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
	return nil
}

// recvLoop issues one bounded Recv at a time, feeding results (and the
// inactivity timeout, expressed as a per-call context deadline) into recvCh
// for the main loop to select against alongside the send queue and stop
// tokens.
func (c *Connection) recvLoop(ctx context.Context) {
	for {
		rctx, cancel := context.WithTimeout(ctx, c.deps.InactivityTimeout)
		data, err := c.pconn.Recv(rctx)
		cancel()
		select {
		case c.recvCh <- recvResult{data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// loop is the receive loop proper: it awaits the disjunction of the send
// queue, recv results, and the two stop tokens (spec §4.4).
func (c *Connection) loop(ctx context.Context) {
	defer func() {
		c.pconn.Close()
		close(c.done)
		c.reporter.ReportFinished(c.id)
	}()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case data := <-c.sendCh:
			t0 := c.deps.TimeNow()
			err := c.pconn.Send(ctx, data)
			c.deps.Logger.Debug("netconnSendDone",
				"connID", uint64(c.id), "flow", c.flow.String(),
				"bytes", len(data), "err", err, "errClass", errclass.Classify(err),
				"t0", t0, "t", c.deps.TimeNow())
			if err != nil {
				return
			}
			c.bytesSent.Add(int64(len(data)))
		case res := <-c.recvCh:
			if res.err != nil {
				c.deps.Logger.Info("netconnRecvTerminated",
					"connID", uint64(c.id), "flow", c.flow.String(),
					"err", res.err, "errClass", errclass.Classify(res.err))
				return
			}
			c.lastActivity.Store(c.deps.TimeNow())
			c.bytesRecv.Add(int64(len(res.data)))
			c.handler.HandleInbound(ctx, c.flow, res.data)
		}
	}
}
