//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop (connect.go, observeconn.go dialer
// and conn-wrapping idioms) and _examples/original_source veilid-core's
// network_manager/network_connection.rs ProtocolNetworkConnection enum, plus
// the WS/WSS framing approach of other_examples manifest 1ureka-roj1
// (gorilla/websocket over a length-prefixed byte stream).
//

// Package protoconn abstracts the four wire transports (UDP, TCP, WS, WSS)
// behind one uniform trio: Send, Recv, Flow. UDP carries unframed datagrams;
// the stream transports (TCP, WS, WSS) carry frames encoded by the framing
// package. TLS, when present, sits between WSS and TCP and is configured by
// the caller before the [netid.ProtocolWSS] constructor is invoked — this
// package only sees the resulting byte conduit.
package protoconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/overlay/errclass"
	"github.com/bassosimone/overlay/framing"
	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/overlog"
	"github.com/gorilla/websocket"
)

// Conn is the uniform interface every transport satisfies.
type Conn interface {
	// Send transmits data as one logical message: one datagram for UDP, one
	// length-prefixed frame for the stream transports. Any error, including
	// a deadline exceeded from ctx, fails the connection — the caller must
	// close it.
	Send(ctx context.Context, data []byte) error

	// Recv reads the next logical message. Same failure contract as Send.
	Recv(ctx context.Context) ([]byte, error)

	// Flow returns the connection's identity.
	Flow() netid.Flow

	// Close closes the underlying conduit. Safe to call more than once.
	Close() error
}

// Deps are the fields every constructor in this package wires from the
// caller's configuration, mirroring the teacher's Config-sourced struct
// fields (see nop.ConnectFunc.ErrClassifier/Logger/TimeNow).
type Deps struct {
	Logger  overlog.Logger
	TimeNow func() time.Time
}

func (d Deps) orDefaults() Deps {
	if d.Logger == nil {
		d.Logger = overlog.Discard()
	}
	if d.TimeNow == nil {
		d.TimeNow = time.Now
	}
	return d
}

// conn is the shared implementation backing every transport: a byte conduit
// (rw), its closer, and whether the conduit is datagram- or stream-shaped.
type conn struct {
	rw       io.ReadWriter
	closer   io.Closer
	deadline interface {
		SetDeadline(time.Time) error
	}
	datagram bool
	protocol netid.ProtocolType
	flow     netid.Flow
	deps     Deps
	closeone sync.Once
}

var _ Conn = (*conn)(nil)

// NewUDP wraps a connected UDP [net.Conn] (as returned by a dialer or demuxed
// from a listening socket by the caller) into a [Conn]. UDP exchanges single
// datagrams with no framing (spec §4.2).
func NewUDP(c net.Conn, flow netid.Flow, deps Deps) Conn {
	return &conn{
		rw:       c,
		closer:   c,
		deadline: c,
		datagram: true,
		protocol: netid.ProtocolUDP,
		flow:     flow,
		deps:     deps.orDefaults(),
	}
}

// NewTCP wraps a connected TCP [net.Conn] into a [Conn] using the framing
// codec for message boundaries.
func NewTCP(c net.Conn, flow netid.Flow, deps Deps) Conn {
	return &conn{
		rw:       c,
		closer:   c,
		deadline: c,
		datagram: false,
		protocol: netid.ProtocolTCP,
		flow:     flow,
		deps:     deps.orDefaults(),
	}
}

// NewWS wraps an established gorilla/websocket connection into a [Conn]. The
// websocket connection itself already carries message boundaries; this
// package layers the same framing codec on top of a byte-stream view of it
// (see [wsStream]) so that WS and WSS behave identically to TCP from the
// caller's perspective, matching spec §4.2's "the others use the framing
// codec."
func NewWS(c *websocket.Conn, flow netid.Flow, deps Deps) Conn {
	return newWSConn(c, netid.ProtocolWS, flow, deps)
}

// NewWSS wraps an established gorilla/websocket connection running over TLS.
// The TLS handshake has already happened when the underlying *websocket.Conn
// is constructed (connmgr's NetDialer hands a *tls.Config to gorilla's
// websocket Dialer, which performs it); this package does not configure TLS
// itself.
func NewWSS(c *websocket.Conn, flow netid.Flow, deps Deps) Conn {
	return newWSConn(c, netid.ProtocolWSS, flow, deps)
}

func newWSConn(c *websocket.Conn, protocol netid.ProtocolType, flow netid.Flow, deps Deps) Conn {
	stream := &wsStream{conn: c}
	return &conn{
		rw:       stream,
		closer:   c,
		deadline: stream,
		datagram: false,
		protocol: protocol,
		flow:     flow,
		deps:     deps.orDefaults(),
	}
}

// Flow implements [Conn].
func (c *conn) Flow() netid.Flow {
	return c.flow
}

// Close implements [Conn]. Safe to call more than once.
func (c *conn) Close() (err error) {
	err = net.ErrClosed
	c.closeone.Do(func() {
		t0 := c.deps.TimeNow()
		err = c.closer.Close()
		c.deps.Logger.Info(
			"protoconnCloseDone",
			"flow", c.flow.String(),
			"protocol", c.protocol.String(),
			"err", err,
			"errClass", errclass.Classify(err),
			"t0", t0,
			"t", c.deps.TimeNow(),
		)
	})
	return
}

// Send implements [Conn].
func (c *conn) Send(ctx context.Context, data []byte) error {
	c.applyDeadline(ctx)
	t0 := c.deps.TimeNow()
	var err error
	if c.datagram {
		_, err = c.rw.Write(data)
	} else {
		err = framing.Send(c.rw, data)
	}
	c.deps.Logger.Debug(
		"protoconnSendDone",
		"flow", c.flow.String(),
		"protocol", c.protocol.String(),
		"bytes", len(data),
		"err", err,
		"errClass", errclass.Classify(err),
		"t0", t0,
		"t", c.deps.TimeNow(),
	)
	if err != nil {
		return fmt.Errorf("protoconn: send: %w", err)
	}
	return nil
}

// Recv implements [Conn].
func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	c.applyDeadline(ctx)
	t0 := c.deps.TimeNow()
	var data []byte
	var err error
	if c.datagram {
		buf := make([]byte, framing.MaxPayloadSize)
		var n int
		n, err = c.rw.Read(buf)
		if err == nil {
			data = buf[:n]
		}
	} else {
		data, err = framing.Recv(c.rw)
	}
	c.deps.Logger.Debug(
		"protoconnRecvDone",
		"flow", c.flow.String(),
		"protocol", c.protocol.String(),
		"bytes", len(data),
		"err", err,
		"errClass", errclass.Classify(err),
		"t0", t0,
		"t", c.deps.TimeNow(),
	)
	if err != nil {
		return nil, fmt.Errorf("protoconn: recv: %w", err)
	}
	return data, nil
}

func (c *conn) applyDeadline(ctx context.Context) {
	if c.deadline == nil {
		return
	}
	if dl, ok := ctx.Deadline(); ok {
		c.deadline.SetDeadline(dl)
	} else {
		c.deadline.SetDeadline(time.Time{})
	}
}
