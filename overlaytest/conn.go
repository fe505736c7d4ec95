//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the teacher's sibling netstub module's FuncConn/FuncDialer
// pattern (seen in the teacher's own helpers_test.go, which imports
// "github.com/bassosimone/netstub"): one Func field per interface method,
// nil fields falling back to permissive defaults, so a test sets only what
// it needs.
// netstub itself is scoped to the teacher's own test surface (SPEC_FULL.md
// §3), so the pattern is reimplemented locally here rather than imported.
//

// Package overlaytest provides shared test doubles for net.Conn,
// net.Listener, a config.Dialer, and a capturing slog.Handler (spec §2.4).
package overlaytest

import (
	"context"
	"net"
	"time"
)

// FuncConn is a net.Conn test double: each method delegates to the
// matching Func field, or falls back to a permissive default if the field
// is nil (Read returns 0, nil; Write reports len(b) bytes written; the
// addresses are empty *net.TCPAddr values; the rest return nil).
type FuncConn struct {
	ReadFunc             func(b []byte) (int, error)
	WriteFunc            func(b []byte) (int, error)
	CloseFunc            func() error
	LocalAddrFunc        func() net.Addr
	RemoteAddrFunc       func() net.Addr
	SetDeadlineFunc      func(t time.Time) error
	SetReadDeadlineFunc  func(t time.Time) error
	SetWriteDeadlineFunc func(t time.Time) error
}

var _ net.Conn = (*FuncConn)(nil)

func (c *FuncConn) Read(b []byte) (int, error) {
	if c.ReadFunc != nil {
		return c.ReadFunc(b)
	}
	return 0, nil
}

func (c *FuncConn) Write(b []byte) (int, error) {
	if c.WriteFunc != nil {
		return c.WriteFunc(b)
	}
	return len(b), nil
}

func (c *FuncConn) Close() error {
	if c.CloseFunc != nil {
		return c.CloseFunc()
	}
	return nil
}

func (c *FuncConn) LocalAddr() net.Addr {
	if c.LocalAddrFunc != nil {
		return c.LocalAddrFunc()
	}
	return &net.TCPAddr{}
}

func (c *FuncConn) RemoteAddr() net.Addr {
	if c.RemoteAddrFunc != nil {
		return c.RemoteAddrFunc()
	}
	return &net.TCPAddr{}
}

func (c *FuncConn) SetDeadline(t time.Time) error {
	if c.SetDeadlineFunc != nil {
		return c.SetDeadlineFunc(t)
	}
	return nil
}

func (c *FuncConn) SetReadDeadline(t time.Time) error {
	if c.SetReadDeadlineFunc != nil {
		return c.SetReadDeadlineFunc(t)
	}
	return nil
}

func (c *FuncConn) SetWriteDeadline(t time.Time) error {
	if c.SetWriteDeadlineFunc != nil {
		return c.SetWriteDeadlineFunc(t)
	}
	return nil
}

// FuncListener is a net.Listener test double.
type FuncListener struct {
	AcceptFunc func() (net.Conn, error)
	CloseFunc  func() error
	AddrFunc   func() net.Addr
}

var _ net.Listener = (*FuncListener)(nil)

func (l *FuncListener) Accept() (net.Conn, error) {
	if l.AcceptFunc != nil {
		return l.AcceptFunc()
	}
	select {}
}

func (l *FuncListener) Close() error {
	if l.CloseFunc != nil {
		return l.CloseFunc()
	}
	return nil
}

func (l *FuncListener) Addr() net.Addr {
	if l.AddrFunc != nil {
		return l.AddrFunc()
	}
	return &net.TCPAddr{}
}

// FuncDialer is a config.Dialer test double.
type FuncDialer struct {
	DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

func (d *FuncDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.DialContextFunc != nil {
		return d.DialContextFunc(ctx, network, address)
	}
	return &FuncConn{}, nil
}
