//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the teacher's connect.go (Dialer abstraction, per-network
// ConnectFunc, connectStart/connectDone logging via safeconn's nil-safe
// address accessors) generalized across protocols, plus gorilla/websocket's
// client Dialer as used by other_examples/1ureka-roj1.
//

package connmgr

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"

	"github.com/bassosimone/safeconn"
	"github.com/gorilla/websocket"

	"github.com/bassosimone/overlay/config"
	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/overlog"
	"github.com/bassosimone/overlay/protoconn"
)

// NetDialer is the default [Dialer]: it dials UDP and TCP with cfg.Dialer,
// and performs a websocket client handshake for WS/WSS (TLS configured via
// tlsConfig for WSS, mirroring the teacher's tls.go TLSEngine split between
// "what to configure" and "how to handshake").
type NetDialer struct {
	Config    *config.Config
	TLSConfig *tls.Config
	Deps      protoconn.Deps
	Logger    overlog.Logger
}

func (d *NetDialer) logger() overlog.Logger {
	if d.Logger == nil {
		return overlog.Discard()
	}
	return d.Logger
}

var _ Dialer = (*NetDialer)(nil)

// Dial implements [Dialer].
func (d *NetDialer) Dial(ctx context.Context, dialInfo netid.DialInfo,
	preferredLocal netip.AddrPort, hasPreferredLocal bool) (protoconn.Conn, error) {
	peer, ok := dialInfo.PeerAddress()
	if !ok {
		return nil, fmt.Errorf("connmgr: cannot dial hostname %q directly; resolve first", dialInfo.HostOrIP)
	}

	switch dialInfo.Protocol {
	case netid.ProtocolUDP:
		conn, err := d.dialStream(ctx, "udp", peer.Socket, preferredLocal, hasPreferredLocal)
		if err != nil {
			return nil, err
		}
		flow := d.flowOf(conn, peer, netid.ProtocolUDP)
		return protoconn.NewUDP(conn, flow, d.Deps), nil

	case netid.ProtocolTCP:
		conn, err := d.dialStream(ctx, "tcp", peer.Socket, preferredLocal, hasPreferredLocal)
		if err != nil {
			return nil, err
		}
		flow := d.flowOf(conn, peer, netid.ProtocolTCP)
		return protoconn.NewTCP(conn, flow, d.Deps), nil

	case netid.ProtocolWS, netid.ProtocolWSS:
		return d.dialWS(ctx, dialInfo, peer)

	default:
		return nil, fmt.Errorf("connmgr: unsupported protocol %s", dialInfo.Protocol)
	}
}

func (d *NetDialer) dialStream(ctx context.Context, network string, remote netip.AddrPort,
	preferredLocal netip.AddrPort, hasPreferredLocal bool) (net.Conn, error) {
	dialer := d.Config.Dialer
	if netDialer, ok := dialer.(*net.Dialer); ok && hasPreferredLocal {
		cloned := *netDialer
		cloned.LocalAddr = net.UDPAddrFromAddrPort(preferredLocal)
		if network == "tcp" {
			cloned.LocalAddr = net.TCPAddrFromAddrPort(preferredLocal)
		}
		dialer = &cloned
	}

	t0 := d.Config.TimeNow()
	d.logger().Debug("connmgrConnectStart", "protocol", network, "remoteAddr", remote.String(), "t", t0)
	conn, err := dialer.DialContext(ctx, network, remote.String())
	d.logger().Debug("connmgrConnectDone", "protocol", network, "remoteAddr", remote.String(),
		"localAddr", safeconn.LocalAddr(conn), "err", err, "errClass", d.Config.ErrClassifier.Classify(err),
		"t0", t0, "t", d.Config.TimeNow())
	return conn, err
}

func (d *NetDialer) dialWS(ctx context.Context, dialInfo netid.DialInfo, peer netid.PeerAddress) (protoconn.Conn, error) {
	scheme := "ws"
	tlsConfig := d.TLSConfig
	if dialInfo.Protocol == netid.ProtocolWSS {
		scheme = "wss"
	} else {
		tlsConfig = nil
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(dialInfo.HostOrIP, strconv.Itoa(int(dialInfo.Port))),
		Path:   dialInfo.Path,
	}
	dialer := &websocket.Dialer{TLSClientConfig: tlsConfig}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connmgr: websocket dial: %w", err)
	}
	flow := netid.NewFlow(peer, netip.AddrPort{})
	if dialInfo.Protocol == netid.ProtocolWSS {
		return protoconn.NewWSS(conn, flow, d.Deps), nil
	}
	return protoconn.NewWS(conn, flow, d.Deps), nil
}

func (d *NetDialer) flowOf(conn net.Conn, peer netid.PeerAddress, protocol netid.ProtocolType) netid.Flow {
	var local netip.AddrPort
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		local = addr.AddrPort()
	} else if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		local = addr.AddrPort()
	}
	return netid.NewFlow(peer, local)
}
