//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/network_manager/
// send_data.rs (send_data's relay re-resolution, per-method dispatch, and
// result-kind classification) and the teacher's httpconn.go for the
// "resolve once, dispatch by tag" shape.
//

// Package sendengine implements the send engine (spec §4.9): it resolves a
// contact method via [contact.Resolver], re-resolves through at most one
// relay hop, and dispatches to the connection manager, receipt manager, or
// a raw UDP ping depending on the method, producing one of
// LocalDirect/GlobalDirect/Indirect/Existing.
package sendengine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/bassosimone/overlay/config"
	"github.com/bassosimone/overlay/contact"
	"github.com/bassosimone/overlay/netconn"
	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/overlog"
	"github.com/bassosimone/overlay/receipt"
)

// ConnectionManager is the narrow slice of [connmgr.Manager] the send
// engine depends on.
type ConnectionManager interface {
	GetOrCreate(ctx context.Context, dialInfo netid.DialInfo, preferredLocal netip.AddrPort, hasPreferredLocal bool) (*netconn.Connection, error)
	GetConnection(flow netid.Flow) (*netconn.Connection, bool)
}

// ReceiptManager is the narrow slice of [receipt.Manager] the send engine
// depends on.
type ReceiptManager interface {
	RecordSingleShot(nonce receipt.Nonce, expiration time.Time, rendezvous receipt.Callback) error
	Cancel(nonce receipt.Nonce) error
}

// Signaler issues the Signal RPC (spec §6's ReverseConnect/HolePunch
// payloads) to a relay; it is a collaborator interface because the RPC
// catalogue itself is out of scope (spec §1 Non-goals).
type Signaler interface {
	SignalReverse(ctx context.Context, relay netid.RelayInfo, nonce receipt.Nonce, self netid.PeerInfo) error
	SignalHolePunch(ctx context.Context, relay netid.RelayInfo, nonce receipt.Nonce, self netid.PeerInfo) error
}

// Pinger sends the empty "open the NAT mapping" UDP datagram that precedes
// a hole-punch signal.
type Pinger interface {
	SendEmptyDatagram(ctx context.Context, dialInfo netid.DialInfo) error
}

// LastFlowTable remembers, per target node id set, the most recently used
// flow — the "try last-known flow first" step common to every dispatch
// branch in spec §4.9.
type LastFlowTable interface {
	LastFlow(nodeIDs []string) (netid.Flow, bool)
	SetLastFlow(nodeIDs []string, flow netid.Flow)
}

// StatsRecorder updates per-remote transfer statistics (spec §4.9 step 3,
// backed by the §4.14 item 1 rolling-stats supplement in netmgr).
type StatsRecorder interface {
	RecordSent(remote netip.Addr, n int)
}

// ErrNoConnection is returned when no usable connection could be obtained
// or reused.
var ErrNoConnection = errors.New("sendengine: no connection")

// ErrRelayLoop is returned when a resolved relay itself resolves to
// another relay (spec §8 property 8).
var ErrRelayLoop = errors.New("sendengine: relay loop detected")

// ResultKind classifies a successful send (spec §4.9's SendDataKind).
type ResultKind int

const (
	ResultLocalDirect ResultKind = iota
	ResultGlobalDirect
	ResultIndirect
	ResultExisting
)

func (k ResultKind) String() string {
	switch k {
	case ResultLocalDirect:
		return "LocalDirect"
	case ResultGlobalDirect:
		return "GlobalDirect"
	case ResultIndirect:
		return "Indirect"
	case ResultExisting:
		return "Existing"
	default:
		return "Unknown"
	}
}

// Result is the send engine's success outcome.
type Result struct {
	Kind ResultKind
	Flow netid.Flow
}

// Engine is the send engine.
type Engine struct {
	resolver  *contact.Resolver
	connMgr   ConnectionManager
	receipts  ReceiptManager
	signaler  Signaler
	pinger    Pinger
	lastFlows LastFlowTable
	stats     StatsRecorder
	cfg       *config.Config
	self      func() netid.PeerInfo
	logger    overlog.Logger
}

// Deps collects Engine's collaborators.
type Deps struct {
	Resolver  *contact.Resolver
	ConnMgr   ConnectionManager
	Receipts  ReceiptManager
	Signaler  Signaler
	Pinger    Pinger
	LastFlows LastFlowTable
	Stats     StatsRecorder
	Config    *config.Config
	Self      func() netid.PeerInfo
	Logger    overlog.Logger
}

// New builds an [Engine].
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = overlog.Discard()
	}
	return &Engine{
		resolver:  deps.Resolver,
		connMgr:   deps.ConnMgr,
		receipts:  deps.Receipts,
		signaler:  deps.Signaler,
		pinger:    deps.Pinger,
		lastFlows: deps.LastFlows,
		stats:     deps.Stats,
		cfg:       deps.Config,
		self:      deps.Self,
		logger:    deps.Logger,
	}
}

// SendData is the send engine's entry point (spec §4.9).
func (e *Engine) SendData(ctx context.Context, target netid.PeerInfo, filter netid.DialInfoFilter,
	seq netid.Sequencing, data []byte) (Result, error) {
	span := overlog.NewSpanID()
	self := e.self()
	method := e.resolver.Resolve(self, target, filter, seq)
	relayed := false
	currentTarget := target

	if method.Kind == contact.MethodInboundRelay || method.Kind == contact.MethodOutboundRelay {
		relayTarget := netid.PeerInfo{
			NodeIDs:   method.Relay.NodeIDs,
			DialInfos: method.Relay.DialInfos,
		}
		second := e.resolver.Resolve(self, relayTarget, filter, seq)
		if second.Kind == contact.MethodInboundRelay || second.Kind == contact.MethodOutboundRelay {
			e.logger.Info("sendDataRelayLoop", "span", span, "target", target.NodeIDs)
			return Result{}, ErrRelayLoop
		}
		method = second
		relayed = true
		currentTarget = relayTarget
	}

	var result Result
	var err error
	switch method.Kind {
	case contact.MethodExisting:
		result, err = e.sendExisting(ctx, currentTarget, data)
	case contact.MethodDirect:
		result, err = e.sendDirect(ctx, currentTarget, method.DialInfo, data)
	case contact.MethodSignalReverse:
		result, err = e.sendSignalReverse(ctx, method, data)
	case contact.MethodSignalHolePunch:
		result, err = e.sendSignalHolePunch(ctx, method, data)
	case contact.MethodUnreachable:
		result, err = e.sendExisting(ctx, currentTarget, data)
	default:
		err = fmt.Errorf("sendengine: unexpected contact method %s", method.Kind)
	}
	if err != nil {
		e.logger.Debug("sendDataFailed", "span", span, "target", target.NodeIDs, "method", method.Kind, "err", err)
		return Result{}, err
	}
	if relayed && result.Kind != ResultExisting {
		result.Kind = ResultIndirect
	}
	if e.stats != nil && result.Flow.Remote.Socket.IsValid() {
		e.stats.RecordSent(result.Flow.Remote.Socket.Addr(), len(data))
	}
	e.logger.Debug("sendDataSucceeded", "span", span, "target", target.NodeIDs, "result", result.Kind)
	return result, nil
}

// sendExisting implements the Existing dispatch branch and doubles as the
// Unreachable branch's "try last-known flow as best effort" fallback.
func (e *Engine) sendExisting(ctx context.Context, target netid.PeerInfo, data []byte) (Result, error) {
	flow, ok := e.lastFlows.LastFlow(target.NodeIDs)
	if !ok {
		return Result{}, ErrNoConnection
	}
	conn, ok := e.connMgr.GetConnection(flow)
	if !ok {
		return Result{}, ErrNoConnection
	}
	if err := conn.Send(ctx, data); err != nil {
		return Result{}, err
	}
	e.lastFlows.SetLastFlow(target.NodeIDs, flow)
	return Result{Kind: ResultExisting, Flow: flow}, nil
}

func (e *Engine) sendDirect(ctx context.Context, target netid.PeerInfo, dialInfo netid.DialInfo, data []byte) (Result, error) {
	if result, err := e.sendExisting(ctx, target, data); err == nil {
		return result, nil
	}
	conn, err := e.connMgr.GetOrCreate(ctx, dialInfo, netip.AddrPort{}, false)
	if err != nil {
		return Result{}, err
	}
	if err := conn.Send(ctx, data); err != nil {
		return Result{}, err
	}
	flow := conn.Flow()
	e.lastFlows.SetLastFlow(target.NodeIDs, flow)
	kind := ResultGlobalDirect
	if addr, ok := dialInfo.SocketAddress(); ok && isLocalAddr(addr.Addr()) {
		kind = ResultLocalDirect
	}
	return Result{Kind: kind, Flow: flow}, nil
}

func (e *Engine) sendSignalReverse(ctx context.Context, method contact.Method, data []byte) (Result, error) {
	if result, err := e.sendExisting(ctx, method.Target, data); err == nil {
		return result, nil
	}
	nonce, err := receipt.NewNonce(e.cfg.Rand)
	if err != nil {
		return Result{}, err
	}
	events := make(chan receipt.Event, 1)
	expiration := e.cfg.TimeNow().Add(e.cfg.ReverseConnectionReceiptTime)
	if err := e.receipts.RecordSingleShot(nonce, expiration, func(ev receipt.Event) { events <- ev }); err != nil {
		return Result{}, err
	}
	if err := e.signaler.SignalReverse(ctx, method.Relay, nonce, e.self()); err != nil {
		e.receipts.Cancel(nonce)
		return Result{}, err
	}
	return e.awaitRendezvous(ctx, nonce, events, method.Target, data)
}

func (e *Engine) sendSignalHolePunch(ctx context.Context, method contact.Method, data []byte) (Result, error) {
	if result, err := e.sendExisting(ctx, method.Target, data); err == nil {
		return result, nil
	}
	if e.pinger != nil {
		if err := e.pinger.SendEmptyDatagram(ctx, method.DialInfo); err != nil {
			e.logger.Debug("holePunchPingFailed", "err", err)
		}
	}
	nonce, err := receipt.NewNonce(e.cfg.Rand)
	if err != nil {
		return Result{}, err
	}
	events := make(chan receipt.Event, 1)
	expiration := e.cfg.TimeNow().Add(e.cfg.HolePunchReceiptTime)
	if err := e.receipts.RecordSingleShot(nonce, expiration, func(ev receipt.Event) { events <- ev }); err != nil {
		return Result{}, err
	}
	if err := e.signaler.SignalHolePunch(ctx, method.Relay, nonce, e.self()); err != nil {
		e.receipts.Cancel(nonce)
		return Result{}, err
	}
	return e.awaitRendezvous(ctx, nonce, events, method.Target, data)
}

// awaitRendezvous blocks until the allocated single-shot receipt's callback
// fires (or ctx is cancelled), then sends on the resulting in-band flow.
func (e *Engine) awaitRendezvous(ctx context.Context, nonce receipt.Nonce, events <-chan receipt.Event,
	target netid.PeerInfo, data []byte) (Result, error) {
	select {
	case ev := <-events:
		if ev.Kind != receipt.ReturnedInBand {
			return Result{}, fmt.Errorf("sendengine: rendezvous for %s ended with %s", nonce, ev.Kind)
		}
		if ev.Inbound != nil && !nodeRefMatches(ev.Inbound, target.NodeIDs) {
			return Result{}, fmt.Errorf("sendengine: rendezvous answered by an unexpected node")
		}
		conn, ok := e.connMgr.GetConnection(ev.Flow)
		if !ok {
			return Result{}, ErrNoConnection
		}
		if err := conn.Send(ctx, data); err != nil {
			return Result{}, err
		}
		e.lastFlows.SetLastFlow(target.NodeIDs, ev.Flow)
		return Result{Kind: ResultGlobalDirect, Flow: ev.Flow}, nil
	case <-ctx.Done():
		e.receipts.Cancel(nonce)
		return Result{}, ctx.Err()
	}
}

func nodeRefMatches(ref netid.NodeRef, nodeIDs []string) bool {
	for _, have := range ref.NodeIDs() {
		for _, want := range nodeIDs {
			if have == want {
				return true
			}
		}
	}
	return false
}

func isLocalAddr(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
