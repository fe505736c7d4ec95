//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the teacher's Config/NewConnectFunc "one struct of shared
// state, constructors wire it into each primitive" idiom, and
// _examples/original_source veilid-core's NetworkManager as the single
// top-level type every RPC handler and housekeeping task hangs off of.
//

package overlay

import (
	"context"
	"crypto/tls"
	"net/netip"

	"github.com/bassosimone/overlay/config"
	"github.com/bassosimone/overlay/connmgr"
	"github.com/bassosimone/overlay/conntable"
	"github.com/bassosimone/overlay/contact"
	"github.com/bassosimone/overlay/envelope"
	"github.com/bassosimone/overlay/netconn"
	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/netmgr"
	"github.com/bassosimone/overlay/overlog"
	"github.com/bassosimone/overlay/protoconn"
	"github.com/bassosimone/overlay/receipt"
	"github.com/bassosimone/overlay/sendengine"
	"github.com/bassosimone/overlay/tasks"
)

// Deps collects every collaborator [New] needs that this module does not
// itself implement: the RPC transport for Signal/Ping, the routing table
// that resolves a recipient to dial info and tells connmgr which remote
// addresses are inbound-relay candidates, the envelope wire codec, and the
// payload cryptography. Spec §1 names the routing table, RPC catalogue,
// and crypto as out of scope for this module's Non-goals — [Node] depends
// on them only through these narrow interfaces.
type Deps struct {
	Config *config.Config
	Logger overlog.Logger

	// SelfNodeID identifies this node as an envelope recipient/sender.
	SelfNodeID string

	// Self returns this node's current [netid.PeerInfo] (public address,
	// relay, inbound capability) as sendengine's contact resolver sees it.
	Self func() netid.PeerInfo

	TLSConfig *tls.Config

	RoutingTable   connmgr.RoutingTable
	EnvelopeRoutes envelope.RoutingTable
	Signaler       sendengine.Signaler
	Pinger         sendengine.Pinger
	Decoder        envelope.Decoder
	Crypto         envelope.Crypto
	RPC            envelope.RPCClient
	Bootstrap      envelope.BootstrapHandler
}

// Node is the public facade (spec §4's package layout): it wires the
// connection manager, receipt manager, send engine, envelope pipeline, and
// network manager façade into one startable/stoppable unit, equivalent to
// veilid-core's top-level NetworkManager.
type Node struct {
	cfg    *config.Config
	logger overlog.Logger

	table      *conntable.Table[*netconn.Connection]
	connMgr    *connmgr.Manager
	receipts   *receipt.Manager
	netMgr     *netmgr.Manager
	sendEngine *sendengine.Engine
	pipeline   *envelope.Pipeline
	tick       *tasks.Task
}

// New wires every component named in spec §4's package layout into a
// [Node]. The envelope pipeline is registered as the connection manager's
// inbound handler directly (its HandleInbound signature matches
// [netconn.Handler] exactly — no adapter needed).
func New(deps Deps) *Node {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = overlog.Discard()
	}

	filter := conntable.NewAddressFilter(cfg.MaxConnectionsPerIP, cfg.MaxConnectionsPerIP,
		cfg.MaxConnectionsPerIP6PrefixSize, cfg.TimeNow)
	table := conntable.New[*netconn.Connection](cfg.MaxConnectionsPerProtocol, filter)

	receipts := receipt.New(cfg.TimeNow, logger)
	netMgr := netmgr.New(cfg.ClientWhitelistTimeout, cfg.TimeNow, logger)
	lastFlows := sendengine.NewMemoryLastFlowTable()
	resolver := contact.New(24, cfg.MaxConnectionsPerIP6PrefixSize)

	pipeline := envelope.New(envelope.Deps{
		SelfNodeID: deps.SelfNodeID,
		Config:     cfg,
		Stats:      netMgr.Stats,
		Bootstrap:  deps.Bootstrap,
		Receipts:   receipts,
		Decoder:    deps.Decoder,
		Crypto:     deps.Crypto,
		Whitelist:  netMgr.Whitelist,
		Routing:    deps.EnvelopeRoutes,
		RPC:        deps.RPC,
		Logger:     logger,
	})

	dialer := &connmgr.NetDialer{
		Config:    cfg,
		TLSConfig: deps.TLSConfig,
		Deps:      protoconn.Deps{Logger: logger, TimeNow: cfg.TimeNow},
		Logger:    logger,
	}
	connMgr := connmgr.New(cfg, table, dialer, deps.RoutingTable, pipeline, logger)

	engine := sendengine.New(sendengine.Deps{
		Resolver:  resolver,
		ConnMgr:   connMgr,
		Receipts:  receipts,
		Signaler:  deps.Signaler,
		Pinger:    deps.Pinger,
		LastFlows: lastFlows,
		Stats:     netMgr.Stats,
		Config:    cfg,
		Self:      deps.Self,
		Logger:    logger,
	})
	pipeline.SetForwarder(engine)

	n := &Node{
		cfg:        cfg,
		logger:     logger,
		table:      table,
		connMgr:    connMgr,
		receipts:   receipts,
		netMgr:     netMgr,
		sendEngine: engine,
		pipeline:   pipeline,
	}
	n.tick = tasks.New(n.onTick)
	return n
}

// Startup brings up the connection manager's async processor. A second
// call without an intervening Shutdown returns lifecycle.ErrAlreadyStarted.
func (n *Node) Startup() error {
	return n.connMgr.Startup()
}

// Shutdown joins the connection manager's async processor and every
// connection's receive loop.
func (n *Node) Shutdown() {
	n.connMgr.Shutdown()
}

// SendData is the node's outbound entry point (spec §4.9).
func (n *Node) SendData(ctx context.Context, target netid.PeerInfo, filter netid.DialInfoFilter,
	seq netid.Sequencing, data []byte) (sendengine.Result, error) {
	return n.sendEngine.SendData(ctx, target, filter, seq, data)
}

// OnAccepted registers a freshly accepted [protoconn.Conn] (spec §4.5's
// on_accepted), dispatched from whatever listener loop the caller runs for
// each configured transport (TCP accept, WS upgrade, UDP demux).
func (n *Node) OnAccepted(pconn protoconn.Conn) {
	n.connMgr.OnAccepted(pconn)
}

// GetOrCreate exposes the connection manager's dial protocol directly, for
// callers (e.g. a bootstrap routine) that need a connection without going
// through the send engine's contact-method resolution.
func (n *Node) GetOrCreate(ctx context.Context, dialInfo netid.DialInfo,
	preferredLocal netip.AddrPort, hasPreferredLocal bool) (*netconn.Connection, error) {
	return n.connMgr.GetOrCreate(ctx, dialInfo, preferredLocal, hasPreferredLocal)
}

// Tick drives every periodic housekeeping task (spec §4.11): receipt
// expiry, whitelist purge, and stats decay. At most one tick runs at a
// time; a tick arriving while one is in progress is dropped.
func (n *Node) Tick() bool {
	return n.tick.Tick(context.Background())
}

func (n *Node) onTick(ctx context.Context) {
	n.receipts.Tick(n.cfg.TimeNow())
	n.netMgr.Tick()
}
