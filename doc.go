// SPDX-License-Identifier: GPL-3.0-or-later

// Package overlay wires together the transport and dispatch plane of a
// peer-to-peer overlay DHT node: connection management, the send engine,
// the receipt manager, and the inbound envelope pipeline.
//
// [Node] is the public facade, equivalent to veilid-core's top-level
// NetworkManager: construct one with [New], call [Node.Startup] to begin
// accepting and dialing connections, and [Node.Shutdown] to join every
// background goroutine before returning.
//
// Every concern below the facade lives in its own package, each named
// after the spec section it implements: [github.com/bassosimone/overlay/framing]
// (wire codec), [github.com/bassosimone/overlay/protoconn] (transports),
// [github.com/bassosimone/overlay/conntable] (bounded connection table),
// [github.com/bassosimone/overlay/netconn] (per-connection receive loop),
// [github.com/bassosimone/overlay/connmgr] (lifecycle and dial protocol),
// [github.com/bassosimone/overlay/receipt] (rendezvous receipts),
// [github.com/bassosimone/overlay/envelope] (inbound dispatch),
// [github.com/bassosimone/overlay/contact] (contact-method resolution),
// [github.com/bassosimone/overlay/sendengine] (outbound send),
// [github.com/bassosimone/overlay/netmgr] (whitelist, stats, address-change
// detection), [github.com/bassosimone/overlay/tasks] (background ticking),
// [github.com/bassosimone/overlay/refscope] (reference scopes), and
// [github.com/bassosimone/overlay/lifecycle] (the startup/shutdown lock
// the connection manager embeds).
//
// This package itself is intentionally thin: it only constructs and wires
// the above, using [config.Config] for every tunable and [overlog.Logger]
// for structured logging throughout.
package overlay
