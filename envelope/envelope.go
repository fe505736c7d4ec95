//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/network_manager/
// mod.rs's on_recv_envelope/on_recv_envelope_receipt dispatch chain (empty
// datagram / short-message / BOOT / receipt-magic / signature / timestamp
// / local-vs-relay routing / decrypt / enqueue, in that order) and the
// teacher's httpconn.go request-handling shape for "one function walking a
// fixed decision ladder, each rung logging and returning on failure."
//

// Package envelope implements the inbound-message pipeline (spec §4.7):
// the fixed decision ladder every received datagram/frame walks before it
// either reaches the RPC collaborator, gets relayed, or is dropped.
package envelope

import (
	"bytes"
	"context"
	"net/netip"
	"time"

	"github.com/bassosimone/overlay/config"
	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/overlog"
	"github.com/bassosimone/overlay/receipt"
	"github.com/bassosimone/overlay/sendengine"
)

// bootMagic marks a bootstrap request (spec §4.7 step 4).
var bootMagic = []byte("BOOT")

// ReceiptMagicSize is the width of the out-of-band receipt marker.
const ReceiptMagicSize = 4

// receiptMagic marks an out-of-band receipt message (spec §4.7 step 5).
// Chosen distinct from bootMagic and from any valid envelope header's
// first four bytes (the header always starts with a recipient-id length
// prefix too large to collide with either magic, by construction of
// [Decoder] implementations).
var receiptMagic = []byte("RCPT")

// Header is the decoded, signature-verified envelope header (spec §4.7
// steps 6-7): who it's for, who sent it, and when it was sent.
type Header struct {
	RecipientID string
	SenderID    string
	Timestamp   time.Time
}

// Decoder decodes and signature-checks a raw envelope, splitting it into
// its header and the still-encrypted body (spec §4.7 step 6). The actual
// signature scheme is a [Crypto] collaborator concern, not this module's;
// Decoder only has to report success/failure.
type Decoder interface {
	Decode(data []byte) (Header, []byte, error)
}

// Crypto decrypts an envelope body with the shared secret derived for the
// header's sender (spec §4.7 step 9). Key derivation and the AEAD itself
// are out of scope (spec §1 Non-goals: cryptographic primitives).
type Crypto interface {
	Decrypt(header Header, ciphertext []byte) ([]byte, error)
}

// RoutingTable is the narrow slice of the (out-of-scope) routing table
// this pipeline depends on: resolving a recipient id to a next hop, and
// registering a sender's flow as a node reference (spec §4.7 steps 8, 10).
type RoutingTable interface {
	// LookupRoute resolves recipientID to a next hop. full selects a
	// routing-table-wide lookup (for whitelisted clients, spec §4.7 step 8)
	// versus a lightweight local-only lookup.
	LookupRoute(ctx context.Context, recipientID string, full bool) (netid.PeerInfo, bool)
	RegisterSender(senderID string, flow netid.Flow) (netid.NodeRef, error)
}

// RPCClient hands a fully authenticated, locally-addressed message to the
// (out-of-scope) RPC catalogue (spec §4.7 step 10).
type RPCClient interface {
	EnqueueMessage(ctx context.Context, header Header, body []byte, sender netid.NodeRef) error
}

// BootstrapHandler answers a bootstrap request (spec §4.7 step 4). The
// bootstrap protocol itself is out of scope (spec §1 Non-goals).
type BootstrapHandler interface {
	HandleBootstrap(ctx context.Context, flow netid.Flow, data []byte)
}

// ReceiptManager is the narrow slice of [receipt.Manager] this pipeline
// depends on.
type ReceiptManager interface {
	HandleReceipt(nonce receipt.Nonce, inbound netid.NodeRef, flow netid.Flow, inBand bool) error
}

// Whitelist reports whether a DHT key is a known, recently-seen client
// (spec §4.7 step 8).
type Whitelist interface {
	Check(key string) bool
}

// StatsRecorder records inbound transfer statistics (spec §4.7 step 1).
type StatsRecorder interface {
	RecordReceived(remote netip.Addr, n int)
}

// Forwarder re-enters the send engine to relay a message toward its next
// hop (spec §4.7 step 8's "re-enter the send engine with the original
// bytes"), without re-encrypting.
type Forwarder interface {
	SendData(ctx context.Context, target netid.PeerInfo, filter netid.DialInfoFilter, seq netid.Sequencing, data []byte) (sendengine.Result, error)
}

// Pipeline is the envelope pipeline. It satisfies [netconn.Handler], so a
// *Pipeline can be wired directly as a connection's inbound handler.
type Pipeline struct {
	selfNodeID string
	cfg        *config.Config
	stats      StatsRecorder
	bootstrap  BootstrapHandler
	receipts   ReceiptManager
	decoder    Decoder
	crypto     Crypto
	whitelist  Whitelist
	routing    RoutingTable
	rpc        RPCClient
	forwarder  Forwarder
	logger     overlog.Logger
}

// Deps collects Pipeline's collaborators.
type Deps struct {
	SelfNodeID string
	Config     *config.Config
	Stats      StatsRecorder
	Bootstrap  BootstrapHandler
	Receipts   ReceiptManager
	Decoder    Decoder
	Crypto     Crypto
	Whitelist  Whitelist
	Routing    RoutingTable
	RPC        RPCClient
	Forwarder  Forwarder
	Logger     overlog.Logger
}

// New builds a [Pipeline].
func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = overlog.Discard()
	}
	return &Pipeline{
		selfNodeID: deps.SelfNodeID,
		cfg:        deps.Config,
		stats:      deps.Stats,
		bootstrap:  deps.Bootstrap,
		receipts:   deps.Receipts,
		decoder:    deps.Decoder,
		crypto:     deps.Crypto,
		whitelist:  deps.Whitelist,
		routing:    deps.Routing,
		rpc:        deps.RPC,
		forwarder:  deps.Forwarder,
		logger:     deps.Logger,
	}
}

// SetForwarder wires the forwarder after construction, for callers whose
// forwarder (the send engine) itself depends on something built from this
// pipeline (e.g. the connection manager it is registered on as inbound
// handler) and so cannot exist yet when [New] runs. Must be called before
// any connection starts dispatching inbound messages.
func (p *Pipeline) SetForwarder(forwarder Forwarder) {
	p.forwarder = forwarder
}

// HandleInbound implements [netconn.Handler] and is the pipeline's entry
// point (spec §4.7): it walks the fixed decision ladder for one inbound
// message, logging and returning at the first rung that drops it.
func (p *Pipeline) HandleInbound(ctx context.Context, flow netid.Flow, data []byte) {
	if p.stats != nil {
		p.stats.RecordReceived(flow.Remote.Socket.Addr(), len(data))
	}

	if len(data) == 0 {
		p.logger.Debug("envelopeKeepalive", "flow", flow.String())
		return
	}
	if len(data) < 4 {
		p.logger.Debug("envelopeTooShort", "flow", flow.String(), "len", len(data))
		return
	}
	if bytes.Equal(data[:4], bootMagic) {
		if p.bootstrap != nil {
			p.bootstrap.HandleBootstrap(ctx, flow, data)
		}
		return
	}
	if bytes.Equal(data[:ReceiptMagicSize], receiptMagic) {
		p.handleReceiptMessage(flow, data)
		return
	}

	header, ciphertext, err := p.decoder.Decode(data)
	if err != nil {
		p.logger.Debug("envelopeBadSignature", "flow", flow.String(), "err", err)
		return
	}
	if !p.withinTimestampBounds(header.Timestamp) {
		p.logger.Info("envelopeTimestampOutOfBounds", "flow", flow.String(), "sender", header.SenderID)
		return
	}

	if header.RecipientID != p.selfNodeID {
		p.forward(ctx, header, data)
		return
	}

	body, err := p.crypto.Decrypt(header, ciphertext)
	if err != nil {
		p.logger.Debug("envelopeDecryptFailed", "flow", flow.String(), "err", err)
		return
	}
	sender, err := p.routing.RegisterSender(header.SenderID, flow)
	if err != nil {
		p.logger.Debug("envelopeRegisterSenderFailed", "flow", flow.String(), "err", err)
		return
	}
	if err := p.rpc.EnqueueMessage(ctx, header, body, sender); err != nil {
		p.logger.Debug("envelopeEnqueueFailed", "flow", flow.String(), "err", err)
	}
}

func (p *Pipeline) handleReceiptMessage(flow netid.Flow, data []byte) {
	payload := data[ReceiptMagicSize:]
	if len(payload) < receipt.NonceSize {
		p.logger.Debug("envelopeBadReceipt", "flow", flow.String())
		return
	}
	var nonce receipt.Nonce
	copy(nonce[:], payload[:receipt.NonceSize])
	if err := p.receipts.HandleReceipt(nonce, nil, flow, false); err != nil {
		p.logger.Debug("envelopeReceiptUnknownNonce", "flow", flow.String(), "nonce", nonce.String(), "err", err)
	}
}

func (p *Pipeline) forward(ctx context.Context, header Header, raw []byte) {
	full := p.whitelist != nil && p.whitelist.Check(header.SenderID)
	nextHop, ok := p.routing.LookupRoute(ctx, header.RecipientID, full)
	if !ok {
		p.logger.Debug("envelopeNoRoute", "recipient", header.RecipientID)
		return
	}
	if _, err := p.forwarder.SendData(ctx, nextHop, netid.DialInfoFilter{}, netid.SequencingNoPreference, raw); err != nil {
		p.logger.Debug("envelopeForwardFailed", "recipient", header.RecipientID, "err", err)
	}
}

func (p *Pipeline) withinTimestampBounds(ts time.Time) bool {
	now := p.cfg.TimeNow()
	if ts.Before(now.Add(-p.cfg.MaxTimestampBehind)) {
		return false
	}
	if ts.After(now.Add(p.cfg.MaxTimestampAhead)) {
		return false
	}
	return true
}
