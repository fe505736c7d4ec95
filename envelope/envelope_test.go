// SPDX-License-Identifier: GPL-3.0-or-later

package envelope_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/overlay/config"
	"github.com/bassosimone/overlay/envelope"
	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/receipt"
	"github.com/bassosimone/overlay/sendengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	recorded int
}

func (s *fakeStats) RecordReceived(remote netip.Addr, n int) { s.recorded += n }

type fakeBootstrap struct {
	called bool
}

func (b *fakeBootstrap) HandleBootstrap(ctx context.Context, flow netid.Flow, data []byte) {
	b.called = true
}

type fakeDecoder struct {
	header envelope.Header
	err    error
}

func (d *fakeDecoder) Decode(data []byte) (envelope.Header, []byte, error) {
	if d.err != nil {
		return envelope.Header{}, nil, d.err
	}
	return d.header, data[4:], nil
}

type fakeCrypto struct {
	err error
}

func (c *fakeCrypto) Decrypt(header envelope.Header, ciphertext []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return ciphertext, nil
}

type fakeNodeRef struct{ id string }

func (r fakeNodeRef) NodeIDs() []string { return []string{r.id} }
func (r fakeNodeRef) Release()          {}

type fakeRouting struct {
	registerErr error
	route       netid.PeerInfo
	routeOK     bool
	lastFull    bool
}

func (r *fakeRouting) LookupRoute(ctx context.Context, recipientID string, full bool) (netid.PeerInfo, bool) {
	r.lastFull = full
	return r.route, r.routeOK
}

func (r *fakeRouting) RegisterSender(senderID string, flow netid.Flow) (netid.NodeRef, error) {
	if r.registerErr != nil {
		return nil, r.registerErr
	}
	return fakeNodeRef{id: senderID}, nil
}

type fakeRPC struct {
	called bool
	body   []byte
	err    error
}

func (r *fakeRPC) EnqueueMessage(ctx context.Context, header envelope.Header, body []byte, sender netid.NodeRef) error {
	r.called = true
	r.body = body
	return r.err
}

type fakeWhitelist struct {
	allowed bool
}

func (w *fakeWhitelist) Check(key string) bool { return w.allowed }

type fakeForwarder struct {
	called bool
	target netid.PeerInfo
	err    error
}

func (f *fakeForwarder) SendData(ctx context.Context, target netid.PeerInfo, filter netid.DialInfoFilter,
	seq netid.Sequencing, data []byte) (sendengine.Result, error) {
	f.called = true
	f.target = target
	return sendengine.Result{}, f.err
}

type fakeReceipts struct {
	nonce   receipt.Nonce
	inBand  bool
	flow    netid.Flow
	err     error
	called  bool
}

func (r *fakeReceipts) HandleReceipt(nonce receipt.Nonce, inbound netid.NodeRef, flow netid.Flow, inBand bool) error {
	r.called = true
	r.nonce = nonce
	r.inBand = inBand
	r.flow = flow
	return r.err
}

func testConfig() *config.Config {
	cfg := config.NewConfig()
	base := time.Unix(1_700_000_000, 0)
	cfg.TimeNow = func() time.Time { return base }
	return cfg
}

func remoteFlow() netid.Flow {
	return netid.NewFlow(netid.NewPeerAddress(netip.MustParseAddrPort("203.0.113.9:5000"), netid.ProtocolTCP), netip.AddrPort{})
}

func TestHandleInboundEmptyIsKeepalive(t *testing.T) {
	stats := &fakeStats{}
	p := envelope.New(envelope.Deps{Config: testConfig(), Stats: stats})
	p.HandleInbound(context.Background(), remoteFlow(), nil)
	assert.Equal(t, 0, stats.recorded)
}

func TestHandleInboundShortMessageDropped(t *testing.T) {
	rpc := &fakeRPC{}
	p := envelope.New(envelope.Deps{Config: testConfig(), RPC: rpc})
	p.HandleInbound(context.Background(), remoteFlow(), []byte("ab"))
	assert.False(t, rpc.called)
}

func TestHandleInboundBootDispatchesToBootstrapHandler(t *testing.T) {
	boot := &fakeBootstrap{}
	p := envelope.New(envelope.Deps{Config: testConfig(), Bootstrap: boot})
	p.HandleInbound(context.Background(), remoteFlow(), []byte("BOOTxyz"))
	assert.True(t, boot.called)
}

func TestHandleInboundReceiptMagicCallsHandleReceipt(t *testing.T) {
	receipts := &fakeReceipts{}
	p := envelope.New(envelope.Deps{Config: testConfig(), Receipts: receipts})

	var nonce receipt.Nonce
	for i := range nonce {
		nonce[i] = byte(i)
	}
	data := append([]byte("RCPT"), nonce[:]...)

	flow := remoteFlow()
	p.HandleInbound(context.Background(), flow, data)

	require.True(t, receipts.called)
	assert.Equal(t, nonce, receipts.nonce)
	assert.False(t, receipts.inBand)
	assert.Equal(t, flow, receipts.flow)
}

func TestHandleInboundBadSignatureDropped(t *testing.T) {
	rpc := &fakeRPC{}
	decoder := &fakeDecoder{err: errors.New("bad signature")}
	p := envelope.New(envelope.Deps{Config: testConfig(), Decoder: decoder, RPC: rpc})
	p.HandleInbound(context.Background(), remoteFlow(), []byte("XXXXbody"))
	assert.False(t, rpc.called)
}

func TestHandleInboundTimestampOutOfBoundsDropped(t *testing.T) {
	cfg := testConfig()
	rpc := &fakeRPC{}
	decoder := &fakeDecoder{header: envelope.Header{
		RecipientID: "self",
		SenderID:    "peer",
		Timestamp:   cfg.TimeNow().Add(-time.Hour),
	}}
	p := envelope.New(envelope.Deps{SelfNodeID: "self", Config: cfg, Decoder: decoder, RPC: rpc})
	p.HandleInbound(context.Background(), remoteFlow(), []byte("XXXXbody"))
	assert.False(t, rpc.called)
}

func TestHandleInboundLocalDispatchDecryptsAndEnqueues(t *testing.T) {
	cfg := testConfig()
	decoder := &fakeDecoder{header: envelope.Header{
		RecipientID: "self",
		SenderID:    "peer",
		Timestamp:   cfg.TimeNow(),
	}}
	rpc := &fakeRPC{}
	p := envelope.New(envelope.Deps{
		SelfNodeID: "self",
		Config:     cfg,
		Decoder:    decoder,
		Crypto:     &fakeCrypto{},
		Routing:    &fakeRouting{},
		RPC:        rpc,
	})
	p.HandleInbound(context.Background(), remoteFlow(), []byte("XXXXbody"))
	require.True(t, rpc.called)
	assert.Equal(t, []byte("body"), rpc.body)
}

func TestHandleInboundDecryptFailureDropped(t *testing.T) {
	cfg := testConfig()
	decoder := &fakeDecoder{header: envelope.Header{RecipientID: "self", Timestamp: cfg.TimeNow()}}
	rpc := &fakeRPC{}
	p := envelope.New(envelope.Deps{
		SelfNodeID: "self",
		Config:     cfg,
		Decoder:    decoder,
		Crypto:     &fakeCrypto{err: errors.New("bad key")},
		Routing:    &fakeRouting{},
		RPC:        rpc,
	})
	p.HandleInbound(context.Background(), remoteFlow(), []byte("XXXXbody"))
	assert.False(t, rpc.called)
}

func TestHandleInboundForeignRecipientWhitelistedUsesFullLookup(t *testing.T) {
	cfg := testConfig()
	decoder := &fakeDecoder{header: envelope.Header{RecipientID: "other", SenderID: "peer", Timestamp: cfg.TimeNow()}}
	routing := &fakeRouting{route: netid.PeerInfo{NodeIDs: []string{"other"}}, routeOK: true}
	forwarder := &fakeForwarder{}
	p := envelope.New(envelope.Deps{
		SelfNodeID: "self",
		Config:     cfg,
		Decoder:    decoder,
		Whitelist:  &fakeWhitelist{allowed: true},
		Routing:    routing,
		Forwarder:  forwarder,
	})
	p.HandleInbound(context.Background(), remoteFlow(), []byte("XXXXbody"))

	require.True(t, forwarder.called)
	assert.True(t, routing.lastFull, "a whitelisted sender must trigger a full routing lookup")
	assert.Equal(t, []string{"other"}, forwarder.target.NodeIDs)
}

func TestHandleInboundForeignRecipientNoRouteDropped(t *testing.T) {
	cfg := testConfig()
	decoder := &fakeDecoder{header: envelope.Header{RecipientID: "other", SenderID: "peer", Timestamp: cfg.TimeNow()}}
	routing := &fakeRouting{routeOK: false}
	forwarder := &fakeForwarder{}
	p := envelope.New(envelope.Deps{
		SelfNodeID: "self",
		Config:     cfg,
		Decoder:    decoder,
		Whitelist:  &fakeWhitelist{allowed: false},
		Routing:    routing,
		Forwarder:  forwarder,
	})
	p.HandleInbound(context.Background(), remoteFlow(), []byte("XXXXbody"))

	assert.False(t, routing.lastFull, "a non-whitelisted sender must get only a lightweight local lookup")
	assert.False(t, forwarder.called)
}
