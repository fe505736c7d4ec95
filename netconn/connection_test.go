// SPDX-License-Identifier: GPL-3.0-or-later

package netconn_test

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/overlay/netconn"
	"github.com/bassosimone/overlay/netid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProtoConn struct {
	flow netid.Flow

	mu      sync.Mutex
	inbox   [][]byte
	sent    [][]byte
	closed  bool
	recvErr error
}

func (f *fakeProtoConn) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeProtoConn) Recv(ctx context.Context) ([]byte, error) {
	for {
		f.mu.Lock()
		if len(f.inbox) > 0 {
			data := f.inbox[0]
			f.inbox = f.inbox[1:]
			f.mu.Unlock()
			return data, nil
		}
		if f.recvErr != nil {
			err := f.recvErr
			f.mu.Unlock()
			return nil, err
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeProtoConn) Flow() netid.Flow { return f.flow }

func (f *fakeProtoConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProtoConn) push(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, data)
}

type fakeHandler struct {
	mu       sync.Mutex
	received [][]byte
	done     chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{done: make(chan struct{}, 16)}
}

func (h *fakeHandler) HandleInbound(ctx context.Context, flow netid.Flow, data []byte) {
	h.mu.Lock()
	h.received = append(h.received, data)
	h.mu.Unlock()
	h.done <- struct{}{}
}

type fakeReporter struct {
	mu       sync.Mutex
	finished []netid.ConnectionID
	ch       chan netid.ConnectionID
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{ch: make(chan netid.ConnectionID, 1)}
}

func (r *fakeReporter) ReportFinished(id netid.ConnectionID) {
	r.mu.Lock()
	r.finished = append(r.finished, id)
	r.mu.Unlock()
	r.ch <- id
}

func testFlow() netid.Flow {
	remote := netid.NewPeerAddress(netip.MustParseAddrPort("1.2.3.4:80"), netid.ProtocolTCP)
	return netid.NewFlow(remote, netip.AddrPort{})
}

func TestSendAndRecvFlowThroughLoop(t *testing.T) {
	pconn := &fakeProtoConn{flow: testFlow()}
	handler := newFakeHandler()
	reporter := newFakeReporter()

	c := netconn.New(context.Background(), 1, pconn, handler, reporter, netconn.Deps{
		InactivityTimeout: time.Hour,
	})
	defer c.Close()

	require.NoError(t, c.Send(context.Background(), []byte("hello")))

	pconn.push([]byte("world"))
	select {
	case <-handler.done:
	case <-time.After(time.Second):
		t.Fatal("handler never received the message")
	}

	handler.mu.Lock()
	assert.Equal(t, [][]byte{[]byte("world")}, handler.received)
	handler.mu.Unlock()

	require.Eventually(t, func() bool {
		sent, _ := c.Stats()
		return sent == int64(len("hello"))
	}, time.Second, time.Millisecond, "send stats must reflect the drained message")
}

func TestCloseReportsFinishedAndBlocksUntilDone(t *testing.T) {
	pconn := &fakeProtoConn{flow: testFlow()}
	handler := newFakeHandler()
	reporter := newFakeReporter()

	c := netconn.New(context.Background(), 42, pconn, handler, reporter, netconn.Deps{
		InactivityTimeout: time.Hour,
	})
	require.NoError(t, c.Close())

	select {
	case id := <-reporter.ch:
		assert.Equal(t, netid.ConnectionID(42), id)
	case <-time.After(time.Second):
		t.Fatal("report never arrived")
	}

	pconn.mu.Lock()
	assert.True(t, pconn.closed)
	pconn.mu.Unlock()
}

func TestRecvErrorTerminatesLoop(t *testing.T) {
	pconn := &fakeProtoConn{flow: testFlow(), recvErr: errors.New("broken pipe")}
	handler := newFakeHandler()
	reporter := newFakeReporter()

	netconn.New(context.Background(), 7, pconn, handler, reporter, netconn.Deps{
		InactivityTimeout: time.Hour,
	})

	select {
	case id := <-reporter.ch:
		assert.Equal(t, netid.ConnectionID(7), id)
	case <-time.After(time.Second):
		t.Fatal("loop never terminated on recv error")
	}
}

func TestProtectionFlag(t *testing.T) {
	pconn := &fakeProtoConn{flow: testFlow()}
	handler := newFakeHandler()
	reporter := newFakeReporter()

	c := netconn.New(context.Background(), 1, pconn, handler, reporter, netconn.Deps{InactivityTimeout: time.Hour})
	defer c.Close()

	assert.False(t, c.Protected())
	c.SetProtected(nil)
	assert.True(t, c.Protected())
	c.ClearProtected()
	assert.False(t, c.Protected())
}

func TestRefCounting(t *testing.T) {
	pconn := &fakeProtoConn{flow: testFlow()}
	c := netconn.New(context.Background(), 1, pconn, newFakeHandler(), newFakeReporter(), netconn.Deps{InactivityTimeout: time.Hour})
	defer c.Close()

	assert.Equal(t, int32(0), c.RefCount())
	c.AddRef()
	assert.Equal(t, int32(1), c.RefCount())
	c.Release()
	assert.Equal(t, int32(0), c.RefCount())
}
