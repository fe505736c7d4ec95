// SPDX-License-Identifier: GPL-3.0-or-later

package receipt_test

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/overlay/netid"
	"github.com/bassosimone/overlay/receipt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNonce(t *testing.T) receipt.Nonce {
	t.Helper()
	n, err := receipt.NewNonce(rand.Reader)
	require.NoError(t, err)
	return n
}

func TestRecordAndHandleReceiptSingleShot(t *testing.T) {
	m := receipt.New(nil, nil)
	nonce := newNonce(t)

	var mu sync.Mutex
	var got *receipt.Event
	require.NoError(t, m.RecordSingleShot(nonce, time.Now().Add(time.Hour), func(ev receipt.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = &ev
	}))

	require.NoError(t, m.HandleReceipt(nonce, nil, netid.Flow{}, false))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, receipt.ReturnedOutOfBand, got.Kind)
	assert.Equal(t, 0, m.Len())
}

func TestHandleReceiptFiresOnlyAtExpectedReturns(t *testing.T) {
	m := receipt.New(nil, nil)
	nonce := newNonce(t)

	fired := 0
	require.NoError(t, m.Record(nonce, time.Now().Add(time.Hour), 2, func(ev receipt.Event) {
		fired++
	}))

	require.NoError(t, m.HandleReceipt(nonce, nil, netid.Flow{}, false))
	assert.Equal(t, 0, fired, "callback must not fire before expected_returns is reached")
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.HandleReceipt(nonce, nil, netid.Flow{}, false))
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, m.Len())
}

func TestHandleReceiptUnknownNonce(t *testing.T) {
	m := receipt.New(nil, nil)
	nonce := newNonce(t)
	err := m.HandleReceipt(nonce, nil, netid.Flow{}, false)
	assert.ErrorIs(t, err, receipt.ErrUnknownNonce)
}

func TestHandleReceiptAbsorbsReplayAfterConsumption(t *testing.T) {
	m := receipt.New(nil, nil)
	nonce := newNonce(t)

	require.NoError(t, m.RecordSingleShot(nonce, time.Now().Add(time.Hour), func(receipt.Event) {}))
	require.NoError(t, m.HandleReceipt(nonce, nil, netid.Flow{}, false))

	// A duplicate in-flight retransmission of the same receipt must be
	// dropped silently, not reported as an unknown-nonce error.
	err := m.HandleReceipt(nonce, nil, netid.Flow{}, false)
	assert.NoError(t, err)
}

func TestCancelFiresCallbackAndRemovesRecord(t *testing.T) {
	m := receipt.New(nil, nil)
	nonce := newNonce(t)

	var got receipt.EventKind
	require.NoError(t, m.RecordSingleShot(nonce, time.Now().Add(time.Hour), func(ev receipt.Event) {
		got = ev.Kind
	}))

	require.NoError(t, m.Cancel(nonce))
	assert.Equal(t, receipt.Cancelled, got)
	assert.Equal(t, 0, m.Len())

	assert.ErrorIs(t, m.Cancel(nonce), receipt.ErrUnknownNonce)
}

func TestTickExpiresDueRecordsAndOnlyThose(t *testing.T) {
	base := time.Unix(1000, 0)
	now := base
	m := receipt.New(func() time.Time { return now }, nil)

	expiring := newNonce(t)
	surviving := newNonce(t)

	var expiringFired, survivingFired bool
	require.NoError(t, m.RecordSingleShot(expiring, base.Add(5*time.Millisecond), func(ev receipt.Event) {
		expiringFired = ev.Kind == receipt.Expired
	}))
	require.NoError(t, m.RecordSingleShot(surviving, base.Add(time.Hour), func(ev receipt.Event) {
		survivingFired = true
	}))

	now = base.Add(10 * time.Millisecond)
	m.Tick(now)

	assert.True(t, expiringFired)
	assert.False(t, survivingFired)
	assert.Equal(t, 1, m.Len())

	err := m.HandleReceipt(expiring, nil, netid.Flow{}, false)
	assert.ErrorIs(t, err, receipt.ErrUnknownNonce, "expired nonce must not be resurrected by a late receipt")
}

func TestRecordDuplicateNonceFails(t *testing.T) {
	m := receipt.New(nil, nil)
	nonce := newNonce(t)
	require.NoError(t, m.RecordSingleShot(nonce, time.Now().Add(time.Hour), func(receipt.Event) {}))
	err := m.RecordSingleShot(nonce, time.Now().Add(time.Hour), func(receipt.Event) {})
	assert.ErrorIs(t, err, receipt.ErrDuplicateNonce)
}
