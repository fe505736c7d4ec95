// SPDX-License-Identifier: GPL-3.0-or-later

package framing_test

import (
	"bytes"
	"testing"

	"github.com/bassosimone/overlay/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "small", data: []byte("hello")},
		{name: "max size", data: bytes.Repeat([]byte{0x42}, framing.MaxPayloadSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, framing.Send(&buf, tt.data))
			got, err := framing.Recv(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.data, got)
		})
	}
}

func TestSendOversize(t *testing.T) {
	var buf bytes.Buffer
	data := bytes.Repeat([]byte{1}, framing.MaxPayloadSize+1)
	err := framing.Send(&buf, data)
	require.ErrorIs(t, err, framing.ErrOversize)
	assert.Zero(t, buf.Len(), "an oversize send must not write partial frame bytes")
}

func TestRecvBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{'X', 'X', 0, 0})
	_, err := framing.Recv(&buf)
	require.ErrorIs(t, err, framing.ErrBadMagic)
}

func TestRecvShortEOF(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{'V', 'L'})
	_, err := framing.Recv(&buf)
	require.Error(t, err)
}

func TestRecvTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, framing.Send(&buf, []byte("hello world")))
	truncated := buf.Bytes()[:6]
	_, err := framing.Recv(bytes.NewReader(truncated))
	require.Error(t, err)
}

func TestSequentialFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, framing.Send(&buf, []byte("one")))
	require.NoError(t, framing.Send(&buf, []byte("two")))

	first, err := framing.Recv(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), first)

	second, err := framing.Recv(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), second)
}

// A failed send must not corrupt the stream for a subsequent valid send
// (property 6 in spec §8): since Send rejects oversize payloads before
// writing anything, the next Send on the same writer still round-trips.
func TestOversizeThenValidSendStillRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	err := framing.Send(&buf, bytes.Repeat([]byte{9}, framing.MaxPayloadSize+1))
	require.ErrorIs(t, err, framing.ErrOversize)

	require.NoError(t, framing.Send(&buf, []byte("still fine")))
	got, err := framing.Recv(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("still fine"), got)
}
