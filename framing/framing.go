//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop (dnsovertcp.go, dnsoverstream
// framing conventions) and _examples/original_source veilid-core's
// network_manager native TCP/WS protocol framing.
//

// Package framing implements the length-prefixed record framing used by
// every ordered stream transport (TCP, WS, WSS).
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxPayloadSize is the largest payload a frame may carry, matching the
// UDP MTU ceiling so that one envelope fits in one UDP datagram or one
// framed stream record.
const MaxPayloadSize = 65507

// magic is the two-byte frame header prefix, 'V' 'L'.
var magic = [2]byte{'V', 'L'}

// ErrBadMagic indicates the 4-byte frame header did not start with the
// expected magic bytes.
var ErrBadMagic = errors.New("framing: bad magic")

// ErrOversize indicates a payload exceeds [MaxPayloadSize].
var ErrOversize = errors.New("framing: payload exceeds maximum size")

// Send writes data as one frame to w: two magic bytes, a little-endian u16
// length, then the payload. Any short write or error fails the caller's
// connection — per spec, the caller must close on any Send error.
func Send(w io.Writer, data []byte) error {
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("%w: %d > %d", ErrOversize, len(data), MaxPayloadSize)
	}
	header := make([]byte, 4)
	header[0], header[1] = magic[0], magic[1]
	binary.LittleEndian.PutUint16(header[2:], uint16(len(data)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("framing: write header: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	return nil
}

// Recv reads exactly one frame from r: 4-byte header, then the payload it
// describes. It fails the connection (returns a non-nil error) on a magic
// mismatch, an oversize length, or a short read including at EOF.
func Recv(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("framing: read header: %w", err)
	}
	if header[0] != magic[0] || header[1] != magic[1] {
		return nil, ErrBadMagic
	}
	length := binary.LittleEndian.Uint16(header[2:])
	if int(length) > MaxPayloadSize {
		return nil, ErrOversize
	}
	if length == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("framing: read payload: %w", err)
	}
	return payload, nil
}
