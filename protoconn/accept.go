//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core's protocol listener
// peek-and-demux logic (deciding HTTP/WS upgrade vs raw TCP/WSS on one
// listening socket) and the teacher's CancelWatchFunc deadline idiom.
//

package protoconn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Peek reads up to n bytes from a freshly accepted conn within timeout,
// without consuming them: the returned [net.Conn] replays the peeked bytes
// before resuming reads from the underlying socket. If the peek deadline
// expires before n bytes arrive, the caller must drop the connection
// without ceremony (spec §4.2): Peek returns whatever it read, along with
// the deadline error, and the caller is expected to close conn itself.
func Peek(conn net.Conn, n int, timeout time.Duration) ([]byte, net.Conn, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, conn, fmt.Errorf("protoconn: peek: set deadline: %w", err)
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(conn, buf)
	buf = buf[:read]

	// Clear the deadline regardless of outcome: a caller that proceeds with
	// the peeked connection must not inherit our timeout.
	if derr := conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		return buf, conn, fmt.Errorf("protoconn: peek: %w", err)
	}
	return buf, &peekedConn{Conn: conn, peeked: buf}, nil
}

// PeekWithContext is [Peek] bounded by ctx's deadline when one is set,
// falling back to timeout otherwise.
func PeekWithContext(ctx context.Context, conn net.Conn, n int, timeout time.Duration) ([]byte, net.Conn, error) {
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	return Peek(conn, n, timeout)
}

// peekedConn replays previously-peeked bytes before resuming reads from the
// wrapped [net.Conn].
type peekedConn struct {
	net.Conn
	peeked []byte
}

func (c *peekedConn) Read(p []byte) (int, error) {
	if len(c.peeked) > 0 {
		n := copy(p, c.peeked)
		c.peeked = c.peeked[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// HasPrefix reports whether the peeked bytes start with prefix, the
// demultiplexing primitive a listening socket's accept handler uses to
// decide HTTP/WS upgrade vs raw TCP/WSS (spec §4.2).
func HasPrefix(peeked []byte, prefix []byte) bool {
	return bytes.HasPrefix(peeked, prefix)
}
