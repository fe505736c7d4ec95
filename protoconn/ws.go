// SPDX-License-Identifier: GPL-3.0-or-later

package protoconn

import (
	"time"

	"github.com/gorilla/websocket"
)

// wsStream presents a *websocket.Conn as a continuous io.Reader/io.Writer,
// so the framing codec can run over it exactly as it does over a raw TCP
// conn. Each Write call becomes one binary websocket message; Read drains
// websocket messages into an internal buffer and serves bytes out of it,
// so a framing.Recv call that spans a websocket message boundary still
// sees one uninterrupted byte stream.
type wsStream struct {
	conn *websocket.Conn
	buf  []byte
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		s.buf = data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// SetDeadline applies t to both the read and write deadlines, matching the
// [net.Conn] contract that [*conn] relies on.
func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}
