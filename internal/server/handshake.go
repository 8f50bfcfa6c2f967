package server

import (
	"fmt"
	"io"
	"time"

	"github.com/perun-emu/perun/internal/protocol"
	"github.com/perun-emu/perun/internal/transport"
)

// handshake runs the server side of the HELLO/OK exchange on a fresh
// connection and returns the negotiated capabilities. A bad magic gets an
// ERROR response before the connection is closed by the caller; short or
// timed-out reads do not (there is nobody sane on the other end).
func (s *Server) handshake(conn transport.Conn) (uint16, error) {
	deadline := time.Now().Add(s.handshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	hello := make([]byte, protocol.HelloSize)
	if _, err := io.ReadFull(conn, hello); err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}
	result, err := protocol.ProcessHello(hello, s.capabilities)
	if err != nil {
		return 0, err
	}
	if !result.Accepted {
		_, _ = conn.Write(protocol.HandshakeError(result.Error))
		return 0, fmt.Errorf("%w: %s", protocol.ErrInvalidHandshake, result.Error)
	}
	if _, err := conn.Write(protocol.HandshakeOK(protocol.Version, result.Capabilities)); err != nil {
		return 0, fmt.Errorf("write ok: %w", err)
	}
	return result.Capabilities, nil
}
