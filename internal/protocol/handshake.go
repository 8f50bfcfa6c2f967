package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the current protocol version carried in HELLO and OK.
const Version uint16 = 1

// Capability bits negotiated during the handshake.
const (
	CapDelta = 0x01
	CapAudio = 0x02
	CapDebug = 0x04
)

// DefaultCapabilities is the full server-side capability mask.
const DefaultCapabilities uint16 = CapDelta | CapAudio | CapDebug

var magicHello = []byte("PERUN_HELLO")

// HelloSize is the exact wire size of a client HELLO.
const HelloSize = len("PERUN_HELLO") + 2 + 2

// OKSize is the exact wire size of a server OK response.
const OKSize = 2 + 2 + 2

// ErrInvalidHandshake is returned for a HELLO that does not carry the magic.
var ErrInvalidHandshake = errors.New("protocol: invalid handshake")

// HandshakeResult is the outcome of processing a HELLO or a server response.
type HandshakeResult struct {
	Accepted     bool
	Version      uint16
	Capabilities uint16
	Error        string
}

// Hello builds the client HELLO: "PERUN_HELLO" + version + capabilities,
// both big-endian. 15 bytes total.
func Hello(version, capabilities uint16) []byte {
	buf := make([]byte, 0, HelloSize)
	buf = append(buf, magicHello...)
	buf = binary.BigEndian.AppendUint16(buf, version)
	return binary.BigEndian.AppendUint16(buf, capabilities)
}

// ProcessHello validates a client HELLO and negotiates capabilities as the
// intersection of the client's and server's masks. A wrong magic yields an
// unaccepted result (the caller should send HandshakeError and close), not
// an error; errors are reserved for short reads.
func ProcessHello(data []byte, serverCaps uint16) (HandshakeResult, error) {
	if len(data) < HelloSize {
		return HandshakeResult{}, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, HelloSize, len(data))
	}
	if !bytes.Equal(data[:len(magicHello)], magicHello) {
		return HandshakeResult{Error: "invalid magic string"}, nil
	}
	version := binary.BigEndian.Uint16(data[11:13])
	clientCaps := binary.BigEndian.Uint16(data[13:15])
	return HandshakeResult{
		Accepted:     true,
		Version:      version,
		Capabilities: clientCaps & serverCaps,
	}, nil
}

// HandshakeOK builds the server OK response: "OK" + version + capabilities.
func HandshakeOK(version, capabilities uint16) []byte {
	buf := make([]byte, 0, OKSize)
	buf = append(buf, 'O', 'K')
	buf = binary.BigEndian.AppendUint16(buf, version)
	return binary.BigEndian.AppendUint16(buf, capabilities)
}

// HandshakeError builds the server ERROR response: "ERROR" + message + NUL.
func HandshakeError(message string) []byte {
	buf := make([]byte, 0, 5+len(message)+1)
	buf = append(buf, "ERROR"...)
	buf = append(buf, message...)
	return append(buf, 0)
}

// ProcessResponse parses a server response on the client side.
func ProcessResponse(data []byte) (HandshakeResult, error) {
	if len(data) >= OKSize && data[0] == 'O' && data[1] == 'K' {
		return HandshakeResult{
			Accepted:     true,
			Version:      binary.BigEndian.Uint16(data[2:4]),
			Capabilities: binary.BigEndian.Uint16(data[4:6]),
		}, nil
	}
	if len(data) >= 5 && bytes.Equal(data[:5], []byte("ERROR")) {
		msg := data[5:]
		if i := bytes.IndexByte(msg, 0); i >= 0 {
			msg = msg[:i]
		}
		if len(msg) == 0 {
			msg = []byte("unknown error")
		}
		return HandshakeResult{Error: string(msg)}, nil
	}
	if len(data) < OKSize {
		return HandshakeResult{}, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, OKSize, len(data))
	}
	return HandshakeResult{}, fmt.Errorf("%w: unrecognized response", ErrInvalidHandshake)
}
