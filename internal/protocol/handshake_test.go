package protocol

import (
	"bytes"
	"testing"
)

func TestHello_Format(t *testing.T) {
	hello := Hello(1, CapDelta|CapAudio)
	if len(hello) != HelloSize {
		t.Fatalf("hello length %d, want %d", len(hello), HelloSize)
	}
	if !bytes.Equal(hello[:11], []byte("PERUN_HELLO")) {
		t.Fatalf("bad magic %q", hello[:11])
	}
	if got := uint16(hello[11])<<8 | uint16(hello[12]); got != 1 {
		t.Fatalf("version %d", got)
	}
	if got := uint16(hello[13])<<8 | uint16(hello[14]); got != CapDelta|CapAudio {
		t.Fatalf("caps 0x%04x", got)
	}
}

func TestProcessHello_NegotiatesCapabilities(t *testing.T) {
	// Client offers 0x07, server supports 0x05 -> negotiated 0x05.
	hello := Hello(1, CapDelta|CapAudio|CapDebug)
	result, err := ProcessHello(hello, CapDelta|CapDebug)
	if err != nil {
		t.Fatalf("ProcessHello: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected accepted")
	}
	if result.Version != 1 {
		t.Fatalf("version %d", result.Version)
	}
	if result.Capabilities != CapDelta|CapDebug {
		t.Fatalf("negotiated 0x%04x, want 0x%04x", result.Capabilities, CapDelta|CapDebug)
	}
}

func TestProcessHello_InvalidMagic(t *testing.T) {
	result, err := ProcessHello([]byte("WRONG_MAGIC1234"), CapDelta)
	if err != nil {
		t.Fatalf("ProcessHello: %v", err)
	}
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	if result.Error == "" {
		t.Fatalf("expected error message")
	}
}

func TestProcessHello_Short(t *testing.T) {
	if _, err := ProcessHello([]byte("PERUN_HE"), CapDelta); err == nil {
		t.Fatalf("expected short buffer error")
	}
}

func TestHandshakeOK_RoundTrip(t *testing.T) {
	ok := HandshakeOK(1, CapDelta)
	if len(ok) != OKSize {
		t.Fatalf("ok length %d", len(ok))
	}
	result, err := ProcessResponse(ok)
	if err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if !result.Accepted || result.Version != 1 || result.Capabilities != CapDelta {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestHandshakeError_RoundTrip(t *testing.T) {
	wire := HandshakeError("version mismatch")
	if wire[len(wire)-1] != 0 {
		t.Fatalf("expected trailing NUL")
	}
	result, err := ProcessResponse(wire)
	if err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	if result.Error != "version mismatch" {
		t.Fatalf("error message %q", result.Error)
	}
}

func TestFullHandshakeFlow(t *testing.T) {
	hello := Hello(1, CapDelta|CapAudio)
	serverResult, err := ProcessHello(hello, DefaultCapabilities)
	if err != nil || !serverResult.Accepted {
		t.Fatalf("server side: %v %+v", err, serverResult)
	}
	ok := HandshakeOK(serverResult.Version, serverResult.Capabilities)
	clientResult, err := ProcessResponse(ok)
	if err != nil || !clientResult.Accepted {
		t.Fatalf("client side: %v %+v", err, clientResult)
	}
	if clientResult.Capabilities != CapDelta|CapAudio {
		t.Fatalf("negotiated 0x%04x", clientResult.Capabilities)
	}
}
