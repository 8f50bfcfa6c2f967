package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/perun-emu/perun/internal/hub"
	"github.com/perun-emu/perun/internal/protocol"
	"github.com/perun-emu/perun/internal/transport"
)

// startTestServer binds an ephemeral TCP listener and serves on it.
func startTestServer(t *testing.T, h *hub.Hub, opts ...ServerOption) (*Server, string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(append([]ServerOption{WithHub(h), WithHandshakeTimeout(2 * time.Second)}, opts...)...)
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv, ln.Addr().String(), cancel
}

// dialAndHandshake connects and completes the HELLO/OK exchange.
func dialAndHandshake(t *testing.T, addr string, caps uint16) (net.Conn, uint16) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write(protocol.Hello(protocol.Version, caps)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	resp := make([]byte, protocol.OKSize)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("read ok: %v", err)
	}
	result, err := protocol.ProcessResponse(resp)
	if err != nil || !result.Accepted {
		t.Fatalf("handshake not accepted: %v %+v", err, result)
	}
	return conn, result.Capabilities
}

func readPacket(t *testing.T, conn net.Conn, timeout time.Duration) (protocol.PacketHeader, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	head := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, head); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := protocol.ParseHeader(head)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return h, payload
}

func TestSmokeServer_HandshakeNegotiation(t *testing.T) {
	h := hub.New()
	_, addr, cancel := startTestServer(t, h, WithCapabilities(protocol.CapDelta|protocol.CapDebug))
	defer cancel()

	// Client offers 0x07, server supports 0x05.
	conn, caps := dialAndHandshake(t, addr, protocol.CapDelta|protocol.CapAudio|protocol.CapDebug)
	defer conn.Close()
	if caps != protocol.CapDelta|protocol.CapDebug {
		t.Fatalf("negotiated 0x%04x, want 0x%04x", caps, protocol.CapDelta|protocol.CapDebug)
	}
}

func TestSmokeServer_BadMagic(t *testing.T) {
	h := hub.New()
	_, addr, cancel := startTestServer(t, h)
	defer cancel()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("WRONG_MAGIC1234")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !bytes.HasPrefix(resp, []byte("ERROR")) {
		t.Fatalf("expected ERROR response, got % X", resp)
	}
	if resp[len(resp)-1] != 0 {
		t.Fatalf("expected trailing NUL, got % X", resp)
	}
	// io.ReadAll returning without error means the server closed the conn.
}

func TestSmokeServer_BroadcastVideoFrame(t *testing.T) {
	h := hub.New()
	_, addr, cancel := startTestServer(t, h)
	defer cancel()

	conn, _ := dialAndHandshake(t, addr, protocol.CapDelta)
	defer conn.Close()

	// Give the writer a moment to subscribe before publishing.
	waitClients(t, h, 1)
	payload := protocol.VideoFramePacket{Width: 64, Height: 32, Data: []byte{0xFF, 0xEE}}.Marshal()
	h.Broadcast(hub.Message{
		Type:    protocol.PacketVideoFrame,
		Flags:   protocol.FlagCompress1,
		Payload: payload,
	})

	head, body := readPacket(t, conn, 2*time.Second)
	if head.Type != protocol.PacketVideoFrame {
		t.Fatalf("packet type %v", head.Type)
	}
	if head.Flags != protocol.FlagCompress1 {
		t.Fatalf("flags 0x%02x", head.Flags)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestSmokeServer_InputRelay(t *testing.T) {
	h := hub.New()
	var mu sync.Mutex
	var sunk []uint16
	sink := func(pkt protocol.InputEventPacket) {
		mu.Lock()
		sunk = append(sunk, pkt.Buttons)
		mu.Unlock()
	}
	_, addr, cancel := startTestServer(t, h, WithInputSink(sink))
	defer cancel()

	sender, _ := dialAndHandshake(t, addr, protocol.CapDelta)
	defer sender.Close()
	peer, _ := dialAndHandshake(t, addr, protocol.CapDelta)
	defer peer.Close()
	waitClients(t, h, 2)

	input := protocol.InputEventPacket{Buttons: 0x00A5}
	wire := protocol.AppendPacket(nil, protocol.PacketInputEvent, 0, 0, input.Marshal())
	if _, err := sender.Write(wire); err != nil {
		t.Fatalf("write input: %v", err)
	}

	// The peer receives the relayed input event.
	head, body := readPacket(t, peer, 2*time.Second)
	if head.Type != protocol.PacketInputEvent {
		t.Fatalf("peer got type %v", head.Type)
	}
	got, err := protocol.ParseInputEvent(body)
	if err != nil || got.Buttons != 0x00A5 {
		t.Fatalf("peer input %v %+v", err, got)
	}

	// The sink (the shared region's input word) saw the buttons.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(sunk)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sunk) != 1 || sunk[0] != 0x00A5 {
		t.Fatalf("sink saw %v", sunk)
	}

	// The sender must not get its own input echoed back.
	_ = sender.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	one := make([]byte, 1)
	if _, err := sender.Read(one); err == nil {
		t.Fatalf("sender received an echo of its own input")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func TestSmokeServer_MaxClients(t *testing.T) {
	h := hub.New()
	_, addr, cancel := startTestServer(t, h, WithMaxClients(1))
	defer cancel()

	first, _ := dialAndHandshake(t, addr, protocol.CapDelta)
	defer first.Close()
	waitClients(t, h, 1)

	// Second client handshakes, then is closed by the max-clients gate.
	second, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	if _, err := second.Write(protocol.Hello(protocol.Version, protocol.CapDelta)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(second); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if h.Count() != 1 {
		t.Fatalf("hub count %d, want 1", h.Count())
	}
}

func waitClients(t *testing.T, h *hub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("hub count %d, want %d", h.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
