package protocol

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestPacketHeader_Marshal(t *testing.T) {
	h := PacketHeader{Type: PacketVideoFrame, Flags: 0, Sequence: 42, Length: 1024}
	b := h.Marshal()
	if b[0] != 0x01 {
		t.Fatalf("type byte: got 0x%02x", b[0])
	}
	if b[1] != 0x00 {
		t.Fatalf("flags byte: got 0x%02x", b[1])
	}
	if got := uint16(b[2])<<8 | uint16(b[3]); got != 42 {
		t.Fatalf("sequence: got %d", got)
	}
	if got := uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]); got != 1024 {
		t.Fatalf("length: got %d", got)
	}
}

func TestPacketHeader_RoundTrip(t *testing.T) {
	in := PacketHeader{Type: PacketAudioChunk, Flags: FlagDelta, Sequence: 0xABCD, Length: 0x123456}
	b := in.Marshal()
	out, err := ParseHeader(b[:])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestParseHeader_Errors(t *testing.T) {
	if _, err := ParseHeader([]byte{0x01, 0, 0}); err == nil {
		t.Fatalf("expected short buffer error")
	}
	if _, err := ParseHeader([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0}); err == nil {
		t.Fatalf("expected invalid type error")
	}
	// Length beyond MaxPayloadSize
	bad := []byte{0x01, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ParseHeader(bad); err == nil {
		t.Fatalf("expected oversized error")
	}
}

func TestVideoFrame_RoundTrip(t *testing.T) {
	in := VideoFramePacket{Width: 64, Height: 32, Data: []byte{0xFF, 0x00, 0xAB, 0xCD}}
	out, err := ParseVideoFrame(in.Marshal())
	if err != nil {
		t.Fatalf("ParseVideoFrame: %v", err)
	}
	if out.Width != in.Width || out.Height != in.Height || !bytes.Equal(out.Data, in.Data) {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestVideoFrame_EmptyData(t *testing.T) {
	in := VideoFramePacket{Width: 320, Height: 240}
	wire := in.Marshal()
	if len(wire) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(wire))
	}
	out, err := ParseVideoFrame(wire)
	if err != nil {
		t.Fatalf("ParseVideoFrame: %v", err)
	}
	if out.Width != 320 || out.Height != 240 || len(out.Data) != 0 {
		t.Fatalf("unexpected packet %+v", out)
	}
}

func TestAudioChunk_RoundTrip(t *testing.T) {
	in := AudioChunkPacket{SampleRate: 44100, Channels: 2, Samples: []int16{100, -100, 32767, -32768}}
	out, err := ParseAudioChunk(in.Marshal())
	if err != nil {
		t.Fatalf("ParseAudioChunk: %v", err)
	}
	if out.SampleRate != in.SampleRate || out.Channels != in.Channels {
		t.Fatalf("header mismatch: %+v vs %+v", out, in)
	}
	if len(out.Samples) != len(in.Samples) {
		t.Fatalf("sample count: got %d want %d", len(out.Samples), len(in.Samples))
	}
	for i := range in.Samples {
		if out.Samples[i] != in.Samples[i] {
			t.Fatalf("sample %d: got %d want %d", i, out.Samples[i], in.Samples[i])
		}
	}
}

func TestAudioChunk_OddTail(t *testing.T) {
	wire := []byte{0xAC, 0x44, 1, 0x12} // one stray byte after the preamble
	if _, err := ParseAudioChunk(wire); err == nil {
		t.Fatalf("expected error for odd sample tail")
	}
}

func TestInputEvent_RoundTrip(t *testing.T) {
	for _, in := range []InputEventPacket{
		{Buttons: 0x00A5},
		{Buttons: 0xFFFF, Reserved: 0x1234},
	} {
		out, err := ParseInputEvent(in.Marshal())
		if err != nil {
			t.Fatalf("ParseInputEvent: %v", err)
		}
		if out != in {
			t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
		}
	}
}

func TestAppendPacket_Layout(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	wire := AppendPacket(nil, PacketInputEvent, FlagDelta, 7, payload)
	if len(wire) != HeaderSize+len(payload) {
		t.Fatalf("wire length %d", len(wire))
	}
	h, err := ParseHeader(wire)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Type != PacketInputEvent || h.Flags != FlagDelta || h.Sequence != 7 || h.Length != 5 {
		t.Fatalf("unexpected header %+v", h)
	}
	if !bytes.Equal(wire[HeaderSize:], payload) {
		t.Fatalf("payload mismatch")
	}
}

func BenchmarkVideoFrame_Marshal(b *testing.B) {
	data := make([]byte, 64*1024)
	rand.Read(data)
	pkt := VideoFramePacket{Width: 256, Height: 224, Data: data}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = pkt.Marshal()
	}
}

func BenchmarkAppendPacket(b *testing.B) {
	payload := make([]byte, 32*1024)
	rand.Read(payload)
	var wire []byte
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		wire = AppendPacket(wire[:0], PacketVideoFrame, FlagCompress1, uint16(i), payload)
	}
}
