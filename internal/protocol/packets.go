package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/perun-emu/perun/internal/metrics"
)

// PacketType identifies the payload carried after the 8-byte header.
type PacketType uint8

const (
	PacketVideoFrame PacketType = 0x01
	PacketAudioChunk PacketType = 0x02
	PacketInputEvent PacketType = 0x03
	PacketConfig     PacketType = 0x04
	PacketDebugInfo  PacketType = 0x05
)

func (t PacketType) String() string {
	switch t {
	case PacketVideoFrame:
		return "video_frame"
	case PacketAudioChunk:
		return "audio_chunk"
	case PacketInputEvent:
		return "input_event"
	case PacketConfig:
		return "config"
	case PacketDebugInfo:
		return "debug_info"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Header flag bits.
const (
	FlagDelta     = 0x01
	FlagCompress1 = 0x02
	FlagCompress2 = 0x04
)

// HeaderSize is the fixed wire size of a PacketHeader.
const HeaderSize = 8

// MaxPayloadSize bounds the length field of inbound headers. A compressed
// full frame of the largest supported geometry plus the video preamble fits
// well below this.
const MaxPayloadSize = 64 << 20

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrShortBuffer       = errors.New("protocol: buffer too small")
	ErrInvalidPacketType = errors.New("protocol: invalid packet type")
	ErrOversizedPacket   = errors.New("protocol: oversized packet")
	ErrInvalidData       = errors.New("protocol: invalid data")
)

// ParsePacketType validates a raw type byte.
func ParsePacketType(b uint8) (PacketType, error) {
	t := PacketType(b)
	switch t {
	case PacketVideoFrame, PacketAudioChunk, PacketInputEvent, PacketConfig, PacketDebugInfo:
		return t, nil
	}
	return 0, fmt.Errorf("%w: 0x%02x", ErrInvalidPacketType, b)
}

// PacketHeader is the fixed 8-byte big-endian packet preamble:
// type:u8 | flags:u8 | sequence:u16 | length:u32. Length counts payload
// bytes only.
type PacketHeader struct {
	Type     PacketType
	Flags    uint8
	Sequence uint16
	Length   uint32
}

// Marshal packs the header into its 8-byte wire form.
func (h PacketHeader) Marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = uint8(h.Type)
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.Sequence)
	binary.BigEndian.PutUint32(b[4:8], h.Length)
	return b
}

// ParseHeader decodes the first 8 bytes of data. The type byte is validated;
// the length field is bounded by MaxPayloadSize.
func ParseHeader(data []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(data) < HeaderSize {
		return h, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, HeaderSize, len(data))
	}
	t, err := ParsePacketType(data[0])
	if err != nil {
		metrics.IncMalformed()
		return h, err
	}
	h.Type = t
	h.Flags = data[1]
	h.Sequence = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint32(data[4:8])
	if h.Length > MaxPayloadSize {
		metrics.IncMalformed()
		return h, fmt.Errorf("%w: length %d", ErrOversizedPacket, h.Length)
	}
	return h, nil
}

// VideoFramePacket is the video payload: width:u16 | height:u16 | opaque
// bytes. Data may be raw RGBA, a raw XOR delta, or a compressed form of
// either; the header flags disambiguate. Marshal is pure concatenation —
// whatever bytes the processor decided on go on the wire verbatim.
type VideoFramePacket struct {
	Width  uint16
	Height uint16
	Data   []byte
}

func (p VideoFramePacket) Marshal() []byte {
	buf := make([]byte, 4+len(p.Data))
	binary.BigEndian.PutUint16(buf[0:2], p.Width)
	binary.BigEndian.PutUint16(buf[2:4], p.Height)
	copy(buf[4:], p.Data)
	return buf
}

// ParseVideoFrame decodes a video payload. Data aliases the input slice.
func ParseVideoFrame(payload []byte) (VideoFramePacket, error) {
	var p VideoFramePacket
	if len(payload) < 4 {
		return p, fmt.Errorf("%w: need 4, have %d", ErrShortBuffer, len(payload))
	}
	p.Width = binary.BigEndian.Uint16(payload[0:2])
	p.Height = binary.BigEndian.Uint16(payload[2:4])
	p.Data = payload[4:]
	return p, nil
}

// AudioChunkPacket is the audio payload: sample_rate:u16 | channels:u8 |
// samples:i16[] with the sample count derived from the payload length.
type AudioChunkPacket struct {
	SampleRate uint16
	Channels   uint8
	Samples    []int16
}

func (p AudioChunkPacket) Marshal() []byte {
	buf := make([]byte, 3+2*len(p.Samples))
	binary.BigEndian.PutUint16(buf[0:2], p.SampleRate)
	buf[2] = p.Channels
	for i, s := range p.Samples {
		binary.BigEndian.PutUint16(buf[3+2*i:], uint16(s))
	}
	return buf
}

func ParseAudioChunk(payload []byte) (AudioChunkPacket, error) {
	var p AudioChunkPacket
	if len(payload) < 3 {
		return p, fmt.Errorf("%w: need 3, have %d", ErrShortBuffer, len(payload))
	}
	p.SampleRate = binary.BigEndian.Uint16(payload[0:2])
	p.Channels = payload[2]
	tail := payload[3:]
	if len(tail)%2 != 0 {
		metrics.IncMalformed()
		return p, fmt.Errorf("%w: odd sample tail %d", ErrInvalidData, len(tail))
	}
	p.Samples = make([]int16, len(tail)/2)
	for i := range p.Samples {
		p.Samples[i] = int16(binary.BigEndian.Uint16(tail[2*i:]))
	}
	return p, nil
}

// InputEventPacket carries the current button word from a viewer.
type InputEventPacket struct {
	Buttons  uint16
	Reserved uint16
}

func (p InputEventPacket) Marshal() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], p.Buttons)
	binary.BigEndian.PutUint16(buf[2:4], p.Reserved)
	return buf
}

func ParseInputEvent(payload []byte) (InputEventPacket, error) {
	var p InputEventPacket
	if len(payload) < 4 {
		return p, fmt.Errorf("%w: need 4, have %d", ErrShortBuffer, len(payload))
	}
	p.Buttons = binary.BigEndian.Uint16(payload[0:2])
	p.Reserved = binary.BigEndian.Uint16(payload[2:4])
	return p, nil
}

// AppendPacket appends header+payload for one packet to dst and returns the
// extended slice. This is the only place wire packets are assembled; both
// the relay writer and the viewer input path use it.
func AppendPacket(dst []byte, typ PacketType, flags uint8, seq uint16, payload []byte) []byte {
	h := PacketHeader{Type: typ, Flags: flags, Sequence: seq, Length: uint32(len(payload))}
	hb := h.Marshal()
	dst = append(dst, hb[:]...)
	return append(dst, payload...)
}
