package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/perun-emu/perun/internal/logging"
	"github.com/perun-emu/perun/internal/protocol"
	"github.com/perun-emu/perun/internal/transport"
)

// ErrHandshakeRejected carries the server's ERROR message.
var ErrHandshakeRejected = errors.New("viewer: handshake rejected")

const handshakeTimeout = 3 * time.Second

// Client is a connected viewer: framed read loop in, async input packets
// out. The read and write halves never interleave on the connection; input
// writes go through a dedicated writer goroutine so the render path is
// never blocked by a slow link.
type Client struct {
	conn   transport.Conn
	rec    *Reconstructor
	inputs *transport.AsyncWriter
	caps   uint16
	seq    uint16
	logger *slog.Logger

	// OnAudio, if set, receives decoded audio chunks.
	OnAudio func(protocol.AudioChunkPacket)
	// OnInput, if set, receives peer input events relayed by the server.
	OnInput func(protocol.InputEventPacket)
}

// Dial connects to "tcp://host:port" or "ws://host:port", performs the
// HELLO/OK exchange offering caps, and returns a ready client.
func Dial(ctx context.Context, rawurl string, caps uint16, rec *Reconstructor) (*Client, error) {
	var conn transport.Conn
	var err error
	switch {
	case strings.HasPrefix(rawurl, "tcp://"):
		conn, err = transport.DialTCP(strings.TrimPrefix(rawurl, "tcp://"))
	case strings.HasPrefix(rawurl, "ws://"), strings.HasPrefix(rawurl, "wss://"):
		conn, err = transport.DialWS(rawurl)
	default:
		return nil, fmt.Errorf("viewer: unsupported url %q (want tcp:// or ws://)", rawurl)
	}
	if err != nil {
		return nil, err
	}

	negotiated, err := handshake(conn, caps)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:   conn,
		rec:    rec,
		caps:   negotiated,
		logger: logging.L().With("remote", conn.RemoteAddr().String()),
	}
	c.inputs = transport.NewAsyncWriter(ctx, 32, func(pkt []byte) error {
		_, werr := conn.Write(pkt)
		return werr
	}, transport.Hooks{
		OnError: func(err error) { c.logger.Warn("input_write_error", "error", err) },
	})
	c.logger.Info("viewer_connected", "caps", fmt.Sprintf("0x%04x", negotiated))
	return c, nil
}

// handshake sends HELLO and parses the OK/ERROR response off the stream.
func handshake(conn transport.Conn, caps uint16) (uint16, error) {
	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	if _, err := conn.Write(protocol.Hello(protocol.Version, caps)); err != nil {
		return 0, fmt.Errorf("write hello: %w", err)
	}

	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if head[0] == 'O' && head[1] == 'K' {
		rest := make([]byte, protocol.OKSize-2)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return 0, fmt.Errorf("read response: %w", err)
		}
		result, err := protocol.ProcessResponse(append(head, rest...))
		if err != nil {
			return 0, err
		}
		return result.Capabilities, nil
	}
	// ERROR + message + NUL; read to the terminator.
	msg := append([]byte{}, head...)
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(conn, one); err != nil {
			break
		}
		if one[0] == 0 {
			break
		}
		msg = append(msg, one[0])
		if len(msg) > 512 {
			break
		}
	}
	result, err := protocol.ProcessResponse(append(msg, 0))
	if err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: %s", ErrHandshakeRejected, result.Error)
}

// Capabilities returns the negotiated capability mask.
func (c *Client) Capabilities() uint16 { return c.caps }

// Run frames and dispatches inbound packets until ctx is done or the
// connection ends. Video goes to the reconstructor; a reconstruction error
// is logged and the loop continues, waiting for the repairing keyframe.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()
	go func() { <-ctx.Done(); _ = c.conn.Close() }()

	var asm protocol.Assembler
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if _, perr := asm.Push(buf[:n], c.dispatch); perr != nil {
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Client) dispatch(h protocol.PacketHeader, payload []byte) {
	switch h.Type {
	case protocol.PacketVideoFrame:
		pkt, err := protocol.ParseVideoFrame(payload)
		if err != nil {
			c.logger.Warn("malformed_video_frame", "error", err)
			return
		}
		if c.rec != nil {
			if err := c.rec.ApplyVideoFrame(h.Flags, pkt); err != nil {
				c.logger.Warn("frame_apply_error", "error", err)
			}
		}
	case protocol.PacketAudioChunk:
		if c.OnAudio == nil {
			return
		}
		pkt, err := protocol.ParseAudioChunk(payload)
		if err != nil {
			c.logger.Warn("malformed_audio_chunk", "error", err)
			return
		}
		c.OnAudio(pkt)
	case protocol.PacketInputEvent:
		if c.OnInput == nil {
			return
		}
		pkt, err := protocol.ParseInputEvent(payload)
		if err != nil {
			c.logger.Warn("malformed_input_event", "error", err)
			return
		}
		c.OnInput(pkt)
	default:
		c.logger.Debug("packet_ignored", "type", h.Type.String())
	}
}

// SendInput queues the current button word for transmission.
func (c *Client) SendInput(buttons uint16) error {
	payload := protocol.InputEventPacket{Buttons: buttons}.Marshal()
	pkt := protocol.AppendPacket(nil, protocol.PacketInputEvent, 0, c.seq, payload)
	c.seq++
	return c.inputs.Send(pkt)
}

// Close tears down the connection and the input writer.
func (c *Client) Close() {
	c.inputs.Close()
	_ = c.conn.Close()
}
