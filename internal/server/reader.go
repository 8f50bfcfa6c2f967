package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/perun-emu/perun/internal/hub"
	"github.com/perun-emu/perun/internal/metrics"
	"github.com/perun-emu/perun/internal/protocol"
)

const readBufSize = 32 * 1024

func (s *Server) startReader(ctxDone <-chan struct{}, sess *session, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.teardown(sess, logger)
		var asm protocol.Assembler
		buf := make([]byte, readBufSize)
		for {
			_ = sess.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := sess.conn.Read(buf)
			if n > 0 {
				if _, perr := asm.Push(buf[:n], func(h protocol.PacketHeader, payload []byte) {
					s.routePacket(sess, h, payload, logger)
				}); perr != nil {
					// Malformed framing is fatal to the connection only.
					logger.Warn("packet_framing_error", "error", perr)
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("conn_read_error", "error", err)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// routePacket dispatches one inbound packet. Payload aliases the assembler's
// pending buffer, so anything retained past this call is re-marshaled or
// copied first.
func (s *Server) routePacket(sess *session, h protocol.PacketHeader, payload []byte, logger *slog.Logger) {
	metrics.IncClientRx()
	switch h.Type {
	case protocol.PacketInputEvent:
		pkt, err := protocol.ParseInputEvent(payload)
		if err != nil {
			logger.Warn("malformed_input_event", "error", err)
			return
		}
		metrics.IncInputEvent()
		if s.InputSink != nil {
			s.InputSink(pkt)
		}
		// Relay to peers; the sender already knows its own buttons.
		s.Hub.Broadcast(hub.Message{
			Type:          protocol.PacketInputEvent,
			Payload:       pkt.Marshal(),
			ExcludeClient: sess.id,
		})
	case protocol.PacketVideoFrame, protocol.PacketAudioChunk:
		data := make([]byte, len(payload))
		copy(data, payload)
		s.Hub.Broadcast(hub.Message{
			Type:          h.Type,
			Flags:         h.Flags,
			Payload:       data,
			ExcludeClient: sess.id,
		})
	case protocol.PacketConfig:
		data := make([]byte, len(payload))
		copy(data, payload)
		logger.Info("config_received", "bytes", len(data))
		s.emit(Event{Kind: EventConfigReceived, ClientID: sess.id, Data: data})
	case protocol.PacketDebugInfo:
		logger.Debug("debug_info_received", "bytes", len(payload))
		s.emit(Event{Kind: EventDebugInfoReceived, ClientID: sess.id})
	}
}
