package server

import (
	"fmt"
	"log/slog"

	"github.com/perun-emu/perun/internal/metrics"
	"github.com/perun-emu/perun/internal/protocol"
)

// startWriter launches the goroutine draining this session's subscription
// onto the connection. Sequence numbers are per client: each subscriber
// sees a gap-free u16 counter over the packets it actually received.
func (s *Server) startWriter(ctxDone <-chan struct{}, sess *session, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.teardown(sess, logger)
		var seq uint16
		var wire []byte
		for {
			select {
			case msg := <-sess.sub.Out:
				if skipped := sess.sub.TakeLagged(); skipped > 0 {
					logger.Warn("client_lagged", "skipped", skipped)
				}
				if msg.ExcludeClient != 0 && msg.ExcludeClient == sess.id {
					continue
				}
				wire = protocol.AppendPacket(wire[:0], msg.Type, msg.Flags, seq, msg.Payload)
				seq++
				if _, err := sess.conn.Write(wire); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					logger.Warn("conn_write_error", "error", err)
					return
				}
				metrics.IncClientTx()
			case <-sess.sub.Closed:
				return
			case <-ctxDone:
				return
			}
		}
	}()
}
