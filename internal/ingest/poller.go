// Package ingest drains ready frames from the shared region and feeds the
// broadcast bus.
package ingest

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/perun-emu/perun/internal/hub"
	"github.com/perun-emu/perun/internal/logging"
	"github.com/perun-emu/perun/internal/metrics"
	"github.com/perun-emu/perun/internal/processor"
	"github.com/perun-emu/perun/internal/protocol"
	"github.com/perun-emu/perun/internal/shm"
)

// idleSleep is the poll backoff when no frame is ready. Short enough to
// keep core-to-wire latency in the hundreds of microseconds.
const idleSleep = 500 * time.Microsecond

// Poller runs the consumer side of the shared-memory handoff on its own OS
// thread: its tight loop must neither starve nor be starved by the
// cooperative scheduler's other goroutines.
type Poller struct {
	region *shm.Region
	proc   *processor.FrameProcessor
	bus    *hub.Hub
	logger *slog.Logger
}

func New(region *shm.Region, proc *processor.FrameProcessor, bus *hub.Hub, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = logging.L()
	}
	return &Poller{region: region, proc: proc, bus: bus, logger: logger}
}

// Run polls until ctx is done. Each ready frame is copied out of the
// region, processed into a wire payload exactly once, and broadcast; a
// processing failure drops that frame and continues (the next forced
// keyframe repairs the viewers).
func (p *Poller) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.logger.Info("shm_poll_start")
	defer p.logger.Info("shm_poll_end")

	var frame []byte
	for {
		if ctx.Err() != nil {
			return
		}
		w, h, ok := p.region.ReadFrameInto(&frame)
		if !ok {
			time.Sleep(idleSleep)
			continue
		}
		metrics.IncIngested()
		if w > 0xFFFF || h > 0xFFFF {
			// Cannot be represented in the wire geometry; config error
			// upstream, drop rather than wrap.
			metrics.IncFrameDropped()
			continue
		}
		pkt, flags := p.proc.Process(uint16(w), uint16(h), frame)
		p.bus.Broadcast(hub.Message{
			Type:    protocol.PacketVideoFrame,
			Flags:   flags,
			Payload: pkt.Marshal(),
		})
	}
}
