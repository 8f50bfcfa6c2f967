package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/perun-emu/perun/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_ingested", snap.FramesIngested,
					"keyframes", snap.Keyframes,
					"delta_frames", snap.DeltaFrames,
					"frames_dropped", snap.FramesDropped,
					"client_rx", snap.ClientRx,
					"client_tx", snap.ClientTx,
					"input_events", snap.InputEvents,
					"hub_lagged", snap.HubLagged,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
