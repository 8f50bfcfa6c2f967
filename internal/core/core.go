// Package core provides the runtime every emulator core runs inside: the
// per-frame loop that samples inputs, steps the emulator into the shared
// framebuffer, publishes through the handoff protocol, and paces to 60 Hz.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/perun-emu/perun/internal/logging"
	"github.com/perun-emu/perun/internal/shm"
)

// FrameDuration is the 60 Hz pacing target.
const FrameDuration = 16667 * time.Microsecond

// ErrRecoverable marks a core fault worth logging but not worth killing
// the loop for (a skipped frame, a transient decode hiccup). Cores wrap:
//
//	fmt.Errorf("%w: sprite table overrun", core.ErrRecoverable)
//
// Any other error from Update is fatal and ends the run.
var ErrRecoverable = errors.New("core: recoverable")

// Core is one emulator. Update steps exactly one frame: it consumes the
// current input word, fills the RGBA video buffer, and may fill the audio
// buffer.
type Core interface {
	Update(input uint32, video []byte, audio []int16) error
}

// Runtime drives a Core against a shared region.
type Runtime struct {
	region *shm.Region
	core   Core
	logger *slog.Logger
	audio  []int16
}

func NewRuntime(region *shm.Region, c Core, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = logging.L()
	}
	return &Runtime{region: region, core: c, logger: logger}
}

// Run executes the frame loop until ctx is done or the core fails fatally.
// When the region is not IDLE the frame is skipped (the consumer is slower
// than us; dropping beats tearing) and the loop yields.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("core_loop_start")
	defer r.logger.Info("core_loop_end")

	var fps int
	lastSecond := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		frameStart := time.Now()

		input := r.region.LoadInputs()
		published, err := r.region.Publish(func(video []byte) error {
			return r.core.Update(input, video, r.audioBuffer())
		})
		if err != nil {
			if errors.Is(err, ErrRecoverable) {
				r.logger.Warn("core_update_recoverable", "error", err)
			} else {
				r.logger.Error("core_update_fatal", "error", err)
				return fmt.Errorf("core update: %w", err)
			}
		}
		if published {
			fps++
		} else if err == nil {
			runtime.Gosched()
		}

		if elapsed := time.Since(frameStart); elapsed < FrameDuration {
			time.Sleep(FrameDuration - elapsed)
		}
		if time.Since(lastSecond) >= time.Second {
			r.logger.Info("fps", "frames", fps)
			fps = 0
			lastSecond = time.Now()
		}
	}
}

func (r *Runtime) audioBuffer() []int16 {
	if r.audio == nil {
		// One frame of stereo samples at 44.1 kHz; the audio path is
		// defined but not exercised by the current relay hot path.
		r.audio = make([]int16, 44100/60*2)
	}
	return r.audio
}

// DefaultShmPath derives the conventional region path for a named core.
func DefaultShmPath(name string) string {
	return "/dev/shm/perun_" + name
}

// Run wires the conventional setup for a core binary: open the region at
// path (or the conventional path for name when path is empty), then loop.
func Run(ctx context.Context, name, path string, width, height uint32, c Core) error {
	if path == "" {
		path = DefaultShmPath(name)
	}
	logger := logging.L().With("core", name)
	logger.Info("shm_attach", "path", path, "width", width, "height", height)
	region, err := shm.OpenProducer(path, width, height)
	if err != nil {
		return err
	}
	defer region.Close()
	return NewRuntime(region, c, logger).Run(ctx)
}
