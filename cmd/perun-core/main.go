// perun-core runs the built-in test-pattern core against a shared region.
// Real emulator cores link internal/core the same way; this binary exists
// so the whole pipeline can be exercised without one.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/perun-emu/perun/internal/core"
	"github.com/perun-emu/perun/internal/logging"
)

const coreName = "pattern"

func main() {
	shmPath := flag.String("shm", "", "Shared region path (default /dev/shm/perun_"+coreName+")")
	width := flag.Uint("width", 256, "Frame width in pixels")
	height := flag.Uint("height", 224, "Frame height in pixels")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <rom_path>\n", os.Args[0])
		os.Exit(1)
	}
	romPath := flag.Arg(0)

	logging.Set(logging.New("text", logging.ParseLevel(*logLevel), os.Stderr).With("app", "perun-core"))
	l := logging.L()

	c, err := newPatternCore(romPath, uint32(*width), uint32(*height))
	if err != nil {
		l.Error("core_init_error", "rom", romPath, "error", err)
		os.Exit(1)
	}
	l.Info("core_init", "rom", romPath, "width", *width, "height", *height)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := core.Run(ctx, coreName, *shmPath, uint32(*width), uint32(*height), c); err != nil {
		l.Error("core_run_error", "error", err)
		os.Exit(1)
	}
}
