// perun-viewer is a headless probe for the relay: it handshakes, decodes
// the video stream, and logs what a browser viewer would paint. Useful for
// smoke-testing a deployment without a browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/perun-emu/perun/internal/logging"
	"github.com/perun-emu/perun/internal/protocol"
	"github.com/perun-emu/perun/internal/viewer"
)

// logSurface counts frames instead of painting them, optionally dumping
// the latest raw RGBA to a file for eyeballing.
type logSurface struct {
	logger   *slog.Logger
	dumpPath string
	frames   atomic.Uint64
	width    int
	height   int
}

func (s *logSurface) Resize(width, height int) {
	s.width, s.height = width, height
	s.logger.Info("surface_resize", "width", width, "height", height)
}

func (s *logSurface) Blit(pix []byte, width, height int) {
	s.frames.Add(1)
	if s.dumpPath != "" {
		if err := os.WriteFile(s.dumpPath, pix, 0o644); err != nil {
			s.logger.Warn("dump_write_error", "error", err)
		}
	}
}

func (s *logSurface) Overlay(msg string) {
	s.logger.Warn("surface_overlay", "msg", msg)
}

func main() {
	connect := flag.String("connect", "", "Relay endpoint (tcp://host:port or ws://host:port)")
	dump := flag.String("dump", "", "If set, write the latest raw RGBA frame to this path")
	press := flag.String("press", "", "If set, hex button word to send once after connecting (e.g. 00a5)")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	flag.Parse()
	if *connect == "" {
		fmt.Fprintf(os.Stderr, "usage: %s --connect tcp://host:port|ws://host:port\n", os.Args[0])
		os.Exit(1)
	}

	logging.Set(logging.New("text", logging.ParseLevel(*logLevel), os.Stderr).With("app", "perun-viewer"))
	l := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	surface := &logSurface{logger: l, dumpPath: *dump}
	rec := viewer.NewReconstructor(surface)
	client, err := viewer.Dial(ctx, *connect, protocol.DefaultCapabilities, rec)
	if err != nil {
		l.Error("connect_error", "url", *connect, "error", err)
		os.Exit(1)
	}

	if *press != "" {
		buttons, err := strconv.ParseUint(*press, 16, 16)
		if err != nil {
			l.Error("invalid_press_word", "press", *press, "error", err)
			os.Exit(1)
		}
		if err := client.SendInput(uint16(buttons)); err != nil {
			l.Warn("press_send_error", "error", err)
		}
	}

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		var last uint64
		for {
			select {
			case <-t.C:
				cur := surface.frames.Load()
				l.Info("fps", "frames", cur-last, "width", surface.width, "height", surface.height)
				last = cur
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := client.Run(ctx); err != nil {
		l.Error("viewer_error", "error", err)
		os.Exit(1)
	}
}
