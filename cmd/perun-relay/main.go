package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/perun-emu/perun/internal/ingest"
	"github.com/perun-emu/perun/internal/metrics"
	"github.com/perun-emu/perun/internal/processor"
	"github.com/perun-emu/perun/internal/protocol"
	"github.com/perun-emu/perun/internal/server"
	"github.com/perun-emu/perun/internal/shm"
	"github.com/perun-emu/perun/internal/transport"
)

func main() {
	cfg, showVersion, err := parseFlags()
	if showVersion {
		fmt.Printf("perun-relay %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	// Shared region + ingest pipeline (optional; a relay with no --shm is
	// a pure reflector between clients).
	var region *shm.Region
	var inputSink server.InputSink
	if cfg.shmPath != "" {
		region, err = shm.Create(cfg.shmPath, uint32(cfg.width), uint32(cfg.height))
		if err != nil {
			metrics.IncError(metrics.ErrShmSetup)
			l.Error("shm_setup_error", "error", err)
			os.Exit(1)
		}
		defer region.Close()
		l.Info("shm_ready", "path", cfg.shmPath, "width", cfg.width, "height", cfg.height)
		inputSink = func(pkt protocol.InputEventPacket) { region.WriteInputs(pkt.Buttons) }

		poller := ingest.New(region, processor.New(), h, l)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	srv := server.NewServer(
		server.WithHub(h),
		server.WithInputSink(inputSink),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)

	var tcpPort int
	serveOn := func(name string, ln transport.Listener) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, ln); err != nil {
				l.Error(name+"_server_error", "error", err)
				cancel()
			}
		}()
	}
	if cfg.tcpAddr != "" {
		ln, err := transport.ListenTCP(cfg.tcpAddr)
		if err != nil {
			l.Error("tcp_listen_error", "addr", cfg.tcpAddr, "error", err)
			os.Exit(2)
		}
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			tcpPort = addr.Port
		}
		serveOn("tcp", ln)
	}
	if cfg.wsAddr != "" {
		ln, err := transport.ListenWS(cfg.wsAddr)
		if err != nil {
			l.Error("ws_listen_error", "addr", cfg.wsAddr, "error", err)
			os.Exit(2)
		}
		serveOn("ws", ln)
	}

	// Advertise the TCP endpoint once the server is accepting.
	go func() {
		if !cfg.mdnsEnable || tcpPort == 0 {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, tcpPort)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", tcpPort)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when at least one listener is accepting and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	l.Info("ready")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	wg.Wait()
}
