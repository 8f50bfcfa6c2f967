// Package server owns viewer sessions: accept, handshake, per-connection
// reader/writer pairs, and the client registry. It is transport-blind;
// listeners are bound by the caller and handed to Serve.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perun-emu/perun/internal/hub"
	"github.com/perun-emu/perun/internal/logging"
	"github.com/perun-emu/perun/internal/metrics"
	"github.com/perun-emu/perun/internal/protocol"
	"github.com/perun-emu/perun/internal/transport"
)

// InputSink receives input packets decoded from viewers; the relay wires it
// to the shared region's input word.
type InputSink func(protocol.InputEventPacket)

// ClientState is the registry entry for one connected viewer.
type ClientState struct {
	ID                uint32
	Capabilities      uint16
	HandshakeComplete bool
	RemoteAddr        string
}

// EventKind enumerates session notifications.
type EventKind int

const (
	EventClientConnected EventKind = iota
	EventClientDisconnected
	EventConfigReceived
	EventDebugInfoReceived
)

// Event is a session notification for introspection. Delivery is best
// effort: a full events channel drops rather than stalls a session.
type Event struct {
	Kind         EventKind
	ClientID     uint32
	Capabilities uint16
	Data         []byte
}

type session struct {
	id   uint32
	caps uint16
	conn transport.Conn
	sub  *hub.Subscriber
}

// Server coordinates client lifecycle across all transports. One Server is
// shared by the TCP and WebSocket listeners so ids, registry, and hub
// subscriptions live in a single space.
type Server struct {
	Hub       *hub.Hub
	InputSink InputSink

	capabilities     uint16
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	readyOnce        sync.Once
	readyCh          chan struct{}
	lastErrMu        sync.Mutex
	lastErr          error
	errCh            chan error
	events           chan Event
	clientsMu        sync.RWMutex
	clients          map[uint32]*session
	wg               sync.WaitGroup
	logger           *slog.Logger

	// Monotonic id source; ids start at 1 so 0 can mean "no exclusion"
	// in broadcast messages.
	nextClientID atomic.Uint32

	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
}

const (
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		capabilities:     protocol.DefaultCapabilities,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		events:           make(chan Event, 128),
		clients:          make(map[uint32]*session),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithHub(hb *hub.Hub) ServerOption          { return func(s *Server) { s.Hub = hb } }
func WithInputSink(sink InputSink) ServerOption { return func(s *Server) { s.InputSink = sink } }

func WithCapabilities(caps uint16) ServerOption {
	return func(s *Server) { s.capabilities = caps }
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }
func (s *Server) Events() <-chan Event   { return s.events }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Clients returns a snapshot of the registry for introspection.
func (s *Server) Clients() []ClientState {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]ClientState, 0, len(s.clients))
	for _, sess := range s.clients {
		out = append(out, ClientState{
			ID:                sess.id,
			Capabilities:      sess.caps,
			HandshakeComplete: true,
			RemoteAddr:        sess.conn.RemoteAddr().String(),
		})
	}
	return out
}

// Serve accepts clients from ln until ctx is cancelled or the listener
// fails. It may be called concurrently for multiple listeners.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("transport_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, performs handshake, registers the
// client and spawns the IO goroutines. Returns nil on success or per-client
// failure; a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln transport.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	clientID := s.nextClientID.Add(1)
	connLogger := s.logger.With("client_id", clientID, "remote", conn.RemoteAddr().String())

	caps, err := s.handshake(conn)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.totalHandshakeFail.Add(1)
		connLogger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	if s.maxClients > 0 && s.ClientCount() >= s.maxClients {
		metrics.IncHubReject()
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}

	sess := &session{id: clientID, caps: caps, conn: conn, sub: s.Hub.NewSubscriber()}
	s.Hub.Add(sess.sub)
	s.clientsMu.Lock()
	s.clients[clientID] = sess
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	connLogger.Info("client_connected", "caps", fmt.Sprintf("0x%04x", caps))
	s.emit(Event{Kind: EventClientConnected, ClientID: clientID, Capabilities: caps})

	s.startWriter(ctx.Done(), sess, connLogger)
	s.startReader(ctx.Done(), sess, connLogger)
	return nil
}

// teardown is invoked by both halves of a session; every step tolerates
// running twice, and the disconnect accounting fires only once.
func (s *Server) teardown(sess *session, logger *slog.Logger) {
	_ = sess.conn.Close()
	s.Hub.Remove(sess.sub)
	s.clientsMu.Lock()
	_, present := s.clients[sess.id]
	delete(s.clients, sess.id)
	s.clientsMu.Unlock()
	if present {
		s.totalDisconnected.Add(1)
		logger.Info("client_disconnected")
		s.emit(Event{Kind: EventClientDisconnected, ClientID: sess.id})
	}
}

// Shutdown gracefully closes all sessions and waits for their goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	sessions := make([]*session, 0, len(s.clients))
	for _, sess := range s.clients {
		sessions = append(sessions, sess)
	}
	s.clientsMu.Unlock()
	for _, sess := range sessions {
		_ = sess.conn.Close()
		sess.sub.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load(),
		)
		return nil
	}
}
