package transport

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perun-emu/perun/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers connect from arbitrary origins; no auth layer here
	},
}

// WSListener accepts WebSocket viewers. An internal HTTP server performs
// the RFC 6455 upgrade on every request path and hands upgraded conns to
// Accept through a channel.
type WSListener struct {
	ln     net.Listener
	srv    *http.Server
	conns  chan *websocket.Conn
	closed chan struct{}
}

// ListenWS binds addr and starts serving upgrades.
func ListenWS(addr string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &WSListener{
		ln:     ln,
		conns:  make(chan *websocket.Conn, 8),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.upgrade)
	l.srv = &http.Server{Handler: mux}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("ws_serve_error", "error", err)
		}
	}()
	return l, nil
}

func (l *WSListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if tcp, ok := conn.NetConn().(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	select {
	case l.conns <- conn:
	case <-l.closed:
		_ = conn.Close()
	}
}

func (l *WSListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return newWSConn(conn), nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *WSListener) Addr() net.Addr { return l.ln.Addr() }

func (l *WSListener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
	}
	close(l.closed)
	return l.srv.Close()
}

// wsConn flattens a WebSocket message stream into the framed-bytes
// contract. Application packets do not align with WS messages in either
// direction: reads concatenate successive binary messages into a pending
// buffer exactly like the TCP byte stream, and each Write goes out as one
// binary message. Text frames, pings and pongs are skipped; a close frame
// or stream end reads as EOF.
type wsConn struct {
	ws      *websocket.Conn
	pending []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetPingHandler(nil) // default: pong and continue
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) || errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, io.EOF
			}
			return 0, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// DialWS connects to a relay's WebSocket endpoint ("ws://host:port").
func DialWS(rawurl string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(rawurl, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}
