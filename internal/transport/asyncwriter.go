package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncWriter funnels packet writes through a single goroutine (fan-in)
// with non-blocking enqueue semantics: if the internal buffer is full,
// Send invokes the configured OnDrop hook and returns its error. It keeps
// a latency-sensitive producer (the viewer's render loop sending input
// events) from blocking behind a slow connection.
//
// Life-cycle:
//
//	w := NewAsyncWriter(ctx, buf, conn.Write wrapper, hooks)
//	w.Send(packet)
//	w.Close()
type AsyncWriter struct {
	mu     sync.Mutex
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	write  func([]byte) error
	hooks  Hooks
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncWriter behavior.
type Hooks struct {
	// OnError is called when write returns a non-nil error (packet not sent).
	OnError func(error)
	// OnAfter is called only after a successful write.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrAsyncWriterClosed = errors.New("async writer closed")

// NewAsyncWriter constructs an AsyncWriter with a buffered channel of size buf.
func NewAsyncWriter(parent context.Context, buf int, write func([]byte) error, hooks Hooks) *AsyncWriter {
	ctx, cancel := context.WithCancel(parent)
	w := &AsyncWriter{
		ch:     make(chan []byte, buf),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *AsyncWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case pkt, ok := <-w.ch:
			if !ok { // channel closed
				return
			}
			if err := w.write(pkt); err != nil {
				if w.hooks.OnError != nil {
					w.hooks.OnError(err)
				}
				continue
			}
			if w.hooks.OnAfter != nil {
				w.hooks.OnAfter()
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// Send queues a packet for asynchronous transmission or returns the drop
// error if the buffer is full. The slice is retained until written.
func (w *AsyncWriter) Send(pkt []byte) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if w.closed.Load() {
		return ErrAsyncWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrAsyncWriterClosed
	}
	select {
	case w.ch <- pkt:
		return nil
	default:
		if w.hooks.OnDrop != nil {
			return w.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit. A write already in
// progress completes; packets still queued may be discarded unwritten.
func (w *AsyncWriter) Close() {
	if w.closed.Swap(true) { // already closed
		return
	}
	w.cancel()
	w.mu.Lock()
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}
