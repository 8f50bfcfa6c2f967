// Package hub is the broadcast bus between the frame poller and the
// per-client writer goroutines. Payload bytes are serialized once by the
// publisher and shared by slice reference; subscribers never re-encode.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/perun-emu/perun/internal/logging"
	"github.com/perun-emu/perun/internal/metrics"
	"github.com/perun-emu/perun/internal/protocol"
)

type BackpressurePolicy int

const (
	// PolicyDropOldest evicts the oldest queued messages of a full
	// subscriber to make room, surfacing a lag count to its writer.
	PolicyDropOldest BackpressurePolicy = iota
	// PolicyKick closes the subscriber instead.
	PolicyKick
)

// Message is one already-serialized broadcast payload. ExcludeClient names
// a client id that must not receive it (0 = deliver to everyone); it keeps
// a client's own input events from echoing back to it.
type Message struct {
	Type          protocol.PacketType
	Flags         uint8
	Payload       []byte
	ExcludeClient uint32
}

// Subscriber is one bounded delivery queue. The writer goroutine owns the
// receive side; Broadcast owns the send side.
type Subscriber struct {
	Out       chan Message
	Closed    chan struct{}
	lagged    atomic.Uint64
	closeOnce sync.Once
}

// Close signals the subscriber is closed (idempotent).
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.Closed)
	})
}

// TakeLagged returns and resets the number of messages dropped for this
// subscriber since the last call.
func (s *Subscriber) TakeLagged() uint64 { return s.lagged.Swap(0) }

type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	OutBufSize  int
	Policy      BackpressurePolicy
}

// DefaultBufSize is the per-subscriber queue depth when none is configured.
// Video-heavy deployments raise it via --hub-buffer.
const DefaultBufSize = 64

// New creates a Hub with default settings.
func New() *Hub { return &Hub{subscribers: make(map[*Subscriber]struct{})} }

// NewSubscriber allocates a subscriber sized from hub config. The caller
// still has to Add it.
func (h *Hub) NewSubscriber() *Subscriber {
	size := h.OutBufSize
	if size <= 0 {
		size = DefaultBufSize
	}
	return &Subscriber{Out: make(chan Message, size), Closed: make(chan struct{})}
}

// Add registers a subscriber with the hub.
func (h *Hub) Add(s *Subscriber) {
	h.mu.Lock()
	prev := len(h.subscribers)
	h.subscribers[s] = struct{}{}
	cur := len(h.subscribers)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("subscribers_first_connected")
	}
}

// Remove unregisters a subscriber and updates metrics; safe to call multiple times.
func (h *Hub) Remove(s *Subscriber) {
	h.mu.Lock()
	_, existed := h.subscribers[s]
	if existed {
		delete(h.subscribers, s)
	}
	cur := len(h.subscribers)
	h.mu.Unlock()
	select {
	case <-s.Closed:
	default:
		s.Close()
	}
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("subscribers_last_disconnected")
	}
}

// Broadcast delivers msg to every subscriber without ever blocking the
// publisher. A full queue is handled per the backpressure policy; with
// PolicyDropOldest the oldest queued message is evicted so the newest frame
// always lands, and the eviction is charged to that subscriber's lag count.
func (h *Hub) Broadcast(msg Message) {
	subs := h.Snapshot()
	metrics.SetBroadcastFanout(len(subs))
	// queue depth sampling
	if len(subs) > 0 {
		max := 0
		sum := 0
		for _, s := range subs {
			l := len(s.Out)
			if l > max {
				max = l
			}
			sum += l
		}
		metrics.SetQueueDepth(max, sum/len(subs))
	}
	for _, s := range subs {
		select {
		case s.Out <- msg:
			continue
		default:
		}
		if h.Policy == PolicyKick {
			metrics.IncHubKick()
			s.Close() // signal writer to exit; server will Remove on disconnect
			continue
		}
		// Evict until the new message fits. The writer may drain
		// concurrently, so both selects stay non-blocking.
		for {
			select {
			case <-s.Out:
				s.lagged.Add(1)
				metrics.AddHubLagged(1)
			default:
			}
			select {
			case s.Out <- msg:
			default:
				continue
			}
			break
		}
	}
}

// Snapshot returns a slice copy of current subscribers (read-only use).
func (h *Hub) Snapshot() []*Subscriber {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	return subs
}

// Count returns the number of active subscribers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.subscribers); h.mu.RUnlock(); return n }
