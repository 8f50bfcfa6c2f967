package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/perun-emu/perun/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	ShmFramesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_frames_ingested_total",
		Help: "Total frames copied out of the shared region by the poller.",
	})
	VideoKeyframes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_keyframes_total",
		Help: "Total full (non-delta) video packets emitted by the processor.",
	})
	VideoDeltaFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_delta_frames_total",
		Help: "Total XOR-delta video packets emitted by the processor.",
	})
	VideoRawBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_raw_bytes_total",
		Help: "Total uncompressed RGBA bytes fed into the processor.",
	})
	VideoWireBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_wire_bytes_total",
		Help: "Total compressed payload bytes handed to the broadcast bus.",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_dropped_total",
		Help: "Frames dropped by the relay (compression or processing failure).",
	})
	ClientRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_rx_packets_total",
		Help: "Total packets received from connected clients.",
	})
	ClientTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_tx_packets_total",
		Help: "Total packets written to connected clients.",
	})
	InputEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "input_events_total",
		Help: "Total input event packets applied to the shared region.",
	})
	HubLaggedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_lagged_messages_total",
		Help: "Total broadcast messages dropped for slow subscribers.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of subscribers targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued messages among subscribers in the last sample.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued messages per subscriber in the last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_packets_total",
		Help: "Total rejected malformed packets (bad type, oversized, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrConnRead   = "conn_read"
	ErrConnWrite  = "conn_write"
	ErrHandshake  = "handshake"
	ErrAccept     = "accept"
	ErrCompress   = "compress"
	ErrDecompress = "decompress"
	ErrShmSetup   = "shm_setup"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localIngested   uint64
	localKeyframes  uint64
	localDeltas     uint64
	localRawBytes   uint64
	localWireBytes  uint64
	localDropped    uint64
	localClientRx   uint64
	localClientTx   uint64
	localInputs     uint64
	localHubLag     uint64
	localHubKick    uint64
	localHubReject  uint64
	localErrors     uint64
	localHubClients uint64
	localFanout     uint64
	localMalformed  uint64
	localQDMax      uint64
	localQDAvg      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesIngested uint64
	Keyframes      uint64
	DeltaFrames    uint64
	RawBytes       uint64
	WireBytes      uint64
	FramesDropped  uint64
	ClientRx       uint64
	ClientTx       uint64
	InputEvents    uint64
	HubLagged      uint64
	HubKicks       uint64
	HubRejects     uint64
	Errors         uint64 // sum across error labels
	HubClients     uint64
	Fanout         uint64
	Malformed      uint64
	QueueDepthMax  uint64
	QueueDepthAvg  uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesIngested: atomic.LoadUint64(&localIngested),
		Keyframes:      atomic.LoadUint64(&localKeyframes),
		DeltaFrames:    atomic.LoadUint64(&localDeltas),
		RawBytes:       atomic.LoadUint64(&localRawBytes),
		WireBytes:      atomic.LoadUint64(&localWireBytes),
		FramesDropped:  atomic.LoadUint64(&localDropped),
		ClientRx:       atomic.LoadUint64(&localClientRx),
		ClientTx:       atomic.LoadUint64(&localClientTx),
		InputEvents:    atomic.LoadUint64(&localInputs),
		HubLagged:      atomic.LoadUint64(&localHubLag),
		HubKicks:       atomic.LoadUint64(&localHubKick),
		HubRejects:     atomic.LoadUint64(&localHubReject),
		Errors:         atomic.LoadUint64(&localErrors),
		HubClients:     atomic.LoadUint64(&localHubClients),
		Fanout:         atomic.LoadUint64(&localFanout),
		Malformed:      atomic.LoadUint64(&localMalformed),
		QueueDepthMax:  atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:  atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func IncIngested() {
	ShmFramesIngested.Inc()
	atomic.AddUint64(&localIngested, 1)
}

func IncKeyframe() {
	VideoKeyframes.Inc()
	atomic.AddUint64(&localKeyframes, 1)
}

func IncDeltaFrame() {
	VideoDeltaFrames.Inc()
	atomic.AddUint64(&localDeltas, 1)
}

// AddFrameBytes records one processed frame's raw input and wire output size.
func AddFrameBytes(raw, wire int) {
	VideoRawBytes.Add(float64(raw))
	VideoWireBytes.Add(float64(wire))
	atomic.AddUint64(&localRawBytes, uint64(raw))
	atomic.AddUint64(&localWireBytes, uint64(wire))
}

func IncFrameDropped() {
	FramesDropped.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func IncClientRx() {
	ClientRxPackets.Inc()
	atomic.AddUint64(&localClientRx, 1)
}

func IncClientTx() {
	ClientTxPackets.Inc()
	atomic.AddUint64(&localClientTx, 1)
}

func IncInputEvent() {
	InputEvents.Inc()
	atomic.AddUint64(&localInputs, 1)
}

// AddHubLagged records n messages dropped for one slow subscriber.
func AddHubLagged(n int) {
	HubLaggedMessages.Add(float64(n))
	atomic.AddUint64(&localHubLag, uint64(n))
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedPackets.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrConnRead, ErrConnWrite, ErrHandshake, ErrAccept,
		ErrCompress, ErrDecompress, ErrShmSetup,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
