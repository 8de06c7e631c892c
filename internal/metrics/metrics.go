package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-mscan/internal/logging"
)

// Driver counters.
var (
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mscan_tx_frames_total",
		Help: "Frames accepted by a transmit slot and completed by the controller.",
	})
	TxBuffersFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mscan_tx_buffers_full_total",
		Help: "Send attempts rejected because all transmit slots were busy.",
	})
	RxInterrupts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mscan_rx_interrupts_total",
		Help: "Receive interrupts serviced by the driver.",
	})
	RxOverwritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mscan_rx_overwritten_total",
		Help: "Received messages overwritten before the consumer cleared the available flag.",
	})
	RxConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mscan_rx_consumed_total",
		Help: "Received messages drained by the application.",
	})
)

// Simulated controller counters.
var (
	SimRxOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_rx_overruns_total",
		Help: "Frames lost because the simulated receive FIFO was full.",
	})
	SimFilterRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_filter_rejects_total",
		Help: "Bus frames rejected by the acceptance filters.",
	})
)

// Virtual bus and bridge counters.
var (
	BridgeRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_rx_frames_total",
		Help: "Frames read from an external bus bridge.",
	}, []string{"backend"})
	BridgeTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_tx_frames_total",
		Help: "Frames written to an external bus bridge.",
	}, []string{"backend"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Frames received from cannelloni clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Frames sent to cannelloni clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Frames dropped by the virtual bus because a port was slow.",
	})
	HubKickedPorts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_ports_total",
		Help: "Ports detached by the kick backpressure policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Client connections rejected (max-clients).",
	})
	HubPorts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_ports",
		Help: "Ports currently attached to the virtual bus.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Rejected malformed frames on any wire codec.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error labels. Kept small to bound cardinality.
const (
	ErrTxTimeout      = "tx_timeout"
	ErrInitTimeout    = "init_timeout"
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrCapture        = "capture"
)

// Backend label values for the bridge counters.
const (
	BackendSerial    = "serial"
	BackendSocketCAN = "socketcan"
)

var (
	localTxFrames    uint64
	localTxFull      uint64
	localRxIRQ       uint64
	localRxOverwrite uint64
	localRxConsumed  uint64
	localSimOverrun  uint64
	localSimReject   uint64
	localSerialRx    uint64
	localSerialTx    uint64
	localSocketCANRx uint64
	localSocketCANTx uint64
	localTCPRx       uint64
	localTCPTx       uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localHubPorts    uint64
	localMalformed   uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of the local counter mirrors.
type Snapshot struct {
	TxFrames      uint64
	TxBuffersFull uint64
	RxInterrupts  uint64
	RxOverwritten uint64
	RxConsumed    uint64
	SimOverruns   uint64
	SimRejects    uint64
	SerialRx      uint64
	SerialTx      uint64
	SocketCANRx   uint64
	SocketCANTx   uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubPorts      uint64
	Malformed     uint64
	Errors        uint64 // sum across labels
}

func Snap() Snapshot {
	return Snapshot{
		TxFrames:      atomic.LoadUint64(&localTxFrames),
		TxBuffersFull: atomic.LoadUint64(&localTxFull),
		RxInterrupts:  atomic.LoadUint64(&localRxIRQ),
		RxOverwritten: atomic.LoadUint64(&localRxOverwrite),
		RxConsumed:    atomic.LoadUint64(&localRxConsumed),
		SimOverruns:   atomic.LoadUint64(&localSimOverrun),
		SimRejects:    atomic.LoadUint64(&localSimReject),
		SerialRx:      atomic.LoadUint64(&localSerialRx),
		SerialTx:      atomic.LoadUint64(&localSerialTx),
		SocketCANRx:   atomic.LoadUint64(&localSocketCANRx),
		SocketCANTx:   atomic.LoadUint64(&localSocketCANTx),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		HubPorts:      atomic.LoadUint64(&localHubPorts),
		Malformed:     atomic.LoadUint64(&localMalformed),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTxFrames, 1)
}

func IncTxBuffersFull() {
	TxBuffersFull.Inc()
	atomic.AddUint64(&localTxFull, 1)
}

// IncRxInterrupt is called from the receive handler; it must stay non-blocking.
func IncRxInterrupt() {
	RxInterrupts.Inc()
	atomic.AddUint64(&localRxIRQ, 1)
}

func IncRxOverwritten() {
	RxOverwritten.Inc()
	atomic.AddUint64(&localRxOverwrite, 1)
}

func IncRxConsumed() {
	RxConsumed.Inc()
	atomic.AddUint64(&localRxConsumed, 1)
}

func IncSimOverrun() {
	SimRxOverruns.Inc()
	atomic.AddUint64(&localSimOverrun, 1)
}

func IncSimFilterReject() {
	SimFilterRejects.Inc()
	atomic.AddUint64(&localSimReject, 1)
}

// IncBridgeRx counts a frame read from the named backend.
func IncBridgeRx(backend string) {
	BridgeRxFrames.WithLabelValues(backend).Inc()
	switch backend {
	case BackendSerial:
		atomic.AddUint64(&localSerialRx, 1)
	case BackendSocketCAN:
		atomic.AddUint64(&localSocketCANRx, 1)
	}
}

// IncBridgeTx counts a frame written to the named backend.
func IncBridgeTx(backend string) {
	BridgeTxFrames.WithLabelValues(backend).Inc()
	switch backend {
	case BackendSerial:
		atomic.AddUint64(&localSerialTx, 1)
	case BackendSocketCAN:
		atomic.AddUint64(&localSocketCANTx, 1)
	}
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedPorts.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubPorts(n int) {
	HubPorts.Set(float64(n))
	atomic.StoreUint64(&localHubPorts, uint64(n))
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers the error series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTxTimeout, ErrInitTimeout,
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrSocketCANRead, ErrSocketCANWrite, ErrSocketCANOver,
		ErrCapture,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler { return promhttp.Handler() }

// ReadyHandler answers 200 when IsReady reports true and 503 otherwise.
func ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	if IsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready\n"))
}

// StartHTTP serves h on addr in the background. When h is nil a minimal mux with
// /metrics and /ready is used.
func StartHTTP(addr string, h http.Handler) *http.Server {
	if h == nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())
		mux.HandleFunc("/ready", ReadyHandler)
		h = mux
	}
	srv := &http.Server{Addr: addr, Handler: h}
	go func() {
		logging.L().Info("http_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("http_error", "error", err)
		}
	}()
	return srv
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function. Without one the process counts as ready.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
