// Package metrics provides Prometheus metrics collection for rdmacore.
//
// The package exposes metrics at /metrics (default port 9102) for monitoring:
//
// Device Metrics:
//   - rdmacore_device_initialized: Whether a device holds its resources
//   - rdmacore_free_buffers: Free registered chunks by device and pool
//   - rdmacore_rx_chunks_posted_total: Receive chunks posted to the SRQ
//   - rdmacore_post_failures_total: Failed receive or send posts
//
// Polling Metrics:
//   - rdmacore_completions_total: Work completions drained by direction
//   - rdmacore_polls_total: Device list poll passes by direction and result
//   - rdmacore_cq_events_total: Completion channel events consumed
//   - rdmacore_cq_rearms_total: Completion queue re-arm requests
//   - rdmacore_blocking_wait_seconds: Time spent waiting for events
//
// Buffer Metrics:
//   - rdmacore_tx_buffers_reserved_total: Transmit chunks handed out
//   - rdmacore_tx_buffers_exhausted_total: Requests served short
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Directions used as label values.
const (
	DirectionTx = "tx"
	DirectionRx = "rx"
)

var (
	// NodeInfo provides information about this node
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmacore_node_info",
			Help: "Node information",
		},
		[]string{"node_id", "version"},
	)

	// DeviceInitialized is 1 while a device holds its initialized resources
	DeviceInitialized = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmacore_device_initialized",
			Help: "Whether the device is initialized (1) or not (0)",
		},
		[]string{"device"},
	)

	// FreeBuffers tracks free registered chunks
	FreeBuffers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmacore_free_buffers",
			Help: "Free registered chunks by device and pool",
		},
		[]string{"device", "pool"},
	)

	// RxChunksPosted counts receive chunks posted to the shared receive queue
	RxChunksPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacore_rx_chunks_posted_total",
			Help: "Total number of receive chunks posted",
		},
		[]string{"device"},
	)

	// PostFailures counts failed work request posts
	PostFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacore_post_failures_total",
			Help: "Total number of failed work request posts",
		},
		[]string{"device", "op"},
	)

	// CompletionsTotal counts drained work completions
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacore_completions_total",
			Help: "Total number of work completions drained",
		},
		[]string{"device", "direction"},
	)

	// CompletionErrors counts work completions with a non-success status
	CompletionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacore_completion_errors_total",
			Help: "Total number of work completions with an error status",
		},
		[]string{"device", "direction", "status"},
	)

	// PollsTotal counts device list poll passes
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacore_polls_total",
			Help: "Total number of device list poll passes",
		},
		[]string{"direction", "result"},
	)

	// CQEventsTotal counts consumed completion channel events
	CQEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacore_cq_events_total",
			Help: "Total number of completion channel events consumed",
		},
		[]string{"device", "direction"},
	)

	// CQRearmsTotal counts completion queue re-arm requests
	CQRearmsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacore_cq_rearms_total",
			Help: "Total number of completion queue re-arm requests",
		},
		[]string{"device"},
	)

	// BlockingWaitDuration tracks time spent in blocking waits
	BlockingWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmacore_blocking_wait_seconds",
			Help:    "Time spent waiting for completion events",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"result"},
	)

	// TxBuffersReserved counts transmit chunks handed out
	TxBuffersReserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacore_tx_buffers_reserved_total",
			Help: "Total number of transmit chunks handed out",
		},
		[]string{"device"},
	)

	// TxBuffersExhausted counts transmit buffer requests served short
	TxBuffersExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacore_tx_buffers_exhausted_total",
			Help: "Total number of transmit buffer requests served with fewer chunks than asked",
		},
		[]string{"device"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeID string) {
	NodeInfo.WithLabelValues(nodeID, Version).Set(1)
}

// SetDeviceInitialized records whether a device is initialized
func SetDeviceInitialized(device string, initialized bool) {
	if initialized {
		DeviceInitialized.WithLabelValues(device).Set(1)
	} else {
		DeviceInitialized.WithLabelValues(device).Set(0)
	}
}

// SetFreeBuffers sets the number of free chunks in a pool
func SetFreeBuffers(device, pool string, n int) {
	FreeBuffers.WithLabelValues(device, pool).Set(float64(n))
}

// RecordRxChunksPosted records receive chunks posted to a device
func RecordRxChunksPosted(device string, n int) {
	RxChunksPosted.WithLabelValues(device).Add(float64(n))
}

// RecordPostFailure records a failed post
func RecordPostFailure(device, op string) {
	PostFailures.WithLabelValues(device, op).Inc()
}

// RecordCompletions records n drained completions
func RecordCompletions(device, direction string, n int) {
	if n <= 0 {
		return
	}

	CompletionsTotal.WithLabelValues(device, direction).Add(float64(n))
}

// RecordCompletionError records a completion with a non-success status
func RecordCompletionError(device, direction, status string) {
	CompletionErrors.WithLabelValues(device, direction, status).Inc()
}

// RecordPoll records one device list poll pass
func RecordPoll(direction string, hit bool) {
	result := "empty"
	if hit {
		result = "hit"
	}

	PollsTotal.WithLabelValues(direction, result).Inc()
}

// RecordCQEvent records a consumed completion channel event
func RecordCQEvent(device, direction string) {
	CQEventsTotal.WithLabelValues(device, direction).Inc()
}

// RecordCQRearm records a completion queue re-arm
func RecordCQRearm(device string) {
	CQRearmsTotal.WithLabelValues(device).Inc()
}

// RecordBlockingWait records a blocking wait and whether it was woken by an event
func RecordBlockingWait(woken bool, duration time.Duration) {
	result := "cancelled"
	if woken {
		result = "event"
	}

	BlockingWaitDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordTxBuffers records a transmit buffer request
func RecordTxBuffers(device string, requested, got int) {
	TxBuffersReserved.WithLabelValues(device).Add(float64(got))

	if got < requested {
		TxBuffersExhausted.WithLabelValues(device).Inc()
	}
}
