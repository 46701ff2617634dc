package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics wraps the Prometheus collectors exported by a running
// host/client stream, named after the counters spec.md §3.5 and §4.7
// track internally. One Metrics instance is shared across all streams
// in a process; every collector is labeled by streamID.
type Metrics struct {
	PacketsReceived    *prometheus.CounterVec
	FramesDelivered    *prometheus.CounterVec
	PacketsDiscarded   *prometheus.CounterVec // labeled by reason: old, crc, token, epoch, awaiting_keyframe
	FramesDropped      *prometheus.CounterVec
	SoftRecoveries     *prometheus.CounterVec
	HardRecoveries     *prometheus.CounterVec
	QueueDrops         *prometheus.CounterVec
	DecodeErrors       *prometheus.CounterVec
	DecodedFPS         *prometheus.GaugeVec
	ReceivedFPS        *prometheus.GaugeVec
	QueueDepth         *prometheus.GaugeVec
	AutoRecoveryActive *prometheus.GaugeVec
}

// NewMetrics registers all collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := []string{"stream_id"}

	return &Metrics{
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miragekit_packets_received_total",
			Help: "Total fragments received per stream.",
		}, labels),
		FramesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miragekit_frames_delivered_total",
			Help: "Total complete frames delivered to the sink per stream.",
		}, labels),
		PacketsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miragekit_packets_discarded_total",
			Help: "Fragments discarded before reassembly, by reason.",
		}, append(labels, "reason")),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miragekit_frames_dropped_total",
			Help: "Frames that never completed reassembly (timeout or eviction).",
		}, labels),
		SoftRecoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miragekit_soft_recoveries_total",
			Help: "Soft keyframe recovery requests issued.",
		}, labels),
		HardRecoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miragekit_hard_recoveries_total",
			Help: "Hard keyframe recovery requests issued.",
		}, labels),
		QueueDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miragekit_decode_queue_drops_total",
			Help: "Frames dropped by the client decode queue under backpressure.",
		}, labels),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miragekit_decode_errors_total",
			Help: "Decoder errors reported by the client decode pipeline.",
		}, labels),
		DecodedFPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "miragekit_decoded_fps",
			Help: "Rolling decoded frames-per-second.",
		}, labels),
		ReceivedFPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "miragekit_received_fps",
			Help: "Rolling received frames-per-second.",
		}, labels),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "miragekit_decode_queue_depth",
			Help: "Current depth of the client decode queue.",
		}, labels),
		AutoRecoveryActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "miragekit_auto_recovery_active",
			Help: "1 when a stream's auto-recovery clamp is active, else 0.",
		}, labels),
	}
}
