package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

// StreamSnapshot is one stream's metrics as of the last periodic
// snapshot write, the JSON-serializable counterpart of the Prometheus
// gauges tracked in Metrics.
type StreamSnapshot struct {
	StreamID        string  `json:"streamId"`
	FramesDelivered float64 `json:"framesDelivered"`
	FramesDropped   float64 `json:"framesDropped"`
	DecodedFPS      float64 `json:"decodedFps"`
	ReceivedFPS     float64 `json:"receivedFps"`
	QueueDepth      float64 `json:"queueDepth"`
	AutoRecovery    bool    `json:"autoRecoveryActive"`
}

// SnapshotWriter periodically renders the current Metrics state to a
// JSON file at path, replacing it atomically so readers (e.g. a
// sidecar health check) never observe a partial write. This
// generalizes the teacher's write-temp-then-rename telemetry file
// pattern to the full metric set and to renameio's atomic replace,
// which additionally fsyncs the containing directory.
type SnapshotWriter struct {
	path    string
	metrics *Metrics
	log     zerolog.Logger
}

// NewSnapshotWriter constructs a writer targeting path. path may be
// empty, in which case Run is a no-op; callers should check this
// before spawning the goroutine.
func NewSnapshotWriter(path string, metrics *Metrics, log zerolog.Logger) *SnapshotWriter {
	return &SnapshotWriter{path: path, metrics: metrics, log: log}
}

// Run writes a snapshot every interval until ctx is cancelled. No-op if
// the writer's path is empty.
func (w *SnapshotWriter) Run(ctx context.Context, interval time.Duration) {
	if w.path == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.writeOnce(); err != nil {
				w.log.Warn().Err(err).Str("event", "metrics.snapshot_failed").Msg("failed to write metrics snapshot")
			}
		}
	}
}

func (w *SnapshotWriter) writeOnce() error {
	snapshots, err := collect(w.metrics)
	if err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}
	data, err := json.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return renameio.WriteFile(w.path, data, 0644)
}

// collect gathers every labeled stream's gauges into StreamSnapshot
// values by walking the registered Prometheus metric families.
func collect(m *Metrics) ([]StreamSnapshot, error) {
	byStream := map[string]*StreamSnapshot{}

	gather := func(vec prometheus.Collector, assign func(*StreamSnapshot, *dto.Metric)) error {
		ch := make(chan prometheus.Metric, 64)
		go func() {
			vec.Collect(ch)
			close(ch)
		}()
		for metric := range ch {
			var pb dto.Metric
			if err := metric.Write(&pb); err != nil {
				return err
			}
			streamID := labelValue(&pb, "stream_id")
			s := byStream[streamID]
			if s == nil {
				s = &StreamSnapshot{StreamID: streamID}
				byStream[streamID] = s
			}
			assign(s, &pb)
		}
		return nil
	}

	if err := gather(m.DecodedFPS, func(s *StreamSnapshot, pb *dto.Metric) { s.DecodedFPS = pb.GetGauge().GetValue() }); err != nil {
		return nil, err
	}
	if err := gather(m.ReceivedFPS, func(s *StreamSnapshot, pb *dto.Metric) { s.ReceivedFPS = pb.GetGauge().GetValue() }); err != nil {
		return nil, err
	}
	if err := gather(m.QueueDepth, func(s *StreamSnapshot, pb *dto.Metric) { s.QueueDepth = pb.GetGauge().GetValue() }); err != nil {
		return nil, err
	}
	if err := gather(m.AutoRecoveryActive, func(s *StreamSnapshot, pb *dto.Metric) { s.AutoRecovery = pb.GetGauge().GetValue() != 0 }); err != nil {
		return nil, err
	}
	if err := gather(m.FramesDelivered, func(s *StreamSnapshot, pb *dto.Metric) { s.FramesDelivered = pb.GetCounter().GetValue() }); err != nil {
		return nil, err
	}
	if err := gather(m.FramesDropped, func(s *StreamSnapshot, pb *dto.Metric) { s.FramesDropped = pb.GetCounter().GetValue() }); err != nil {
		return nil, err
	}

	out := make([]StreamSnapshot, 0, len(byStream))
	for _, s := range byStream {
		out = append(out, *s)
	}
	return out, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
