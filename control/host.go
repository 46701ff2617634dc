package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// KeyframeRequestObserver is notified when the client asks for a
// recovery keyframe. Implemented by an adapter over hoststream.Context
// in the binary that wires this package up.
type KeyframeRequestObserver interface {
	OnKeyframeRequest(reason, kind string)
}

// KeyframeRequestObserverFunc adapts a function to KeyframeRequestObserver.
type KeyframeRequestObserverFunc func(reason, kind string)

// OnKeyframeRequest implements KeyframeRequestObserver.
func (f KeyframeRequestObserverFunc) OnKeyframeRequest(reason, kind string) { f(reason, kind) }

// MetricsSource supplies the data for periodic streamMetrics emission.
type MetricsSource interface {
	StreamMetrics() StreamMetricsPayload
}

// MetricsSourceFunc adapts a function to MetricsSource.
type MetricsSourceFunc func() StreamMetricsPayload

// StreamMetrics implements MetricsSource.
func (f MetricsSourceFunc) StreamMetrics() StreamMetricsPayload { return f() }

// HostChannel is the host side of the control channel: it dispatches
// inbound keyframeRequest messages to an observer and periodically
// emits streamMetrics, ignoring every other message type per spec.md
// §6.4 ("the core only consumes keyframeRequest ... and emits
// streamMetrics").
type HostChannel struct {
	ch       *Channel
	observer KeyframeRequestObserver
	log      zerolog.Logger
}

// NewHostChannel wraps ch for host-side use.
func NewHostChannel(ch *Channel, observer KeyframeRequestObserver, log zerolog.Logger) *HostChannel {
	return &HostChannel{ch: ch, observer: observer, log: log}
}

// ReadLoop processes inbound messages until the connection closes or ctx
// is cancelled.
func (h *HostChannel) ReadLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := h.ch.conn.ReadMessage()
		if err != nil {
			h.log.Debug().Err(err).Str("event", "control.read_closed").Msg("control channel closed")
			return
		}
		h.dispatch(data)
	}
}

func (h *HostChannel) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Warn().Err(err).Str("event", "control.decode_failed").Msg("malformed control message")
		return
	}
	if msg.Type != MessageKeyframeRequest {
		return // out of scope for this core; external control plane owns it
	}

	var payload KeyframeRequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.log.Warn().Err(err).Str("event", "control.decode_failed").Msg("malformed keyframeRequest payload")
		return
	}
	if h.observer != nil {
		h.observer.OnKeyframeRequest(payload.Reason, payload.Kind)
	}
}

// RunMetricsLoop periodically pulls StreamMetrics from source and sends
// a streamMetrics message, until ctx is cancelled.
func (h *HostChannel) RunMetricsLoop(ctx context.Context, source MetricsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.EmitStreamMetrics(source.StreamMetrics())
		}
	}
}

// EmitStreamMetrics sends a single streamMetrics message immediately.
func (h *HostChannel) EmitStreamMetrics(payload StreamMetricsPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn().Err(err).Str("event", "control.marshal_failed").Msg("failed to marshal streamMetrics")
		return
	}
	h.ch.sendMessage(Message{Type: MessageStreamMetrics, Payload: data})
}

// Close shuts down the underlying channel.
func (h *HostChannel) Close() { h.ch.Close() }
