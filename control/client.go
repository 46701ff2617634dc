package control

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// StreamMetricsObserver is notified when a streamMetrics message
// arrives from the host.
type StreamMetricsObserver interface {
	OnStreamMetrics(payload StreamMetricsPayload)
}

// StreamMetricsObserverFunc adapts a function to StreamMetricsObserver.
type StreamMetricsObserverFunc func(payload StreamMetricsPayload)

// OnStreamMetrics implements StreamMetricsObserver.
func (f StreamMetricsObserverFunc) OnStreamMetrics(payload StreamMetricsPayload) { f(payload) }

// ClientChannel is the client side of the control channel. It satisfies
// clientstream.RecoveryRequester: the client's decode-error tracker and
// freeze monitor call RequestSoftRecovery/RequestHardRecovery directly,
// and ClientChannel turns those into keyframeRequest messages sent back
// to the host.
type ClientChannel struct {
	ch       *Channel
	observer StreamMetricsObserver
	log      zerolog.Logger
}

// NewClientChannel wraps ch for client-side use.
func NewClientChannel(ch *Channel, observer StreamMetricsObserver, log zerolog.Logger) *ClientChannel {
	return &ClientChannel{ch: ch, observer: observer, log: log}
}

// RequestSoftRecovery implements clientstream.RecoveryRequester.
func (c *ClientChannel) RequestSoftRecovery(reason string) {
	c.requestKeyframe(reason, "soft")
}

// RequestHardRecovery implements clientstream.RecoveryRequester.
func (c *ClientChannel) RequestHardRecovery(reason string) {
	c.requestKeyframe(reason, "hard")
}

func (c *ClientChannel) requestKeyframe(reason, kind string) {
	data, err := json.Marshal(KeyframeRequestPayload{Reason: reason, Kind: kind})
	if err != nil {
		c.log.Warn().Err(err).Str("event", "control.marshal_failed").Msg("failed to marshal keyframeRequest")
		return
	}
	c.ch.sendMessage(Message{Type: MessageKeyframeRequest, Payload: data})
}

// ReadLoop processes inbound messages until the connection closes or ctx
// is cancelled.
func (c *ClientChannel) ReadLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.ch.conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Str("event", "control.read_closed").Msg("control channel closed")
			return
		}
		c.dispatch(data)
	}
}

func (c *ClientChannel) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Str("event", "control.decode_failed").Msg("malformed control message")
		return
	}
	if msg.Type != MessageStreamMetrics {
		return
	}

	var payload StreamMetricsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.log.Warn().Err(err).Str("event", "control.decode_failed").Msg("malformed streamMetrics payload")
		return
	}
	if c.observer != nil {
		c.observer.OnStreamMetrics(payload)
	}
}

// Close shuts down the underlying channel.
func (c *ClientChannel) Close() { c.ch.Close() }
