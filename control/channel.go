// Package control implements the thin slice of the TCP control plane this
// core actually touches: `keyframeRequest` inbound from the client and
// `streamMetrics` outbound from the host (spec.md §6.4). Every other
// control message named in that section — hello/handshake, stream
// lifecycle, encoder settings, display/cursor/input events, quality
// probes — is out of scope and left to external collaborators; a
// channel here silently ignores any message type it does not recognize.
package control

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// MessageType names one of the handful of control messages this package
// carries.
type MessageType string

const (
	MessageKeyframeRequest MessageType = "keyframeRequest"
	MessageStreamMetrics   MessageType = "streamMetrics"
)

// Message is the wire envelope: a type tag plus a raw payload decoded
// once the type is known, matching the teacher-stack convention of a
// typed envelope over a raw JSON body.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// KeyframeRequestPayload is the body of a keyframeRequest message. Kind
// carries the client's own soft/hard classification (from its decode-
// error tracker or freeze monitor) through to the host's logs, even
// though the host's own keyframeRecovery state machine decides its own
// soft/hard escalation independently on receipt.
type KeyframeRequestPayload struct {
	Reason string `json:"reason"`
	Kind   string `json:"kind"` // "soft" or "hard"
}

// StreamMetricsPayload is the body of a streamMetrics message, the
// periodic report the host pushes to the client.
type StreamMetricsPayload struct {
	StreamID           string  `json:"streamId"`
	FramesDelivered    uint64  `json:"framesDelivered"`
	FramesDropped      uint64  `json:"framesDropped"`
	EncodeFPS          float64 `json:"encodeFps"`
	AutoRecoveryActive bool    `json:"autoRecoveryActive"`
	InFlightFrames     int     `json:"inFlightFrames"`
}

// Channel wraps one websocket connection with a buffered write pump, in
// the style of the teacher stack's own websocket client: a bounded send
// channel drained by a dedicated goroutine, with a full channel closing
// the connection rather than blocking the caller.
type Channel struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	log zerolog.Logger
}

const sendBufferSize = 64

// NewChannel wraps conn and starts its write pump. Callers must also
// call ReadLoop (or their own read loop against Conn) to process
// incoming messages; Channel does not start one automatically since the
// dispatch behavior differs between host and client sides.
func NewChannel(conn *websocket.Conn, log zerolog.Logger) *Channel {
	c := &Channel{conn: conn, send: make(chan []byte, sendBufferSize), log: log}
	go c.writePump()
	return c
}

// Conn exposes the underlying connection for a caller-owned read loop.
func (c *Channel) Conn() *websocket.Conn { return c.conn }

func (c *Channel) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Warn().Err(err).Str("event", "control.write_failed").Msg("control channel write failed")
			c.Close()
			return
		}
	}
}

// sendMessage marshals msg and enqueues it for the write pump, closing the
// channel if the send buffer is full rather than blocking the caller.
func (c *Channel) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn().Err(err).Str("event", "control.marshal_failed").Msg("failed to marshal control message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn().Str("event", "control.send_buffer_full").Msg("control send buffer full, closing channel")
		c.closed = true
		close(c.send)
		_ = c.conn.Close()
	}
}

// Close shuts the channel down; safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}
