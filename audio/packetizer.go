// Package audio packetizes and reassembles the audio side of the stream,
// sharing protocol.AudioHeader's epoch-free sequence/CRC/encryption model
// with the video pipeline (spec.md §4.8). AAC access units are dropped
// whole if they don't fit one datagram; PCM access units fragment across
// several datagrams that the receiver expects strictly in order.
package audio

import (
	"sync/atomic"

	"github.com/miragekit/streamcore/packetizer"
	"github.com/miragekit/streamcore/protocol"
)

// Config configures an audio Packetizer.
type Config struct {
	MaxPacketSize int // UDP payload budget including the AudioHeader
	StreamID      uint32
}

func (c Config) maxPayload() int {
	budget := c.MaxPacketSize - protocol.AudioHeaderSize
	if budget < 0 {
		return 0
	}
	return budget
}

// AccessUnit is one audio frame to send: a complete AAC access unit, or a
// complete PCM buffer that may span several fragments.
type AccessUnit struct {
	Data          []byte
	Codec         uint8
	ChannelCount  uint8
	SampleRate    uint32
	ChannelLayout uint16
	BytesPerFrame int // PCM sample-frame size in bytes; ignored for AAC
	IsKeyframe    bool
	Timestamp     uint64
}

// SendFunc transmits one wire-ready datagram.
type SendFunc func([]byte) error

// DropObserver is notified when an AAC access unit is dropped for
// exceeding the datagram budget.
type DropObserver func(streamID uint32, size int)

// Packetizer builds audio datagrams from access units. Unlike the video
// Packetizer, there is no epoch: the audio header has no epoch field, so
// an AEAD context here binds its IV to (streamID, 0, sequenceNumber,
// fragmentIndex) and relies on sequenceNumber alone never repeating for
// the lifetime of a key — callers must rotate the AEAD key on stream
// restart rather than bumping an epoch (see DESIGN.md).
type Packetizer struct {
	cfg      Config
	sequence uint32
	onDrop   DropObserver
	aead     *packetizer.AEAD
}

// New creates an audio Packetizer. aead may be nil to disable encryption.
func New(cfg Config, onDrop DropObserver, aead *packetizer.AEAD) *Packetizer {
	return &Packetizer{cfg: cfg, onDrop: onDrop, aead: aead}
}

// Packetize fragments au and invokes send for each datagram, in order.
// AAC access units that exceed the datagram budget are dropped whole (and
// reported via onDrop) rather than fragmented, matching spec.md §4.8.
func (p *Packetizer) Packetize(au AccessUnit, send SendFunc) (fragments int, err error) {
	maxPayload := p.cfg.maxPayload()
	if maxPayload <= 0 {
		return 0, nil
	}

	if au.Codec == protocol.AudioCodecAAC {
		if len(au.Data) > maxPayload {
			if p.onDrop != nil {
				p.onDrop(p.cfg.StreamID, len(au.Data))
			}
			return 0, nil
		}
		if err := p.sendFragment(au, au.Data, 0, 1, send); err != nil {
			return 0, err
		}
		return 1, nil
	}

	total := len(au.Data)
	if total == 0 {
		return 0, nil
	}
	chunk := alignedChunkSize(maxPayload, au.BytesPerFrame)
	count := (total + chunk - 1) / chunk
	if count == 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		start := i * chunk
		end := start + chunk
		if end > total {
			end = total
		}
		if err := p.sendFragment(au, au.Data[start:end], uint16(i), uint16(count), send); err != nil {
			return i, err
		}
	}
	return count, nil
}

// alignedChunkSize rounds the payload budget down to a multiple of
// bytesPerFrame so PCM sample-frame boundaries are never split across
// fragments.
func alignedChunkSize(maxPayload, bytesPerFrame int) int {
	if bytesPerFrame <= 0 || bytesPerFrame > maxPayload {
		return maxPayload
	}
	aligned := (maxPayload / bytesPerFrame) * bytesPerFrame
	if aligned == 0 {
		return maxPayload
	}
	return aligned
}

func (p *Packetizer) sendFragment(au AccessUnit, plaintext []byte, index, count uint16, send SendFunc) error {
	seq := atomic.AddUint32(&p.sequence, 1) - 1

	payload := plaintext
	checksum := protocol.CRC32(plaintext)
	if p.aead != nil {
		payload = p.aead.Seal(p.cfg.StreamID, 0, seq, index, plaintext)
		checksum = 0
	}

	h := protocol.AudioHeader{
		Codec:          au.Codec,
		ChannelCount:   au.ChannelCount,
		StreamID:       p.cfg.StreamID,
		SequenceNumber: seq,
		Timestamp:      au.Timestamp,
		SampleRate:     au.SampleRate,
		ChannelLayout:  au.ChannelLayout,
		FragmentIndex:  index,
		FragmentCount:  count,
		PayloadLength:  uint32(len(plaintext)),
		Checksum:       checksum,
	}
	if au.IsKeyframe {
		h.Flags |= protocol.AudioFlagKeyframe
	}
	if p.aead != nil {
		h.Flags |= protocol.AudioFlagEncryptedPayload
	}

	buf := make([]byte, protocol.AudioHeaderSize+len(payload))
	if _, err := h.Marshal(buf); err != nil {
		return err
	}
	copy(buf[protocol.AudioHeaderSize:], payload)
	return send(buf)
}
