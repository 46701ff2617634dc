// Package packetizer implements the host-side fragmentation, sequence and
// epoch management, and optional AEAD encryption over fragment payloads.
// It produces no FEC data and has no FEC block-size setting. It generalizes the teacher's flat
// Packetizer/Sender pair to the full MirageKit wire model (epoch,
// dimension token, encryption, per-fragment pacing via a token bucket
// instead of a fixed sleep).
package packetizer

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/miragekit/streamcore/protocol"
	"golang.org/x/time/rate"
)

// Config holds fragmentation and pacing configuration.
type Config struct {
	MaxPacketSize int           // default 1232 when zero; New does not range-check it (telemetry.Config.Validate bounds it to [576, 9000])
	StreamID      uint32
	PaceInterval  time.Duration // minimum spacing between fragments; 0 disables pacing
}

// DefaultConfig returns spec.md §6.5 defaults.
func DefaultConfig(streamID uint32) Config {
	return Config{MaxPacketSize: 1232, StreamID: streamID, PaceInterval: 200 * time.Microsecond}
}

// AEAD encrypts fragment payloads with an authenticated cipher bound to
// (streamID, epoch, sequenceNumber, fragmentIndex), preventing IV reuse
// across retransmits and restarts as long as epoch is bumped on every
// encoder/key reset (see SPEC_FULL.md §12). Built on crypto/cipher's
// AES-256-GCM: the Go standard library's AEAD primitive is the idiomatic
// choice here — nothing in the retrieval pack supplies a higher-level AEAD
// wrapper worth preferring over it (see DESIGN.md).
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD constructs an AEAD context from a 32-byte key.
func NewAEAD(key [32]byte) (*AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: gcm}, nil
}

func (a *AEAD) iv(streamID uint32, epoch uint16, seq uint32, fragIndex uint16) []byte {
	iv := make([]byte, 12)
	binary.BigEndian.PutUint32(iv[0:4], streamID)
	binary.BigEndian.PutUint16(iv[4:6], epoch)
	binary.BigEndian.PutUint32(iv[6:10], seq)
	binary.BigEndian.PutUint16(iv[10:12], fragIndex)
	return iv
}

// Seal encrypts plaintext in place context, returning ciphertext||tag.
func (a *AEAD) Seal(streamID uint32, epoch uint16, seq uint32, fragIndex uint16, plaintext []byte) []byte {
	iv := a.iv(streamID, epoch, seq, fragIndex)
	return a.aead.Seal(nil, iv, plaintext, nil)
}

// Packetizer fragments access units into video fragments sharing one
// stream's epoch/sequence counters.
type Packetizer struct {
	cfg      Config
	epoch    uint32 // stored as uint32 for atomic ops; wire value truncates to uint16
	sequence uint32
	frame    uint32
	aead     *AEAD
	limiter  *rate.Limiter
}

// New creates a Packetizer. aead may be nil to disable encryption.
func New(cfg Config, aead *AEAD) *Packetizer {
	if cfg.MaxPacketSize == 0 {
		cfg = DefaultConfig(cfg.StreamID)
	}
	p := &Packetizer{cfg: cfg, aead: aead}
	if cfg.PaceInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(cfg.PaceInterval), 1)
	}
	return p
}

// MaxFragmentPayload returns the max plaintext payload bytes per fragment
// given the configured max packet size, header size, and whether AEAD is
// active (its 16-byte tag is additionally subtracted).
func (p *Packetizer) MaxFragmentPayload() int {
	max := p.cfg.MaxPacketSize - protocol.VideoHeaderSize
	if p.aead != nil {
		max -= protocol.AEADTagSize
	}
	return max
}

// ResetEpoch increments the epoch and zeroes the sequence number. Called on
// encoder reset or dimension change (hard recovery).
func (p *Packetizer) ResetEpoch() uint16 {
	next := atomic.AddUint32(&p.epoch, 1)
	atomic.StoreUint32(&p.sequence, 0)
	return uint16(next)
}

// Epoch returns the current epoch.
func (p *Packetizer) Epoch() uint16 { return uint16(atomic.LoadUint32(&p.epoch)) }

// AccessUnit describes one encoded frame ready for fragmentation.
type AccessUnit struct {
	Data           []byte
	IsKeyframe     bool
	HasParameterSet bool
	DimensionToken uint16
	ContentRect    protocol.Rect
	Timestamp      uint64
	DuplicateFirstFragment bool // parameter-set duplication gate, spec.md §4.4
}

// SendFunc transmits one complete wire packet (header + payload [+ tag]).
type SendFunc func(packet []byte) error

// Packetize fragments an access unit and invokes sendFn once per fragment,
// in order, applying pacing between fragments (not before the first or
// after the last). Returns the number of fragments sent and the first
// error encountered; per spec.md §4.4, a send failure drops the remainder
// of the access unit rather than retrying.
func (p *Packetizer) Packetize(au AccessUnit, send SendFunc) (int, error) {
	maxPayload := p.MaxFragmentPayload()
	if maxPayload <= 0 {
		return 0, fmt.Errorf("packetizer: max packet size too small for headers")
	}

	fragCount := (len(au.Data) + maxPayload - 1) / maxPayload
	if fragCount == 0 {
		fragCount = 1
	}
	if fragCount > 65535 {
		return 0, fmt.Errorf("packetizer: access unit too large: %d bytes needs %d fragments", len(au.Data), fragCount)
	}

	frameNumber := atomic.AddUint32(&p.frame, 1) - 1
	epoch := p.Epoch()

	var flags uint8
	if au.IsKeyframe {
		flags |= protocol.FlagKeyframe
	}
	if au.HasParameterSet {
		flags |= protocol.FlagParameterSet
	}
	if p.aead != nil {
		flags |= protocol.FlagEncryptedPayload
	}

	sent := 0
	for i := 0; i < fragCount; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(au.Data) {
			end = len(au.Data)
		}
		plaintext := au.Data[start:end]
		seq := atomic.AddUint32(&p.sequence, 1) - 1

		packet, err := p.buildFragment(epoch, frameNumber, uint16(i), uint16(fragCount), seq, flags, au, plaintext)
		if err != nil {
			return sent, err
		}

		if err := send(packet); err != nil {
			return sent, err
		}
		sent++

		// Parameter-set duplication gate: duplicate only the first
		// fragment of a keyframe carrying both flags together.
		if i == 0 && au.DuplicateFirstFragment && au.IsKeyframe && au.HasParameterSet {
			if err := send(packet); err == nil {
				sent++
			}
		}

		if i < fragCount-1 && p.limiter != nil {
			_ = p.limiter.Wait(context.Background())
		}
	}
	return sent, nil
}

func (p *Packetizer) buildFragment(epoch uint16, frameNumber uint32, fragIndex, fragCount uint16, seq uint32, flags uint8, au AccessUnit, plaintext []byte) ([]byte, error) {
	payload := plaintext
	checksum := protocol.CRC32(plaintext)
	if p.aead != nil {
		payload = p.aead.Seal(p.cfg.StreamID, epoch, seq, fragIndex, plaintext)
		checksum = 0
	}

	h := protocol.VideoHeader{
		Flags: flags, StreamID: p.cfg.StreamID, Epoch: epoch, DimensionToken: au.DimensionToken,
		FrameNumber: frameNumber, FragmentIndex: fragIndex, FragmentCount: fragCount,
		SequenceNumber: seq, Timestamp: au.Timestamp, ContentRect: au.ContentRect,
		PayloadLength: uint32(len(plaintext)), Checksum: checksum,
	}

	buf := make([]byte, protocol.VideoHeaderSize+len(payload))
	if _, err := h.Marshal(buf); err != nil {
		return nil, err
	}
	copy(buf[protocol.VideoHeaderSize:], payload)
	return buf, nil
}
