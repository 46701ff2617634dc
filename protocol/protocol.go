// Package protocol implements the MirageKit UDP wire format: fixed-layout
// headers for video fragments, audio fragments and flow registration.
// All multi-byte integers are big-endian (network order). The video and
// audio header Marshal methods write a fixed number of bytes and the caller
// appends the payload; Registration.Marshal also writes its token.
package protocol

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Magic is the 4-byte prefix shared by every MirageKit datagram.
var Magic = [4]byte{'M', 'I', 'R', 'A'}

// Version is the current protocol wire version.
const Version = 1

// Video flag bits.
const (
	FlagKeyframe         uint8 = 1 << 0
	FlagDiscontinuity    uint8 = 1 << 1
	FlagParameterSet     uint8 = 1 << 2
	FlagEncryptedPayload uint8 = 1 << 3
)

// Audio flag bits (bit assignments intentionally match the video flags they
// share meaning with).
const (
	AudioFlagKeyframe         uint8 = 1 << 0
	AudioFlagDiscontinuity    uint8 = 1 << 1
	AudioFlagEncryptedPayload uint8 = 1 << 3
)

// Header sizes, in bytes.
const (
	VideoHeaderSize        = 52
	AudioHeaderSize        = 42
	RegistrationHeaderSize = 20 // magic + device UUID, token appended separately
	AEADTagSize            = 16
)

// Errors returned by header codecs. Callers treat any of these as "drop the
// packet silently" per spec — never propagated as user-visible failures.
var (
	ErrShortBuffer    = errors.New("protocol: buffer shorter than header size")
	ErrBadMagic       = errors.New("protocol: magic mismatch")
	ErrPayloadOverrun = errors.New("protocol: declared payload length exceeds buffer")
)

// CRC32 computes the checksum used by video and audio headers (IEEE
// polynomial, matching hash/crc32's default table).
func CRC32(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

func checkMagic(buf []byte) bool {
	return len(buf) >= 4 && buf[0] == Magic[0] && buf[1] == Magic[1] && buf[2] == Magic[2] && buf[3] == Magic[3]
}

func putMagic(buf []byte) {
	buf[0], buf[1], buf[2], buf[3] = Magic[0], Magic[1], Magic[2], Magic[3]
}

// Rect is the content rectangle carried in the video header, in integer
// pixels.
type Rect struct {
	X, Y, W, H uint16
}

func putUint16(buf []byte, v uint16) { binary.BigEndian.PutUint16(buf, v) }
func putUint32(buf []byte, v uint32) { binary.BigEndian.PutUint32(buf, v) }
func putUint64(buf []byte, v uint64) { binary.BigEndian.PutUint64(buf, v) }
func getUint16(buf []byte) uint16    { return binary.BigEndian.Uint16(buf) }
func getUint32(buf []byte) uint32    { return binary.BigEndian.Uint32(buf) }
func getUint64(buf []byte) uint64    { return binary.BigEndian.Uint64(buf) }
