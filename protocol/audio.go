package protocol

// AudioHeader is the fixed 42-byte header prefixing every audio fragment
// datagram. Framing mirrors VideoHeader: sequence/CRC/encrypted-payload
// semantics are identical, trimmed to audio-specific fields; there is no
// epoch field.
//
//	Offset | Size | Name
//	     0 |    4 | magic "MIRA"
//	     4 |    1 | version
//	     5 |    1 | flags
//	     6 |    1 | codec tag
//	     7 |    1 | channelCount
//	     8 |    4 | streamID
//	    12 |    4 | sequenceNumber
//	    16 |    8 | timestamp (ns)
//	    24 |    4 | sampleRate
//	    28 |    2 | channelLayout tag
//	    30 |    2 | fragmentIndex
//	    32 |    2 | fragmentCount
//	    34 |    4 | payloadLength
//	    38 |    4 | checksum
type AudioHeader struct {
	Flags          uint8
	Codec          uint8
	ChannelCount   uint8
	StreamID       uint32
	SequenceNumber uint32
	Timestamp      uint64
	SampleRate     uint32
	ChannelLayout  uint16
	FragmentIndex  uint16
	FragmentCount  uint16
	PayloadLength  uint32
	Checksum       uint32
}

// Audio codec tags.
const (
	AudioCodecAAC uint8 = 1
	AudioCodecPCM uint8 = 2
)

// IsKeyframe reports whether this is the first packet of a new audio
// configuration (analogous to a video keyframe: always true for AAC, and
// for PCM marks a discontinuity boundary).
func (h *AudioHeader) IsKeyframe() bool { return h.Flags&AudioFlagKeyframe != 0 }

// IsDiscontinuity reports whether the discontinuity flag bit is set.
func (h *AudioHeader) IsDiscontinuity() bool { return h.Flags&AudioFlagDiscontinuity != 0 }

// IsEncrypted reports whether the payload is AEAD-encrypted.
func (h *AudioHeader) IsEncrypted() bool { return h.Flags&AudioFlagEncryptedPayload != 0 }

// Marshal writes the header to buf, which must be at least AudioHeaderSize
// bytes.
func (h *AudioHeader) Marshal(buf []byte) (int, error) {
	if len(buf) < AudioHeaderSize {
		return 0, ErrShortBuffer
	}
	putMagic(buf)
	buf[4] = Version
	buf[5] = h.Flags
	buf[6] = h.Codec
	buf[7] = h.ChannelCount
	putUint32(buf[8:12], h.StreamID)
	putUint32(buf[12:16], h.SequenceNumber)
	putUint64(buf[16:24], h.Timestamp)
	putUint32(buf[24:28], h.SampleRate)
	putUint16(buf[28:30], h.ChannelLayout)
	putUint16(buf[30:32], h.FragmentIndex)
	putUint16(buf[32:34], h.FragmentCount)
	putUint32(buf[34:38], h.PayloadLength)
	putUint32(buf[38:42], h.Checksum)
	return AudioHeaderSize, nil
}

// UnmarshalAudioHeader parses an audio header from buf, returning the
// payload offset. ok is false on any malformed input (short buffer, bad
// magic, version mismatch, or payload length overrun).
func UnmarshalAudioHeader(buf []byte) (h AudioHeader, payloadOffset int, ok bool) {
	if len(buf) < AudioHeaderSize {
		return AudioHeader{}, 0, false
	}
	if !checkMagic(buf) {
		return AudioHeader{}, 0, false
	}
	if buf[4] != Version {
		return AudioHeader{}, 0, false
	}
	h.Flags = buf[5]
	h.Codec = buf[6]
	h.ChannelCount = buf[7]
	h.StreamID = getUint32(buf[8:12])
	h.SequenceNumber = getUint32(buf[12:16])
	h.Timestamp = getUint64(buf[16:24])
	h.SampleRate = getUint32(buf[24:28])
	h.ChannelLayout = getUint16(buf[28:30])
	h.FragmentIndex = getUint16(buf[30:32])
	h.FragmentCount = getUint16(buf[32:34])
	h.PayloadLength = getUint32(buf[34:38])
	h.Checksum = getUint32(buf[38:42])

	remaining := len(buf) - AudioHeaderSize
	want := int(h.PayloadLength)
	if h.IsEncrypted() {
		want += AEADTagSize
	}
	if want > remaining {
		return AudioHeader{}, 0, false
	}
	return h, AudioHeaderSize, true
}
