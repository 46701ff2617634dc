package protocol

// VideoHeader is the fixed 52-byte header prefixing every video fragment
// datagram.
//
//	Offset | Size | Name
//	     0 |    4 | magic "MIRA"
//	     4 |    1 | version
//	     5 |    1 | flags
//	     6 |    2 | reserved
//	     8 |    4 | streamID
//	    12 |    2 | epoch
//	    14 |    2 | dimensionToken
//	    16 |    4 | frameNumber
//	    20 |    2 | fragmentIndex
//	    22 |    2 | fragmentCount
//	    24 |    4 | sequenceNumber
//	    28 |    8 | timestamp (ns)
//	    36 |    2 | contentRect.x
//	    38 |    2 | contentRect.y
//	    40 |    2 | contentRect.w
//	    42 |    2 | contentRect.h
//	    44 |    4 | payloadLength
//	    48 |    4 | checksum (CRC32, zero when encrypted)
type VideoHeader struct {
	Flags          uint8
	StreamID       uint32
	Epoch          uint16
	DimensionToken uint16
	FrameNumber    uint32
	FragmentIndex  uint16
	FragmentCount  uint16
	SequenceNumber uint32
	Timestamp      uint64
	ContentRect    Rect
	PayloadLength  uint32
	Checksum       uint32
}

// IsKeyframe reports whether the keyframe flag bit is set.
func (h *VideoHeader) IsKeyframe() bool { return h.Flags&FlagKeyframe != 0 }

// IsDiscontinuity reports whether the discontinuity flag bit is set.
func (h *VideoHeader) IsDiscontinuity() bool { return h.Flags&FlagDiscontinuity != 0 }

// IsParameterSet reports whether this fragment carries a parameter set.
func (h *VideoHeader) IsParameterSet() bool { return h.Flags&FlagParameterSet != 0 }

// IsEncrypted reports whether the payload is AEAD-encrypted.
func (h *VideoHeader) IsEncrypted() bool { return h.Flags&FlagEncryptedPayload != 0 }

// Marshal writes the header to buf, which must be at least VideoHeaderSize
// bytes. It does not write the payload.
func (h *VideoHeader) Marshal(buf []byte) (int, error) {
	if len(buf) < VideoHeaderSize {
		return 0, ErrShortBuffer
	}
	putMagic(buf)
	buf[4] = Version
	buf[5] = h.Flags
	buf[6], buf[7] = 0, 0 // reserved
	putUint32(buf[8:12], h.StreamID)
	putUint16(buf[12:14], h.Epoch)
	putUint16(buf[14:16], h.DimensionToken)
	putUint32(buf[16:20], h.FrameNumber)
	putUint16(buf[20:22], h.FragmentIndex)
	putUint16(buf[22:24], h.FragmentCount)
	putUint32(buf[24:28], h.SequenceNumber)
	putUint64(buf[28:36], h.Timestamp)
	putUint16(buf[36:38], h.ContentRect.X)
	putUint16(buf[38:40], h.ContentRect.Y)
	putUint16(buf[40:42], h.ContentRect.W)
	putUint16(buf[42:44], h.ContentRect.H)
	putUint32(buf[44:48], h.PayloadLength)
	putUint32(buf[48:52], h.Checksum)
	return VideoHeaderSize, nil
}

// UnmarshalVideoHeader parses a video header from buf. It returns the
// header and the offset at which the payload begins, or ok=false if buf is
// too short, the magic is wrong, or the declared payload length does not
// fit in the remaining bytes. Never panics; malformed input is reported
// through the boolean, never an error the caller must inspect.
func UnmarshalVideoHeader(buf []byte) (h VideoHeader, payloadOffset int, ok bool) {
	if len(buf) < VideoHeaderSize {
		return VideoHeader{}, 0, false
	}
	if !checkMagic(buf) {
		return VideoHeader{}, 0, false
	}
	if buf[4] != Version {
		return VideoHeader{}, 0, false
	}
	h.Flags = buf[5]
	h.StreamID = getUint32(buf[8:12])
	h.Epoch = getUint16(buf[12:14])
	h.DimensionToken = getUint16(buf[14:16])
	h.FrameNumber = getUint32(buf[16:20])
	h.FragmentIndex = getUint16(buf[20:22])
	h.FragmentCount = getUint16(buf[22:24])
	h.SequenceNumber = getUint32(buf[24:28])
	h.Timestamp = getUint64(buf[28:36])
	h.ContentRect = Rect{
		X: getUint16(buf[36:38]),
		Y: getUint16(buf[38:40]),
		W: getUint16(buf[40:42]),
		H: getUint16(buf[42:44]),
	}
	h.PayloadLength = getUint32(buf[44:48])
	h.Checksum = getUint32(buf[48:52])

	remaining := len(buf) - VideoHeaderSize
	want := int(h.PayloadLength)
	if h.IsEncrypted() {
		want += AEADTagSize
	}
	if want > remaining {
		return VideoHeader{}, 0, false
	}
	return h, VideoHeaderSize, true
}
