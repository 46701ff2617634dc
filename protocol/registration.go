package protocol

import "github.com/google/uuid"

// Registration is the first datagram a client sends on a new UDP flow: the
// shared magic, its device UUID, and an optional registration token handed
// out by the (out-of-scope) TCP control channel. The host maps the
// datagram's source endpoint to this device until unregistered.
type Registration struct {
	DeviceID uuid.UUID
	Token    []byte // optional, may be nil/empty
}

// Marshal writes the registration message to buf and returns the number of
// bytes written (RegistrationHeaderSize + 2-byte token length + token).
func (r *Registration) Marshal(buf []byte) (int, error) {
	total := RegistrationHeaderSize + 2 + len(r.Token)
	if len(buf) < total {
		return 0, ErrShortBuffer
	}
	putMagic(buf)
	copy(buf[4:20], r.DeviceID[:])
	putUint16(buf[20:22], uint16(len(r.Token)))
	copy(buf[22:], r.Token)
	return total, nil
}

// UnmarshalRegistration parses a registration message from buf.
func UnmarshalRegistration(buf []byte) (r Registration, ok bool) {
	if len(buf) < RegistrationHeaderSize+2 {
		return Registration{}, false
	}
	if !checkMagic(buf) {
		return Registration{}, false
	}
	deviceID, err := uuid.FromBytes(buf[4:20])
	if err != nil {
		return Registration{}, false
	}
	tokenLen := int(getUint16(buf[20:22]))
	if len(buf) < RegistrationHeaderSize+2+tokenLen {
		return Registration{}, false
	}
	r.DeviceID = deviceID
	if tokenLen > 0 {
		r.Token = append([]byte(nil), buf[22:22+tokenLen]...)
	}
	return r, true
}
