package envelope

import (
	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/params"
)

// Header is the fixed-size prefix of every envelope:
// [MAGIC(4)][SALT(16)][IV(16)][MAC(32)]
type Header struct {
	Magic [params.MAGIC_SIZE]byte
	Salt  [params.SALT_SIZE]byte
	IV    [params.IV_SIZE]byte
	MAC   [params.MAC_SIZE]byte
}

// Field offsets inside the serialized header
const (
	offMagic = 0
	offSalt  = offMagic + params.MAGIC_SIZE
	offIV    = offSalt + params.SALT_SIZE
	offMAC   = offIV + params.IV_SIZE
	offBody  = offMAC + params.MAC_SIZE
)

// newHeader returns a header carrying the envelope magic and the given salt and IV
func newHeader(salt, iv []byte) Header {
	var h Header
	copy(h.Magic[:], params.ENVELOPE_MAGIC)
	copy(h.Salt[:], salt)
	copy(h.IV[:], iv)
	return h
}

// AuthenticatedPrefix returns MAGIC||SALT||IV, the header bytes covered by the MAC
func (h *Header) AuthenticatedPrefix() []byte {
	out := make([]byte, 0, params.HEADER_SIZE)
	out = append(out, h.Magic[:]...)
	out = append(out, h.Salt[:]...)
	out = append(out, h.IV[:]...)
	return out
}

// AppendBinary appends the serialized header to b
func (h *Header) AppendBinary(b []byte) []byte {
	b = append(b, h.AuthenticatedPrefix()...)
	return append(b, h.MAC[:]...)
}

// MarshalBinary serializes the header to its 68-byte wire form
func (h *Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, params.MIN_ENVELOPE_SIZE)), nil
}

// ParseHeader splits blob into its header and ciphertext. Only the length
// and the magic are checked here; the MAC is verified by Open.
func ParseHeader(blob []byte) (Header, []byte, error) {
	var h Header

	if len(blob) < params.MIN_ENVELOPE_SIZE {
		return h, nil, &faults.FormatError{Layer: "envelope", Reason: "payload too short"}
	}

	if string(blob[offMagic:offSalt]) != params.ENVELOPE_MAGIC {
		return h, nil, &faults.FormatError{Layer: "envelope", Reason: "invalid magic header"}
	}

	copy(h.Magic[:], blob[offMagic:offSalt])
	copy(h.Salt[:], blob[offSalt:offIV])
	copy(h.IV[:], blob[offIV:offMAC])
	copy(h.MAC[:], blob[offMAC:offBody])

	return h, blob[offBody:], nil
}
