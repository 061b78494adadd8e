package stego

import (
	"encoding/binary"

	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/params"
)

// Header precedes the payload in the LSB stream:
// [MAGIC "SIMG"(4)][LENGTH(4, big-endian)]
type Header struct {
	Magic  [4]byte
	Length uint32 // payload bytes that follow the header
}

// NewHeader returns a header announcing a payload of n bytes
func NewHeader(n uint32) Header {
	h := Header{Length: n}
	copy(h.Magic[:], params.STEGO_MAGIC)
	return h
}

// AppendBinary appends the 8-byte wire form of h to b
func (h Header) AppendBinary(b []byte) []byte {
	b = append(b, h.Magic[:]...)
	return binary.BigEndian.AppendUint32(b, h.Length)
}

// MarshalBinary returns the 8-byte wire form of h
func (h Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, params.STEGO_HEADER_SIZE)), nil
}

// ParseHeader decodes an 8-byte header and checks its magic
func ParseHeader(b []byte) (Header, error) {
	var h Header

	if len(b) != params.STEGO_HEADER_SIZE {
		return h, &faults.FormatError{Layer: "stego", Reason: "header must be 8 bytes"}
	}

	if string(b[:4]) != params.STEGO_MAGIC {
		return h, &faults.FormatError{Layer: "stego", Reason: "no SIMG header found in image"}
	}

	copy(h.Magic[:], b[:4])
	h.Length = binary.BigEndian.Uint32(b[4:])
	return h, nil
}
