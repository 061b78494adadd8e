package envelope

import (
	"bytes"

	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/params"
)

// pad appends 1..BLOCK_SIZE bytes, each holding the pad length. Aligned
// input gets a whole extra block.
func pad(data []byte) []byte {
	n := params.BLOCK_SIZE - len(data)%params.BLOCK_SIZE
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips the padding added by pad. It must only run on data whose MAC
// has already been verified.
func unpad(padded []byte) ([]byte, error) {
	if len(padded) == 0 {
		return nil, &faults.FormatError{Layer: "envelope", Reason: "invalid padding"}
	}

	n := int(padded[len(padded)-1])
	if n == 0 || n > params.BLOCK_SIZE || n > len(padded) {
		return nil, &faults.FormatError{Layer: "envelope", Reason: "invalid padding"}
	}

	return padded[:len(padded)-n], nil
}
