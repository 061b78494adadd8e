package stego

import (
	"image"
	"iter"

	"github.com/faanross/simulacra_png/internal/params"
)

// Bits yields the bits of data, bytes in order, most significant bit first
func Bits(data []byte) iter.Seq[uint8] {
	return func(yield func(uint8) bool) {
		for _, b := range data {
			for i := 7; i >= 0; i-- {
				if !yield((b >> i) & 1) {
					return
				}
			}
		}
	}
}

// LSBs yields the least significant bit of every carrier channel, pixels in
// row-major order and channels in R, G, B order
func LSBs(img *image.NRGBA) iter.Seq[uint8] {
	return func(yield func(uint8) bool) {
		for i := range Capacity(img.Bounds()) {
			if !yield(img.Pix[channelOffset(img, i)] & 1) {
				return
			}
		}
	}
}

// Capacity returns the number of carrier bits in an image of the given bounds
func Capacity(bounds image.Rectangle) int {
	return bounds.Dx() * bounds.Dy() * params.CHANNELS
}

// MaxPayload returns the largest payload in bytes that fits in bounds
func MaxPayload(bounds image.Rectangle) int {
	n := Capacity(bounds)/params.BITS_PER_BYTE - params.STEGO_HEADER_SIZE
	if n < 0 {
		return 0
	}
	return n
}

// channelOffset maps the i-th carrier bit to its byte in img.Pix
func channelOffset(img *image.NRGBA, i int) int {
	pixel := i / params.CHANNELS
	width := img.Rect.Dx()
	x := pixel % width
	y := pixel / width
	return y*img.Stride + x*4 + i%params.CHANNELS
}

// lsbReader consumes carrier bits from an image in stream order
type lsbReader struct {
	img   *image.NRGBA
	pos   int
	total int
}

func newLSBReader(img *image.NRGBA) *lsbReader {
	return &lsbReader{img: img, total: Capacity(img.Bounds())}
}

// remaining reports how many carrier bits are left
func (r *lsbReader) remaining() int {
	return r.total - r.pos
}

// readBytes reassembles n bytes MSB-first. The caller checks remaining first.
func (r *lsbReader) readBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		var b byte
		for range params.BITS_PER_BYTE {
			b = b<<1 | r.img.Pix[channelOffset(r.img, r.pos)]&1
			r.pos++
		}
		out[i] = b
	}
	return out
}
