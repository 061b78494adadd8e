// Package stego hides a byte payload in the least significant bits of an
// image's red, green and blue channels.
//
// The LSB stream is the header followed by the payload:
//
//	[MAGIC "SIMG"(4)][LENGTH(4, big-endian)][PAYLOAD(LENGTH)]
//
// Bytes are written most significant bit first. Pixels are visited row by
// row, left to right, and each pixel carries one bit in R, then G, then B.
// Alpha and the upper seven bits of every channel are never touched.
package stego

import (
	"image"
	"image/color"
	"math"

	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/params"
)

// Normalize returns an opaque RGB copy of src anchored at the origin. The
// copy never shares pixel storage with src.
func Normalize(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if nrgba, ok := src.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			srcOff := nrgba.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()*4], nrgba.Pix[srcOff:srcOff+b.Dx()*4])
		}
	} else {
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				off := dst.PixOffset(x, y)
				dst.Pix[off+0] = c.R
				dst.Pix[off+1] = c.G
				dst.Pix[off+2] = c.B
			}
		}
	}

	// Drop alpha, the same as converting to a 3-channel image
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xFF
	}

	return dst
}

// Embed writes header and payload into the LSBs of a normalized copy of
// cover. Channels past the end of the stream keep their original values.
func Embed(cover image.Image, payload []byte) (*image.NRGBA, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, &faults.FormatError{Layer: "stego", Reason: "payload exceeds 32-bit length field"}
	}

	capacity := Capacity(cover.Bounds())
	needed := (params.STEGO_HEADER_SIZE + len(payload)) * params.BITS_PER_BYTE
	if needed > capacity {
		return nil, &faults.CapacityError{Needed: needed, Capacity: capacity}
	}

	img := Normalize(cover)

	data := NewHeader(uint32(len(payload))).AppendBinary(make([]byte, 0, params.STEGO_HEADER_SIZE+len(payload)))
	data = append(data, payload...)

	i := 0
	for bit := range Bits(data) {
		off := channelOffset(img, i)
		img.Pix[off] = img.Pix[off]&0xFE | bit
		i++
	}

	return img, nil
}

// Extract recovers the payload written by Embed
func Extract(stegoImage image.Image) ([]byte, error) {
	img, ok := stegoImage.(*image.NRGBA)
	if !ok || img.Rect.Min != (image.Point{}) {
		img = Normalize(stegoImage)
	}

	r := newLSBReader(img)

	headerBits := params.STEGO_HEADER_SIZE * params.BITS_PER_BYTE
	if r.remaining() < headerBits {
		return nil, &faults.FormatError{Layer: "stego", Reason: "image too small to carry a header"}
	}

	header, err := ParseHeader(r.readBytes(params.STEGO_HEADER_SIZE))
	if err != nil {
		return nil, err
	}

	declared := uint64(header.Length) * params.BITS_PER_BYTE
	if declared > uint64(r.remaining()) {
		return nil, &faults.TruncationError{Declared: declared, Available: r.remaining()}
	}

	return r.readBytes(int(header.Length)), nil
}
