package stego

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"

	"github.com/faanross/simulacra_png/internal/faults"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeImage decodes any registered format. Covers may be lossy; stego
// images only survive a round trip through a lossless format.
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", &faults.FormatError{Layer: "image", Reason: fmt.Sprintf("cannot decode image: %v", err)}
	}
	return img, format, nil
}

// EncodePNG writes img as PNG. PNG is lossless so every LSB survives.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(w, img); err != nil {
		return fmt.Errorf("PNG encoding failed: %w", err)
	}
	return nil
}

// EmbedPNG embeds payload in cover and returns the encoded PNG bytes
func EmbedPNG(cover image.Image, payload []byte) ([]byte, error) {
	img, err := Embed(cover, payload)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractImage decodes an image stream and extracts its payload
func ExtractImage(r io.Reader) ([]byte, error) {
	img, _, err := DecodeImage(r)
	if err != nil {
		return nil, err
	}
	return Extract(img)
}
