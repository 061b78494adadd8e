package cover

import (
	"crypto/rand"
	"fmt"
	"image"

	"github.com/faanross/simulacra_png/internal/params"
)

// Dimensions returns the noise cover size for a given width and number of
// stream bits. The cover is at least square and grows taller when the bits
// do not fit.
func Dimensions(width, minBits int) (int, int, error) {
	if width <= 0 {
		return 0, 0, fmt.Errorf("cover width must be positive, got %d", width)
	}
	if minBits < 0 {
		return 0, 0, fmt.Errorf("bit count must not be negative, got %d", minBits)
	}

	pixelsNeeded := (minBits + params.CHANNELS - 1) / params.CHANNELS
	height := (pixelsNeeded + width - 1) / width

	return width, max(height, width), nil
}

// Noise creates an opaque image of cryptographically random colors large
// enough to carry minBits stream bits.
func Noise(width, minBits int) (*image.NRGBA, error) {
	w, h, err := Dimensions(width, minBits)
	if err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	if _, err := rand.Read(img.Pix); err != nil {
		return nil, fmt.Errorf("random cover generation failed: %w", err)
	}

	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xFF
	}

	return img, nil
}
