package analysis

import (
	"image"
	"image/color"
	"testing"

	"github.com/faanross/simulacra_png/internal/cover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeNoise(t *testing.T) {
	t.Parallel()

	img, err := cover.Noise(128, 0)
	require.NoError(t, err)

	report := Analyze(img)

	assert.Equal(t, 128, report.Width)
	assert.Equal(t, 128, report.Height)
	assert.Equal(t, 128*128*3, report.Zeros+report.Ones)
	assert.True(t, report.LooksEncrypted())
	assert.True(t, report.UniformColor())
	assert.Greater(t, report.Entropy, 7.5)
}

func TestAnalyzeFlatImage(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := range 16 {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 0xFF})
		}
	}

	report := Analyze(img)

	assert.Equal(t, 100.0, report.ZeroRatio)
	assert.False(t, report.LooksEncrypted())
	assert.False(t, report.UniformColor())
	assert.Equal(t, 0.0, report.Entropy)
	assert.InDelta(t, 200.0, report.MeanR, 0.001)
}

func TestAnalyzeEmptyImage(t *testing.T) {
	t.Parallel()

	report := Analyze(image.NewNRGBA(image.Rectangle{}))
	assert.Zero(t, report.Zeros+report.Ones)
	assert.Zero(t, report.ZeroRatio)
}
