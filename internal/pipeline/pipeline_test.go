package pipeline

import (
	"bytes"
	"crypto/rand"
	"image"
	"image/png"
	"testing"

	"github.com/faanross/simulacra_png/internal/cover"
	"github.com/faanross/simulacra_png/internal/envelope"
	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcealRevealDefaultCover(t *testing.T) {
	t.Parallel()

	pngBytes, err := Conceal([]byte("hi"), "correct horse", nil)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), img.Bounds())

	message, err := Reveal(pngBytes, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(message))

	_, err = Reveal(pngBytes, "wrong")
	var authErr *faults.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestConcealOnePixelCover(t *testing.T) {
	t.Parallel()

	tiny := image.NewNRGBA(image.Rect(0, 0, 1, 1))

	_, err := Conceal([]byte("hi"), "pw", tiny)
	require.ErrorIs(t, err, faults.ErrCapacity)
	assert.Equal(t, faults.ClassCapacity, faults.Classify(err))

	var capErr *faults.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, (8+envelope.SealedSize(2))*8, capErr.Needed)
	assert.Equal(t, 3, capErr.Capacity)
}

func TestConcealCoverBoundary(t *testing.T) {
	t.Parallel()

	// "hi" seals to 84 bytes: 92 bytes with the stego header, 736 bits
	need := (8 + envelope.SealedSize(2)) * 8
	require.Equal(t, 736, need)

	fits, err := cover.Noise(246, 0)
	require.NoError(t, err)
	fits = fits.SubImage(image.Rect(0, 0, 246, 1)).(*image.NRGBA)

	pngBytes, err := Conceal([]byte("hi"), "pw", fits)
	require.NoError(t, err)
	got, err := Reveal(pngBytes, "pw")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))

	short := image.NewNRGBA(image.Rect(0, 0, 245, 1))
	_, err = Conceal([]byte("hi"), "pw", short)
	require.ErrorIs(t, err, faults.ErrCapacity)
}

func TestConcealSuppliedCover(t *testing.T) {
	t.Parallel()

	coverImg, err := cover.Noise(100, 0)
	require.NoError(t, err)

	message := bytes.Repeat([]byte("covert "), 50)
	pngBytes, err := Conceal(message, "pw", coverImg)
	require.NoError(t, err)

	got, err := Reveal(pngBytes, "pw")
	require.NoError(t, err)
	assert.Equal(t, message, got)
}

func TestConcealGrowsNoiseCover(t *testing.T) {
	t.Parallel()

	message := make([]byte, 3000)
	_, err := rand.Read(message)
	require.NoError(t, err)

	pngBytes, err := Conceal(message, "pw", nil, WithCoverWidth(32))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Greater(t, img.Bounds().Dy(), 32)

	got, err := Reveal(pngBytes, "pw")
	require.NoError(t, err)
	assert.Equal(t, message, got)
}

func TestRevealText(t *testing.T) {
	t.Parallel()

	good, err := Conceal([]byte("zdravo 👋"), "pw", nil)
	require.NoError(t, err)

	text, err := RevealText(good, "pw")
	require.NoError(t, err)
	assert.Equal(t, "zdravo 👋", text)

	bad, err := Conceal([]byte{0xff, 0xfe, 0xfd}, "pw", nil)
	require.NoError(t, err)

	_, err = RevealText(bad, "pw")
	assert.ErrorIs(t, err, faults.ErrFormat)
}

func TestDecodeText(t *testing.T) {
	t.Parallel()

	text, err := DecodeText([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", text)

	_, err = DecodeText([]byte{0xc3, 0x28})
	assert.Equal(t, faults.ClassFormat, faults.Classify(err))
}

func TestRevealPlainImage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 50, 50))))

	_, err := Reveal(buf.Bytes(), "pw")
	assert.ErrorIs(t, err, faults.ErrFormat)
}

func TestTryPasswords(t *testing.T) {
	t.Parallel()

	var logBuf bytes.Buffer
	log := zerolog.New(&logBuf)

	pngBytes, err := Conceal([]byte("found me"), "third", nil)
	require.NoError(t, err)

	idx, message, err := TryPasswords(pngBytes, []string{"first", "second", "third", "fourth"}, WithLogger(log))
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	assert.Equal(t, "found me", string(message))
	assert.NotContains(t, logBuf.String(), "third")

	idx, _, err = TryPasswords(pngBytes, []string{"nope"})
	assert.Equal(t, -1, idx)
	assert.ErrorIs(t, err, faults.ErrAuthentication)

	idx, _, err = TryPasswords(pngBytes, nil)
	assert.Equal(t, -1, idx)
	assert.ErrorIs(t, err, faults.ErrAuthentication)
}

func TestConcealLogsNoSecrets(t *testing.T) {
	t.Parallel()

	var logBuf bytes.Buffer
	log := zerolog.New(&logBuf).Level(zerolog.DebugLevel)

	pngBytes, err := Conceal([]byte("top secret text"), "hunter2hunter2", nil, WithLogger(log))
	require.NoError(t, err)
	_, err = Reveal(pngBytes, "hunter2hunter2", WithLogger(log))
	require.NoError(t, err)

	out := logBuf.String()
	assert.Contains(t, out, "message concealed")
	assert.Contains(t, out, "message revealed")
	assert.NotContains(t, out, "top secret text")
	assert.NotContains(t, out, "hunter2hunter2")
	assert.Contains(t, out, `"capacity_bits":12288`)
}
