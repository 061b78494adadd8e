// Package pipeline chains the envelope and the LSB codec into the two
// directions a caller needs: message to PNG, and PNG back to message.
package pipeline

import (
	"bytes"
	"errors"
	"image"
	"unicode/utf8"

	"github.com/faanross/simulacra_png/internal/cover"
	"github.com/faanross/simulacra_png/internal/envelope"
	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/params"
	"github.com/faanross/simulacra_png/internal/stego"
	"github.com/rs/zerolog"
)

// Option configures Conceal and Reveal
type Option func(*options)

type options struct {
	log        zerolog.Logger
	coverWidth int
}

func newOptions(opts []Option) options {
	o := options{log: zerolog.Nop(), coverWidth: params.DEFAULT_WIDTH}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger routes progress events to log
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithCoverWidth sets the width of generated noise covers
func WithCoverWidth(width int) Option {
	return func(o *options) {
		if width > 0 {
			o.coverWidth = width
		}
	}
}

// Conceal seals message under password and hides the envelope in cover.
// A nil cover is replaced by a noise image large enough for the payload.
func Conceal(message []byte, password string, coverImg image.Image, opts ...Option) ([]byte, error) {
	o := newOptions(opts)

	used := (params.STEGO_HEADER_SIZE + envelope.SealedSize(len(message))) * params.BITS_PER_BYTE

	var err error
	if coverImg == nil {
		coverImg, err = cover.Noise(o.coverWidth, used)
		if err != nil {
			return nil, err
		}
		o.log.Debug().Int("width", coverImg.Bounds().Dx()).Int("height", coverImg.Bounds().Dy()).
			Msg("generated noise cover")
	}

	// Reject an undersized cover before paying for key derivation
	capacity := stego.Capacity(coverImg.Bounds())
	if used > capacity {
		err = &faults.CapacityError{Needed: used, Capacity: capacity}
		o.log.Warn().Str("class", faults.Classify(err)).Err(err).Msg("cover too small")
		return nil, err
	}

	blob, err := envelope.Seal(message, password)
	if err != nil {
		return nil, err
	}

	pngBytes, err := stego.EmbedPNG(coverImg, blob)
	if err != nil {
		o.log.Warn().Str("class", faults.Classify(err)).Err(err).Msg("embed failed")
		return nil, err
	}

	o.log.Info().
		Int("message_bytes", len(message)).
		Int("envelope_bytes", len(blob)).
		Int("bits_used", used).
		Int("capacity_bits", capacity).
		Float64("utilization", float64(used)*100/float64(capacity)).
		Int("png_bytes", len(pngBytes)).
		Msg("message concealed")

	return pngBytes, nil
}

// Reveal extracts the envelope from an image and opens it with password
func Reveal(imageBytes []byte, password string, opts ...Option) ([]byte, error) {
	o := newOptions(opts)

	blob, err := stego.ExtractImage(bytes.NewReader(imageBytes))
	if err != nil {
		o.log.Warn().Str("class", faults.Classify(err)).Err(err).Msg("extraction failed")
		return nil, err
	}

	message, err := envelope.Open(blob, password)
	if err != nil {
		o.log.Warn().Str("class", faults.Classify(err)).Msg("envelope did not open")
		return nil, err
	}

	o.log.Info().Int("envelope_bytes", len(blob)).Int("message_bytes", len(message)).Msg("message revealed")
	return message, nil
}

// RevealText is Reveal for messages that must be valid UTF-8
func RevealText(imageBytes []byte, password string, opts ...Option) (string, error) {
	message, err := Reveal(imageBytes, password, opts...)
	if err != nil {
		return "", err
	}
	return DecodeText(message)
}

// DecodeText returns message as a string if it is valid UTF-8
func DecodeText(message []byte) (string, error) {
	if !utf8.Valid(message) {
		return "", &faults.FormatError{Layer: "message", Reason: "message is not valid UTF-8"}
	}
	return string(message), nil
}

// TryPasswords extracts the envelope once and tries each password in turn.
// It returns the index of the first password that opens it together with
// the message, or -1 and the last error.
func TryPasswords(imageBytes []byte, passwords []string, opts ...Option) (int, []byte, error) {
	o := newOptions(opts)

	blob, err := stego.ExtractImage(bytes.NewReader(imageBytes))
	if err != nil {
		return -1, nil, err
	}

	lastErr := error(&faults.AuthenticationError{})
	for i, pass := range passwords {
		message, err := envelope.Open(blob, pass)
		if err == nil {
			o.log.Info().Int("attempt", i+1).Int("of", len(passwords)).Msg("password accepted")
			return i, message, nil
		}

		o.log.Debug().Int("attempt", i+1).Str("class", faults.Classify(err)).Msg("password rejected")
		lastErr = err

		// A malformed envelope will not open with any password
		if !errors.Is(err, faults.ErrAuthentication) {
			break
		}
	}

	return -1, nil, lastErr
}
