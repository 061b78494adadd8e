package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"image"
	"os"

	"github.com/faanross/simulacra_png/internal/analysis"
	"github.com/faanross/simulacra_png/internal/config"
	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/logging"
	"github.com/faanross/simulacra_png/internal/params"
	"github.com/faanross/simulacra_png/internal/pipeline"
	"github.com/faanross/simulacra_png/internal/scrypto"
	"github.com/faanross/simulacra_png/internal/stego"
	"github.com/rs/zerolog"
)

const minPasswordLen = 8

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	inputFile := flag.String("input", "", "Path to input file")
	message := flag.String("message", "", "Message text (instead of -input)")
	outputFile := flag.String("output", "secure_stego.png", "Output PNG file")
	coverFile := flag.String("cover", "", "Cover image (random noise if empty)")
	width := flag.Int("width", cfg.CoverWidth, "Noise cover width")
	password := flag.String("password", "", "Password (prompt if not provided)")
	analyze := flag.Bool("analyze", false, "Show LSB analysis of the output")
	flag.Parse()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(log, *inputFile, *message, *outputFile, *coverFile, *width, *password, *analyze); err != nil {
		log.Error().Err(err).Str("class", faults.Classify(err)).Msg("encoding failed")
		os.Exit(1)
	}
}

func run(log zerolog.Logger, inputFile, text, outputFile, coverFile string, width int, password string, analyze bool) error {
	message, err := readMessage(inputFile, text)
	if err != nil {
		return err
	}
	log.Info().Str("input", inputFile).Int("bytes", len(message)).Msg("message loaded")

	pass, err := readPassword(password)
	if err != nil {
		return err
	}
	defer scrypto.Wipe(pass)

	var coverImg image.Image
	if coverFile != "" {
		f, err := os.Open(coverFile)
		if err != nil {
			return err
		}
		img, format, err := stego.DecodeImage(f)
		f.Close()
		if err != nil {
			return err
		}
		log.Info().Str("cover", coverFile).Str("format", format).
			Int("max_payload", stego.MaxPayload(img.Bounds())).Msg("cover loaded")
		coverImg = img
	}

	pngBytes, err := pipeline.Conceal(message, string(pass), coverImg,
		pipeline.WithLogger(log), pipeline.WithCoverWidth(width))
	if err != nil {
		return err
	}

	if analyze {
		img, _, err := stego.DecodeImage(bytes.NewReader(pngBytes))
		if err != nil {
			return err
		}
		logReport(log, analysis.Analyze(img))
	}

	if err := os.WriteFile(outputFile, pngBytes, 0o644); err != nil {
		return err
	}

	log.Info().
		Str("output", outputFile).
		Int("pbkdf2_iters", params.PBKDF2_ITERS).
		Msg("secure steganography complete")
	return nil
}

func readMessage(inputFile, text string) ([]byte, error) {
	switch {
	case inputFile != "" && text != "":
		return nil, errors.New("use either -input or -message, not both")
	case inputFile != "":
		return os.ReadFile(inputFile)
	case text != "":
		return []byte(text), nil
	default:
		return nil, errors.New("provide a message with -input or -message")
	}
}

func readPassword(flagValue string) ([]byte, error) {
	if flagValue != "" {
		if len(flagValue) < minPasswordLen {
			return nil, errors.New("password must be at least 8 characters")
		}
		return []byte(flagValue), nil
	}

	pass, err := scrypto.GetSecurePassword("Enter password (min 8 chars): ", minPasswordLen)
	if err != nil {
		return nil, err
	}

	confirm, err := scrypto.GetSecurePassword("Confirm password: ", minPasswordLen)
	if err != nil {
		scrypto.Wipe(pass)
		return nil, err
	}
	defer scrypto.Wipe(confirm)

	if !bytes.Equal(pass, confirm) {
		scrypto.Wipe(pass)
		return nil, errors.New("passwords do not match")
	}

	return pass, nil
}

func logReport(log zerolog.Logger, r analysis.Report) {
	log.Info().
		Int("width", r.Width).
		Int("height", r.Height).
		Float64("lsb_zero_pct", r.ZeroRatio).
		Float64("lsb_entropy", r.Entropy).
		Bool("looks_encrypted", r.LooksEncrypted()).
		Bool("uniform_color", r.UniformColor()).
		Msg("lsb analysis")
}
