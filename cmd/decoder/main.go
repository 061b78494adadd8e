package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/faanross/simulacra_png/internal/analysis"
	"github.com/faanross/simulacra_png/internal/config"
	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/logging"
	"github.com/faanross/simulacra_png/internal/pipeline"
	"github.com/faanross/simulacra_png/internal/scrypto"
	"github.com/faanross/simulacra_png/internal/stego"
	"github.com/rs/zerolog"
)

const previewLen = 500

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	inputFile := flag.String("input", "", "Path to stego image")
	outputFile := flag.String("output", "", "Save extracted message to file")
	password := flag.String("password", "", "Password (prompt if not provided)")
	analyze := flag.Bool("analyze", false, "Perform LSB analysis only")
	tryList := flag.String("trylist", "", "Comma-separated passwords to try")
	verbose := flag.Bool("verbose", false, "Show full extracted message")
	flag.Parse()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	d := decoder{
		log:        log,
		outputFile: *outputFile,
		verbose:    *verbose,
	}

	if err := d.run(*inputFile, *password, *tryList, *analyze); err != nil {
		log.Error().Err(err).Str("class", faults.Classify(err)).Msg("decoding failed")
		os.Exit(1)
	}
}

type decoder struct {
	log        zerolog.Logger
	outputFile string
	verbose    bool
}

func (d decoder) run(inputFile, password, tryList string, analyze bool) error {
	if inputFile == "" {
		return fmt.Errorf("provide the stego image with -input")
	}

	imageBytes, err := os.ReadFile(inputFile)
	if err != nil {
		return err
	}

	img, format, err := stego.DecodeImage(bytes.NewReader(imageBytes))
	if err != nil {
		return err
	}
	d.log.Info().
		Str("file", inputFile).
		Str("format", format).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("image loaded")

	if analyze {
		r := analysis.Analyze(img)
		d.log.Info().
			Int("lsb_zeros", r.Zeros).
			Int("lsb_ones", r.Ones).
			Float64("lsb_zero_pct", r.ZeroRatio).
			Float64("lsb_entropy", r.Entropy).
			Float64("mean_r", r.MeanR).
			Float64("mean_g", r.MeanG).
			Float64("mean_b", r.MeanB).
			Bool("looks_encrypted", r.LooksEncrypted()).
			Bool("uniform_color", r.UniformColor()).
			Msg("lsb analysis")
		return nil
	}

	if tryList != "" {
		passwords := strings.Split(tryList, ",")
		idx, message, err := pipeline.TryPasswords(imageBytes, passwords, pipeline.WithLogger(d.log))
		if err != nil {
			return err
		}
		d.log.Info().Int("attempt", idx+1).Msg("password found")
		return d.emit(message)
	}

	var pass []byte
	if password != "" {
		pass = []byte(password)
	} else {
		pass, err = scrypto.GetSecurePassword("Enter password: ", 0)
		if err != nil {
			return err
		}
		defer scrypto.Wipe(pass)
	}

	message, err := pipeline.Reveal(imageBytes, string(pass), pipeline.WithLogger(d.log))
	if err != nil {
		return err
	}

	return d.emit(message)
}

// emit writes the message to the output file, or prints it when it is text
func (d decoder) emit(message []byte) error {
	if d.outputFile != "" {
		if err := os.WriteFile(d.outputFile, message, 0o600); err != nil {
			return err
		}
		d.log.Info().Str("output", d.outputFile).Int("bytes", len(message)).Msg("message saved")
		return nil
	}

	text, err := pipeline.DecodeText(message)
	if err != nil {
		return fmt.Errorf("%w (use -output to save binary messages)", err)
	}

	runes := []rune(text)
	if d.verbose || len(runes) <= previewLen {
		fmt.Println(text)
		return nil
	}

	fmt.Printf("%s\n... [%d more characters] ...\n%s\n",
		string(runes[:200]), len(runes)-400, string(runes[len(runes)-200:]))
	d.log.Info().Msg("use -verbose to see the full message")
	return nil
}
