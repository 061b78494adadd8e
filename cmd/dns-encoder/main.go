package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/faanross/simulacra_png/internal/chunker"
	"github.com/faanross/simulacra_png/internal/config"
	"github.com/faanross/simulacra_png/internal/logging"
	"github.com/faanross/simulacra_png/internal/stego"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	input := flag.String("input", "", "Stego PNG to publish")
	domain := flag.String("domain", cfg.Domain, "DNS domain")
	output := flag.String("output", "zone.txt", "Output zone file")
	encoding := flag.String("encoding", chunker.ENCODE_BASE32, "Chunk encoding (base32 or hex)")
	flag.Parse()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *input == "" {
		log.Fatal().Msg("provide a stego image with -input")
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot read input")
	}

	// refuse to publish images that carry nothing
	if _, err := stego.ExtractImage(bytes.NewReader(data)); err != nil {
		log.Fatal().Err(err).Msg("input is not a stego image")
	}

	chk := chunker.NewChunker(chunker.ChunkerConfig{Encoding: *encoding})
	msg, err := chk.Split(data)
	if err != nil {
		log.Fatal().Err(err).Msg("chunking failed")
	}

	manifest, records := chunker.NewDNSEncoder(*domain).EncodeToDNS(msg)

	zone := chunker.ZoneFile(records, time.Now())
	if err := os.WriteFile(*output, []byte(zone), 0o644); err != nil {
		log.Fatal().Err(err).Msg("cannot write zone file")
	}

	log.Info().
		Str("id", manifest.MessageID).
		Int("bytes", len(data)).
		Int("chunks", manifest.TotalChunks).
		Str("encoding", chk.Encoding()).
		Float64("overhead_pct", chunker.Overhead(len(data), manifest.TotalChunks)).
		Str("zone", *output).
		Msg("zone file written")

	fmt.Printf("dig @localhost -p 5353 %s TXT\n", records[0].Name)
}
