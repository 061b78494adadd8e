package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/faanross/simulacra_png/internal/chunker"
	"github.com/faanross/simulacra_png/internal/config"
	"github.com/faanross/simulacra_png/internal/logging"
	"github.com/rs/zerolog"
)

const chunkExt = ".chunk"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	inputFile := flag.String("input", "", "File to chunk, or output file when reassembling")
	dir := flag.String("dir", "chunks", "Directory holding chunk files")
	encoding := flag.String("encoding", chunker.ENCODE_BASE32, "Encoding type (hex or base32)")
	reassemble := flag.Bool("reassemble", false, "Reassemble chunks from -dir into -input")
	flag.Parse()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *inputFile == "" {
		log.Fatal().Msg("provide a file with -input")
	}

	chk := chunker.NewChunker(chunker.ChunkerConfig{Encoding: *encoding})

	if *reassemble {
		err = reassembleDir(log, chk, *dir, *inputFile)
	} else {
		err = splitFile(log, chk, *inputFile, *dir)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("chunker failed")
	}
}

// splitFile writes one file per chunk holding its encoded TXT string
func splitFile(log zerolog.Logger, chk *chunker.Chunker, inputFile, dir string) error {
	data, err := os.ReadFile(inputFile)
	if err != nil {
		return err
	}

	msg, err := chk.Split(data)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, chunk := range msg.Chunks {
		name := filepath.Join(dir, fmt.Sprintf("%s-%05d%s", msg.IDString(), chunk.Metadata.Sequence, chunkExt))
		if err := os.WriteFile(name, []byte(chunk.Encoded+"\n"), 0o644); err != nil {
			return err
		}
		log.Debug().Str("file", name).Uint32("crc32", chunk.Metadata.Checksum).Msg("chunk written")
	}

	stats := chk.GetStats()
	log.Info().
		Str("id", msg.IDString()).
		Int("bytes", len(data)).
		Int("chunks", len(msg.Chunks)).
		Int("payload_per_chunk", chk.PayloadSize()).
		Float64("overhead_pct", chunker.Overhead(len(data), len(msg.Chunks))).
		Dur("took", stats.LastChunkingTime).
		Str("dir", dir).
		Msg("file chunked")
	return nil
}

// reassembleDir decodes every chunk file in dir, in any order
func reassembleDir(log zerolog.Logger, chk *chunker.Chunker, dir, outputFile string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var chunks []chunker.Chunk
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != chunkExt {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}

		chunk, err := chk.DecodeChunk(strings.TrimSpace(string(content)))
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping undecodable chunk")
			continue
		}
		chunks = append(chunks, *chunk)
	}

	if len(chunks) == 0 {
		return errors.New("no chunk files found")
	}

	data, err := chk.ReassembleMessage(chunks)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		return err
	}

	log.Info().Int("chunks", len(chunks)).Int("bytes", len(data)).Str("output", outputFile).Msg("file reassembled")
	return nil
}
