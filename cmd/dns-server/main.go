package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/faanross/simulacra_png/internal/config"
	"github.com/faanross/simulacra_png/internal/dnsserver"
	"github.com/faanross/simulacra_png/internal/logging"
	"github.com/faanross/simulacra_png/internal/stego"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	domain := flag.String("domain", cfg.Domain, "Domain to serve")
	addr := flag.String("addr", cfg.DNSListen, "UDP listen address")
	stateFile := flag.String("state", cfg.StateFile, "JSON state file (in-memory if empty)")
	zoneFile := flag.String("zone", "", "Zone file to load at startup")
	cleanInterval := flag.Duration("clean", cfg.CleanInterval, "Cleanup interval, also the message lifetime")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [image.png ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, *domain, *addr, *stateFile, *zoneFile, *cleanInterval, flag.Args()); err != nil {
		log.Error().Err(err).Msg("dns server failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, log zerolog.Logger, domain, addr, stateFile, zoneFile string, cleanInterval time.Duration, images []string) error {
	storage, err := openStorage(log, stateFile)
	if err != nil {
		return err
	}

	server := dnsserver.NewServer(domain, storage, log)

	if zoneFile != "" {
		content, err := os.ReadFile(zoneFile)
		if err != nil {
			return fmt.Errorf("failed to read zone file: %w", err)
		}
		if _, err := server.LoadZone(string(content)); err != nil {
			return err
		}
	}

	for _, path := range images {
		if err := publishImage(server, path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	logStats(log, storage)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		return server.RunCleaner(gctx, cleanInterval, cleanInterval)
	})

	err = g.Wait()
	log.Info().Msg("shutting down")
	logStats(log, storage)
	return err
}

func openStorage(log zerolog.Logger, stateFile string) (dnsserver.Storage, error) {
	if stateFile == "" {
		log.Info().Msg("using in-memory storage")
		return dnsserver.NewMemoryStorage(), nil
	}

	log.Info().Str("state", stateFile).Msg("using persistent storage")
	return dnsserver.NewFileStorage(stateFile)
}

// publishImage queues a stego PNG after checking it carries a payload
func publishImage(server *dnsserver.Server, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if _, err := stego.ExtractImage(bytes.NewReader(data)); err != nil {
		return err
	}

	_, err = server.Publish(data)
	return err
}

func logStats(log zerolog.Logger, storage dnsserver.Storage) {
	stats := storage.GetStats()
	log.Info().
		Int("total", stats.TotalMessages).
		Int("new", stats.NewMessages).
		Int("delivered", stats.Delivered).
		Int("consumed", stats.Consumed).
		Int("chunks", stats.TotalChunks).
		Msg("storage statistics")

	messages, err := storage.ListMessages()
	if err != nil {
		return
	}
	for _, m := range messages {
		log.Debug().Str("id", m.ID).Int("chunks", m.TotalChunks).Stringer("state", m.State).Msg("stored message")
	}
}
