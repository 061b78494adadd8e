package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/faanross/simulacra_png/internal/config"
	"github.com/faanross/simulacra_png/internal/dnsclient"
	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/logging"
	"github.com/faanross/simulacra_png/internal/pipeline"
	"github.com/faanross/simulacra_png/internal/scrypto"
	"github.com/rs/zerolog"
)

// idlePolls is how many empty polls pass before the interval doubles
const idlePolls = 5

type options struct {
	msgID     string
	poll      bool
	clientID  string
	interval  time.Duration
	decode    bool
	password  string
	outputDir string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var opts options
	server := flag.String("server", cfg.DNSServer, "DNS server")
	domain := flag.String("domain", cfg.Domain, "Domain")
	workers := flag.Int("workers", cfg.FetchWorkers, "Concurrent chunk queries")
	flag.StringVar(&opts.msgID, "msg", "", "Message ID to retrieve")
	flag.BoolVar(&opts.poll, "poll", false, "Poll for new messages")
	flag.StringVar(&opts.clientID, "client", "receiver1", "Client ID for polling")
	flag.DurationVar(&opts.interval, "interval", 5*time.Second, "Poll interval")
	flag.BoolVar(&opts.decode, "decode", false, "Decode after retrieval")
	flag.StringVar(&opts.password, "password", "", "Password for decoding (prompt if empty)")
	flag.StringVar(&opts.outputDir, "output", ".", "Output directory")
	flag.Parse()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	receiver := dnsclient.NewReceiver(dnsclient.Config{
		Server:     *server,
		Domain:     *domain,
		Workers:    *workers,
		Timeout:    cfg.QueryTimeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, receiver, opts); err != nil {
		log.Error().Err(err).Str("class", faults.Classify(err)).Msg("receive failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, log zerolog.Logger, receiver *dnsclient.Receiver, opts options) error {
	var password []byte
	if opts.decode {
		if opts.password != "" {
			password = []byte(opts.password)
		} else {
			var err error
			password, err = scrypto.GetSecurePassword("Enter password: ", 0)
			if err != nil {
				return err
			}
			defer scrypto.Wipe(password)
		}
	}

	switch {
	case opts.poll:
		return pollLoop(ctx, log, receiver, opts, password)
	case opts.msgID != "":
		return receive(ctx, log, receiver, opts, opts.msgID, password)
	default:
		flag.Usage()
		return errors.New("specify -msg ID or -poll")
	}
}

// receive retrieves one message, saves the image and optionally decodes it
func receive(ctx context.Context, log zerolog.Logger, receiver *dnsclient.Receiver, opts options, id string, password []byte) error {
	data, err := receiver.Retrieve(ctx, id)
	if err != nil {
		return err
	}

	imagePath := filepath.Join(opts.outputDir, fmt.Sprintf("received_%s.png", id))
	if err := os.WriteFile(imagePath, data, 0o644); err != nil {
		return err
	}
	log.Info().Str("id", id).Str("path", imagePath).Msg("image saved")

	if !opts.decode {
		return nil
	}

	message, err := pipeline.Reveal(data, string(password), pipeline.WithLogger(log))
	if err != nil {
		return err
	}

	outputPath := filepath.Join(opts.outputDir, fmt.Sprintf("decoded_%s.txt", id))
	if err := os.WriteFile(outputPath, message, 0o600); err != nil {
		return err
	}
	log.Info().Str("id", id).Str("path", outputPath).Msg("decoded message saved")
	return nil
}

func pollLoop(ctx context.Context, log zerolog.Logger, receiver *dnsclient.Receiver, opts options, password []byte) error {
	log.Info().Str("client", opts.clientID).Dur("interval", opts.interval).Msg("polling for messages")

	consecutiveEmpty := 0
	for {
		wait := opts.interval

		ids, err := receiver.Poll(ctx, opts.clientID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("poll failed")
		case len(ids) == 0:
			consecutiveEmpty++
			if consecutiveEmpty > idlePolls {
				wait *= 2
			}
		default:
			consecutiveEmpty = 0
			log.Info().Strs("ids", ids).Msg("new messages")

			for _, id := range ids {
				if err := receive(ctx, log, receiver, opts, id, password); err != nil {
					log.Error().Err(err).Str("id", id).Str("class", faults.Classify(err)).Msg("message failed")
					continue
				}
				if err := receiver.Ack(ctx, id, opts.clientID); err != nil {
					log.Warn().Err(err).Str("id", id).Msg("ack failed")
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
