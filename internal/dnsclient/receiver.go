// Package dnsclient retrieves chunked stego images published by dnsserver.
package dnsclient

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"sync/atomic"
	"time"

	"github.com/faanross/simulacra_png/internal/chunker"
	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when the server answers NXDOMAIN.
var ErrNotFound = errors.New("record not found")

// Config configures a Receiver
type Config struct {
	Server     string        // host:port of the DNS server
	Domain     string        // zone the messages live under
	Workers    int           // concurrent chunk queries
	Timeout    time.Duration // per query
	MaxRetries int           // extra attempts per chunk after the first
	Backoff    time.Duration // retry n waits n*Backoff
	Logger     zerolog.Logger
}

// Receiver handles message retrieval from DNS
type Receiver struct {
	cfg     Config
	client  *dns.Client
	encoder *chunker.DNSEncoder
	chunker *chunker.Chunker
	log     zerolog.Logger
}

// NewReceiver creates a receiver instance
func NewReceiver(cfg Config) *Receiver {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}

	return &Receiver{
		cfg:     cfg,
		client:  &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		encoder: chunker.NewDNSEncoder(cfg.Domain),
		chunker: chunker.NewChunker(chunker.ChunkerConfig{}),
		log:     cfg.Logger,
	}
}

// query returns the TXT strings answering name, in answer order
func (r *Receiver) query(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	resp, _, err := r.client.ExchangeContext(ctx, m, r.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	default:
		return nil, fmt.Errorf("query %s: server answered %s", name, dns.RcodeToString[resp.Rcode])
	}

	var values []string
	for _, ans := range resp.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			values = append(values, txt.Txt...)
		}
	}

	return values, nil
}

// FetchManifest retrieves and parses the manifest record for id
func (r *Receiver) FetchManifest(ctx context.Context, id string) (chunker.DNSManifest, error) {
	values, err := r.query(ctx, r.encoder.ManifestName(id))
	if err != nil {
		return chunker.DNSManifest{}, err
	}
	if len(values) == 0 {
		return chunker.DNSManifest{}, fmt.Errorf("manifest %s: %w", id, ErrNotFound)
	}

	return chunker.ParseManifest(id, strings.Join(values, ""))
}

// FetchChunk retrieves chunk seq of id, retrying transport failures and
// corrupt answers with a linear backoff. NXDOMAIN is not retried.
func (r *Receiver) FetchChunk(ctx context.Context, id string, seq int) (*chunker.Chunk, error) {
	name := r.encoder.ChunkName(id, seq)

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.log.Debug().Str("id", id).Int("seq", seq).Int("attempt", attempt+1).Err(lastErr).Msg("retrying chunk")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * r.cfg.Backoff):
			}
		}

		chunk, err := r.fetchChunkOnce(ctx, name, id, seq)
		if err == nil {
			return chunk, nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("chunk %d of %s failed after %d attempts: %w", seq, id, r.cfg.MaxRetries+1, lastErr)
}

func (r *Receiver) fetchChunkOnce(ctx context.Context, name, id string, seq int) (*chunker.Chunk, error) {
	values, err := r.query(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty answer", name)
	}

	chunk, err := r.chunker.DecodeChunk(strings.Join(values, ""))
	if err != nil {
		return nil, err
	}
	if err := r.chunker.ValidateChunk(chunk); err != nil {
		return nil, err
	}

	if got := fmt.Sprintf("%x", chunk.Metadata.MessageID); got != id || int(chunk.Metadata.Sequence) != seq {
		return nil, &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf(
			"asked for chunk %d of %s, got chunk %d of %s", seq, id, chunk.Metadata.Sequence, got)}
	}

	return chunk, nil
}

// Retrieve fetches every chunk of id concurrently, reassembles them and
// checks the result against the manifest checksum
func (r *Receiver) Retrieve(ctx context.Context, id string) ([]byte, error) {
	start := time.Now()

	manifest, err := r.FetchManifest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("manifest fetch failed: %w", err)
	}

	r.log.Info().Str("id", id).Int("chunks", manifest.TotalChunks).Msg("manifest retrieved")

	chunks := make([]chunker.Chunk, manifest.TotalChunks)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for seq := range manifest.TotalChunks {
		g.Go(func() error {
			chunk, err := r.FetchChunk(gctx, id, seq)
			if err != nil {
				return err
			}
			if int(chunk.Metadata.TotalChunks) != manifest.TotalChunks {
				return &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf(
					"chunk %d of %s claims %d chunks, manifest has %d",
					seq, id, chunk.Metadata.TotalChunks, manifest.TotalChunks)}
			}
			chunks[seq] = *chunk

			n := done.Add(1)
			r.log.Debug().Str("id", id).Int64("done", n).Int("total", manifest.TotalChunks).Msg("chunk received")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := r.chunker.ReassembleMessage(chunks)
	if err != nil {
		return nil, fmt.Errorf("reassembly failed: %w", err)
	}

	if got := crc32.ChecksumIEEE(data); got != manifest.Checksum {
		return nil, &faults.FormatError{Layer: "manifest", Reason: fmt.Sprintf(
			"checksum mismatch: manifest %08x, reassembled %08x", manifest.Checksum, got)}
	}

	elapsed := time.Since(start)
	r.log.Info().
		Str("id", id).
		Int("bytes", len(data)).
		Dur("elapsed", elapsed).
		Float64("kib_per_sec", float64(len(data))/1024/max(elapsed.Seconds(), 1e-9)).
		Msg("message retrieved")

	return data, nil
}

// Poll asks the server which messages clientID has not been handed yet
func (r *Receiver) Poll(ctx context.Context, clientID string) ([]string, error) {
	values, err := r.query(ctx, fmt.Sprintf("consume.%s.%s", clientID, r.encoder.Domain()))
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id != "" {
				ids = append(ids, id)
			}
		}
	}

	return ids, nil
}

// Ack marks id as consumed on behalf of clientID
func (r *Receiver) Ack(ctx context.Context, id, clientID string) error {
	_, err := r.query(ctx, fmt.Sprintf("ack.%s.%s.%s", id, clientID, r.encoder.Domain()))
	return err
}
