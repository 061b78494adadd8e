// Package dnsserver publishes chunked stego images as TXT records and keeps
// per-client queue state for receivers polling over DNS.
//
// Names served under the configured domain:
//
//	m-<id>.data.<domain>           manifest  TOTAL:CRC32:UNIX
//	c-<seq>-<id>.data.<domain>     one encoded chunk
//	consume.<client>.<domain>      one TXT string per unseen message ID
//	ack.<id>.<client>.<domain>     marks <id> consumed, answers "ok"
package dnsserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/faanross/simulacra_png/internal/chunker"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

const (
	queueTTL       = 0 // queue answers must never be cached
	maxQueueAnswer = 8 // keeps the answer inside a 512 byte UDP response
)

// Server answers TXT queries from a Storage
type Server struct {
	encoder *chunker.DNSEncoder
	chunker *chunker.Chunker
	storage Storage
	queue   *QueueManager
	log     zerolog.Logger
}

// NewServer creates a server for domain backed by storage
func NewServer(domain string, storage Storage, log zerolog.Logger) *Server {
	return &Server{
		encoder: chunker.NewDNSEncoder(domain),
		chunker: chunker.NewChunker(chunker.ChunkerConfig{Encoding: chunker.ENCODE_BASE32}),
		storage: storage,
		queue:   NewQueueManager(storage),
		log:     log,
	}
}

// Storage exposes the backing store
func (s *Server) Storage() Storage {
	return s.storage
}

// Publish chunks data under a fresh message ID and queues it
func (s *Server) Publish(data []byte) (string, error) {
	msg, err := s.chunker.Split(data)
	if err != nil {
		return "", err
	}

	manifest, records := s.encoder.EncodeToDNS(msg)
	if err := s.storeRecords(manifest, records[1:]); err != nil {
		return "", err
	}

	s.log.Info().
		Str("id", manifest.MessageID).
		Int("bytes", len(data)).
		Int("chunks", manifest.TotalChunks).
		Float64("overhead_pct", chunker.Overhead(len(data), manifest.TotalChunks)).
		Msg("message published")

	return manifest.MessageID, nil
}

func (s *Server) storeRecords(manifest chunker.DNSManifest, chunkRecords []chunker.DNSRecord) error {
	chunks := make(map[int]string, len(chunkRecords))
	for _, record := range chunkRecords {
		parsed, err := s.encoder.ParseName(record.Name)
		if err != nil {
			return err
		}
		chunks[parsed.Sequence] = record.Value
	}

	if len(chunks) != manifest.TotalChunks {
		return fmt.Errorf("message %s: manifest declares %d chunks, have %d",
			manifest.MessageID, manifest.TotalChunks, len(chunks))
	}

	return s.queue.PublishMessage(manifest.MessageID, chunks, manifest.Value())
}

// LoadZone publishes every complete message found in BIND zone text, as
// written by chunker.ZoneFile. It returns the IDs loaded.
func (s *Server) LoadZone(zone string) ([]string, error) {
	manifests := make(map[string]chunker.DNSManifest)
	chunkRecords := make(map[string][]chunker.DNSRecord)

	zp := dns.NewZoneParser(strings.NewReader(zone), dns.Fqdn(s.encoder.Domain()), "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		txt, isTXT := rr.(*dns.TXT)
		if !isTXT {
			continue
		}

		name := strings.TrimSuffix(txt.Hdr.Name, ".")
		parsed, err := s.encoder.ParseName(name)
		if err != nil {
			s.log.Debug().Str("name", name).Msg("skipping foreign record")
			continue
		}

		value := strings.Join(txt.Txt, "")
		switch parsed.Kind {
		case chunker.KindManifest:
			manifest, err := chunker.ParseManifest(parsed.MessageID, value)
			if err != nil {
				return nil, err
			}
			manifests[parsed.MessageID] = manifest
		case chunker.KindChunk:
			chunkRecords[parsed.MessageID] = append(chunkRecords[parsed.MessageID],
				chunker.DNSRecord{Name: name, TTL: txt.Hdr.Ttl, Value: value})
		}
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("zone parse failed: %w", err)
	}

	var loaded []string
	for id, manifest := range manifests {
		if err := s.storeRecords(manifest, chunkRecords[id]); err != nil {
			return loaded, err
		}
		loaded = append(loaded, id)
		s.log.Info().Str("id", id).Int("chunks", manifest.TotalChunks).Msg("message loaded from zone")
	}

	if len(loaded) == 0 {
		return nil, errors.New("no manifests found in zone")
	}

	return loaded, nil
}

// ServeDNS implements dns.Handler
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) == 1 {
		s.answer(r.Question[0], msg)
	} else {
		msg.Rcode = dns.RcodeFormatError
	}

	if err := w.WriteMsg(msg); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *Server) answer(q dns.Question, msg *dns.Msg) {
	qname := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	domain := s.encoder.Domain()

	if qname == domain {
		return
	}

	rel, ok := strings.CutSuffix(qname, "."+domain)
	if !ok {
		msg.Rcode = dns.RcodeRefused
		return
	}

	// Queue names act on the store, so only TXT lookups reach them
	wantTXT := q.Qtype == dns.TypeTXT || q.Qtype == dns.TypeANY
	labels := strings.Split(rel, ".")

	var (
		values []string
		ttl    uint32 = chunker.DEFAULT_TTL
		found  bool
	)

	switch {
	case len(labels) == 2 && labels[0] == "consume":
		if !wantTXT {
			return
		}
		values, found = s.handleConsume(labels[1])
		ttl = queueTTL
	case len(labels) == 3 && labels[0] == "ack":
		if !wantTXT {
			return
		}
		values, found = s.handleAck(labels[1], labels[2])
		ttl = queueTTL
	default:
		values, found = s.handleData(qname)
	}

	if !found {
		msg.Rcode = dns.RcodeNameError
		return
	}

	if !wantTXT || len(values) == 0 {
		return
	}

	msg.Answer = append(msg.Answer, &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Txt: values,
	})
}

func (s *Server) handleData(qname string) ([]string, bool) {
	parsed, err := s.encoder.ParseName(qname)
	if err != nil {
		s.log.Debug().Str("qname", qname).Msg("unknown name")
		return nil, false
	}

	switch parsed.Kind {
	case chunker.KindManifest:
		msg, err := s.storage.GetMessage(parsed.MessageID)
		if err != nil {
			s.log.Debug().Str("id", parsed.MessageID).Msg("manifest miss")
			return nil, false
		}
		return []string{msg.Manifest}, true

	default:
		value, err := s.storage.GetChunk(parsed.MessageID, parsed.Sequence)
		if err != nil {
			s.log.Debug().Str("id", parsed.MessageID).Int("seq", parsed.Sequence).Msg("chunk miss")
			return nil, false
		}
		s.log.Trace().Str("id", parsed.MessageID).Int("seq", parsed.Sequence).Msg("served chunk")
		return []string{value}, true
	}
}

func (s *Server) handleConsume(clientID string) ([]string, bool) {
	// IDs past the limit stay unseen for the next poll
	ids, err := s.queue.ConsumeMessages(clientID, maxQueueAnswer)
	if err != nil {
		s.log.Error().Err(err).Str("client", clientID).Msg("consume failed")
	}

	if len(ids) > 0 {
		s.log.Info().Str("client", clientID).Strs("ids", ids).Msg("messages listed")
	}
	return ids, true
}

func (s *Server) handleAck(msgID, clientID string) ([]string, bool) {
	if err := s.queue.AcknowledgeMessage(msgID, clientID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error().Err(err).Str("id", msgID).Msg("ack failed")
		}
		return nil, false
	}

	s.log.Info().Str("client", clientID).Str("id", msgID).Msg("message acknowledged")
	return []string{"ok"}, true
}

// Serve answers queries on pc until ctx is cancelled
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		Handler:           s,
		NotifyStartedFunc: func() { close(started) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ActivateAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-started:
	}

	s.log.Info().Str("addr", pc.LocalAddr().String()).Str("domain", s.encoder.Domain()).Msg("dns server ready")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.ShutdownContext(shutdownCtx); err != nil {
		return fmt.Errorf("dns shutdown: %w", err)
	}
	<-errCh

	return nil
}

// ListenAndServe binds a UDP socket on addr and serves it until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, pc)
}

// RunCleaner removes messages older than ttl every interval until ctx is done
func (s *Server) RunCleaner(ctx context.Context, interval, ttl time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := s.storage.CleanExpired(ttl)
			if err != nil {
				s.log.Error().Err(err).Msg("cleanup failed")
				continue
			}
			if removed > 0 {
				s.log.Info().Int("removed", removed).Msg("expired messages cleaned")
			}
		}
	}
}
