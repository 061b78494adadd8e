package dnsclient

import (
	"context"
	"crypto/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/faanross/simulacra_png/internal/dnsserver"
	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/pipeline"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "covert.example.com"

// serve runs handler on a loopback UDP port until the test ends
func serve(t *testing.T, handler dns.Handler) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func newReceiver(addr string) *Receiver {
	return NewReceiver(Config{
		Server:     addr,
		Domain:     testDomain,
		Workers:    4,
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		Logger:     zerolog.Nop(),
	})
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestRetrieveEndToEnd(t *testing.T) {
	t.Parallel()

	pngBytes, err := pipeline.Conceal([]byte("meet at the usual place"), "correct horse", nil)
	require.NoError(t, err)

	srv := dnsserver.NewServer(testDomain, dnsserver.NewMemoryStorage(), zerolog.Nop())
	id, err := srv.Publish(pngBytes)
	require.NoError(t, err)

	r := newReceiver(serve(t, srv))
	ctx := context.Background()

	ids, err := r.Poll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	got, err := r.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, got)

	message, err := pipeline.RevealText(got, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "meet at the usual place", message)

	require.NoError(t, r.Ack(ctx, id, "alice"))

	ids, err = r.Poll(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)

	// consumed messages are no longer offered to anyone
	ids, err = r.Poll(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRetrieveUnknownMessage(t *testing.T) {
	t.Parallel()

	srv := dnsserver.NewServer(testDomain, dnsserver.NewMemoryStorage(), zerolog.Nop())
	r := newReceiver(serve(t, srv))

	_, err := r.Retrieve(context.Background(), strings.Repeat("ab", 16))
	assert.ErrorIs(t, err, ErrNotFound)

	err = r.Ack(context.Background(), strings.Repeat("ab", 16), "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

// flaky answers SERVFAIL to the first failures queries for each name
type flaky struct {
	next     dns.Handler
	failures int

	mu   sync.Mutex
	seen map[string]int
}

func (f *flaky) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	name := strings.ToLower(r.Question[0].Name)

	f.mu.Lock()
	f.seen[name]++
	n := f.seen[name]
	f.mu.Unlock()

	if strings.HasPrefix(name, "c-") && n <= f.failures {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}

	f.next.ServeDNS(w, r)
}

func TestFetchChunkRetries(t *testing.T) {
	t.Parallel()

	srv := dnsserver.NewServer(testDomain, dnsserver.NewMemoryStorage(), zerolog.Nop())
	data := randomData(t, 600)
	id, err := srv.Publish(data)
	require.NoError(t, err)

	handler := &flaky{next: srv, failures: 2, seen: make(map[string]int)}
	r := newReceiver(serve(t, handler))

	got, err := r.Retrieve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	for name, n := range handler.seen {
		if strings.HasPrefix(name, "c-") {
			assert.Equal(t, 3, n, name)
		}
	}
}

func TestFetchChunkGivesUp(t *testing.T) {
	t.Parallel()

	srv := dnsserver.NewServer(testDomain, dnsserver.NewMemoryStorage(), zerolog.Nop())
	id, err := srv.Publish(randomData(t, 100))
	require.NoError(t, err)

	handler := &flaky{next: srv, failures: 10, seen: make(map[string]int)}
	r := newReceiver(serve(t, handler))

	_, err = r.FetchChunk(context.Background(), id, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "SERVFAIL")
}

// tamper rewrites one field of the manifest answer
type tamper struct {
	next  dns.Handler
	field int
	value string
}

type captureWriter struct {
	dns.ResponseWriter
	t tamper
}

func (c captureWriter) WriteMsg(m *dns.Msg) error {
	for _, rr := range m.Answer {
		if txt, ok := rr.(*dns.TXT); ok && strings.HasPrefix(txt.Hdr.Name, "m-") {
			parts := strings.Split(txt.Txt[0], ":")
			parts[c.t.field] = c.t.value
			txt.Txt[0] = strings.Join(parts, ":")
		}
	}
	return c.ResponseWriter.WriteMsg(m)
}

func (t tamper) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	t.next.ServeDNS(captureWriter{ResponseWriter: w, t: t}, r)
}

func TestRetrieveTamperedManifest(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		field   int
		value   string
		message string
	}{
		"checksum":        {1, "00000000", "checksum mismatch"},
		"huge count":      {0, "999999999999999", "bad chunk count"},
		"above uint16":    {0, "65536", "bad chunk count"},
		"count too small": {0, "2", "claims 3 chunks, manifest has 2"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := dnsserver.NewServer(testDomain, dnsserver.NewMemoryStorage(), zerolog.Nop())
			id, err := srv.Publish(randomData(t, 300))
			require.NoError(t, err)

			r := newReceiver(serve(t, tamper{next: srv, field: tt.field, value: tt.value}))

			_, err = r.Retrieve(context.Background(), id)
			require.ErrorIs(t, err, faults.ErrFormat)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestRetrieveCancelled(t *testing.T) {
	t.Parallel()

	srv := dnsserver.NewServer(testDomain, dnsserver.NewMemoryStorage(), zerolog.Nop())
	id, err := srv.Publish(randomData(t, 300))
	require.NoError(t, err)

	r := newReceiver(serve(t, srv))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Retrieve(ctx, id)
	assert.Error(t, err)
}
