package chunker

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/miekg/dns"
)

const (
	DEFAULT_SUBDOMAIN = "data"
	DEFAULT_TTL       = 300 // seconds
)

// Record kinds returned by ParseName
const (
	KindChunk    = "chunk"
	KindManifest = "manifest"
)

// DNSEncoder maps messages onto TXT record names under one zone
type DNSEncoder struct {
	domain    string
	subdomain string
	ttl       uint32
}

// NewDNSEncoder creates an encoder for DNS transport under domain
func NewDNSEncoder(domain string) *DNSEncoder {
	return &DNSEncoder{
		domain:    canonical(domain),
		subdomain: DEFAULT_SUBDOMAIN,
		ttl:       DEFAULT_TTL,
	}
}

// Domain is the zone the encoder names records under, without trailing dot
func (de *DNSEncoder) Domain() string {
	return de.domain
}

// DNSManifest describes a complete message for DNS transport. It is served
// as TOTAL:CRC32HEX:UNIX.
type DNSManifest struct {
	MessageID   string
	TotalChunks int
	Checksum    uint32 // CRC32 of the reassembled data
	Timestamp   time.Time
}

// Value renders the manifest TXT string
func (m DNSManifest) Value() string {
	return fmt.Sprintf("%d:%08x:%d", m.TotalChunks, m.Checksum, m.Timestamp.Unix())
}

// ParseManifest reads a manifest TXT string
func ParseManifest(id, value string) (DNSManifest, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return DNSManifest{}, &faults.FormatError{Layer: "manifest", Reason: fmt.Sprintf("expected 3 fields, got %d", len(parts))}
	}

	total, err := strconv.Atoi(parts[0])
	if err != nil || total <= 0 || total > math.MaxUint16 {
		return DNSManifest{}, &faults.FormatError{Layer: "manifest", Reason: fmt.Sprintf("bad chunk count %q", parts[0])}
	}

	checksum, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return DNSManifest{}, &faults.FormatError{Layer: "manifest", Reason: fmt.Sprintf("bad checksum %q", parts[1])}
	}

	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return DNSManifest{}, &faults.FormatError{Layer: "manifest", Reason: fmt.Sprintf("bad timestamp %q", parts[2])}
	}

	return DNSManifest{
		MessageID:   id,
		TotalChunks: total,
		Checksum:    uint32(checksum),
		Timestamp:   time.Unix(unix, 0),
	}, nil
}

// DNSRecord is one TXT record
type DNSRecord struct {
	Name  string // fully qualified, without trailing dot
	TTL   uint32
	Value string
}

// RR converts the record into a miekg/dns resource record
func (r DNSRecord) RR() dns.RR {
	return &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(r.Name),
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    r.TTL,
		},
		Txt: []string{r.Value},
	}
}

// ChunkName is c-<seq>-<id>.<subdomain>.<domain>
func (de *DNSEncoder) ChunkName(id string, seq int) string {
	return fmt.Sprintf("c-%d-%s.%s.%s", seq, id, de.subdomain, de.domain)
}

// ManifestName is m-<id>.<subdomain>.<domain>
func (de *DNSEncoder) ManifestName(id string) string {
	return fmt.Sprintf("m-%s.%s.%s", id, de.subdomain, de.domain)
}

// EncodeToDNS converts a chunked message into its manifest and TXT records.
// The manifest record comes first.
func (de *DNSEncoder) EncodeToDNS(msg *Message) (DNSManifest, []DNSRecord) {
	id := msg.IDString()
	manifest := DNSManifest{
		MessageID:   id,
		TotalChunks: len(msg.Chunks),
		Checksum:    msg.Checksum,
		Timestamp:   msg.CreatedAt,
	}

	records := make([]DNSRecord, 0, len(msg.Chunks)+1)
	records = append(records, DNSRecord{Name: de.ManifestName(id), TTL: de.ttl, Value: manifest.Value()})

	for _, chunk := range msg.Chunks {
		records = append(records, DNSRecord{
			Name:  de.ChunkName(id, int(chunk.Metadata.Sequence)),
			TTL:   de.ttl,
			Value: chunk.Encoded,
		})
	}

	return manifest, records
}

// ParsedName is a query name resolved against the encoder's zone
type ParsedName struct {
	Kind      string // KindChunk or KindManifest
	MessageID string
	Sequence  int
}

// ParseName resolves a record name produced by ChunkName or ManifestName.
// Matching is case-insensitive and a trailing dot is ignored.
func (de *DNSEncoder) ParseName(name string) (ParsedName, error) {
	suffix := "." + de.subdomain + "." + de.domain
	name = canonical(name)

	label, ok := strings.CutSuffix(name, suffix)
	if !ok || strings.Contains(label, ".") {
		return ParsedName{}, fmt.Errorf("%q is not a data record of %s", name, de.domain)
	}

	if id, ok := strings.CutPrefix(label, "m-"); ok {
		if !validID(id) {
			return ParsedName{}, fmt.Errorf("invalid message id in %q", name)
		}
		return ParsedName{Kind: KindManifest, MessageID: id}, nil
	}

	rest, ok := strings.CutPrefix(label, "c-")
	if !ok {
		return ParsedName{}, fmt.Errorf("unknown record label %q", label)
	}

	seqText, id, ok := strings.Cut(rest, "-")
	if !ok || !validID(id) {
		return ParsedName{}, fmt.Errorf("invalid chunk label %q", label)
	}

	seq, err := strconv.ParseUint(seqText, 10, 16)
	if err != nil {
		return ParsedName{}, fmt.Errorf("invalid chunk sequence in %q", label)
	}

	return ParsedName{Kind: KindChunk, MessageID: id, Sequence: int(seq)}, nil
}

// ZoneFile renders records as BIND-compatible zone lines
func ZoneFile(records []DNSRecord, generated time.Time) string {
	var zone strings.Builder

	zone.WriteString("; DNS covert channel zone file\n")
	fmt.Fprintf(&zone, "; Generated: %s\n", generated.Format(time.RFC3339))
	fmt.Fprintf(&zone, "; Records: %d\n\n", len(records))

	for _, record := range records {
		zone.WriteString(record.RR().String())
		zone.WriteByte('\n')
	}

	return zone.String()
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// validID reports whether id is a 128-bit lowercase hex message ID
func validID(id string) bool {
	if len(id) != 32 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
