package chunker

import (
	"crypto/rand"
	"hash/crc32"
	mrand "math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestPayloadSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 128, NewChunker(ChunkerConfig{}).PayloadSize())
	assert.Equal(t, 97, NewChunker(ChunkerConfig{Encoding: ENCODE_HEX}).PayloadSize())
}

func TestSplitFitsTXTString(t *testing.T) {
	t.Parallel()

	for _, encoding := range []string{ENCODE_BASE32, ENCODE_HEX} {
		t.Run(encoding, func(t *testing.T) {
			t.Parallel()

			c := NewChunker(ChunkerConfig{Encoding: encoding})
			msg, err := c.Split(randomData(t, 5000))
			require.NoError(t, err)

			for _, chunk := range msg.Chunks {
				assert.LessOrEqual(t, len(chunk.Encoded), SAFE_CHUNK_SIZE)
			}
		})
	}
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"one byte":            1,
		"exactly one chunk":   128,
		"one past one chunk":  129,
		"several chunks":      1000,
		"typical stego image": 12345,
	}

	for name, size := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c := NewChunker(ChunkerConfig{})
			data := randomData(t, size)

			msg, err := c.Split(data)
			require.NoError(t, err)
			assert.Len(t, msg.Chunks, (size+127)/128)
			assert.Equal(t, crc32.ChecksumIEEE(data), msg.Checksum)

			decoded := make([]Chunk, 0, len(msg.Chunks))
			for _, chunk := range msg.Chunks {
				d, err := c.DecodeChunk(chunk.Encoded)
				require.NoError(t, err)
				decoded = append(decoded, *d)
			}

			got, err := c.ReassembleMessage(decoded)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestReassembleShuffled(t *testing.T) {
	t.Parallel()

	c := NewChunker(ChunkerConfig{})
	data := randomData(t, 3000)

	msg, err := c.Split(data)
	require.NoError(t, err)

	chunks := append([]Chunk(nil), msg.Chunks...)
	mrand.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

	got, err := c.ReassembleMessage(chunks)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// duplicated delivery
	got, err = c.ReassembleMessage(append(chunks, chunks[0]))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReassembleMissingChunk(t *testing.T) {
	t.Parallel()

	c := NewChunker(ChunkerConfig{})
	msg, err := c.Split(randomData(t, 1000))
	require.NoError(t, err)

	chunks := append([]Chunk(nil), msg.Chunks[:3]...)
	chunks = append(chunks, msg.Chunks[5:]...)

	_, err = c.ReassembleMessage(chunks)
	require.ErrorIs(t, err, ErrIncomplete)
	assert.Contains(t, err.Error(), "[3 4]")

	assert.Equal(t, []uint16{3, 4}, FindMissing(chunks, msg.Chunks[0].Metadata.TotalChunks))

	_, err = c.ReassembleMessage(nil)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestReassembleCorruptedChunk(t *testing.T) {
	t.Parallel()

	c := NewChunker(ChunkerConfig{})
	msg, err := c.Split(randomData(t, 500))
	require.NoError(t, err)

	chunks := append([]Chunk(nil), msg.Chunks...)
	corrupted := append([]byte(nil), chunks[1].Payload...)
	corrupted[10] ^= 0x01
	chunks[1].Payload = corrupted

	_, err = c.ReassembleMessage(chunks)
	require.ErrorIs(t, err, faults.ErrFormat)
	assert.Contains(t, err.Error(), "checksum mismatch on chunk 1")
}

func TestReassembleMixedMessages(t *testing.T) {
	t.Parallel()

	c := NewChunker(ChunkerConfig{})
	a, err := c.Split(randomData(t, 300))
	require.NoError(t, err)
	b, err := c.Split(randomData(t, 300))
	require.NoError(t, err)

	_, err = c.ReassembleMessage([]Chunk{a.Chunks[0], b.Chunks[1], a.Chunks[2]})
	require.ErrorIs(t, err, faults.ErrFormat)
	assert.Contains(t, err.Error(), "mixed messages")
}

func TestDecodeChunkErrors(t *testing.T) {
	t.Parallel()

	c := NewChunker(ChunkerConfig{})
	msg, err := c.Split([]byte("payload"))
	require.NoError(t, err)

	good := msg.Chunks[0].Encoded
	badMagic := b32.EncodeToString(append([]byte("XXXX"), make([]byte, 30)...))

	tests := map[string]string{
		"not encoded":  "!!!not-base32!!!",
		"too short":    b32.EncodeToString([]byte("DNSC")),
		"wrong magic":  badMagic,
		"empty string": "",
	}

	for name, encoded := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := c.DecodeChunk(encoded)
			assert.ErrorIs(t, err, faults.ErrFormat)
		})
	}

	// hex decodes through a base32 configured chunker too
	hexChunker := NewChunker(ChunkerConfig{Encoding: ENCODE_HEX})
	hexMsg, err := hexChunker.Split([]byte("payload"))
	require.NoError(t, err)
	decoded, err := c.DecodeChunk(hexMsg.Chunks[0].Encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), decoded.Payload)

	decoded, err = c.DecodeChunk(good)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.Metadata.MessageID)
}

func TestSplitEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewChunker(ChunkerConfig{}).Split(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSplitFreshIDs(t *testing.T) {
	t.Parallel()

	c := NewChunker(ChunkerConfig{})
	a, err := c.Split([]byte("same"))
	require.NoError(t, err)
	b, err := c.Split([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.IDString(), 32)

	stats := c.GetStats()
	assert.Equal(t, 2, stats.MessagesChunked)
	assert.Equal(t, 2, stats.TotalChunks)
	assert.Equal(t, 8, stats.TotalBytes)
}

func TestSortChunks(t *testing.T) {
	t.Parallel()

	c := NewChunker(ChunkerConfig{})
	msg, err := c.Split(randomData(t, 700))
	require.NoError(t, err)

	chunks := append([]Chunk(nil), msg.Chunks...)
	mrand.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })
	SortChunks(chunks)

	for i, chunk := range chunks {
		assert.Equal(t, uint16(i), chunk.Metadata.Sequence)
	}
}

func TestEncodeToDNS(t *testing.T) {
	t.Parallel()

	c := NewChunker(ChunkerConfig{})
	msg, err := c.SplitWithID([16]byte{0xde, 0xad, 0xbe, 0xef}, randomData(t, 300))
	require.NoError(t, err)

	enc := NewDNSEncoder("Covert.Example.com.")
	manifest, records := enc.EncodeToDNS(msg)

	id := "deadbeef000000000000000000000000"
	assert.Equal(t, id, manifest.MessageID)
	assert.Equal(t, 3, manifest.TotalChunks)
	require.Len(t, records, 4)
	assert.Equal(t, "m-"+id+".data.covert.example.com", records[0].Name)
	assert.Equal(t, "c-2-"+id+".data.covert.example.com", records[3].Name)
	assert.Equal(t, msg.Chunks[2].Encoded, records[3].Value)

	parsed, err := ParseManifest(id, records[0].Value)
	require.NoError(t, err)
	assert.Equal(t, manifest.TotalChunks, parsed.TotalChunks)
	assert.Equal(t, msg.Checksum, parsed.Checksum)
	assert.Equal(t, msg.CreatedAt.Unix(), parsed.Timestamp.Unix())
}

func TestParseName(t *testing.T) {
	t.Parallel()

	enc := NewDNSEncoder("covert.example.com")
	id := strings.Repeat("ab", 16)

	got, err := enc.ParseName("C-17-" + strings.ToUpper(id) + ".DATA.covert.example.com.")
	require.NoError(t, err)
	assert.Equal(t, ParsedName{Kind: KindChunk, MessageID: id, Sequence: 17}, got)

	got, err = enc.ParseName(enc.ManifestName(id))
	require.NoError(t, err)
	assert.Equal(t, ParsedName{Kind: KindManifest, MessageID: id}, got)

	for _, bad := range []string{
		"c-1-" + id + ".data.other.com",
		"c-x-" + id + ".data.covert.example.com",
		"c-70000-" + id + ".data.covert.example.com",
		"c-1-abc.data.covert.example.com",
		"m-" + id + ".extra.data.covert.example.com",
		"q-" + id + ".data.covert.example.com",
		"data.covert.example.com",
	} {
		_, err := enc.ParseName(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseManifestErrors(t *testing.T) {
	t.Parallel()

	for _, value := range []string{
		"", "3:abc", "x:0000abcd:1", "0:0000abcd:1", "3:zz:1", "3:0000abcd:later",
		"65536:0000abcd:1", "999999999999999:00000000:0",
	} {
		_, err := ParseManifest("id", value)
		assert.ErrorIs(t, err, faults.ErrFormat, value)
	}
}

func TestZoneFile(t *testing.T) {
	t.Parallel()

	records := []DNSRecord{
		{Name: "m-x.data.example.com", TTL: 300, Value: "1:0000abcd:1700000000"},
		{Name: "c-0-x.data.example.com", TTL: 300, Value: "INQWY"},
	}

	zone := ZoneFile(records, time.Unix(0, 0).UTC())
	assert.Contains(t, zone, "; Records: 2")
	assert.Contains(t, zone, "m-x.data.example.com.\t300\tIN\tTXT\t\"1:0000abcd:1700000000\"")
	assert.Contains(t, zone, "c-0-x.data.example.com.\t300\tIN\tTXT\t\"INQWY\"")
}

func TestOverhead(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 28.0, Overhead(100, 1), 0.001)
	assert.Zero(t, Overhead(0, 0))
}
