// Package chunker fragments a stego image into self-describing pieces that
// each fit a single DNS TXT string, and puts them back together.
//
// Every chunk carries the same 28 byte header ahead of its payload:
//
//	MAGIC "DNSC"(4) | MESSAGE ID(16) | SEQ(2) | TOTAL(2) | CRC32(4) | PAYLOAD
//
// All integers are big-endian. The CRC covers the payload only. The whole
// chunk is then base32 (no padding) or hex encoded.
package chunker

import (
	"bytes"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/google/uuid"
)

const (
	// MAX_DNS_STRING_SIZE is the protocol limit for one TXT character-string
	MAX_DNS_STRING_SIZE = 255

	// SAFE_CHUNK_SIZE leaves room for resolver quirks
	SAFE_CHUNK_SIZE = 250

	// METADATA_OVERHEAD is Magic(4) + MessageID(16) + Sequence(2) + Total(2) + Checksum(4)
	METADATA_OVERHEAD = 28

	ENCODE_HEX    = "hex"
	ENCODE_BASE32 = "base32"

	CHUNK_MAGIC = 0x444E5343 // "DNSC"
)

var (
	// ErrIncomplete is returned when chunks are missing from a message.
	ErrIncomplete = errors.New("incomplete message")

	// ErrEmptyMessage is returned when there is nothing to chunk.
	ErrEmptyMessage = errors.New("nothing to chunk")

	b32 = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// ChunkMetadata is the decoded chunk header
type ChunkMetadata struct {
	Magic       uint32
	MessageID   [16]byte
	Sequence    uint16 // 0-based
	TotalChunks uint16
	Checksum    uint32 // CRC32 (IEEE) of this chunk's payload
}

// Chunk is a single DNS-ready fragment
type Chunk struct {
	Metadata ChunkMetadata
	Payload  []byte // raw bytes before encoding
	Encoded  string // TXT-ready string
}

// Message is a complete message split into chunks
type Message struct {
	ID        [16]byte
	Data      []byte
	Chunks    []Chunk
	Encoding  string
	Checksum  uint32 // CRC32 of Data
	CreatedAt time.Time
}

// IDString is the lowercase hex form of the message ID used in DNS names
func (m *Message) IDString() string {
	return hex.EncodeToString(m.ID[:])
}

// ChunkerConfig allows customization of chunking behavior
type ChunkerConfig struct {
	Encoding     string // hex or base32
	MaxChunkSize int    // encoded length limit per chunk
}

// Chunker handles message fragmentation
type Chunker struct {
	config ChunkerConfig

	mu    sync.Mutex
	stats ChunkingStats
}

// ChunkingStats tracks what the chunker has produced so far
type ChunkingStats struct {
	MessagesChunked  int
	TotalChunks      int
	TotalBytes       int
	LastChunkingTime time.Duration
}

// NewChunker creates a configured chunker instance
func NewChunker(config ChunkerConfig) *Chunker {
	if config.Encoding == "" {
		config.Encoding = ENCODE_BASE32
	}
	if config.MaxChunkSize <= 0 || config.MaxChunkSize > MAX_DNS_STRING_SIZE {
		config.MaxChunkSize = SAFE_CHUNK_SIZE
	}

	return &Chunker{config: config}
}

// Encoding reports the encoding this chunker writes
func (c *Chunker) Encoding() string {
	return c.config.Encoding
}

// PayloadSize is the number of raw data bytes carried per chunk
func (c *Chunker) PayloadSize() int {
	var raw int
	switch c.config.Encoding {
	case ENCODE_HEX:
		raw = c.config.MaxChunkSize / 2
	default:
		raw = c.config.MaxChunkSize * 5 / 8
	}
	return raw - METADATA_OVERHEAD
}

// Split fragments data into DNS-ready chunks under a fresh message ID
func (c *Chunker) Split(data []byte) (*Message, error) {
	return c.SplitWithID(uuid.New(), data)
}

// SplitWithID fragments data under a caller-chosen message ID
func (c *Chunker) SplitWithID(id [16]byte, data []byte) (*Message, error) {
	start := time.Now()

	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	payloadSize := c.PayloadSize()
	if payloadSize <= 0 {
		return nil, fmt.Errorf("chunk size %d leaves no room for payload", c.config.MaxChunkSize)
	}

	totalChunks := (len(data) + payloadSize - 1) / payloadSize
	if totalChunks > math.MaxUint16 {
		return nil, fmt.Errorf("message too large: requires %d chunks (max %d)",
			totalChunks, math.MaxUint16)
	}

	message := &Message{
		ID:        id,
		Data:      data,
		Chunks:    make([]Chunk, 0, totalChunks),
		Encoding:  c.config.Encoding,
		Checksum:  crc32.ChecksumIEEE(data),
		CreatedAt: time.Now(),
	}

	for seq := range totalChunks {
		from := seq * payloadSize
		to := min(from+payloadSize, len(data))
		message.Chunks = append(message.Chunks, c.createChunk(id, seq, totalChunks, data[from:to]))
	}

	c.mu.Lock()
	c.stats.MessagesChunked++
	c.stats.TotalChunks += totalChunks
	c.stats.TotalBytes += len(data)
	c.stats.LastChunkingTime = time.Since(start)
	c.mu.Unlock()

	return message, nil
}

func (c *Chunker) createChunk(id [16]byte, seq, total int, payload []byte) Chunk {
	metadata := ChunkMetadata{
		Magic:       CHUNK_MAGIC,
		MessageID:   id,
		Sequence:    uint16(seq),
		TotalChunks: uint16(total),
		Checksum:    crc32.ChecksumIEEE(payload),
	}

	return Chunk{
		Metadata: metadata,
		Payload:  payload,
		Encoded:  c.encodeChunk(metadata, payload),
	}
}

// AppendBinary appends the 28 byte chunk header
func (m ChunkMetadata) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, m.Magic)
	b = append(b, m.MessageID[:]...)
	b = binary.BigEndian.AppendUint16(b, m.Sequence)
	b = binary.BigEndian.AppendUint16(b, m.TotalChunks)
	return binary.BigEndian.AppendUint32(b, m.Checksum)
}

func (c *Chunker) encodeChunk(metadata ChunkMetadata, payload []byte) string {
	raw := metadata.AppendBinary(make([]byte, 0, METADATA_OVERHEAD+len(payload)))
	raw = append(raw, payload...)

	if c.config.Encoding == ENCODE_HEX {
		return hex.EncodeToString(raw)
	}
	return b32.EncodeToString(raw)
}

// DecodeChunk parses a TXT string back into a Chunk. Hex and base32 are
// both accepted regardless of the configured encoding.
func (c *Chunker) DecodeChunk(encoded string) (*Chunk, error) {
	raw, err := decodeString(encoded, c.config.Encoding)
	if err != nil {
		return nil, &faults.FormatError{Layer: "chunk", Reason: "undecodable chunk text"}
	}

	if len(raw) < METADATA_OVERHEAD {
		return nil, &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf("chunk too small: %d bytes", len(raw))}
	}

	var metadata ChunkMetadata
	metadata.Magic = binary.BigEndian.Uint32(raw[0:4])
	if metadata.Magic != CHUNK_MAGIC {
		return nil, &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf("invalid magic: %08x", metadata.Magic)}
	}
	copy(metadata.MessageID[:], raw[4:20])
	metadata.Sequence = binary.BigEndian.Uint16(raw[20:22])
	metadata.TotalChunks = binary.BigEndian.Uint16(raw[22:24])
	metadata.Checksum = binary.BigEndian.Uint32(raw[24:28])

	return &Chunk{
		Metadata: metadata,
		Payload:  raw[METADATA_OVERHEAD:],
		Encoded:  encoded,
	}, nil
}

func decodeString(encoded, preferred string) ([]byte, error) {
	if preferred == ENCODE_HEX {
		if raw, err := hex.DecodeString(encoded); err == nil {
			return raw, nil
		}
		return b32.DecodeString(encoded)
	}

	if raw, err := b32.DecodeString(encoded); err == nil {
		return raw, nil
	}
	return hex.DecodeString(encoded)
}

// ValidateChunk checks a decoded chunk on its own
func (c *Chunker) ValidateChunk(chunk *Chunk) error {
	if chunk.Metadata.Magic != CHUNK_MAGIC {
		return &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf("invalid magic: %08x", chunk.Metadata.Magic)}
	}

	if got := crc32.ChecksumIEEE(chunk.Payload); got != chunk.Metadata.Checksum {
		return &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf(
			"checksum mismatch on chunk %d: expected %08x, got %08x",
			chunk.Metadata.Sequence, chunk.Metadata.Checksum, got)}
	}

	if chunk.Metadata.Sequence >= chunk.Metadata.TotalChunks {
		return &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf(
			"sequence %d out of bounds (total: %d)", chunk.Metadata.Sequence, chunk.Metadata.TotalChunks)}
	}

	if len(chunk.Payload) == 0 {
		return &faults.FormatError{Layer: "chunk", Reason: "empty payload"}
	}

	if len(chunk.Payload) > c.PayloadSize() {
		return &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf(
			"payload too large: %d > %d", len(chunk.Payload), c.PayloadSize())}
	}

	return nil
}

// ReassembleMessage rebuilds the original data from chunks in any order.
// Duplicates of the same sequence number are tolerated if they agree.
func (c *Chunker) ReassembleMessage(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks provided", ErrIncomplete)
	}

	messageID := chunks[0].Metadata.MessageID
	totalExpected := chunks[0].Metadata.TotalChunks
	bySeq := make(map[uint16]*Chunk, totalExpected)

	for i := range chunks {
		chunk := &chunks[i]
		if chunk.Metadata.MessageID != messageID {
			return nil, &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf(
				"mixed messages detected: %x vs %x", messageID[:8], chunk.Metadata.MessageID[:8])}
		}
		if chunk.Metadata.TotalChunks != totalExpected {
			return nil, &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf(
				"inconsistent total chunks: %d vs %d", totalExpected, chunk.Metadata.TotalChunks)}
		}
		if err := c.ValidateChunk(chunk); err != nil {
			return nil, err
		}

		if prev, ok := bySeq[chunk.Metadata.Sequence]; ok && !bytes.Equal(prev.Payload, chunk.Payload) {
			return nil, &faults.FormatError{Layer: "chunk", Reason: fmt.Sprintf(
				"conflicting copies of chunk %d", chunk.Metadata.Sequence)}
		}
		bySeq[chunk.Metadata.Sequence] = chunk
	}

	if missing := FindMissing(chunks, totalExpected); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing chunks %v", ErrIncomplete, missing)
	}

	var reassembled []byte
	for seq := range totalExpected {
		reassembled = append(reassembled, bySeq[seq].Payload...)
	}

	return reassembled, nil
}

// FindMissing lists the sequence numbers below total that chunks lacks
func FindMissing(chunks []Chunk, total uint16) []uint16 {
	present := make(map[uint16]bool, len(chunks))
	for _, chunk := range chunks {
		present[chunk.Metadata.Sequence] = true
	}

	var missing []uint16
	for i := range total {
		if !present[i] {
			missing = append(missing, i)
		}
	}

	return missing
}

// SortChunks orders chunks by sequence number in place
func SortChunks(chunks []Chunk) {
	slices.SortFunc(chunks, func(a, b Chunk) int {
		return int(a.Metadata.Sequence) - int(b.Metadata.Sequence)
	})
}

// GetStats returns chunking statistics
func (c *Chunker) GetStats() ChunkingStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Overhead is the header cost of a message as a percentage of its data
func Overhead(dataSize, totalChunks int) float64 {
	if dataSize == 0 {
		return 0
	}
	return float64(totalChunks*METADATA_OVERHEAD) / float64(dataSize) * 100
}
