package dnsserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for unknown messages and chunks.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when a message ID is stored twice.
	ErrExists = errors.New("message already exists")
)

// Message is a chunked stego image waiting to be fetched over DNS
type Message struct {
	ID          string           `json:"id"`
	Chunks      map[int]string   `json:"chunks"` // sequence -> encoded chunk
	TotalChunks int              `json:"total_chunks"`
	Manifest    string           `json:"manifest"`
	CreatedAt   time.Time        `json:"created_at"`
	State       MessageState     `json:"state"`
	Consumers   []ConsumerRecord `json:"consumers"`
}

func (m *Message) clone() *Message {
	c := *m
	c.Chunks = maps.Clone(m.Chunks)
	c.Consumers = slices.Clone(m.Consumers)
	return &c
}

// MessageState tracks lifecycle
type MessageState int

const (
	StateNew       MessageState = iota // never handed to a client
	StateDelivered                     // listed to at least one client
	StateConsumed                      // acknowledged
)

func (s MessageState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateDelivered:
		return "delivered"
	case StateConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// ConsumerRecord tracks who was handed what
type ConsumerRecord struct {
	ClientID    string    `json:"client_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Storage holds published messages and their per-client delivery state
type Storage interface {
	StoreMessage(msg *Message) error
	GetMessage(id string) (*Message, error)
	GetChunk(msgID string, seq int) (string, error)

	GetNewMessages(clientID string) ([]*Message, error)
	MarkAsDelivered(msgID, clientID string) error
	MarkAsConsumed(msgID, clientID string) error

	ListMessages() ([]*Message, error)
	CleanExpired(ttl time.Duration) (int, error)
	GetStats() StorageStats
}

// StorageStats provides counts per state
type StorageStats struct {
	TotalMessages int `json:"total_messages"`
	NewMessages   int `json:"new_messages"`
	Delivered     int `json:"delivered"`
	Consumed      int `json:"consumed"`
	TotalChunks   int `json:"total_chunks"`
}

// MemoryStorage keeps everything in RAM
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[string]*Message // msgID -> Message
	index    map[string][]string // clientID -> msgIDs already listed to it
	now      func() time.Time
}

// NewMemoryStorage creates in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]*Message),
		index:    make(map[string][]string),
		now:      time.Now,
	}
}

// StoreMessage adds a new message. The stored copy starts in StateNew.
func (ms *MemoryStorage) StoreMessage(msg *Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.messages[msg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, msg.ID)
	}

	stored := msg.clone()
	stored.State = StateNew
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = ms.now()
	}
	ms.messages[msg.ID] = stored

	return nil
}

// GetMessage retrieves a copy of a message by ID
func (ms *MemoryStorage) GetMessage(id string) (*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	msg, exists := ms.messages[id]
	if !exists {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	return msg.clone(), nil
}

// GetChunk retrieves one encoded chunk
func (ms *MemoryStorage) GetChunk(msgID string, seq int) (string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	msg, exists := ms.messages[msgID]
	if !exists {
		return "", fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}

	data, exists := msg.Chunks[seq]
	if !exists {
		return "", fmt.Errorf("chunk %d of %s: %w", seq, msgID, ErrNotFound)
	}

	return data, nil
}

// GetNewMessages returns unconsumed messages not yet listed to clientID,
// oldest first
func (ms *MemoryStorage) GetNewMessages(clientID string) ([]*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	seen := make(map[string]bool)
	for _, id := range ms.index[clientID] {
		seen[id] = true
	}

	var fresh []*Message
	for id, msg := range ms.messages {
		if !seen[id] && msg.State != StateConsumed {
			fresh = append(fresh, msg.clone())
		}
	}

	sortByAge(fresh)
	return fresh, nil
}

// MarkAsDelivered records that msgID was listed to clientID
func (ms *MemoryStorage) MarkAsDelivered(msgID, clientID string) error {
	_, err := ms.markDelivered(msgID, clientID)
	return err
}

// markDelivered records the delivery and returns a func that reverts it
func (ms *MemoryStorage) markDelivered(msgID, clientID string) (func(), error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, exists := ms.messages[msgID]
	if !exists {
		return nil, fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}

	prevState := msg.State
	prevConsumers := len(msg.Consumers)
	listed := slices.Contains(ms.index[clientID], msgID)

	if msg.State == StateNew {
		msg.State = StateDelivered
	}

	msg.Consumers = append(msg.Consumers, ConsumerRecord{
		ClientID:    clientID,
		DeliveredAt: ms.now(),
	})

	if !listed {
		ms.index[clientID] = append(ms.index[clientID], msgID)
	}

	undo := func() {
		ms.mu.Lock()
		defer ms.mu.Unlock()

		if m, ok := ms.messages[msgID]; ok {
			m.State = prevState
			m.Consumers = m.Consumers[:min(prevConsumers, len(m.Consumers))]
		}
		if !listed {
			ids := slices.DeleteFunc(ms.index[clientID], func(id string) bool { return id == msgID })
			if len(ids) == 0 {
				delete(ms.index, clientID)
			} else {
				ms.index[clientID] = ids
			}
		}
	}

	return undo, nil
}

// MarkAsConsumed marks message as fully processed
func (ms *MemoryStorage) MarkAsConsumed(msgID, clientID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, exists := ms.messages[msgID]
	if !exists {
		return fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}

	msg.State = StateConsumed
	return nil
}

// ListMessages returns copies of all messages, oldest first
func (ms *MemoryStorage) ListMessages() ([]*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	messages := make([]*Message, 0, len(ms.messages))
	for _, msg := range ms.messages {
		messages = append(messages, msg.clone())
	}

	sortByAge(messages)
	return messages, nil
}

// CleanExpired removes messages older than ttl
func (ms *MemoryStorage) CleanExpired(ttl time.Duration) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cutoff := ms.now().Add(-ttl)
	removed := 0

	for id, msg := range ms.messages {
		if msg.CreatedAt.Before(cutoff) {
			delete(ms.messages, id)
			removed++
		}
	}

	if removed > 0 {
		for client, ids := range ms.index {
			ids = slices.DeleteFunc(ids, func(id string) bool {
				_, ok := ms.messages[id]
				return !ok
			})
			if len(ids) == 0 {
				delete(ms.index, client)
			} else {
				ms.index[client] = ids
			}
		}
	}

	return removed, nil
}

// GetStats returns storage statistics
func (ms *MemoryStorage) GetStats() StorageStats {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var stats StorageStats
	for _, msg := range ms.messages {
		stats.TotalMessages++
		stats.TotalChunks += len(msg.Chunks)
		switch msg.State {
		case StateNew:
			stats.NewMessages++
		case StateDelivered:
			stats.Delivered++
		case StateConsumed:
			stats.Consumed++
		}
	}

	return stats
}

func sortByAge(messages []*Message) {
	slices.SortFunc(messages, func(a, b *Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

// snapshot is the on-disk form of a MemoryStorage
type snapshot struct {
	Messages map[string]*Message `json:"messages"`
	Index    map[string][]string `json:"index"`
}

func (ms *MemoryStorage) snapshot() snapshot {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	snap := snapshot{
		Messages: make(map[string]*Message, len(ms.messages)),
		Index:    make(map[string][]string, len(ms.index)),
	}
	for id, msg := range ms.messages {
		snap.Messages[id] = msg.clone()
	}
	for client, ids := range ms.index {
		snap.Index[client] = slices.Clone(ids)
	}

	return snap
}

func (ms *MemoryStorage) restore(snap snapshot) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.messages = snap.Messages
	if ms.messages == nil {
		ms.messages = make(map[string]*Message)
	}
	ms.index = snap.Index
	if ms.index == nil {
		ms.index = make(map[string][]string)
	}
}

// FileStorage is a MemoryStorage that writes a JSON snapshot after every
// change
type FileStorage struct {
	*MemoryStorage
	dataFile string
	mu       sync.Mutex
}

// NewFileStorage creates persistent storage, loading dataFile if present
func NewFileStorage(dataFile string) (*FileStorage, error) {
	fs := &FileStorage{
		MemoryStorage: NewMemoryStorage(),
		dataFile:      dataFile,
	}

	if err := fs.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	return fs, nil
}

// StoreMessage adds message and persists to disk
func (fs *FileStorage) StoreMessage(msg *Message) error {
	if err := fs.MemoryStorage.StoreMessage(msg); err != nil {
		return err
	}
	return fs.Save()
}

// MarkAsDelivered records delivery and persists to disk. A failed save
// leaves the message undelivered so the client is offered it again.
func (fs *FileStorage) MarkAsDelivered(msgID, clientID string) error {
	undo, err := fs.MemoryStorage.markDelivered(msgID, clientID)
	if err != nil {
		return err
	}
	if err := fs.Save(); err != nil {
		undo()
		return err
	}
	return nil
}

// MarkAsConsumed records the acknowledgement and persists to disk
func (fs *FileStorage) MarkAsConsumed(msgID, clientID string) error {
	if err := fs.MemoryStorage.MarkAsConsumed(msgID, clientID); err != nil {
		return err
	}
	return fs.Save()
}

// CleanExpired removes old messages and persists when anything went
func (fs *FileStorage) CleanExpired(ttl time.Duration) (int, error) {
	removed, err := fs.MemoryStorage.CleanExpired(ttl)
	if err != nil || removed == 0 {
		return removed, err
	}
	return removed, fs.Save()
}

// Save writes current state to disk through a temp file and rename
func (fs *FileStorage) Save() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	jsonData, err := json.MarshalIndent(fs.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.dataFile), filepath.Base(fs.dataFile)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(jsonData); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), fs.dataFile); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Load reads state from disk
func (fs *FileStorage) Load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	jsonData, err := os.ReadFile(fs.dataFile)
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(jsonData, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	fs.restore(snap)
	return nil
}

// QueueManager adds queue semantics on top of storage
type QueueManager struct {
	storage Storage
	mu      sync.Mutex
}

// NewQueueManager creates a queue manager
func NewQueueManager(storage Storage) *QueueManager {
	return &QueueManager{storage: storage}
}

// PublishMessage adds a new message to the queue
func (qm *QueueManager) PublishMessage(id string, chunks map[int]string, manifest string) error {
	return qm.storage.StoreMessage(&Message{
		ID:          id,
		Chunks:      chunks,
		TotalChunks: len(chunks),
		Manifest:    manifest,
		CreatedAt:   time.Now(),
		State:       StateNew,
	})
}

// ConsumeMessages lists up to limit IDs clientID has not seen yet, oldest
// first, and marks them delivered to it. A limit of zero or less means all.
func (qm *QueueManager) ConsumeMessages(clientID string, limit int) ([]string, error) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	messages, err := qm.storage.GetNewMessages(clientID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}

	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		if err := qm.storage.MarkAsDelivered(msg.ID, clientID); err != nil {
			return ids, err
		}
		ids = append(ids, msg.ID)
	}

	return ids, nil
}

// AcknowledgeMessage marks a message as consumed
func (qm *QueueManager) AcknowledgeMessage(msgID, clientID string) error {
	return qm.storage.MarkAsConsumed(msgID, clientID)
}

// GetMessageStatus returns current state of a message
func (qm *QueueManager) GetMessageStatus(msgID string) (string, error) {
	msg, err := qm.storage.GetMessage(msgID)
	if err != nil {
		return "", err
	}

	if msg.State == StateDelivered {
		return fmt.Sprintf("delivered to %d clients", len(msg.Consumers)), nil
	}
	return msg.State.String(), nil
}
