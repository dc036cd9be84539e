// Package dhtstore holds the DHT's in-memory key/value store, its
// offline-message mailboxes, and the per-IP rate limiter guarding RPC and
// onion acceptance. It generalizes the teacher's async.MessageStorage
// (opd-ai/toxcore async/storage.go) from a single-purpose message cache
// into the two stores this spec's DhtNode needs, kept under one package
// since both share the same cleanup cadence and locking discipline.
package dhtstore

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrStorageFull indicates the value store is at its global cap and
	// cleanup did not free enough room.
	ErrStorageFull = errors.New("dhtstore: storage full")
	// ErrMailboxFull indicates an offline-message mailbox rejected a
	// message because the global recipient cap was reached.
	ErrMailboxFull = errors.New("dhtstore: offline mailbox full")
)

const (
	// MaxStoredValues caps the number of distinct keys held at once.
	MaxStoredValues = 10_000
	// MaxStoredBytes caps the accumulated size of all stored values.
	MaxStoredBytes = 256 * 1024 * 1024
	// MaxValueSize is the largest single value accepted by Store.
	MaxValueSize = 32 * 1024
	// DefaultValueTTL is used when Store is called without an explicit TTL.
	DefaultValueTTL = 24 * time.Hour

	// MaxOfflineMessagesPerRecipient caps a single mailbox's length.
	MaxOfflineMessagesPerRecipient = 100
	// MaxOfflineRecipients caps the number of distinct mailboxes.
	MaxOfflineRecipients = 5_000
	// OfflineMessageTTL is how long an offline message survives undelivered.
	OfflineMessageTTL = 7 * 24 * time.Hour

	// CleanupInterval bounds how often opportunistic cleanup actually runs.
	CleanupInterval = 5 * time.Minute
)

type valueEntry struct {
	value     []byte
	expiresAt time.Time
}

type offlineEntry struct {
	ciphertext []byte
	expiresAt  time.Time
}

// Storage is the DHT's in-memory key/value store plus offline-message
// mailboxes. Every public method is safe for concurrent use.
type Storage struct {
	mu sync.Mutex

	values     map[[32]byte]valueEntry
	valueBytes int

	mailboxes map[[32]byte][]offlineEntry

	lastCleanup time.Time
	now         func() time.Time
}

// NewStorage returns an empty Storage. now defaults to time.Now if nil,
// letting tests inject a deterministic clock.
func NewStorage(now func() time.Time) *Storage {
	if now == nil {
		now = time.Now
	}
	return &Storage{
		values:    make(map[[32]byte]valueEntry),
		mailboxes: make(map[[32]byte][]offlineEntry),
		now:       now,
	}
}

// Store inserts or overwrites the value for key. If the global cap is
// reached, cleanup runs opportunistically; if the store is still full the
// value is dropped and ErrStorageFull is returned, per the DHT's
// denial-of-service stance on storage pressure.
func (s *Storage) Store(key [32]byte, value []byte, ttl time.Duration) error {
	logger := logrus.WithFields(logrus.Fields{"function": "Store", "package": "dhtstore"})
	if ttl <= 0 {
		ttl = DefaultValueTTL
	}
	if len(value) > MaxValueSize {
		return errors.New("dhtstore: value exceeds maximum size")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeCleanupLocked()

	existing, had := s.values[key]
	projected := s.valueBytes + len(value)
	if had {
		projected -= len(existing.value)
	}

	if !had && len(s.values) >= MaxStoredValues {
		s.cleanupLocked()
		if len(s.values) >= MaxStoredValues {
			logger.Warn("value store at capacity, dropping store")
			return ErrStorageFull
		}
	}
	if projected > MaxStoredBytes {
		s.cleanupLocked()
		projected = s.valueBytes + len(value)
		if had {
			projected -= len(existing.value)
		}
		if projected > MaxStoredBytes {
			logger.Warn("value store byte cap reached, dropping store")
			return ErrStorageFull
		}
	}

	if had {
		s.valueBytes -= len(existing.value)
	}
	s.values[key] = valueEntry{value: value, expiresAt: s.now().Add(ttl)}
	s.valueBytes += len(value)
	return nil
}

// Get returns the value for key if present and unexpired, lazily removing
// it if it has expired.
func (s *Storage) Get(key [32]byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok {
		return nil, false
	}
	if s.now().After(entry.expiresAt) {
		delete(s.values, key)
		s.valueBytes -= len(entry.value)
		return nil, false
	}
	return entry.value, true
}

// StoreOfflineMessage appends ciphertext to recipient's mailbox, capped at
// MaxOfflineMessagesPerRecipient. New mailboxes are rejected once
// MaxOfflineRecipients is reached after a cleanup attempt.
func (s *Storage) StoreOfflineMessage(recipient [32]byte, ciphertext []byte) error {
	logger := logrus.WithFields(logrus.Fields{"function": "StoreOfflineMessage", "package": "dhtstore"})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeCleanupLocked()

	box, had := s.mailboxes[recipient]
	if !had {
		if len(s.mailboxes) >= MaxOfflineRecipients {
			s.cleanupLocked()
			if len(s.mailboxes) >= MaxOfflineRecipients {
				logger.Warn("offline recipient cap reached, dropping message")
				return ErrMailboxFull
			}
		}
	}
	if len(box) >= MaxOfflineMessagesPerRecipient {
		logger.Warn("recipient mailbox full, dropping message")
		return ErrMailboxFull
	}

	s.mailboxes[recipient] = append(box, offlineEntry{
		ciphertext: ciphertext,
		expiresAt:  s.now().Add(OfflineMessageTTL),
	})
	return nil
}

// GetOfflineMessages drains and returns every non-expired message for
// recipient, in insertion order. Draining is part of the contract:
// retrieval implies delivery acceptance, so a second call returns nothing
// until new messages arrive.
func (s *Storage) GetOfflineMessages(recipient [32]byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, ok := s.mailboxes[recipient]
	if !ok {
		return nil
	}
	delete(s.mailboxes, recipient)

	now := s.now()
	out := make([][]byte, 0, len(box))
	for _, e := range box {
		if now.After(e.expiresAt) {
			continue
		}
		out = append(out, e.ciphertext)
	}
	return out
}

// StoredValue pairs a key with its current value, for republish sweeps.
type StoredValue struct {
	Key   [32]byte
	Value []byte
}

// GetAllForRepublish returns every live key/value pair, for periodic
// re-announcement into the DHT.
func (s *Storage) GetAllForRepublish() []StoredValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]StoredValue, 0, len(s.values))
	for k, v := range s.values {
		if now.After(v.expiresAt) {
			continue
		}
		out = append(out, StoredValue{Key: k, Value: v.value})
	}
	return out
}

// maybeCleanupLocked runs cleanupLocked at most once per CleanupInterval.
// Callers must hold s.mu.
func (s *Storage) maybeCleanupLocked() {
	now := s.now()
	if now.Sub(s.lastCleanup) < CleanupInterval {
		return
	}
	s.cleanupLocked()
}

// cleanupLocked removes expired values and offline messages and drops
// empty per-recipient lists. Callers must hold s.mu.
func (s *Storage) cleanupLocked() {
	now := s.now()
	s.lastCleanup = now

	for k, v := range s.values {
		if now.After(v.expiresAt) {
			delete(s.values, k)
			s.valueBytes -= len(v.value)
		}
	}

	for recipient, box := range s.mailboxes {
		live := box[:0]
		for _, e := range box {
			if !now.After(e.expiresAt) {
				live = append(live, e)
			}
		}
		if len(live) == 0 {
			delete(s.mailboxes, recipient)
		} else {
			s.mailboxes[recipient] = live
		}
	}
}
