// Package versionstore persists the detector's version record: the last
// known build fingerprint and the time of the last network check. One JSON
// record lives under a namespace key in a pluggable key-value backend.
//
// The store never fails from the caller's point of view. A missing, corrupt
// or unreadable record reads as empty, and a failed write is logged and
// dropped; the next scheduled check simply sees the previous value.
package versionstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// DefaultKey is the namespace key used when none is configured.
const DefaultKey = "useUpgrade"

// Record is the persisted layout: {"hash":"...","lastFetchTime":<unix ms>}.
// Both fields are optional; zero values mean "unset".
type Record struct {
	Hash          string `json:"hash,omitempty"`
	LastFetchTime int64  `json:"lastFetchTime,omitempty"`
}

// Patch is a partial update. Nil fields leave the stored value untouched.
type Patch struct {
	Hash          *string
	LastFetchTime *int64
}

// SetHash returns a Patch that only updates the hash.
func SetHash(h string) Patch { return Patch{Hash: &h} }

// SetLastFetchTime returns a Patch that only updates the fetch time.
func SetLastFetchTime(ms int64) Patch { return Patch{LastFetchTime: &ms} }

// KV is the backing key-value store.
type KV interface {
	// Get returns the value under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Store reads and merges the Record under one key.
type Store struct {
	kv     KV
	key    string
	logger *slog.Logger

	// mu serialises read-modify-write within this process.
	mu sync.Mutex
}

// New creates a Store for key on kv. An empty key means DefaultKey, a nil
// logger means slog.Default().
func New(kv KV, key string, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, key: key, logger: logger}
}

// Key returns the namespace key.
func (s *Store) Key() string { return s.key }

// Read returns the current record, or an empty one when nothing usable is
// stored.
func (s *Store) Read(ctx context.Context) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

func (s *Store) readLocked(ctx context.Context) Record {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("versionstore: read failed", "key", s.key, "error", err)
		return Record{}
	}
	if !ok || raw == "" {
		return Record{}
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Debug("versionstore: corrupt record treated as empty", "key", s.key, "error", err)
		return Record{}
	}
	return rec
}

// Write merges p over the current record and persists the result.
func (s *Store) Write(ctx context.Context, p Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.readLocked(ctx)
	if p.Hash != nil {
		rec.Hash = *p.Hash
	}
	if p.LastFetchTime != nil {
		rec.LastFetchTime = *p.LastFetchTime
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("versionstore: encode failed", "key", s.key, "error", err)
		return
	}
	if err := s.kv.Set(ctx, s.key, string(data)); err != nil {
		s.logger.Warn("versionstore: write failed", "key", s.key, "error", err)
	}
}
