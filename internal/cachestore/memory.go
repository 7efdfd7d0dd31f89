package cachestore

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"atp/internal/logging"
)

const defaultMemoryMaxKeys = 4096

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store with LRU eviction at maxKeys and
// lazy TTL enforcement on read.
type MemoryStore struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, memoryEntry]
	logger logging.Logger
	now    func() time.Time
}

// NewMemoryStore builds an in-process store evicting beyond maxKeys.
func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = defaultMemoryMaxKeys
	}
	cache, _ := lru.New[string, memoryEntry](maxKeys)
	return &MemoryStore{
		cache:  cache,
		logger: logging.NewComponentLogger("MemoryCache"),
		now:    time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		s.cache.Remove(key)
		return nil, nil
	}
	dup := make([]byte, len(entry.value))
	copy(dup, entry.value)
	return dup, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	dup := make([]byte, len(value))
	copy(dup, value)
	entry := memoryEntry{value: dup}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, entry)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
	return nil
}

func (s *MemoryStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		value, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}

func (s *MemoryStore) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for key, value := range entries {
		if err := s.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
