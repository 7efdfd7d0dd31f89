package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"atp/internal/logging"
	"atp/internal/shared/jsonx"
)

const defaultSweepInterval = 5 * time.Minute

type fileEntry struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix seconds, 0 = no expiry
}

// FileStore persists entries as one JSON file per key under baseDir, with a
// background sweep that drops expired files. Suited to single-instance
// deployments that want state to survive restarts.
type FileStore struct {
	baseDir string
	logger  logging.Logger
	mu      sync.Mutex
	done    chan struct{}
	closed  sync.Once
	now     func() time.Time
}

// NewFileStore builds a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("FileCache"),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go s.sweepLoop(defaultSweepInterval)
	return s, nil
}

// path hashes the key so namespaced keys with ':' separators stay
// filesystem-safe.
func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.baseDir, hex.EncodeToString(sum[:])+".json")
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.read(key)
	if !ok {
		return nil, nil
	}
	return entry.Value, nil
}

func (s *FileStore) read(key string) (fileEntry, bool) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return fileEntry{}, false
	}
	var entry fileEntry
	if err := jsonx.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("dropping corrupt cache file for key %s: %v", key, err)
		_ = os.Remove(s.path(key))
		return fileEntry{}, false
	}
	if entry.ExpiresAt > 0 && s.now().Unix() >= entry.ExpiresAt {
		_ = os.Remove(s.path(key))
		return fileEntry{}, false
	}
	return entry, true
}

func (s *FileStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := fileEntry{Key: key, Value: value}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl).Unix()
	}
	data, err := jsonx.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("cache write failed for key %s: %v", key, err)
		return nil
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		s.logger.Error("cache rename failed for key %s: %v", key, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
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

func (s *FileStore) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for key, value := range entries {
		if err := s.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := filepath.Glob(filepath.Join(s.baseDir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry fileEntry
		if err := jsonx.Unmarshal(data, &entry); err != nil {
			continue
		}
		if strings.HasPrefix(entry.Key, prefix) {
			_ = os.Remove(path)
		}
	}
	return nil
}

func (s *FileStore) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

func (s *FileStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *FileStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := filepath.Glob(filepath.Join(s.baseDir, "*.json"))
	if err != nil {
		return
	}
	now := s.now().Unix()
	removed := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry fileEntry
		if err := jsonx.Unmarshal(data, &entry); err != nil {
			_ = os.Remove(path)
			removed++
			continue
		}
		if entry.ExpiresAt > 0 && now >= entry.ExpiresAt {
			_ = os.Remove(path)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept %d expired cache files", removed)
	}
}
