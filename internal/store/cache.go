package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"betterclock/internal/config"
	"betterclock/internal/model"
)

// ErrEmpty is returned by Load when nothing has been cached yet.
var ErrEmpty = errors.New("discovery cache empty")

// DiscoveryCache is a single-slot store for the most recent discovery result.
// Implementations serialize their own access.
type DiscoveryCache interface {
	Load(ctx context.Context) (model.CacheRecord, error)
	Save(ctx context.Context, rec model.CacheRecord) error
	Close() error
}

// Open returns the cache for a configured backend.
func Open(backend, path string) (DiscoveryCache, error) {
	switch backend {
	case "", config.CacheBackendFile:
		return NewFileCache(path), nil
	case config.CacheBackendBolt:
		return OpenBoltCache(path)
	default:
		return nil, fmt.Errorf("%w: cache backend %q", config.ErrInvalid, backend)
	}
}

// FileCache keeps the record in a YAML file.
type FileCache struct {
	path string
	mu   sync.Mutex
}

// NewFileCache returns a cache persisted at path. The file is created on first Save.
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

// Path returns the backing file.
func (c *FileCache) Path() string {
	return c.path
}

// Load reads the cached record. A missing file yields ErrEmpty.
func (c *FileCache) Load(ctx context.Context) (model.CacheRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.CacheRecord{}, ErrEmpty
		}
		return model.CacheRecord{}, err
	}

	var rec model.CacheRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return model.CacheRecord{}, fmt.Errorf("decode %s: %w", c.path, err)
	}
	if rec.IsEmpty() {
		return model.CacheRecord{}, ErrEmpty
	}
	return rec, nil
}

// Save overwrites the cached record.
func (c *FileCache) Save(ctx context.Context, rec model.CacheRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// Close is a no-op for file caches.
func (c *FileCache) Close() error {
	return nil
}
