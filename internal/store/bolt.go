package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"betterclock/internal/model"
)

var (
	bucketDiscovery = []byte("discovery")
	latestKey       = []byte("latest")
)

// BoltCache keeps the record in a bbolt database.
type BoltCache struct {
	db *bbolt.DB
}

// OpenBoltCache opens (or creates) the database at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDiscovery)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create discovery bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

// Load reads the cached record.
func (c *BoltCache) Load(ctx context.Context) (model.CacheRecord, error) {
	var rec model.CacheRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDiscovery).Get(latestKey)
		if data == nil {
			return ErrEmpty
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode discovery record: %w", err)
		}
		if rec.IsEmpty() {
			return ErrEmpty
		}
		return nil
	})
	return rec, err
}

// Save overwrites the cached record.
func (c *BoltCache) Save(ctx context.Context, rec model.CacheRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDiscovery).Put(latestKey, data)
	})
}

// Close closes the database.
func (c *BoltCache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
