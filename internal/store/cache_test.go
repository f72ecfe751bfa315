package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betterclock/internal/config"
	"betterclock/internal/model"
)

func sampleRecord(ip string) model.CacheRecord {
	return model.CacheRecord{
		BaseURL:  "http://" + ip + ":8099",
		IP:       ip,
		Port:     8099,
		Via:      "subnet-sweep",
		LastSeen: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileCache_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	c := NewFileCache(filepath.Join(t.TempDir(), "cache.yaml"))
	_, err := c.Load(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFileCache_SaveOverwritesSingleSlot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "cache.yaml")
	c := NewFileCache(path)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, sampleRecord("192.168.1.10")))
	require.NoError(t, c.Save(ctx, sampleRecord("192.168.1.20")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := NewFileCache(path).Load(ctx)
	require.NoError(t, err)
	want := sampleRecord("192.168.1.20")
	assert.Equal(t, want.BaseURL, got.BaseURL)
	assert.Equal(t, want.IP, got.IP)
	assert.Equal(t, want.Via, got.Via)
	assert.True(t, want.LastSeen.Equal(got.LastSeen))
}

func TestFileCache_AddressOnlyRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	addrOnly := filepath.Join(dir, "addr.yaml")
	require.NoError(t, os.WriteFile(addrOnly, []byte("ip: 192.168.1.70\nport: 8099\nlast_seen: 2026-03-01T12:00:00Z\n"), 0o600))
	rec, err := NewFileCache(addrOnly).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.BaseURL)
	assert.Equal(t, "192.168.1.70", rec.IP)
	assert.Equal(t, 8099, rec.Port)

	blank := filepath.Join(dir, "blank.yaml")
	require.NoError(t, os.WriteFile(blank, []byte("via: subnet-sweep\nport: 8099\n"), 0o600))
	_, err = NewFileCache(blank).Load(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestBoltCache_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := OpenBoltCache(path)
	require.NoError(t, err)
	_, err = c.Load(ctx)
	require.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, c.Save(ctx, sampleRecord("10.0.0.7")))
	require.NoError(t, c.Close())

	reopened, err := OpenBoltCache(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", got.IP)
	assert.Equal(t, 8099, got.Port)
	assert.True(t, got.LastSeen.Equal(sampleRecord("10.0.0.7").LastSeen))
}

func TestOpen_Backends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(config.CacheBackendFile, filepath.Join(dir, "a.yaml"))
	require.NoError(t, err)
	assert.IsType(t, &FileCache{}, c)

	b, err := Open(config.CacheBackendBolt, filepath.Join(dir, "b.db"))
	require.NoError(t, err)
	assert.IsType(t, &BoltCache{}, b)
	require.NoError(t, b.Close())

	_, err = Open("redis", filepath.Join(dir, "c"))
	assert.ErrorIs(t, err, config.ErrInvalid)
}
