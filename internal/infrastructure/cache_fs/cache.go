// Package cache_fs is a content-addressed dependency cache on the local
// filesystem, shared by concurrent jobs and across runs.
//
// Each entry lives in its own directory and is replaced by renaming a fully
// written directory into place. Readers hold a shared flock on the entry's
// lock file and writers/evictors an exclusive one, so there is no global
// lock and a restore never observes a partially written or evicted entry.
package cache_fs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sdassow/atomic"
	"go.uber.org/zap"
)

const (
	metaFile    = "meta.json"
	payloadFile = "payload.tar.gz"
	lockRetry   = 25 * time.Millisecond
)

type FSCache struct {
	root  string
	quota int64
	log   *zap.Logger
	now   func() time.Time
}

func New(root string, quota int64, l *zap.Logger) *FSCache {
	return &FSCache{root: root, quota: quota, log: l, now: time.Now}
}

type meta struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func (c *FSCache) id(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func (c *FSCache) entryDir(key string) string { return filepath.Join(c.root, "entries", c.id(key)) }
func (c *FSCache) lockPath(key string) string { return filepath.Join(c.root, "locks", c.id(key)+".lock") }

func (c *FSCache) lock(key string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Join(c.root, "locks"), 0o755); err != nil {
		return nil, err
	}
	return flock.New(c.lockPath(key)), nil
}

// Restore tries keys[0] exactly, then treats each later key as a prefix and
// restores the most recently used entry sharing it.
func (c *FSCache) Restore(ctx context.Context, dst string, keys ...string) (domain.CacheEntry, bool, error) {
	if len(keys) == 0 {
		return domain.CacheEntry{}, false, nil
	}
	if e, ok, err := c.restoreKey(ctx, dst, keys[0]); ok || err != nil {
		return e, ok, err
	}

	for _, prefix := range keys[1:] {
		entries, err := c.List()
		if err != nil {
			return domain.CacheEntry{}, false, err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].LastUsedAt.After(entries[j].LastUsedAt) })
		for _, e := range entries {
			if !strings.HasPrefix(e.Key, prefix) || e.Key == keys[0] {
				continue
			}
			got, ok, err := c.restoreKey(ctx, dst, e.Key)
			if err != nil {
				return domain.CacheEntry{}, false, err
			}
			if ok {
				return got, true, nil
			}
		}
	}
	return domain.CacheEntry{}, false, nil
}

func (c *FSCache) restoreKey(ctx context.Context, dst, key string) (domain.CacheEntry, bool, error) {
	lk, err := c.lock(key)
	if err != nil {
		return domain.CacheEntry{}, false, err
	}
	if _, err := lk.TryRLockContext(ctx, lockRetry); err != nil {
		return domain.CacheEntry{}, false, err
	}
	defer func() { _ = lk.Unlock() }()

	dir := c.entryDir(key)
	m, err := readMeta(dir)
	if errors.Is(err, os.ErrNotExist) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, err
	}

	f, err := os.Open(filepath.Join(dir, payloadFile))
	if err != nil {
		return domain.CacheEntry{}, false, err
	}
	err = unpack(f, dst)
	_ = f.Close()
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("extracting %s: %w", key, err)
	}

	m.LastUsedAt = c.now()
	if err := writeMeta(dir, m); err != nil {
		c.log.Debug("cache touch", zap.String("key", key), zap.Error(err))
	}
	return domain.CacheEntry{Key: m.Key, Path: dir, Size: m.Size, LastUsedAt: m.LastUsedAt}, true, nil
}

// Save packs paths under src and atomically replaces the entry for key,
// then evicts least recently used entries beyond the quota.
func (c *FSCache) Save(ctx context.Context, key, src string, paths []string) error {
	tmpRoot := filepath.Join(c.root, "tmp")
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}
	staged, err := os.MkdirTemp(tmpRoot, "entry-")
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}
	defer func() { _ = os.RemoveAll(staged) }()

	var buf bytes.Buffer
	if err := pack(&buf, src, paths); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}
	size := int64(buf.Len())
	if err := atomic.WriteFile(filepath.Join(staged, payloadFile), &buf); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}
	now := c.now()
	if err := writeMeta(staged, meta{Key: key, Size: size, CreatedAt: now, LastUsedAt: now}); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}

	if err := c.replace(ctx, key, staged); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}
	c.log.Debug("cache saved", zap.String("key", key), zap.Int64("size", size))

	if _, err := c.Prune(ctx, c.quota, key); err != nil {
		c.log.Warn("cache eviction", zap.Error(err))
	}
	return nil
}

func (c *FSCache) replace(ctx context.Context, key, staged string) error {
	lk, err := c.lock(key)
	if err != nil {
		return err
	}
	if _, err := lk.TryLockContext(ctx, lockRetry); err != nil {
		return err
	}
	defer func() { _ = lk.Unlock() }()

	dir := c.entryDir(key)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		trash := filepath.Join(c.root, "tmp", "old-"+uuid.NewString())
		if err := os.Rename(dir, trash); err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(trash) }()
	}
	return os.Rename(staged, dir)
}

// List returns every complete entry.
func (c *FSCache) List() ([]domain.CacheEntry, error) {
	dirs, err := os.ReadDir(filepath.Join(c.root, "entries"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.CacheEntry, 0, len(dirs))
	for _, d := range dirs {
		dir := filepath.Join(c.root, "entries", d.Name())
		m, err := readMeta(dir)
		if err != nil {
			continue
		}
		out = append(out, domain.CacheEntry{Key: m.Key, Path: dir, Size: m.Size, LastUsedAt: m.LastUsedAt})
	}
	return out, nil
}

// Prune evicts least recently used entries until the total size is within
// quota. Entries currently locked by a restore are left alone, as are the
// keep keys.
func (c *FSCache) Prune(ctx context.Context, quota int64, keep ...string) ([]domain.CacheEntry, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastUsedAt.Before(entries[j].LastUsedAt) })

	var evicted []domain.CacheEntry
	for _, e := range entries {
		if total <= quota {
			break
		}
		if ctx.Err() != nil {
			return evicted, ctx.Err()
		}
		if slices.Contains(keep, e.Key) {
			continue
		}
		lk, err := c.lock(e.Key)
		if err != nil {
			return evicted, err
		}
		ok, err := lk.TryLock()
		if err != nil || !ok {
			continue
		}
		err = os.RemoveAll(e.Path)
		_ = lk.Unlock()
		if err != nil {
			return evicted, err
		}
		total -= e.Size
		evicted = append(evicted, e)
		c.log.Debug("cache evicted", zap.String("key", e.Key), zap.Int64("size", e.Size))
	}
	return evicted, nil
}

func readMeta(dir string) (meta, error) {
	var m meta
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func writeMeta(dir string, m meta) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(dir, metaFile), bytes.NewReader(b))
}
