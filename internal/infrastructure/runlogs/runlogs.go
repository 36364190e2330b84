// Package runlogs keeps recent job output in memory so it can be served
// while and after a run executes.
package runlogs

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/allegro/bigcache"
	term2html "github.com/buildkite/terminal-to-html"
)

const DefaultTTL = 24 * time.Hour

var ErrNotFound = errors.New("logs not found")

type Config struct {
	// Size caps memory use in megabytes. Zero leaves it unbounded.
	Size int
	TTL  time.Duration
}

type Store struct {
	mu    sync.Mutex
	cache *bigcache.BigCache
}

func New(cfg Config) (*Store, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	defaults := bigcache.DefaultConfig(ttl)
	if cfg.Size != 0 {
		defaults.HardMaxCacheSize = cfg.Size
	}

	cache, err := bigcache.NewBigCache(defaults)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

func key(runID, job string) string { return runID + "/" + job }

// Writer returns a writer appending to the log of job in run runID.
func (s *Store) Writer(runID, job string) io.Writer {
	return &appender{store: s, key: key(runID, job)}
}

// Get returns the raw output recorded for a job.
func (s *Store) Get(runID, job string) ([]byte, error) {
	val, err := s.cache.Get(key(runID, job))
	if err != nil {
		return nil, ErrNotFound
	}
	return val, nil
}

// HTML returns the job's output with ANSI escape sequences rendered as HTML.
func (s *Store) HTML(runID, job string) ([]byte, error) {
	val, err := s.Get(runID, job)
	if err != nil {
		return nil, err
	}
	return term2html.Render(val), nil
}

// appendChunk appends to a cached value, creating it if needed.
func (s *Store) appendChunk(k string, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := s.cache.Get(k)
	if err != nil {
		return s.cache.Set(k, append([]byte(nil), chunk...))
	}
	return s.cache.Set(k, append(val, chunk...))
}

type appender struct {
	store *Store
	key   string
}

func (a *appender) Write(p []byte) (int, error) {
	if err := a.store.appendChunk(a.key, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
