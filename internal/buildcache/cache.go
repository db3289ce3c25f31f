// Package buildcache implements C2: the build cache. It maps a
// (content hash, dependency hash) key to a cached build artifact,
// verifies on lookup that the on-disk artifact has not been mutated out
// from under the cache, and evicts by total size using LRU-by-last-hit,
// mirroring the teacher's two-tier cache manager (pkg/history/cache).
package buildcache

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// Key identifies one build result, per spec.md §4.2.
type Key struct {
	ContentHash    string
	DependencyHash string
}

func (k Key) String() string { return k.ContentHash + ":" + k.DependencyHash }

// Artifact is one build output record, per spec.md §3.
type Artifact struct {
	SourcePath     string
	OutputPath     string
	ContentHash    string
	DependencyHash string
	Timestamp      time.Time
	BuildTimeNanos int64
	Kind           string
	SizeBytes      int64
	LastHit        time.Time
}

// Metrics are the build cache's prometheus instruments, grounded on
// pkg/history/cache's Metrics struct.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	Corrupt   prometheus.Counter
	SizeBytes prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hmr", Subsystem: "build_cache", Name: "hits_total",
			Help: "Total build cache hits.",
		}),
		Misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hmr", Subsystem: "build_cache", Name: "misses_total",
			Help: "Total build cache misses.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hmr", Subsystem: "build_cache", Name: "evictions_total",
			Help: "Total build cache evictions by size limit.",
		}),
		Corrupt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hmr", Subsystem: "build_cache", Name: "corrupt_total",
			Help: "Total cache entries invalidated due to hash mismatch.",
		}),
		SizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hmr", Subsystem: "build_cache", Name: "size_bytes",
			Help: "Current total size of cached artifacts.",
		}),
	}
}

// HashFunc recomputes the content hash of the artifact currently on disk,
// so Lookup can detect external mutation. Supplied by hashgraph.Graph.HashFile
// in production; faked in tests.
type HashFunc func(path string) (string, error)

// Cache is the build cache: an in-memory LRU index backed by a durable
// sqlite manifest so the index survives a process restart without
// rescanning the artifact directory.
type Cache struct {
	mu        sync.Mutex
	index     *lru.Cache[string, *Artifact]
	db        *sql.DB
	maxBytes  int64
	curBytes  int64
	hashFile  HashFunc
	logger    *slog.Logger
	metrics   *Metrics
}

// Config configures a Cache.
type Config struct {
	IndexDBPath string
	MaxBytes    int64
	HashFile    HashFunc
	Logger      *slog.Logger
	Registerer  prometheus.Registerer
}

// New opens (creating if necessary) the sqlite manifest at cfg.IndexDBPath
// and rehydrates the in-memory LRU from it.
func New(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	if cfg.IndexDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.IndexDBPath), 0o755); err != nil {
			return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "mkdir cache index dir", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.IndexDBPath)
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "open cache index db", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}

	// Unbounded entry-count capacity: eviction is driven by maxBytes, not
	// by lru's own count limit, so use a large ceiling and manage bytes
	// ourselves (see evictLocked).
	index, err := lru.New[string, *Artifact](1 << 20)
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "allocate lru index", err)
	}

	c := &Cache{
		index:    index,
		db:       db,
		maxBytes: cfg.MaxBytes,
		hashFile: cfg.HashFile,
		logger:   cfg.Logger,
		metrics:  newMetrics(cfg.Registerer),
	}
	if err := c.rehydrate(); err != nil {
		return nil, err
	}
	return c, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	cache_key       TEXT PRIMARY KEY,
	source_path     TEXT NOT NULL,
	output_path     TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	dependency_hash TEXT NOT NULL,
	ts              INTEGER NOT NULL,
	build_ns        INTEGER NOT NULL,
	kind            TEXT NOT NULL,
	size_bytes      INTEGER NOT NULL,
	last_hit        INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "migrate cache index schema", err)
	}
	return nil
}

func (c *Cache) rehydrate() error {
	rows, err := c.db.Query(`SELECT cache_key, source_path, output_path, content_hash, dependency_hash, ts, build_ns, kind, size_bytes, last_hit FROM artifacts ORDER BY last_hit ASC`)
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "query cache index", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var a Artifact
		var ts, lastHit int64
		if err := rows.Scan(&key, &a.SourcePath, &a.OutputPath, &a.ContentHash, &a.DependencyHash, &ts, &a.BuildTimeNanos, &a.Kind, &a.SizeBytes, &lastHit); err != nil {
			return hmrerrors.Wrap(hmrerrors.ErrInternal, "scan cache index row", err)
		}
		a.Timestamp = time.Unix(0, ts)
		a.LastHit = time.Unix(0, lastHit)
		c.index.Add(key, &a)
		c.curBytes += a.SizeBytes
	}
	c.metrics.SizeBytes.Set(float64(c.curBytes))
	return rows.Err()
}

// Lookup returns the cached artifact for key iff it exists AND the
// on-disk artifact's recomputed content hash still matches the stored
// hash. A hash mismatch silently invalidates the entry and is reported as
// a cache miss plus a corruption counter bump, not an error.
func (c *Cache) Lookup(key Key) (*Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.index.Get(key.String())
	if !ok {
		c.metrics.Misses.Inc()
		return nil, hmrerrors.ErrCacheMiss
	}

	if c.hashFile != nil {
		actual, err := c.hashFile(a.OutputPath)
		if err != nil {
			// Missing/unreadable artifact directory is an IOError, not a miss.
			return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "stat cached artifact", err)
		}
		if actual != a.ContentHash {
			c.removeLocked(key.String())
			c.metrics.Corrupt.Inc()
			c.logger.Warn("build cache entry invalidated: hash mismatch", "key", key.String())
			c.metrics.Misses.Inc()
			return nil, hmrerrors.ErrCacheMiss
		}
	}

	a.LastHit = time.Now()
	c.index.Add(key.String(), a)
	c.persist(key.String(), a)
	c.metrics.Hits.Inc()
	return a, nil
}

// Update inserts or overwrites the artifact for key after a successful
// build, then evicts by LRU-on-last-hit if the total exceeds MaxBytes.
func (c *Cache) Update(key Key, a *Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.index.Get(key.String()); ok {
		c.curBytes -= old.SizeBytes
	}
	a.LastHit = time.Now()
	c.index.Add(key.String(), a)
	c.curBytes += a.SizeBytes
	c.persist(key.String(), a)
	c.metrics.SizeBytes.Set(float64(c.curBytes))

	c.evictLocked()
}

// Invalidate explicitly removes any cache entry built from sourcePath.
func (c *Cache) Invalidate(sourcePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.index.Keys() {
		a, ok := c.index.Peek(key)
		if ok && a.SourcePath == sourcePath {
			c.removeLocked(key)
		}
	}
}

func (c *Cache) evictLocked() {
	if c.maxBytes <= 0 {
		return
	}
	for c.curBytes > c.maxBytes {
		key, a, ok := c.index.GetOldest()
		if !ok {
			return
		}
		c.removeLocked(key)
		c.metrics.Evictions.Inc()
		c.logger.Info("build cache eviction", "key", key, "freed_bytes", a.SizeBytes)
	}
}

func (c *Cache) removeLocked(key string) {
	if a, ok := c.index.Peek(key); ok {
		c.curBytes -= a.SizeBytes
	}
	c.index.Remove(key)
	c.db.Exec(`DELETE FROM artifacts WHERE cache_key = ?`, key)
	c.metrics.SizeBytes.Set(float64(c.curBytes))
}

func (c *Cache) persist(key string, a *Artifact) {
	_, err := c.db.Exec(`
INSERT INTO artifacts (cache_key, source_path, output_path, content_hash, dependency_hash, ts, build_ns, kind, size_bytes, last_hit)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(cache_key) DO UPDATE SET
  source_path=excluded.source_path, output_path=excluded.output_path,
  content_hash=excluded.content_hash, dependency_hash=excluded.dependency_hash,
  ts=excluded.ts, build_ns=excluded.build_ns, kind=excluded.kind,
  size_bytes=excluded.size_bytes, last_hit=excluded.last_hit`,
		key, a.SourcePath, a.OutputPath, a.ContentHash, a.DependencyHash,
		a.Timestamp.UnixNano(), a.BuildTimeNanos, a.Kind, a.SizeBytes, a.LastHit.UnixNano())
	if err != nil {
		c.logger.Error("build cache index persist failed", "error", err, "key", key)
	}
}

// Close releases the sqlite handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Stats is a lock-free-ish snapshot (single mutex hop) for /status.
type Stats struct {
	Entries  int
	SizeBytes int64
	MaxBytes int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.index.Len(), SizeBytes: c.curBytes, MaxBytes: c.maxBytes}
}
