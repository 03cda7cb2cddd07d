package diskcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/obscore/obscore/config"
	"github.com/obscore/obscore/meta"
	"github.com/obscore/obscore/worker"
)

// Class distinguishes the data-file cache from the result cache; each
// gets its own bucket set and size budget, mirroring FileType::DATA
// vs FileType::RESULT.
type Class int

const (
	ClassData Class = iota
	ClassResult
)

// Cache is a bucketed on-disk store: keys hash into one of B buckets,
// each independently locked and accounted, so a hot key in one bucket
// never blocks traffic to another.
type Cache struct {
	class   Class
	enabled bool
	dataDir string
	prefix  string
	buckets []*bucket

	sf   singleflight.Group
	pool *worker.Pool

	mu         sync.RWMutex
	resultMeta map[string][]meta.ResultCacheMeta

	gcInterval  time.Duration
	releaseSize int64
	gcSize      int64
}

// New builds a Cache sharing dataDir as its root with every other
// class; keys are expected to carry the class prefix ("files/" or
// "results/") themselves, the way the original's file_key does, so
// the two classes coexist under one tree without colliding. Startup
// population happens in Load, run separately so callers can report
// readiness once it completes.
func New(cfg *config.Config, class Class, dataDir string) *Cache {
	maxSize := cfg.DiskCache.MaxSize
	if class == ClassResult {
		maxSize = cfg.DiskCache.ResultMaxSize
	}
	bucketNum := cfg.DiskCache.BucketNum
	if bucketNum <= 0 {
		bucketNum = 1
	}
	perBucket := maxSize / int64(bucketNum)
	perBucketRelease := cfg.DiskCache.ReleaseSize / int64(bucketNum)

	buckets := make([]*bucket, bucketNum)
	for i := range buckets {
		buckets[i] = newBucket(dataDir, perBucket, perBucketRelease, cfg.DiskCache.MultiDir, cfg.DiskCache.CacheStrategy)
	}

	return &Cache{
		class:       class,
		enabled:     cfg.DiskCache.Enabled,
		dataDir:     dataDir,
		prefix:      classDir(class),
		buckets:     buckets,
		pool:        worker.NewPool(cfg.DiskCache.IOWorkers),
		resultMeta:  make(map[string][]meta.ResultCacheMeta),
		gcInterval:  cfg.DiskCache.GCInterval,
		releaseSize: cfg.DiskCache.ReleaseSize,
		gcSize:      cfg.DiskCache.GCSize,
	}
}

// Close stops the cache's blocking-I/O worker pool. Callers shutting
// down a Cache should call this once nothing is still reading or
// writing through it.
func (c *Cache) Close() {
	c.pool.Stop()
}

func classDir(c Class) string {
	if c == ClassResult {
		return "results"
	}
	return "files"
}

// Prefix returns the class's path prefix ("files" or "results"),
// which callers fold into every key they hand to this Cache so keys
// from the two classes never collide on the shared root.
func (c *Cache) Prefix() string { return c.prefix }

func (c *Cache) bucketFor(key string) *bucket {
	if len(c.buckets) == 1 {
		return c.buckets[0]
	}
	h := xxhash.Sum64String(key)
	return c.buckets[h%uint64(len(c.buckets))]
}

// Exist reports whether key is cached, double-checking the backing
// file the way the original's exist() falls back to get_size before
// trusting the in-memory index.
func (c *Cache) Exist(key string) bool {
	if !c.enabled {
		return false
	}
	b := c.bucketFor(key)
	if !b.exists(key) {
		return false
	}
	if _, err := os.Stat(b.filePath(key)); err != nil {
		b.remove(key)
		return false
	}
	return true
}

// Get reads key's bytes, coalescing concurrent misses against the
// same key via singleflight so a burst of requests for a cold file
// only costs one disk read, and running that read on the cache's
// bounded I/O pool rather than directly on the caller's goroutine.
func (c *Cache) Get(key string) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.pool.Submit(context.Background(), func() (any, error) {
			data, ok := c.bucketFor(key).get(key)
			if !ok {
				return nil, fmt.Errorf("miss")
			}
			return data, nil
		})
	})
	if err != nil {
		return nil, false
	}
	return v.([]byte), true
}

func (c *Cache) GetSize(key string) (int64, bool) {
	if !c.enabled {
		return 0, false
	}
	return c.bucketFor(key).getSize(key)
}

// Set writes key's bytes unless already present, with the actual
// file write running on the cache's bounded I/O pool.
func (c *Cache) Set(key string, data []byte) error {
	if !c.enabled {
		return nil
	}
	b := c.bucketFor(key)
	if b.exists(key) {
		return nil
	}
	_, err := c.pool.Submit(context.Background(), func() (any, error) {
		return nil, b.set(key, data)
	})
	if err != nil {
		return err
	}
	if c.class == ClassResult {
		c.indexResultKey(key)
	}
	return nil
}

func (c *Cache) Remove(key string) {
	if !c.enabled {
		return
	}
	c.bucketFor(key).remove(key)
	if c.class == ClassResult {
		c.deindexResultKey(key)
	}
}

// Stats sums max/current size across every bucket.
func (c *Cache) Stats() (maxSize, curSize int64) {
	for _, b := range c.buckets {
		m, cur := b.size()
		maxSize += m
		curSize += cur
	}
	return
}

func (c *Cache) Len() int {
	total := 0
	for _, b := range c.buckets {
		total += b.len()
	}
	return total
}

func (c *Cache) IsEmpty() bool { return c.Len() == 0 }

// ResultsFor returns the cached ResultCacheMeta entries for a query
// fingerprint key, used by resultcache.Planner to decide what's
// already on disk before hitting storage.
func (c *Cache) ResultsFor(queryKey string) []meta.ResultCacheMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]meta.ResultCacheMeta(nil), c.resultMeta[queryKey]...)
}

func (c *Cache) indexResultKey(fileKey string) {
	orgID, streamType, queryKey, rm, err := ParseResultCacheKey(fileKey)
	if err != nil {
		return
	}
	_ = orgID
	_ = streamType
	c.mu.Lock()
	c.resultMeta[queryKey] = append(c.resultMeta[queryKey], rm)
	c.mu.Unlock()
}

func (c *Cache) deindexResultKey(fileKey string) {
	_, _, queryKey, rm, err := ParseResultCacheKey(fileKey)
	if err != nil {
		return
	}
	c.mu.Lock()
	entries := c.resultMeta[queryKey]
	for i, e := range entries {
		if e == rm {
			c.resultMeta[queryKey] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(c.resultMeta[queryKey]) == 0 {
		delete(c.resultMeta, queryKey)
	}
	c.mu.Unlock()
}

// Load walks this class's subtree under dataDir, registering every
// already-present file with its owning bucket and, for result-cache
// files, its query-key index. Temp files left over from an
// interrupted write are removed instead of adopted. Only
// dataDir/<prefix> is scanned: files written under a multi_dir shard
// (dataDir/<shard>/<prefix>/...) are not registered.
func (c *Cache) Load() error {
	if !c.enabled {
		return nil
	}
	classRoot := filepath.Join(c.dataDir, c.prefix)
	if err := os.MkdirAll(classRoot, 0o755); err != nil {
		return fmt.Errorf("diskcache: create root dir: %w", err)
	}
	return filepath.WalkDir(classRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			_ = os.Remove(path)
			return nil
		}
		rel, err := filepath.Rel(classRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		key := c.prefix + "/" + rel
		if c.Exist(key) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		c.bucketFor(key).registerExisting(key, info.Size())
		if c.class == ClassResult {
			c.indexResultKey(key)
		}
		return nil
	})
}

// RunGC runs on gcInterval, releasing gcSize bytes from any bucket
// whose current size plus releaseSize has reached its max size.
func (c *Cache) RunGC(ctx context.Context) {
	if c.gcInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.gcOnce()
		}
	}
}

func (c *Cache) gcOnce() {
	for _, b := range c.buckets {
		maxSize, curSize := b.size()
		if curSize+c.releaseSize < maxSize {
			continue
		}
		evicted := b.gc(c.gcSize)
		if c.class == ClassResult {
			for _, key := range evicted {
				c.deindexResultKey(key)
			}
		}
	}
}

// ParseResultCacheKey decodes a cached-result file path of the form
// results/<org>/<stream_type>/<stream>/<fingerprint>/<start>_<end>_<agg>_<desc>.json
// into its query key and ResultCacheMeta, mirroring
// parse_result_cache_key in the original disk cache.
func ParseResultCacheKey(file string) (orgID, streamType, queryKey string, rm meta.ResultCacheMeta, err error) {
	columns := strings.Split(file, "/")
	if len(columns) < 6 {
		return "", "", "", meta.ResultCacheMeta{}, fmt.Errorf("diskcache: malformed result cache key %q", file)
	}
	orgID = columns[1]
	streamType = columns[2]
	queryKey = strings.Join([]string{columns[1], columns[2], columns[3], columns[4]}, "_")

	base := strings.TrimSuffix(columns[5], filepath.Ext(columns[5]))
	fields := strings.Split(base, "_")
	if len(fields) < 4 {
		return "", "", "", meta.ResultCacheMeta{}, fmt.Errorf("diskcache: malformed result cache meta %q", columns[5])
	}
	start, e1 := strconv.ParseInt(fields[0], 10, 64)
	end, e2 := strconv.ParseInt(fields[1], 10, 64)
	if e1 != nil || e2 != nil {
		return "", "", "", meta.ResultCacheMeta{}, fmt.Errorf("diskcache: parse time bounds in %q", columns[5])
	}
	rm = meta.ResultCacheMeta{
		StartTime:    start,
		EndTime:      end,
		IsAggregate:  fields[2] == "1",
		IsDescending: fields[3] == "1",
	}
	return orgID, streamType, queryKey, rm, nil
}

// SortedResultMetas returns the metas for queryKey ordered by
// StartTime, the order resultcache.Planner expects when computing
// delta ranges.
func (c *Cache) SortedResultMetas(queryKey string) []meta.ResultCacheMeta {
	metas := c.ResultsFor(queryKey)
	sort.Slice(metas, func(i, j int) bool { return metas[i].StartTime < metas[j].StartTime })
	return metas
}
