package diskcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// bucket is one shard of a Cache: its own lock, its own eviction
// strategy, its own size accounting. Splitting the cache into buckets
// (rather than one lock over the whole cache) is what the original's
// per-bucket RwLock<FileData> vector gives for free; here the bucket
// count comes from disk_cache.bucket_num.
type bucket struct {
	mu sync.Mutex

	maxSize     int64
	releaseSize int64
	curSize     int64

	rootDir  string
	multiDir []string
	strategy Strategy
	sizes    map[string]int64
}

func newBucket(rootDir string, maxSize, releaseSize int64, multiDir []string, strategyName string) *bucket {
	return &bucket{
		maxSize:     maxSize,
		releaseSize: releaseSize,
		rootDir:     rootDir,
		multiDir:    multiDir,
		strategy:    newStrategy(strategyName),
		sizes:       make(map[string]int64),
	}
}

func (b *bucket) chooseMultiDir(file string) string {
	if len(b.multiDir) == 0 {
		return ""
	}
	h := xxhash.Sum64String(file)
	idx := h % uint64(len(b.multiDir))
	return b.multiDir[idx] + "/"
}

func (b *bucket) filePath(key string) string {
	return filepath.Join(b.rootDir, b.chooseMultiDir(key), key)
}

func (b *bucket) exists(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sizes[key]
	return ok
}

func (b *bucket) get(key string) ([]byte, bool) {
	b.mu.Lock()
	_, ok := b.sizes[key]
	if ok {
		b.strategy.Touch(key)
	}
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(b.filePath(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (b *bucket) getSize(key string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, ok := b.sizes[key]
	return size, ok
}

// set writes data to disk and accounts for it, running gc first if
// the new entry would push the bucket over its max size.
func (b *bucket) set(key string, data []byte) error {
	size := int64(len(data))

	b.mu.Lock()
	if b.curSize+size >= b.maxSize {
		need := size * 100
		if b.releaseSize > need {
			need = b.releaseSize
		}
		if need > b.maxSize {
			need = b.maxSize
		}
		b.gcLocked(need)
	}
	b.curSize += size
	b.sizes[key] = size
	b.strategy.Insert(key)
	b.mu.Unlock()

	path := b.filePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("diskcache: mkdir for %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("diskcache: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("diskcache: rename %s: %w", key, err)
	}
	return nil
}

// registerExisting accounts for a file already present on disk,
// called by the startup scan instead of set (which would rewrite it).
func (b *bucket) registerExisting(key string, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sizes[key]; ok {
		return
	}
	b.curSize += size
	b.sizes[key] = size
	b.strategy.Insert(key)
}

func (b *bucket) remove(key string) {
	b.mu.Lock()
	size, ok := b.sizes[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sizes, key)
	b.strategy.Remove(key)
	b.curSize -= size
	b.mu.Unlock()

	_ = os.Remove(b.filePath(key))
}

// gc releases at least needRelease bytes, evicting by strategy order.
func (b *bucket) gc(needRelease int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gcLocked(needRelease)
}

func (b *bucket) gcLocked(needRelease int64) []string {
	var released int64
	var evicted []string
	for released < needRelease {
		key, ok := b.strategy.Evict()
		if !ok {
			break
		}
		size := b.sizes[key]
		delete(b.sizes, key)
		b.curSize -= size
		released += size
		evicted = append(evicted, key)
		_ = os.Remove(b.filePath(key))
	}
	return evicted
}

func (b *bucket) size() (maxSize, curSize int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSize, b.curSize
}

func (b *bucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sizes)
}
