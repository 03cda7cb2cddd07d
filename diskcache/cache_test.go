package diskcache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscore/obscore/config"
)

func testConfig(dir string, maxSize int64) *config.Config {
	return &config.Config{
		DiskCache: config.DiskCache{
			Enabled:       true,
			MaxSize:       maxSize,
			ResultMaxSize: maxSize,
			BucketNum:     1,
			CacheStrategy: "lru",
			ReleaseSize:   maxSize / 4,
			GCSize:        maxSize / 4,
		},
		DataDir: dir,
	}
}

func TestCache_EvictionKeepsSizeWithinBudgetAndIndexConsistent(t *testing.T) {
	dir := t.TempDir()
	c := New(testConfig(dir, 1024), ClassData, dir)

	content := bytes.Repeat([]byte("x"), 32)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("files/default/logs/disk/2022/10/03/10/%d.parquet", i)
		require.NoError(t, c.Set(key, content))
	}

	_, curSize := c.Stats()
	assert.LessOrEqual(t, curSize, int64(1024))

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("files/default/logs/disk/2022/10/03/10/%d.parquet", i)
		if c.Exist(key) {
			_, ok := c.GetSize(key)
			assert.True(t, ok, "indexed key %s must have a size entry", key)
			data, ok := c.Get(key)
			assert.True(t, ok)
			assert.Equal(t, content, data)
		}
	}
}

func TestCache_FIFOEvictsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 10)
	cfg.DiskCache.CacheStrategy = "fifo"
	c := New(cfg, ClassData, dir)

	content := []byte("0123456789")
	require.NoError(t, c.Set("files/a", content))
	require.NoError(t, c.Set("files/b", content))

	assert.False(t, c.Exist("files/a"))
	assert.True(t, c.Exist("files/b"))
}

func TestCache_LoadRegistersSurvivingFilesAndRemovesTmp(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 1<<20)
	c := New(cfg, ClassData, dir)
	require.NoError(t, c.Set("files/default/logs/disk/2022/1.parquet", []byte("hello")))
	tmp := filepath.Join(dir, "files", "default", "logs", "disk", "2022", "2.parquet.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))

	reloaded := New(cfg, ClassData, dir)
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Exist("files/default/logs/disk/2022/1.parquet"))
	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr))
}

func TestParseResultCacheKey(t *testing.T) {
	key := "results/default/logs/default/16042959487540176184_30_zo_sql_key/1744081170000000_1744081170000000_1_0.json"
	orgID, streamType, queryKey, rm, err := ParseResultCacheKey(key)
	require.NoError(t, err)
	assert.Equal(t, "default", orgID)
	assert.Equal(t, "logs", streamType)
	assert.Equal(t, "default_logs_default_16042959487540176184_30_zo_sql_key", queryKey)
	assert.Equal(t, int64(1744081170000000), rm.StartTime)
	assert.Equal(t, int64(1744081170000000), rm.EndTime)
	assert.True(t, rm.IsAggregate)
	assert.False(t, rm.IsDescending)
}

func TestCache_ResultSetIndexesAndRemoveDeindexes(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 1<<20)
	c := New(cfg, ClassResult, dir)

	key := "results/default/logs/default/fp1/1000_2000_0_1.json"
	require.NoError(t, c.Set(key, []byte("{}")))

	metas := c.ResultsFor("default_logs_default_fp1")
	require.Len(t, metas, 1)
	assert.Equal(t, int64(1000), metas[0].StartTime)

	c.Remove(key)
	assert.Empty(t, c.ResultsFor("default_logs_default_fp1"))
}

func TestCache_RunGCStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 1<<20)
	cfg.DiskCache.GCInterval = time.Millisecond
	c := New(cfg, ClassData, dir)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c.RunGC(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunGC did not stop after cancel")
	}
}
