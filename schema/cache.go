package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/obscore/obscore/kvstore"
	"github.com/obscore/obscore/meta"
)

// Cache is the in-memory {org/type/stream -> latest Schema} map
// described by the original's STREAM_SCHEMAS_LATEST, backed by
// kvstore.Store for durability. Each write publishes a Put event on
// kvstore.Coordinator; Cache itself does not watch for events, so an
// entry already in its map is not refreshed by another process's
// write. Settings are cached separately, the way
// STREAM_SCHEMAS and the settings table are two distinct maps.
type Cache struct {
	store kvstore.Store
	coord kvstore.Coordinator

	mu       sync.RWMutex
	latest   map[string]meta.Schema
	settings map[string]meta.StreamSettings
}

func NewCache(store kvstore.Store, coord kvstore.Coordinator) *Cache {
	return &Cache{
		store:    store,
		coord:    coord,
		latest:   make(map[string]meta.Schema),
		settings: make(map[string]meta.StreamSettings),
	}
}

func cacheKey(org string, streamType meta.StreamType, stream string) string {
	return org + "/" + string(streamType) + "/" + stream
}

func storeKey(org string, streamType meta.StreamType, stream string) string {
	return kvstore.Key("schema", org, string(streamType)+"/"+stream)
}

func settingsKey(org string, streamType meta.StreamType, stream string) string {
	return kvstore.Key("settings", org, string(streamType)+"/"+stream)
}

// Get returns the cached latest schema for (org, stream, type), or an
// empty Schema if none exists — absence is not an error.
func (c *Cache) Get(ctx context.Context, org string, stream string, streamType meta.StreamType) (meta.Schema, error) {
	key := cacheKey(org, streamType, stream)

	c.mu.RLock()
	s, ok := c.latest[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	versions, err := c.loadVersions(ctx, org, stream, streamType)
	if err != nil {
		return meta.Schema{}, err
	}
	if len(versions) == 0 {
		return meta.Schema{}, nil
	}
	latest := versions[len(versions)-1]
	c.mu.Lock()
	c.latest[key] = latest
	c.mu.Unlock()
	return latest, nil
}

func (c *Cache) loadVersions(ctx context.Context, org, stream string, streamType meta.StreamType) ([]meta.Schema, error) {
	raw, err := c.store.Get(ctx, storeKey(org, streamType, stream))
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schema: load %s/%s/%s: %w", org, streamType, stream, err)
	}
	var versions []meta.Schema
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, fmt.Errorf("schema: decode versions: %w", err)
	}
	return versions, nil
}

// Merge applies candidateFields to the latest schema version of
// (org, stream, type) under a per-key advisory lock, following the
// three-step protocol: seed if absent, widen or cast-flag per field,
// and open a new version only when a real (non-cast) change occurs
// and startDt is supplied.
func (c *Cache) Merge(ctx context.Context, org, stream string, streamType meta.StreamType, candidateFields []meta.Field, startDt *int64, nowMicros int64) (meta.Schema, []FieldDelta, error) {
	key := storeKey(org, streamType, stream)

	var result meta.Schema
	var delta []FieldDelta

	err := c.store.CompareAndUpdate(ctx, key, 0, func(current []byte) ([]byte, *kvstore.Entry, error) {
		var versions []meta.Schema
		if len(current) > 0 {
			if err := json.Unmarshal(current, &versions); err != nil {
				return nil, nil, fmt.Errorf("schema: decode current versions: %w", err)
			}
		}

		if len(versions) == 0 {
			dt := nowMicros
			if startDt != nil {
				dt = *startDt
			}
			result = meta.Schema{Fields: candidateFields, CreatedAt: dt, StartDt: dt}
			versions = []meta.Schema{result}
			raw, err := json.Marshal(versions)
			return raw, nil, err
		}

		latestIdx := len(versions) - 1
		latestSchema := versions[latestIdx]
		changed, fieldDelta, merged := MergeFields(latestSchema.Fields, candidateFields)
		delta = fieldDelta

		if !changed {
			result = latestSchema
			raw, err := json.Marshal(versions)
			return raw, nil, err
		}

		finalSchema := meta.Schema{
			Fields:    merged,
			Metadata:  latestSchema.Metadata,
			CreatedAt: latestSchema.CreatedAt,
			StartDt:   latestSchema.StartDt,
		}

		needsNewVersion := false
		for _, d := range fieldDelta {
			if !d.Cast {
				needsNewVersion = true
				break
			}
		}

		if needsNewVersion && startDt != nil {
			versions[latestIdx].EndDt = *startDt
			finalSchema.StartDt = *startDt
			versions = append(versions, finalSchema)
		} else {
			versions[latestIdx] = finalSchema
		}

		result = finalSchema
		raw, err := json.Marshal(versions)
		return raw, nil, err
	})
	if err != nil {
		return meta.Schema{}, nil, fmt.Errorf("schema: merge %s/%s/%s: %w", org, streamType, stream, err)
	}

	c.mu.Lock()
	c.latest[cacheKey(org, streamType, stream)] = result
	c.mu.Unlock()

	if c.coord != nil {
		_ = c.coord.Publish(ctx, kvstore.Event{Kind: kvstore.EventPut, Key: key})
	}
	return result, delta, nil
}

// GetSettings returns the cached stream settings, or zero-value
// settings if none have ever been written.
func (c *Cache) GetSettings(ctx context.Context, org, stream string, streamType meta.StreamType) (meta.StreamSettings, error) {
	key := cacheKey(org, streamType, stream)
	c.mu.RLock()
	s, ok := c.settings[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	raw, err := c.store.Get(ctx, settingsKey(org, streamType, stream))
	if err == kvstore.ErrNotFound {
		return meta.StreamSettings{}, nil
	}
	if err != nil {
		return meta.StreamSettings{}, fmt.Errorf("schema: load settings: %w", err)
	}
	var settings meta.StreamSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return meta.StreamSettings{}, fmt.Errorf("schema: decode settings: %w", err)
	}
	c.mu.Lock()
	c.settings[key] = settings
	c.mu.Unlock()
	return settings, nil
}

// UpdateSettings overwrites the stream's settings. Settings changes
// never open a new schema version; they're independent state.
func (c *Cache) UpdateSettings(ctx context.Context, org, stream string, streamType meta.StreamType, settings meta.StreamSettings) error {
	settings.UpdatedAt = time.Now().UnixMicro()
	if settings.CreatedAt == 0 {
		settings.CreatedAt = settings.UpdatedAt
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("schema: encode settings: %w", err)
	}
	key := settingsKey(org, streamType, stream)
	if err := c.store.Put(ctx, key, raw, settings.UpdatedAt); err != nil {
		return fmt.Errorf("schema: write settings: %w", err)
	}
	c.mu.Lock()
	c.settings[cacheKey(org, streamType, stream)] = settings
	c.mu.Unlock()
	if c.coord != nil {
		_ = c.coord.Publish(ctx, kvstore.Event{Kind: kvstore.EventPut, Key: key})
	}
	return nil
}
