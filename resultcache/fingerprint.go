// Package resultcache implements the query-result cache planner and
// merger: fingerprinting a query to a cache directory, looking up
// which parts of a request window are already on disk, computing the
// deltas still to execute, and merging cached and fresh hits back
// into one response. Grounded on
// original_source/src/service/search/cache/mod.rs.
package resultcache

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// NormalizeSQL collapses newlines to spaces, the same normalization
// origin_sql gets before it's hashed or parsed for stream names.
func NormalizeSQL(sql string) string {
	return strings.ReplaceAll(sql, "\n", " ")
}

// Fingerprint hashes the normalized SQL together with whatever else
// makes two otherwise-identical queries cache-distinct: an attached
// VRL function, an action id, and the regions/clusters the query was
// scoped to. Mirrors hash_body.join(",") fed through a 64-bit hash.
func Fingerprint(sql, vrl, actionID string, regions, clusters []string) uint64 {
	parts := make([]string, 0, 3+len(regions)+len(clusters))
	parts = append(parts, NormalizeSQL(sql))
	if vrl != "" {
		parts = append(parts, vrl)
	}
	if actionID != "" {
		parts = append(parts, actionID)
	}
	parts = append(parts, regions...)
	parts = append(parts, clusters...)
	return xxhash.Sum64String(strings.Join(parts, ","))
}
