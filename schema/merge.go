package schema

import (
	"sort"

	"github.com/obscore/obscore/meta"
)

// FieldDelta reports one field's outcome from a merge: either it was
// accepted into the merged schema (Cast=false) or it arrived with a
// non-widening type change and was left cast-flagged instead
// (Cast=true, the stored type is unchanged).
type FieldDelta struct {
	Field meta.Field
	Cast  bool
}

// MergeFields compares candidate's fields against latest's and
// returns whether anything changed, the per-field delta list, and the
// merged field set (nil when nothing changed) — a direct translation
// of get_merge_schema_changes.
func MergeFields(latest, candidate []meta.Field) (changed bool, delta []FieldDelta, merged []meta.Field) {
	merged = append([]meta.Field(nil), latest...)
	index := make(map[string]int, len(merged))
	for i, f := range merged {
		index[f.Name] = i
	}

	for _, item := range candidate {
		idx, ok := index[item.Name]
		if !ok {
			changed = true
			merged = append(merged, item)
			index[item.Name] = len(merged) - 1
			delta = append(delta, FieldDelta{Field: item})
			continue
		}
		existing := merged[idx]
		if existing.Type == item.Type {
			continue
		}
		if IsWideningConversion(existing.Type, item.Type) {
			changed = true
			merged[idx] = item
			delta = append(delta, FieldDelta{Field: item})
		} else {
			cast := existing
			cast.Cast = true
			delta = append(delta, FieldDelta{Field: cast, Cast: true})
		}
	}

	if !changed {
		return false, delta, nil
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return true, delta, merged
}
