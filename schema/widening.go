// Package schema implements the per-stream schema cache and its
// merge protocol, grounded on
// original_source/src/infra/src/schema/mod.rs (`merge`,
// `get_merge_schema_changes`, `is_widening_conversion`).
package schema

import "github.com/obscore/obscore/meta"

// wideningTable lists, for each field type, every type a field of
// that type may be widened to without loss — translated from
// is_widening_conversion's match arms.
var wideningTable = map[meta.FieldType][]meta.FieldType{
	meta.FieldBool: {meta.FieldUtf8},
	meta.FieldI8: {
		meta.FieldUtf8, meta.FieldI16, meta.FieldI32, meta.FieldI64,
		meta.FieldF16, meta.FieldF32, meta.FieldF64,
	},
	meta.FieldI16: {
		meta.FieldUtf8, meta.FieldI32, meta.FieldI64,
		meta.FieldF16, meta.FieldF32, meta.FieldF64,
	},
	meta.FieldI32: {
		meta.FieldUtf8, meta.FieldI64, meta.FieldU32, meta.FieldU64,
		meta.FieldF32, meta.FieldF64,
	},
	meta.FieldI64: {meta.FieldUtf8, meta.FieldU64, meta.FieldF64},
	meta.FieldU8: {
		meta.FieldUtf8, meta.FieldU16, meta.FieldU32, meta.FieldU64,
	},
	meta.FieldU16: {meta.FieldUtf8, meta.FieldU32, meta.FieldU64},
	meta.FieldU32: {meta.FieldUtf8, meta.FieldU64},
	meta.FieldU64: {meta.FieldUtf8},
	meta.FieldF16: {meta.FieldUtf8, meta.FieldF32, meta.FieldF64},
	meta.FieldF32: {meta.FieldUtf8, meta.FieldF64},
	meta.FieldF64: {meta.FieldUtf8},
}

// IsWideningConversion reports whether a field may move from `from`
// to `to` without being flagged cast=true. Any type not present in
// the table (including Utf8 itself) only widens to Utf8, matching the
// original's `_ => vec![Utf8]` fallback arm.
func IsWideningConversion(from, to meta.FieldType) bool {
	if from == to {
		return true
	}
	allowed, ok := wideningTable[from]
	if !ok {
		return to == meta.FieldUtf8
	}
	for _, t := range allowed {
		if t == to {
			return true
		}
	}
	return false
}
