package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/obscore/obscore/meta"
)

func TestMergeFields_WideningReplacesType(t *testing.T) {
	latest := []meta.Field{{Name: "x", Type: meta.FieldI32}}
	changed, delta, merged := MergeFields(latest, []meta.Field{{Name: "x", Type: meta.FieldI64}})

	assert.True(t, changed)
	assert.Len(t, delta, 1)
	assert.False(t, delta[0].Cast)
	assert.Equal(t, meta.FieldI64, fieldByName(merged, "x").Type)
}

func TestMergeFields_NonWideningFlagsCastAndKeepsType(t *testing.T) {
	latest := []meta.Field{{Name: "x", Type: meta.FieldI64}}
	changed, delta, merged := MergeFields(latest, []meta.Field{{Name: "x", Type: meta.FieldBool}})

	assert.False(t, changed)
	assert.Nil(t, merged)
	assert.Len(t, delta, 1)
	assert.True(t, delta[0].Cast)
	assert.Equal(t, meta.FieldI64, delta[0].Field.Type)
}

func TestMergeFields_NewFieldIsAdded(t *testing.T) {
	latest := []meta.Field{{Name: "x", Type: meta.FieldI64}}
	changed, delta, merged := MergeFields(latest, []meta.Field{{Name: "y", Type: meta.FieldUtf8}})

	assert.True(t, changed)
	assert.Len(t, delta, 1)
	assert.False(t, delta[0].Cast)
	assert.NotNil(t, fieldByName(merged, "y"))
	assert.NotNil(t, fieldByName(merged, "x"))
}

func TestMergeFields_UnchangedTypeProducesNoChange(t *testing.T) {
	latest := []meta.Field{{Name: "x", Type: meta.FieldI64}}
	changed, delta, merged := MergeFields(latest, []meta.Field{{Name: "x", Type: meta.FieldI64}})

	assert.False(t, changed)
	assert.Empty(t, delta)
	assert.Nil(t, merged)
}

func TestMergeFields_IsMonotone(t *testing.T) {
	// No previously accepted field is ever dropped across a sequence of
	// merges, and no type moves against the widening order.
	latest := []meta.Field{{Name: "x", Type: meta.FieldI32}}
	_, _, merged := MergeFields(latest, []meta.Field{{Name: "x", Type: meta.FieldI64}, {Name: "y", Type: meta.FieldUtf8}})
	assert.NotNil(t, fieldByName(merged, "x"))
	assert.NotNil(t, fieldByName(merged, "y"))

	_, _, merged2 := MergeFields(merged, []meta.Field{{Name: "x", Type: meta.FieldBool}})
	// Bool is non-widening against I64, so x must remain I64 and present.
	assert.Nil(t, merged2)

	_, _, merged3 := MergeFields(merged, []meta.Field{{Name: "z", Type: meta.FieldF64}})
	assert.NotNil(t, fieldByName(merged3, "x"))
	assert.NotNil(t, fieldByName(merged3, "y"))
	assert.NotNil(t, fieldByName(merged3, "z"))
}

func TestIsWideningConversion(t *testing.T) {
	assert.True(t, IsWideningConversion(meta.FieldI8, meta.FieldI32))
	assert.True(t, IsWideningConversion(meta.FieldF16, meta.FieldF64))
	assert.True(t, IsWideningConversion(meta.FieldBool, meta.FieldUtf8))
	assert.False(t, IsWideningConversion(meta.FieldI64, meta.FieldBool))
	assert.False(t, IsWideningConversion(meta.FieldUtf8, meta.FieldI64))
}

func fieldByName(fields []meta.Field, name string) *meta.Field {
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i]
		}
	}
	return nil
}
