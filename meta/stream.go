package meta

// StreamType classifies an ingestion target.
type StreamType string

const (
	StreamTypeLogs             StreamType = "logs"
	StreamTypeMetrics          StreamType = "metrics"
	StreamTypeTraces           StreamType = "traces"
	StreamTypeIndex            StreamType = "index"
	StreamTypeEnrichmentTable  StreamType = "enrichment_table"
)

// FieldType is the Arrow-like set of scalar field types a Stream schema
// tracks. Ordered here roughly by widening rank per field.
type FieldType string

const (
	FieldBool  FieldType = "bool"
	FieldI8    FieldType = "i8"
	FieldI16   FieldType = "i16"
	FieldI32   FieldType = "i32"
	FieldI64   FieldType = "i64"
	FieldU8    FieldType = "u8"
	FieldU16   FieldType = "u16"
	FieldU32   FieldType = "u32"
	FieldU64   FieldType = "u64"
	FieldF16   FieldType = "f16"
	FieldF32   FieldType = "f32"
	FieldF64   FieldType = "f64"
	FieldUtf8  FieldType = "utf8"
)

// Field is one column of a Stream's schema.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
	// Cast is set when a write offered a non-widening type change; the
	// stored type is left unchanged and future writes of that shape are
	// coerced best-effort to a string instead of opening a new version.
	Cast bool `json:"cast,omitempty"`
}

// Schema is one version of a Stream's field list plus the window of
// time it applies to.
type Schema struct {
	Fields    []Field           `json:"fields"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
	StartDt   int64             `json:"start_dt"`
	EndDt     int64             `json:"end_dt,omitempty"`
}

// FieldByName returns a pointer to the field with the given name, or
// nil if absent.
func (s *Schema) FieldByName(name string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// StreamSettings holds the per-stream configuration that isn't part of
// the schema proper.
type StreamSettings struct {
	PartitionKeys        []string `json:"partition_keys,omitempty"`
	PartitionTimeLevel    string   `json:"partition_time_level,omitempty"` // "hourly" | "daily"
	FullTextSearchFields  []string `json:"full_text_search_fields,omitempty"`
	SecondaryIndexFields  []string `json:"secondary_index_fields,omitempty"`
	BloomFilterFields     []string `json:"bloom_filter_fields,omitempty"`
	DefinedSchemaFields   []string `json:"defined_schema_fields,omitempty"`
	IndexUpdatedAt        int64    `json:"index_updated_at"`
	CreatedAt             int64    `json:"created_at"`
	UpdatedAt             int64    `json:"updated_at"`
	// DataRetentionDays and StorePartitions are carried from the
	// original config::meta::stream settings struct; consumed only by
	// schema settings read/write, no other component reads them.
	DataRetentionDays int `json:"data_retention_days,omitempty"`
	StorePartitions   int `json:"store_partitions,omitempty"`
}

// Stream is a named, typed ingestion target scoped to an organization.
type Stream struct {
	Org      string     `json:"org"`
	Name     string     `json:"name"`
	Type     StreamType `json:"type"`
	Settings StreamSettings
}
