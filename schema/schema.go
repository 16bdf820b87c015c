package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	// ChunkIndexKey is the metadata key holding a fragment's position within its record.
	ChunkIndexKey = "chunk_index"

	DefaultMetadataTemplate  = "{key}: {value}"
	DefaultMetadataSeparator = " | "
)

// Record is one row of the source dataset.
// Values are string, int64, float64, bool or nil.
type Record map[string]any

// Text returns the value of field coerced to a string.
// Missing values, nil and NaN render as the empty string.
func (r Record) Text(field string) string {
	v, ok := r[field]
	if !ok {
		return ""
	}
	s := FormatValue(v)
	if strings.EqualFold(strings.TrimSpace(s), "nan") {
		return ""
	}
	return s
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() map[string]any {
	out := make(map[string]any, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Fragment is a bounded slice of a record's text carrying the record's metadata.
type Fragment struct {
	// Content is the fragment text.
	Content string `json:"page_content"`
	// Metadata is a copy of the source record plus chunk_index.
	Metadata map[string]any `json:"metadata"`
}

// ChunkIndex returns the fragment's position within its source record, or -1.
func (f Fragment) ChunkIndex() int {
	switch v := f.Metadata[ChunkIndexKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return -1
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return -1
		}
		return n
	}
	return -1
}

// MetadataString renders the metadata as sorted "key: value" pairs.
func (f Fragment) MetadataString() string {
	return FormatMetadata(f.Metadata, DefaultMetadataTemplate, DefaultMetadataSeparator)
}

// ScoredFragment is a search hit.
type ScoredFragment struct {
	Fragment
	// Ordinal is the fragment's position in index insertion order.
	Ordinal int `json:"ordinal"`
	// Score is the inner product between query and fragment vectors.
	Score float32 `json:"score"`
}

// Source is a retrieved fragment as exposed to callers of the engine.
type Source struct {
	Metadata    map[string]any `json:"metadata"`
	TextSnippet string         `json:"text_snippet"`
}

// NewSource builds the caller-facing view of a search hit.
func NewSource(sf ScoredFragment) Source {
	return Source{Metadata: sf.Metadata, TextSnippet: sf.Content}
}

// SortScored orders hits by descending score, ties broken by ascending ordinal.
func SortScored(hits []ScoredFragment) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Ordinal < hits[j].Ordinal
	})
}

// FormatMetadata renders metadata with a "{key}"/"{value}" template, keys sorted.
func FormatMetadata(metadata map[string]any, template, separator string) string {
	if len(metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		formatted := strings.ReplaceAll(template, "{key}", key)
		formatted = strings.ReplaceAll(formatted, "{value}", FormatValue(metadata[key]))
		parts = append(parts, formatted)
	}
	return strings.Join(parts, separator)
}

// FormatValue converts a metadata value to its display string.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if math.IsNaN(val) {
			return "NaN"
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		bytes, _ := json.Marshal(val)
		return string(bytes)
	}
}

// NormalizeJSONMetadata converts json.Number values decoded with UseNumber
// back into int64 or float64.
func NormalizeJSONMetadata(metadata map[string]any) map[string]any {
	for k, v := range metadata {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			metadata[k] = i
			continue
		}
		if f, err := n.Float64(); err == nil {
			metadata[k] = f
		}
	}
	return metadata
}
