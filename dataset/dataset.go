// Package dataset loads tabular review data into schema records.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aqua777/go-reviewrag/schema"
)

const (
	// DefaultSampleSize bounds how many rows text-field detection inspects.
	DefaultSampleSize = 200
	// DefaultMinAverageLength is the average length a column must exceed to count as free text.
	DefaultMinAverageLength = 20.0
)

var (
	// ErrNoTextField is returned when no column looks like free review text.
	ErrNoTextField = errors.New("no suitable review text column found")
	// ErrUnknownField is returned when a requested text field is not a column.
	ErrUnknownField = errors.New("text field is not a dataset column")
	// ErrUnsupportedFormat is returned for file extensions no loader handles.
	ErrUnsupportedFormat = errors.New("unsupported dataset format")
)

// Dataset is a loaded table: ordered column names plus one record per row.
type Dataset struct {
	Columns []string
	Records []schema.Record
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.Records)
}

// HasColumn reports whether name is a column.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// LoadError represents an error while loading a dataset file.
type LoadError struct {
	Source  string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return e.Source + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Source + ": " + e.Message
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Load picks a loader from the file extension (.csv, .tsv, .xlsx).
func Load(path string) (*Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(path, ',')
	case ".tsv":
		return LoadCSV(path, '\t')
	case ".xlsx", ".xlsm":
		return LoadExcel(path, "")
	default:
		return nil, &LoadError{Source: path, Message: "cannot load", Err: ErrUnsupportedFormat}
	}
}

// FromRows builds a dataset from a header row and string cells.
// Column types are inferred per column: int64 when every non-empty cell is an
// integer, float64 when every non-empty cell is numeric, string otherwise.
// Empty cells become nil. Blank header names become "Unnamed: <i>".
func FromRows(header []string, rows [][]string) *Dataset {
	columns := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = "Unnamed: " + strconv.Itoa(i)
		}
		columns[i] = h
	}

	kinds := make([]columnKind, len(columns))
	for i := range columns {
		kinds[i] = inferKind(rows, i)
	}

	records := make([]schema.Record, 0, len(rows))
	for _, row := range rows {
		rec := make(schema.Record, len(columns))
		for i, col := range columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			rec[col] = convert(cell, kinds[i])
		}
		records = append(records, rec)
	}

	return &Dataset{Columns: columns, Records: records}
}

// DetectTextField returns the first column whose sampled values are text with an
// average length above minAvgLen. At most sampleSize rows are inspected.
func DetectTextField(ds *Dataset, sampleSize int, minAvgLen float64) (string, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if minAvgLen <= 0 {
		minAvgLen = DefaultMinAverageLength
	}

	sample := ds.Records
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	for _, col := range ds.Columns {
		total, count := 0, 0
		textual := true
		for _, rec := range sample {
			v := rec[col]
			if v == nil {
				continue
			}
			s, ok := v.(string)
			if !ok {
				textual = false
				break
			}
			total += len([]rune(s))
			count++
		}
		if !textual || count == 0 {
			continue
		}
		if float64(total)/float64(count) > minAvgLen {
			return col, nil
		}
	}
	return "", ErrNoTextField
}

// ResolveTextField validates an explicit field or falls back to detection.
func ResolveTextField(ds *Dataset, field string) (string, error) {
	if field == "" {
		return DetectTextField(ds, DefaultSampleSize, DefaultMinAverageLength)
	}
	if !ds.HasColumn(field) {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return field, nil
}

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindFloat
)

func inferKind(rows [][]string, col int) columnKind {
	kind := kindInt
	seen := false
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[col])
		if isMissing(cell) {
			continue
		}
		seen = true
		if kind == kindInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
				continue
			}
			kind = kindFloat
		}
		if _, ok := parseFinite(cell); !ok {
			return kindString
		}
	}
	if !seen {
		return kindString
	}
	return kind
}

func convert(cell string, kind columnKind) any {
	trimmed := strings.TrimSpace(cell)
	if isMissing(trimmed) {
		return nil
	}
	switch kind {
	case kindInt:
		if v, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return v
		}
	case kindFloat:
		if v, ok := parseFinite(trimmed); ok {
			return v
		}
	}
	return cell
}

// isMissing reports whether a trimmed cell stands for no value.
func isMissing(cell string) bool {
	return cell == "" || strings.EqualFold(cell, "nan")
}

// parseFinite parses a float, rejecting NaN and infinities so records stay JSON-encodable.
func parseFinite(cell string) (float64, bool) {
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
