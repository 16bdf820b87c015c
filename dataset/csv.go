package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// LoadCSV reads a delimited file with a header row.
func LoadCSV(path string, delimiter rune) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Source: path, Message: "failed to open file", Err: err}
	}
	defer file.Close()

	ds, err := ReadCSV(file, delimiter)
	if err != nil {
		return nil, &LoadError{Source: path, Message: "failed to parse CSV", Err: err}
	}
	return ds, nil
}

// ReadCSV parses delimited data with a header row.
func ReadCSV(r io.Reader, delimiter rune) (*Dataset, error) {
	if delimiter == 0 {
		delimiter = ','
	}
	reader := csv.NewReader(r)
	reader.Comma = delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) == 0 {
		return &Dataset{}, nil
	}
	return FromRows(rows[0], rows[1:]), nil
}
