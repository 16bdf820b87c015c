package dataset

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// LoadExcel reads one sheet of a workbook; the first row is the header.
// An empty sheet name selects the first sheet.
func LoadExcel(path string, sheet string) (*Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &LoadError{Source: path, Message: "failed to open workbook", Err: err}
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return &Dataset{}, nil
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, &LoadError{Source: path, Message: fmt.Sprintf("failed to read sheet %q", sheet), Err: err}
	}
	if len(rows) == 0 {
		return &Dataset{}, nil
	}
	return FromRows(rows[0], rows[1:]), nil
}
