package source

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyFile         = errors.New("file is empty or has no header row")
)

// Row is one data row. Line is 1-based with the header on line 1.
type Row struct {
	Line  int
	Cells []string
}

// Value returns the cell at idx, or "" when the row is shorter.
func (r Row) Value(idx int) string {
	if idx < 0 || idx >= len(r.Cells) {
		return ""
	}
	return r.Cells[idx]
}

// RowReadError reports a record that could not be decoded. Reading may
// continue with the next call to Next.
type RowReadError struct {
	Line int
	Err  error
}

func (e *RowReadError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowReadError) Unwrap() error {
	return e.Err
}

// Reader streams the rows of a tabular file after its header row.
type Reader interface {
	// Headers returns the trimmed cells of the first row.
	Headers() []string
	// Next returns the next non-empty row, or io.EOF when exhausted.
	Next() (Row, error)
	// TotalRows returns the number of data rows, excluding the header.
	TotalRows() (int, error)
	Close() error
}

var supportedExtensions = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".xlsm": true,
}

// IsSupported reports whether a file with this name can be opened.
func IsSupported(name string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(name))]
}

// Open selects a reader by the extension of originalName (or path when the
// original name is empty) and reads the header row.
func Open(path, originalName string) (Reader, error) {
	name := originalName
	if name == "" {
		name = path
	}

	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".csv":
		r, err := openCSV(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	case ".xlsx", ".xlsm":
		r, err := openXLSX(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func trimCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))
	}
	return out
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
