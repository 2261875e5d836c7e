package source

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

type xlsxReader struct {
	file    *excelize.File
	sheet   string
	rows    *excelize.Rows
	headers []string
	line    int
}

func openXLSX(path string) (*xlsxReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			f.Close()
			return nil, ErrEmptyFile
		}
		sheet = sheets[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	r := &xlsxReader{file: f, sheet: sheet, rows: rows}
	if !rows.Next() {
		r.Close()
		return nil, ErrEmptyFile
	}
	header, err := rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("read header row: %w", err)
	}
	r.headers = trimCells(header)
	if isBlank(r.headers) {
		r.Close()
		return nil, ErrEmptyFile
	}
	r.line = 1
	return r, nil
}

func (r *xlsxReader) Headers() []string { return r.headers }

func (r *xlsxReader) Next() (Row, error) {
	for r.rows.Next() {
		r.line++
		cells, err := r.rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return Row{}, &RowReadError{Line: r.line, Err: err}
		}
		if isBlank(cells) {
			continue
		}
		return Row{Line: r.line, Cells: cells}, nil
	}
	if err := r.rows.Error(); err != nil {
		return Row{}, fmt.Errorf("read sheet %q: %w", r.sheet, err)
	}
	return Row{}, io.EOF
}

// TotalRows reads the row count from the sheet dimension, falling back to a
// counting pass when the workbook carries no usable dimension.
func (r *xlsxReader) TotalRows() (int, error) {
	dim, err := r.file.GetSheetDimension(r.sheet)
	if err == nil {
		if parts := strings.Split(dim, ":"); len(parts) == 2 {
			if _, last, err := excelize.CellNameToCoordinates(parts[1]); err == nil && last > 0 {
				return last - 1, nil
			}
		}
	}
	return r.countRows()
}

func (r *xlsxReader) countRows() (int, error) {
	rows, err := r.file.Rows(r.sheet)
	if err != nil {
		return 0, fmt.Errorf("read sheet %q: %w", r.sheet, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return 0, err
		}
		if !isBlank(cells) {
			count++
		}
	}
	if count > 0 {
		count--
	}
	return count, rows.Error()
}

func (r *xlsxReader) Close() error {
	var firstErr error
	if r.rows != nil {
		firstErr = r.rows.Close()
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
