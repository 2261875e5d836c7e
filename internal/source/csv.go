package source

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/transform"
)

type csvReader struct {
	path      string
	file      *os.File
	records   *csv.Reader
	headers   []string
	delimiter rune
	encoding  string
	line      int
	total     int
	counted   bool
}

func openCSV(path string) (*csvReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}

	sample := make([]byte, sniffSize)
	n, err := io.ReadFull(f, sample)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		f.Close()
		return nil, fmt.Errorf("read csv: %w", err)
	}
	sample = sample[:n]
	if len(bytes.TrimSpace(sample)) == 0 {
		f.Close()
		return nil, ErrEmptyFile
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewind csv: %w", err)
	}

	enc := detectEncoding(sample)
	r := &csvReader{
		path:      path,
		file:      f,
		encoding:  enc,
		delimiter: detectDelimiter(sample, enc),
	}
	r.records = r.newRecordReader(f)

	header, err := r.records.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	r.headers = trimCells(header)
	if isBlank(r.headers) {
		f.Close()
		return nil, ErrEmptyFile
	}
	r.line = 1
	return r, nil
}

func (r *csvReader) newRecordReader(src io.Reader) *csv.Reader {
	decoded := transform.NewReader(bufio.NewReader(src), newDecoder(r.encoding))
	cr := csv.NewReader(decoded)
	cr.Comma = r.delimiter
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr
}

func (r *csvReader) Headers() []string { return r.headers }

// Encoding and Delimiter expose what was detected for the file.
func (r *csvReader) Encoding() string { return r.encoding }

func (r *csvReader) Delimiter() rune { return r.delimiter }

// Next returns the next non-blank record. Line is the physical line the
// record starts on, so empty lines and multi-line quoted cells are counted.
func (r *csvReader) Next() (Row, error) {
	for {
		record, err := r.records.Read()
		if errors.Is(err, io.EOF) {
			return Row{}, io.EOF
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				r.line = parseErr.StartLine
				return Row{}, &RowReadError{Line: r.line, Err: parseErr.Err}
			}
			return Row{}, err
		}
		r.line, _ = r.records.FieldPos(0)
		if isBlank(record) {
			continue
		}
		return Row{Line: r.line, Cells: record}, nil
	}
}

// TotalRows counts non-empty data rows in a separate pass over the file.
func (r *csvReader) TotalRows() (int, error) {
	if r.counted {
		return r.total, nil
	}

	f, err := os.Open(r.path)
	if err != nil {
		return 0, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	cr := r.newRecordReader(f)
	count := 0
	first := true
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if first {
			first = false
			continue
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return 0, fmt.Errorf("count csv rows: %w", err)
		}
		if err == nil && isBlank(record) {
			continue
		}
		count++
	}

	r.total, r.counted = count, true
	return count, nil
}

func (r *csvReader) Close() error {
	return r.file.Close()
}
