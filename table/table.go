// Package table parses tabular datasets (CSV and XLSX) into a header list
// and string-keyed rows, and writes export manifests back as CSV.
package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrMalformedTable wraps every parse failure.
var ErrMalformedTable = errors.New("malformed table")

// Row is one record keyed by column name.
type Row map[string]string

// Table is a parsed dataset. Headers keep the order of the header row.
type Table struct {
	Headers []string
	Rows    []Row
}

// utf8BOM is stripped from the first header cell.
const utf8BOM = "\ufeff"

// ParseCSV reads a CSV document whose first non-blank record is the header
// row. Blank lines are skipped. Short records are padded with empty values;
// records with more fields than headers are rejected.
func ParseCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var records [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTable, err)
		}
		records = append(records, rec)
	}
	return fromRecords(records)
}

// ParseXLSX reads a worksheet of an XLSX workbook. An empty sheet name
// selects the active sheet.
func ParseXLSX(r io.Reader, sheet string) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTable, err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(f.GetActiveSheetIndex())
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: sheet %q: %v", ErrMalformedTable, sheet, err)
	}
	return fromRecords(rows)
}

// ParseFile parses a .csv, .tsv or .xlsx file by extension.
func ParseFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return ParseXLSX(bytes.NewReader(data), "")
	case ".tsv":
		cr := csv.NewReader(bytes.NewReader(data))
		cr.Comma = '\t'
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		records, err := cr.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTable, err)
		}
		return fromRecords(records)
	default:
		return ParseCSV(bytes.NewReader(data))
	}
}

// fromRecords turns raw records into a Table. The first non-blank record
// is the header row.
func fromRecords(records [][]string) (*Table, error) {
	t := &Table{}
	line := 0
	for _, rec := range records {
		line++
		if isBlank(rec) {
			continue
		}
		if t.Headers == nil {
			headers, err := parseHeaders(rec)
			if err != nil {
				return nil, err
			}
			t.Headers = headers
			continue
		}
		if len(rec) > len(t.Headers) && !isBlank(rec[len(t.Headers):]) {
			return nil, fmt.Errorf("%w: record %d has %d fields, header has %d",
				ErrMalformedTable, line, len(rec), len(t.Headers))
		}
		row := make(Row, len(t.Headers))
		for i, h := range t.Headers {
			if i < len(rec) {
				row[h] = rec[i]
			} else {
				row[h] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}
	if t.Headers == nil {
		return nil, fmt.Errorf("%w: no header row", ErrMalformedTable)
	}
	return t, nil
}

func parseHeaders(rec []string) ([]string, error) {
	headers := make([]string, 0, len(rec))
	seen := make(map[string]bool, len(rec))
	// Trailing empty header cells come from spreadsheets with stray
	// formatting and are dropped.
	end := len(rec)
	for end > 0 && strings.TrimSpace(rec[end-1]) == "" {
		end--
	}
	for i, h := range rec[:end] {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("%w: header %d is empty", ErrMalformedTable, i+1)
		}
		if seen[h] {
			return nil, fmt.Errorf("%w: duplicate header %q", ErrMalformedTable, h)
		}
		seen[h] = true
		headers = append(headers, h)
	}
	return headers, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// WriteCSV writes headers and rows as CSV. Values missing from a row are
// written empty; keys not listed in headers are ignored.
func WriteCSV(w io.Writer, headers []string, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return err
	}
	rec := make([]string, len(headers))
	for _, row := range rows {
		for i, h := range headers {
			rec[i] = row[h]
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
