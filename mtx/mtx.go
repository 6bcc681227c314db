// Package mtx reads sparse matrices in Matrix Market coordinate
// format, as written by 10x Genomics Cell Ranger (matrix.mtx).
package mtx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var ErrFormat = errors.New("malformed matrix market data")

// Entries beyond this are appended as they are read.
const maxPrealloc = 1 << 20

type Entry struct {
	Row   int // 0-based
	Col   int // 0-based
	Value float64
}

type Matrix struct {
	Rows    int
	Cols    int
	Field   string // "integer", "real", or "pattern"
	Entries []Entry
}

func formatErr(line int, format string, args ...interface{}) error {
	return fmt.Errorf("%w: line %d: %s", ErrFormat, line, fmt.Sprintf(format, args...))
}

// Read parses a coordinate-format, general-symmetry matrix. Indices
// in the file are 1-based; Entries are returned 0-based, in file
// order. Values must be non-negative, and integral if the header
// says "integer".
func Read(r io.Reader) (*Matrix, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	lineNum := 0

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, formatErr(1, "empty input")
	}
	lineNum++
	header := strings.Fields(strings.ToLower(scanner.Text()))
	if len(header) != 5 || header[0] != "%%matrixmarket" || header[1] != "matrix" {
		return nil, formatErr(lineNum, "bad header %q", scanner.Text())
	}
	if header[2] != "coordinate" {
		return nil, formatErr(lineNum, "unsupported format %q (only coordinate)", header[2])
	}
	m := &Matrix{Field: header[3]}
	switch m.Field {
	case "integer", "real", "pattern":
	default:
		return nil, formatErr(lineNum, "unsupported field %q", header[3])
	}
	if header[4] != "general" {
		return nil, formatErr(lineNum, "unsupported symmetry %q (only general)", header[4])
	}

	nnz := -1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '%' {
			continue
		}
		fields := strings.Fields(line)
		if nnz < 0 {
			if len(fields) != 3 {
				return nil, formatErr(lineNum, "size line needs 3 fields, got %q", line)
			}
			dims := make([]int, 3)
			for i, f := range fields {
				n, err := strconv.Atoi(f)
				if err != nil || n < 0 {
					return nil, formatErr(lineNum, "bad size %q", f)
				}
				dims[i] = n
			}
			m.Rows, m.Cols, nnz = dims[0], dims[1], dims[2]
			if float64(nnz) > float64(m.Rows)*float64(m.Cols) {
				return nil, formatErr(lineNum, "%d entries do not fit in %d x %d", nnz, m.Rows, m.Cols)
			}
			m.Entries = make([]Entry, 0, min(nnz, maxPrealloc))
			continue
		}
		want := 3
		if m.Field == "pattern" {
			want = 2
		}
		if len(fields) != want {
			return nil, formatErr(lineNum, "entry needs %d fields, got %q", want, line)
		}
		row, err := strconv.Atoi(fields[0])
		if err != nil || row < 1 || row > m.Rows {
			return nil, formatErr(lineNum, "row index %q out of range 1..%d", fields[0], m.Rows)
		}
		col, err := strconv.Atoi(fields[1])
		if err != nil || col < 1 || col > m.Cols {
			return nil, formatErr(lineNum, "column index %q out of range 1..%d", fields[1], m.Cols)
		}
		value := 1.0
		if m.Field != "pattern" {
			value, err = strconv.ParseFloat(fields[2], 64)
			if err != nil || value < 0 || math.IsInf(value, 0) || math.IsNaN(value) {
				return nil, formatErr(lineNum, "bad value %q", fields[2])
			}
			if m.Field == "integer" && value != math.Trunc(value) {
				return nil, formatErr(lineNum, "non-integer value %q in integer matrix", fields[2])
			}
		}
		if len(m.Entries) == nnz {
			return nil, formatErr(lineNum, "more than %d entries", nnz)
		}
		m.Entries = append(m.Entries, Entry{Row: row - 1, Col: col - 1, Value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if nnz < 0 {
		return nil, formatErr(lineNum, "missing size line")
	}
	if len(m.Entries) != nnz {
		return nil, formatErr(lineNum, "header says %d entries, found %d", nnz, len(m.Entries))
	}
	return m, nil
}
