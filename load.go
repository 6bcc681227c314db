// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cellkit/cellkit/mtx"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

type LoadOptions struct {
	// Sample id applied to every loaded cell.
	Sample string `yaml:"-"`
	// Keep every Stride'th cell (1-based positions Stride,
	// 2*Stride, ...). Values < 1 mean 1.
	Stride int `yaml:"stride"`
	// Drop features detected in fewer than MinCells cells.
	MinCells int `yaml:"min_cells"`
	// Drop cells with fewer than MinFeatures detected features.
	MinFeatures int `yaml:"min_features"`
}

func (o *LoadOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.Stride, "stride", 1, "keep every `k`th cell of each sample")
	flags.IntVar(&o.MinCells, "min-cells", 3, "drop features detected in fewer than `N` cells")
	flags.IntVar(&o.MinFeatures, "min-features", 200, "drop cells with fewer than `N` detected features at load time")
}

// Load10X reads a Cell Ranger output directory (matrix.mtx,
// features.tsv or genes.tsv, barcodes.tsv, each optionally gzipped).
func Load10X(dir string, opts LoadOptions) (*Dataset, error) {
	matrixPath, err := findInput(dir, "matrix.mtx")
	if err != nil {
		return nil, err
	}
	featuresPath, err := findInput(dir, "features.tsv", "genes.tsv")
	if err != nil {
		return nil, err
	}
	barcodesPath, err := findInput(dir, "barcodes.tsv")
	if err != nil {
		return nil, err
	}

	barcodes, err := readTSVColumn(barcodesPath, 0)
	if err != nil {
		return nil, err
	}
	featureNames, err := readTSVColumn(featuresPath, 1)
	if err != nil {
		return nil, err
	}
	featureNames = makeUnique(featureNames)

	f, err := zopen(matrixPath)
	if err != nil {
		return nil, &IOError{Path: matrixPath, Err: err}
	}
	defer f.Close()
	m, err := mtx.Read(f)
	if errors.Is(err, mtx.ErrFormat) {
		return nil, fmt.Errorf("%w: %s: %s", ErrFormat, matrixPath, err)
	} else if err != nil {
		return nil, &IOError{Path: matrixPath, Err: err}
	}
	if m.Rows != len(featureNames) {
		return nil, fmt.Errorf("%w: %s has %d rows, %s has %d features", ErrFormat, matrixPath, m.Rows, featuresPath, len(featureNames))
	}
	if m.Cols != len(barcodes) {
		return nil, fmt.Errorf("%w: %s has %d columns, %s has %d barcodes", ErrFormat, matrixPath, m.Cols, barcodesPath, len(barcodes))
	}
	for _, e := range m.Entries {
		if e.Value != math.Trunc(e.Value) {
			return nil, fmt.Errorf("%w: %s: non-integer count %g at row %d, column %d", ErrFormat, matrixPath, e.Value, e.Row+1, e.Col+1)
		}
	}
	log.WithFields(log.Fields{
		"sample":   opts.Sample,
		"features": m.Rows,
		"cells":    m.Cols,
		"nonzero":  len(m.Entries),
	}).Info("loaded matrix")

	ds := fromEntries(m, featureNames, barcodes, opts.Sample)
	ds = strideCells(ds, opts.Stride)
	ds = applyMinFeatures(ds, opts.MinFeatures)
	ds = applyMinCells(ds, opts.MinCells)
	if ds.NCells() == 0 {
		return nil, fmt.Errorf("%w: no cells left after loading %s", ErrEmptyResult, dir)
	}
	log.Printf("%s: kept %d cells, %d features", opts.Sample, ds.NCells(), ds.NFeatures())
	return ds, ds.Check()
}

func findInput(dir string, names ...string) (string, error) {
	for _, name := range names {
		for _, fnm := range []string{name, name + ".gz"} {
			path := filepath.Join(dir, fnm)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	path := filepath.Join(dir, names[0])
	return "", &IOError{Path: path, Err: os.ErrNotExist}
}

// readTSVColumn returns the given 0-based column of each line, or
// the first column on lines that have fewer columns.
func readTSVColumn(path string, col int) ([]string, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if col < len(fields) {
			out = append(out, fields[col])
		} else {
			out = append(out, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	return out, nil
}

// makeUnique appends ".1", ".2", ... to repeated names so every
// name is distinct, leaving the first occurrence unchanged.
func makeUnique(names []string) []string {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
	}
	out := make([]string, len(names))
	count := map[string]int{}
	first := map[string]bool{}
	for i, name := range names {
		if !first[name] {
			first[name] = true
			out[i] = name
			continue
		}
		for {
			count[name]++
			candidate := name + "." + strconv.Itoa(count[name])
			if !seen[candidate] {
				seen[candidate] = true
				out[i] = candidate
				break
			}
		}
	}
	return out
}

// fromEntries builds a CSC count matrix from unordered coordinate
// entries, summing duplicates.
func fromEntries(m *mtx.Matrix, features, barcodes []string, sample string) *Dataset {
	cols := make([][]mtx.Entry, m.Cols)
	for _, e := range m.Entries {
		cols[e.Col] = append(cols[e.Col], e)
	}
	b := newCSCBuilder(m.Rows, m.Cols, len(m.Entries))
	var rows []int
	var vals []float64
	for _, col := range cols {
		sort.SliceStable(col, func(a, b int) bool { return col[a].Row < col[b].Row })
		rows, vals = rows[:0], vals[:0]
		for _, e := range col {
			if n := len(rows); n > 0 && rows[n-1] == e.Row {
				vals[n-1] += e.Value
				continue
			}
			rows = append(rows, e.Row)
			vals = append(vals, e.Value)
		}
		b.AddColumn(rows, vals)
	}
	ds := &Dataset{
		Counts:   b.Build(),
		Cells:    make([]Cell, m.Cols),
		Features: make([]Feature, m.Rows),
	}
	for j, bc := range barcodes {
		ds.Cells[j] = Cell{Barcode: bc, Sample: sample, Cluster: -1}
	}
	for i, name := range features {
		ds.Features[i] = Feature{Name: name, Rank: -1}
	}
	return ds
}

func strideCells(ds *Dataset, stride int) *Dataset {
	if stride <= 1 {
		return ds
	}
	var keep []int
	for j := stride - 1; j < ds.NCells(); j += stride {
		keep = append(keep, j)
	}
	log.Printf("stride %d: keeping %d of %d cells", stride, len(keep), ds.NCells())
	return ds.subsetCells(keep)
}

func applyMinFeatures(ds *Dataset, minFeatures int) *Dataset {
	if minFeatures <= 0 {
		return ds
	}
	var keep []int
	for j := 0; j < ds.NCells(); j++ {
		if ind, _ := cscColumn(ds.Counts, j); len(ind) >= minFeatures {
			keep = append(keep, j)
		}
	}
	if len(keep) == ds.NCells() {
		return ds
	}
	log.Printf("min-features %d: keeping %d of %d cells", minFeatures, len(keep), ds.NCells())
	return ds.subsetCells(keep)
}

func applyMinCells(ds *Dataset, minCells int) *Dataset {
	if minCells <= 0 {
		return ds
	}
	detected := make([]int, ds.NFeatures())
	for j := 0; j < ds.NCells(); j++ {
		ind, _ := cscColumn(ds.Counts, j)
		for _, i := range ind {
			detected[i]++
		}
	}
	var keep []int
	for i, n := range detected {
		if n >= minCells {
			keep = append(keep, i)
		}
	}
	if len(keep) == ds.NFeatures() {
		return ds
	}
	log.Printf("min-cells %d: keeping %d of %d features", minCells, len(keep), ds.NFeatures())
	return ds.subsetFeatures(keep)
}

// zopen returns a reader for the given file, transparently
// decompressing the input if fnm ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}
